package daemon

import (
	"context"
	"errors"
	"fmt"

	"github.com/msageha/ptm/internal/graph"
	"github.com/msageha/ptm/internal/scheduler"
	"github.com/msageha/ptm/internal/session"
	"github.com/msageha/ptm/internal/uds"
)

// errInvalidParams marks a request the daemon rejects before it reaches
// the session.
var errInvalidParams = errors.New("invalid params")

func invalidParams(format string, args ...any) error {
	return fmt.Errorf("%w: %s", errInvalidParams, fmt.Sprintf(format, args...))
}

// coded is implemented by errors that carry their own protocol code.
type coded interface {
	ErrorCode() string
}

// errorCode maps an operation error onto the protocol's error codes.
func errorCode(err error) string {
	var c coded
	var ve *graph.ValidationErrors
	switch {
	case errors.As(err, &c):
		return c.ErrorCode()
	case errors.As(err, &ve),
		errors.Is(err, errInvalidParams),
		errors.Is(err, session.ErrInvalidEvent),
		errors.Is(err, session.ErrInvalidFocusBlock),
		errors.Is(err, scheduler.ErrInvalidConfig):
		return uds.ErrCodeValidation
	case errors.Is(err, session.ErrNotFound):
		return uds.ErrCodeNotFound
	case errors.Is(err, context.Canceled),
		errors.Is(err, session.ErrSuperseded):
		return uds.ErrCodeCancelled
	default:
		return uds.ErrCodeInternal
	}
}

func (d *Daemon) errorResponse(command string, err error) *uds.Response {
	code := errorCode(err)
	if code == uds.ErrCodeInternal {
		d.log(LogLevelError, "command=%s error=%v", command, err)
	} else {
		d.log(LogLevelDebug, "command=%s code=%s error=%v", command, code, err)
	}
	return uds.ErrorResponse(code, err.Error())
}
