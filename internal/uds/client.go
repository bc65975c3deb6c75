package uds

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"
	"time"
)

// ErrDaemonNotRunning means nothing listens on the socket.
var ErrDaemonNotRunning = errors.New("ptm daemon is not running (start it with: ptm daemon)")

// Client sends one command per connection to the daemon.
type Client struct {
	socketPath string
	timeout    time.Duration
	timeouts   map[string]time.Duration
}

func NewClient(socketPath string) *Client {
	return &Client{
		socketPath: socketPath,
		timeout:    30 * time.Second,
		timeouts:   make(map[string]time.Duration),
	}
}

func (c *Client) SetTimeout(d time.Duration) {
	c.timeout = d
}

// SetCommandTimeout overrides the timeout for one command.
func (c *Client) SetCommandTimeout(command string, d time.Duration) {
	c.timeouts[command] = d
}

func (c *Client) timeoutFor(command string) time.Duration {
	if d, ok := c.timeouts[command]; ok && d > 0 {
		return d
	}
	return c.timeout
}

func (c *Client) Send(req *Request) (*Response, error) {
	return c.SendContext(context.Background(), req)
}

// SendContext delivers req and waits for the reply until the command's
// timeout or ctx ends, whichever is first. Cancelling ctx closes the
// connection, which cancels the handler on the daemon side.
func (c *Client) SendContext(ctx context.Context, req *Request) (*Response, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeoutFor(req.Command))
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", c.socketPath)
	if err != nil {
		if errors.Is(err, syscall.ENOENT) || errors.Is(err, syscall.ECONNREFUSED) {
			return nil, fmt.Errorf("%w: %s", ErrDaemonNotRunning, c.socketPath)
		}
		return nil, fmt.Errorf("connect to daemon at %s: %w", c.socketPath, err)
	}
	defer func() { _ = conn.Close() }()

	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(dl)
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Now()) })
	defer stop()

	if err := WriteFrame(conn, req); err != nil {
		return nil, fmt.Errorf("send %s: %w", req.Command, err)
	}
	var resp Response
	if err := ReadFrame(conn, &resp); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("%s: %w", req.Command, ctxErr)
		}
		return nil, fmt.Errorf("read %s response: %w", req.Command, err)
	}
	return &resp, nil
}

func (c *Client) SendCommand(command string, params any) (*Response, error) {
	req, err := NewRequest(command, params)
	if err != nil {
		return nil, err
	}
	return c.Send(req)
}

// Call sends a command and decodes a successful response into out. A failed
// response comes back as *ErrorDetail.
func (c *Client) Call(command string, params, out any) error {
	return c.CallContext(context.Background(), command, params, out)
}

func (c *Client) CallContext(ctx context.Context, command string, params, out any) error {
	req, err := NewRequest(command, params)
	if err != nil {
		return err
	}
	resp, err := c.SendContext(ctx, req)
	if err != nil {
		return err
	}
	return resp.Decode(out)
}
