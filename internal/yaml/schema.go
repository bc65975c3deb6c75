package yaml

import (
	"errors"
	"fmt"

	yamlv3 "gopkg.in/yaml.v3"
)

// CurrentSchemaVersion is the layout version this build writes. Files with
// an older version are still read.
const CurrentSchemaVersion = 1

// FileKind names what a versioned file holds.
type FileKind string

const KindScheduleExport FileKind = "schedule_export"

var knownKinds = map[FileKind]bool{
	KindScheduleExport: true,
}

// SchemaHeader leads every versioned file ptm writes.
type SchemaHeader struct {
	SchemaVersion int      `yaml:"schema_version"`
	FileType      FileKind `yaml:"file_type"`
}

func newHeader(kind FileKind) SchemaHeader {
	return SchemaHeader{SchemaVersion: CurrentSchemaVersion, FileType: kind}
}

// ErrNewerSchema marks a file written by a newer ptm than this one.
var ErrNewerSchema = errors.New("written by a newer ptm")

// HeaderError explains why a file is not the versioned file expected.
type HeaderError struct {
	Field   string
	Problem string
	Err     error
}

func (e *HeaderError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Problem)
}

func (e *HeaderError) Unwrap() error { return e.Err }

// readHeader checks that content is a versioned file of kind want.
func readHeader(content []byte, want FileKind) (SchemaHeader, error) {
	var h SchemaHeader
	if err := yamlv3.Unmarshal(content, &h); err != nil {
		return SchemaHeader{}, &HeaderError{Field: "schema_version", Problem: "unreadable header", Err: err}
	}

	switch {
	case h.SchemaVersion < 1:
		return h, &HeaderError{Field: "schema_version", Problem: fmt.Sprintf("must be >= 1, got %d", h.SchemaVersion)}
	case h.SchemaVersion > CurrentSchemaVersion:
		return h, &HeaderError{
			Field:   "schema_version",
			Problem: fmt.Sprintf("version %d is %s (this build reads up to %d)", h.SchemaVersion, ErrNewerSchema, CurrentSchemaVersion),
			Err:     ErrNewerSchema,
		}
	case h.FileType == "":
		return h, &HeaderError{Field: "file_type", Problem: "missing"}
	case !knownKinds[h.FileType]:
		return h, &HeaderError{Field: "file_type", Problem: fmt.Sprintf("unknown kind %q", h.FileType)}
	case want != "" && h.FileType != want:
		return h, &HeaderError{Field: "file_type", Problem: fmt.Sprintf("is %q, expected %q", h.FileType, want)}
	}
	return h, nil
}
