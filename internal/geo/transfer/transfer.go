// Package transfer moves file content between Geo nodes: the download side
// pulls a file from the primary and promotes it atomically into place, the
// serve side validates a signed request and hands out the stored file.
package transfer

import (
	"context"
	"errors"
)

// Request is the signed payload describing what is requested. Checksum is
// optional; when present the served file's content hash must match it.
type Request struct {
	ID       int64  `json:"id"`
	Type     string `json:"type"`
	Checksum string `json:"checksum,omitempty"`
}

// ErrorKind is the closed set of expected serve failures. Callers branch on
// it instead of catching exceptions.
type ErrorKind int

const (
	// ErrorNone means the file may be served.
	ErrorNone ErrorKind = iota
	// ErrorNotFound means no stored file matches the request.
	ErrorNotFound
	// ErrorForbidden means a file exists but the request's identity or
	// checksum does not match it.
	ErrorForbidden
)

// String implements fmt.Stringer.
func (k ErrorKind) String() string {
	switch k {
	case ErrorNone:
		return "none"
	case ErrorNotFound:
		return "not_found"
	case ErrorForbidden:
		return "forbidden"
	default:
		return "unknown"
	}
}

// Result describes the outcome of a serve request. On success Path points at
// the stored file; otherwise Error holds the rejection kind.
type Result struct {
	Path  string
	Size  int64
	Error ErrorKind
}

// Ok reports whether the file may be served.
func (r Result) Ok() bool { return r.Error == ErrorNone }

// StoredFile is the metadata of one file held by the serving node.
type StoredFile struct {
	ID   int64
	Type string
	Path string
	// SHA256 is the hex encoded content hash, empty when not yet computed.
	SHA256 string
	Size   int64
}

// ErrFileNotFound is returned by FileIndex lookups with no match.
var ErrFileNotFound = errors.New("stored file not found")

// FileIndex locates stored files by type and ID.
type FileIndex interface {
	Lookup(ctx context.Context, fileType string, id int64) (StoredFile, error)
}
