// Package transfer moves whole projects between servers. An export is a
// zstd-compressed JSON-lines stream, sealed by the configured Encryptor and
// stored in an Archive under a caller-chosen name.
package transfer

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

const (
	Format        = "collabd-export"
	FormatVersion = 1
)

var (
	// ErrBadFormat means the stream is not a collabd export this version can read.
	ErrBadFormat = errors.New("not a collabd export")

	// ErrSnapshotExport is returned when asked to export a snapshot marker.
	ErrSnapshotExport = errors.New("snapshots cannot be exported, fork them first")
)

// errAborted is what a pipeline stage sees when a peer stage failed first.
var errAborted = errors.New("transfer aborted")

type closer interface {
	CloseWithError(error) error
}

// abort closes the stage's pipe ends. A failing stage poisons them with
// errAborted so its peers unblock; a finished stage closes them cleanly.
func abort(err error, pipes ...closer) {
	if err != nil {
		err = errAborted
	}
	for _, p := range pipes {
		p.CloseWithError(err)
	}
}

// rootCause picks the error of the stage that failed on its own, in
// pipeline order, over errors caused by a peer aborting.
func rootCause(errs ...error) error {
	for _, err := range errs {
		if err != nil && !errors.Is(err, errAborted) {
			return err
		}
	}
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

// header is the first line of an export.
type header struct {
	Format      string `json:"format"`
	Version     int    `json:"version"`
	GlobalID    string `json:"gpid"`
	Hash        string `json:"hash"`
	Description string `json:"description"`
	Publish     uint64 `json:"pub"`
	Subscribe   uint64 `json:"sub"`
}

// record is one update line.
type record struct {
	UpdateID int64           `json:"updateid"`
	User     string          `json:"user"`
	Command  string          `json:"cmd"`
	Payload  json.RawMessage `json:"json"`
}

func (h *header) validate() error {
	if h.Format != Format {
		return fmt.Errorf("%w: format %q", ErrBadFormat, h.Format)
	}
	if h.Version != FormatVersion {
		return fmt.Errorf("%w: unsupported version %d", ErrBadFormat, h.Version)
	}
	return nil
}

func readHeader(dec *json.Decoder) (*header, error) {
	var h header
	if err := dec.Decode(&h); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: empty stream", ErrBadFormat)
		}
		return nil, fmt.Errorf("%w: reading header: %v", ErrBadFormat, err)
	}
	if err := h.validate(); err != nil {
		return nil, err
	}
	return &h, nil
}
