package transfer

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
	"golang.org/x/sync/errgroup"

	"collabd/internal/collab"
)

// ExportResult summarizes a finished export.
type ExportResult struct {
	Name     string `json:"name"`
	GlobalID string `json:"gpid"`
	Updates  int    `json:"updates"`
}

// Exporter writes projects to an Archive.
type Exporter struct {
	store     collab.ProjectStore
	archive   collab.Archive
	encryptor collab.Encryptor
	logger    collab.Logger
}

func NewExporter(store collab.ProjectStore, archive collab.Archive, encryptor collab.Encryptor, logger collab.Logger) *Exporter {
	return &Exporter{store: store, archive: archive, encryptor: encryptor, logger: logger}
}

// Export streams project projectID into the archive under name. The
// encode, seal and upload stages run concurrently, joined by pipes, so the
// project log is never held in memory.
func (e *Exporter) Export(ctx context.Context, projectID int64, name string) (*ExportResult, error) {
	if !collab.ValidArchiveName(name) {
		return nil, fmt.Errorf("invalid export name %q", name)
	}
	p, err := e.store.Project(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("loading project %d: %w", projectID, err)
	}
	if p.IsSnapshot() {
		return nil, ErrSnapshotExport
	}

	g, ctx := errgroup.WithContext(ctx)
	plainR, plainW := io.Pipe()
	sealedR, sealedW := io.Pipe()

	var (
		count                      int
		encodeErr, sealErr, putErr error
	)
	g.Go(func() error {
		count, encodeErr = e.encode(ctx, p, plainW)
		abort(encodeErr, plainW)
		return encodeErr
	})
	g.Go(func() error {
		if err := e.encryptor.Encrypt(plainR, sealedW); err != nil {
			sealErr = fmt.Errorf("sealing export: %w", err)
		}
		abort(sealErr, plainR, sealedW)
		return sealErr
	})
	g.Go(func() error {
		if err := e.archive.Put(ctx, name, sealedR); err != nil {
			putErr = fmt.Errorf("storing export: %w", err)
		}
		abort(putErr, sealedR)
		return putErr
	})

	if g.Wait() != nil {
		return nil, rootCause(encodeErr, sealErr, putErr)
	}

	e.logger.Info("project exported", "project", p.ID, "gpid", p.GlobalID, "name", name, "updates", count)
	return &ExportResult{Name: name, GlobalID: p.GlobalID, Updates: count}, nil
}

// encode writes the header and every update of p through zstd to w.
func (e *Exporter) encode(ctx context.Context, p *collab.Project, w io.Writer) (int, error) {
	zw, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return 0, fmt.Errorf("creating zstd writer: %w", err)
	}
	enc := json.NewEncoder(zw)

	h := header{
		Format:      Format,
		Version:     FormatVersion,
		GlobalID:    p.GlobalID,
		Hash:        p.Hash,
		Description: p.Description,
		Publish:     p.Publish,
		Subscribe:   p.Subscribe,
	}
	if err := enc.Encode(&h); err != nil {
		zw.Close()
		return 0, fmt.Errorf("writing header: %w", err)
	}

	count := 0
	for u, err := range e.store.UpdatesSince(ctx, p.ID, 0) {
		if err != nil {
			zw.Close()
			return count, fmt.Errorf("reading updates: %w", err)
		}
		rec := record{UpdateID: u.ID, User: u.Author, Command: u.Command, Payload: u.Payload}
		if err := enc.Encode(&rec); err != nil {
			zw.Close()
			return count, fmt.Errorf("writing update %d: %w", u.ID, err)
		}
		count++
	}

	if err := zw.Close(); err != nil {
		return count, fmt.Errorf("flushing zstd stream: %w", err)
	}
	return count, nil
}
