package transfer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"

	"github.com/klauspost/compress/zstd"
	"golang.org/x/sync/errgroup"

	"collabd/internal/collab"
)

// Importer recreates exported projects in a ProjectStore.
type Importer struct {
	store     collab.ProjectStore
	archive   collab.Archive
	encryptor collab.Encryptor
	logger    collab.Logger
}

func NewImporter(store collab.ProjectStore, archive collab.Archive, encryptor collab.Encryptor, logger collab.Logger) *Importer {
	return &Importer{store: store, archive: archive, encryptor: encryptor, logger: logger}
}

// Import reads the export stored under name and creates it as a new
// project owned by owner, keeping the exported global id. Updates are
// appended in export order under freshly minted ids. passphrase unlocks
// the server's private key when exports are sealed.
func (i *Importer) Import(ctx context.Context, name, owner, passphrase string) (*collab.Project, error) {
	if owner == "" {
		return nil, fmt.Errorf("import requires an owner")
	}
	dc, err := i.encryptor.Unlock(passphrase)
	if err != nil {
		return nil, fmt.Errorf("unlocking export key: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)
	sealedR, sealedW := io.Pipe()
	plainR, plainW := io.Pipe()

	var (
		project                  *collab.Project
		getErr, openErr, loadErr error
	)
	g.Go(func() error {
		getErr = i.archive.Get(ctx, name, sealedW)
		abort(getErr, sealedW)
		return getErr
	})
	g.Go(func() error {
		if err := dc.Decrypt(sealedR, plainW); err != nil {
			openErr = fmt.Errorf("opening export: %w", err)
		}
		abort(openErr, sealedR, plainW)
		return openErr
	})
	g.Go(func() error {
		project, loadErr = i.load(ctx, plainR, owner)
		if loadErr == nil {
			// Drain trailing bytes so the upstream stages can finish.
			_, loadErr = io.Copy(io.Discard, plainR)
		}
		abort(loadErr, plainR)
		return loadErr
	})

	if g.Wait() != nil {
		return nil, rootCause(getErr, openErr, loadErr)
	}

	i.logger.Info("project imported", "project", project.ID, "gpid", project.GlobalID, "name", name, "owner", owner)
	return project, nil
}

// load decodes the plaintext stream and hands it to the store.
func (i *Importer) load(ctx context.Context, r io.Reader, owner string) (*collab.Project, error) {
	zr, err := zstd.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadFormat, err)
	}
	defer zr.Close()

	dec := json.NewDecoder(zr)
	h, err := readHeader(dec)
	if err != nil {
		return nil, err
	}

	imp := collab.ProjectImport{
		GlobalID:    h.GlobalID,
		Hash:        h.Hash,
		Description: h.Description,
		Owner:       owner,
		Publish:     h.Publish,
		Subscribe:   h.Subscribe,
	}
	p, err := i.store.ImportProject(ctx, imp, records(dec))
	if err != nil {
		return nil, fmt.Errorf("importing project %s: %w", h.GlobalID, err)
	}
	return p, nil
}

// records yields the update lines that follow the header.
func records(dec *json.Decoder) iter.Seq2[*collab.Update, error] {
	return func(yield func(*collab.Update, error) bool) {
		for {
			var rec record
			err := dec.Decode(&rec)
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				yield(nil, fmt.Errorf("%w: reading update: %v", ErrBadFormat, err))
				return
			}
			if rec.Command == "" {
				yield(nil, fmt.Errorf("%w: update %d has no command", ErrBadFormat, rec.UpdateID))
				return
			}
			u := &collab.Update{
				ID:      rec.UpdateID,
				Author:  rec.User,
				Command: rec.Command,
				Payload: []byte(rec.Payload),
			}
			if !yield(u, nil) {
				return
			}
		}
	}
}
