package tablestore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/user/aigrid/internal/grid"
)

// Uploader stores a document with the answering service.
type Uploader interface {
	UploadDocument(ctx context.Context, name string, content io.Reader) (*grid.Document, error)
}

// File is one document to add as a row.
type File struct {
	Name    string
	Content io.Reader
}

// AddDocuments adds one row per file, uploads the files and then runs the
// new rows. Rows whose upload fails keep an error source and are not run.
// The returned ids are the new rows in file order.
func (s *Store) AddDocuments(ctx context.Context, tableID string, files []File) ([]string, error) {
	if s.uploader == nil {
		return nil, errors.New("document uploads are not configured")
	}
	if len(files) == 0 {
		return nil, nil
	}
	rows := make([]grid.Row, len(files))
	ids := make([]string, len(files))
	for i, f := range files {
		ids[i] = grid.NewID()
		rows[i] = grid.Row{ID: ids[i], Source: grid.LoadingSource(f.Name), Cells: map[string]any{}}
	}
	_, err := s.update(tableID, func(t *grid.Table) error {
		t.Uploading = true
		t.Rows = append(t.Rows, rows...)
		grid.ApplyFilters(t)
		return nil
	})
	if err != nil {
		return nil, err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.config.UploadConcurrency)
	var uploaded []string
	results := make([]bool, len(files))
	for i, f := range files {
		g.Go(func() error {
			doc, err := s.uploader.UploadDocument(gctx, f.Name, f.Content)
			var src *grid.SourceData
			if err != nil {
				slog.Warn("document upload failed", "table_id", tableID, "name", f.Name, "error", err)
				src = grid.ErrorSource(f.Name, err.Error())
			} else {
				src = grid.DocumentSource(*doc)
				results[i] = true
			}
			if err := s.SetSourceData(tableID, ids[i], src); err != nil && !errors.Is(err, ErrNotFound) {
				return err
			}
			return nil
		})
	}
	waitErr := g.Wait()
	s.update(tableID, func(t *grid.Table) error {
		t.Uploading = false
		return nil
	})
	if waitErr != nil {
		return ids, fmt.Errorf("add documents: %w", waitErr)
	}

	for i, ok := range results {
		if ok {
			uploaded = append(uploaded, ids[i])
		}
	}
	if failed := len(files) - len(uploaded); failed > 0 {
		s.notify(Notice{TableID: tableID, Level: LevelError, Message: fmt.Sprintf("%d of %d documents failed to upload", failed, len(files))})
	}
	if len(uploaded) == 0 {
		return ids, nil
	}

	_, err = s.RerunRows(ctx, tableID, uploaded)
	switch {
	case errors.Is(err, ErrNothingToRun):
		err = nil
	case errors.Is(err, ErrRunInProgress):
		s.notify(Notice{TableID: tableID, Level: LevelWarning, Message: "Documents added; run them once the current run finishes"})
		err = nil
	}
	return ids, err
}
