// Package ingest backfills missing paper abstracts from downloaded PDFs.
// A polling worker walks the date partitions, extracts text from each
// paper's pdf_path, and fills abstract_en when it is empty.
package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/caopulan/arXivDaily/internal/papers"
)

// PaperStore abstracts the partition operations the worker needs.
type PaperStore interface {
	ListDates() ([]time.Time, error)
	LoadDate(date time.Time) []papers.Paper
	SaveDate(date time.Time, list []papers.Paper) error
}

// TextExtractor pulls plain text from a PDF file.
type TextExtractor interface {
	Extract(path string) (string, error)
}

// Worker periodically backfills abstracts across all partitions.
type Worker struct {
	store     PaperStore
	extractor TextExtractor
	dataDir   string
	poll      time.Duration
	logger    *slog.Logger
}

// NewWorker creates a Worker. Relative pdf paths resolve against dataDir.
// If pollInterval is <= 0, it defaults to 30m.
func NewWorker(store PaperStore, extractor TextExtractor, dataDir string, pollInterval time.Duration) *Worker {
	if pollInterval <= 0 {
		pollInterval = 30 * time.Minute
	}
	return &Worker{
		store:     store,
		extractor: extractor,
		dataDir:   dataDir,
		poll:      pollInterval,
		logger:    slog.Default(),
	}
}

// Run polls until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		updated, err := w.RunOnce(ctx)
		if err != nil {
			w.logger.Error("backfill pass failed", "error", err)
		} else if updated > 0 {
			w.logger.Info("backfilled abstracts", "papers", updated)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(w.poll):
		}
	}
}

// RunOnce walks every partition and returns how many papers were updated.
func (w *Worker) RunOnce(ctx context.Context) (int, error) {
	dates, err := w.store.ListDates()
	if err != nil {
		return 0, fmt.Errorf("listing dates: %w", err)
	}

	total := 0
	for _, d := range dates {
		if ctx.Err() != nil {
			return total, ctx.Err()
		}
		n, err := w.BackfillDate(d)
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

// BackfillDate fills empty abstracts for one partition from the papers'
// PDFs. Papers without a pdf_path, and PDFs that fail to parse, are
// skipped; a skip never fails the pass.
func (w *Worker) BackfillDate(date time.Time) (int, error) {
	list := w.store.LoadDate(date)

	updated := 0
	for i, p := range list {
		if p.AbstractEN != "" || p.PDFPath == "" {
			continue
		}
		text, err := w.extractor.Extract(w.resolve(p.PDFPath))
		if err != nil {
			w.logger.Warn("skipping pdf", "paper", p.ID, "error", err)
			continue
		}
		abstract := abstractFromText(text)
		if abstract == "" {
			continue
		}
		list[i].AbstractEN = abstract
		updated++
	}

	if updated == 0 {
		return 0, nil
	}
	if err := w.store.SaveDate(date, list); err != nil {
		return 0, fmt.Errorf("saving partition %s: %w", date.Format(time.DateOnly), err)
	}
	return updated, nil
}

func (w *Worker) resolve(path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(w.dataDir, path)
}
