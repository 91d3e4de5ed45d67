package services

import (
	"context"

	"github.com/invoxa/invoiceflow/internal/models"
)

// ResultStreamer produces the lazy sequence of completed results for a
// batch, ordered by creation time ascending.
type ResultStreamer struct {
	store RecordStore
}

func NewResultStreamer(store RecordStore) *ResultStreamer {
	return &ResultStreamer{store: store}
}

// FindCompletedResults returns an iterator over the batch's completed
// results. The iterator fetches one page at a time and only issues the next
// page query once the current page has been fully consumed, so memory stays
// bounded by pageSize no matter how large the batch is. Iteration is not
// restartable; call again for a fresh pass.
func (s *ResultStreamer) FindCompletedResults(batchID string, pageSize int) *ResultIterator {
	return &ResultIterator{
		store:    s.store,
		batchID:  batchID,
		pageSize: pageSize,
	}
}

// ResultIterator is a pull-based cursor over completed results. Not safe for
// concurrent use.
type ResultIterator struct {
	store    RecordStore
	batchID  string
	pageSize int

	buf     []*models.FileRecord
	cursor  *models.PageCursor
	drained bool
	failed  error
}

// Next returns the next completed result. The second return is false once
// the sequence is exhausted or an error occurred; the error, if any, comes
// back on every call after it happens.
func (it *ResultIterator) Next(ctx context.Context) (models.ExtractionResult, bool, error) {
	if it.failed != nil {
		return models.ExtractionResult{}, false, it.failed
	}
	for len(it.buf) == 0 {
		if it.drained {
			return models.ExtractionResult{}, false, nil
		}
		files, next, err := it.store.ListCompletedResultsPage(ctx, it.batchID, it.pageSize, it.cursor)
		if err != nil {
			it.failed = err
			return models.ExtractionResult{}, false, err
		}
		it.cursor = next
		if next == nil {
			it.drained = true
		}
		it.buf = files
		if len(files) == 0 && it.drained {
			return models.ExtractionResult{}, false, nil
		}
	}

	file := it.buf[0]
	it.buf = it.buf[1:]
	return models.ExtractionResult{FileID: file.ID, Fields: file.Result}, true, nil
}
