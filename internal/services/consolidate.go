package services

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/invoxa/invoiceflow/internal/models"
)

// DefaultResultPageSize bounds how many completed results the streamer holds
// in memory at once during consolidation.
const DefaultResultPageSize = 500

// DefaultSinkBuffer is how many items a format sink may run ahead of its
// encoder before the fanout blocks on it.
const DefaultSinkBuffer = 64

// HandleOutputFormat consolidates a finished batch's results into one export
// artifact per requested format. Invoked exactly once per batch by the
// completion trigger.
type HandleOutputFormat struct {
	streamer   *ResultStreamer
	store      RecordStore
	blobs      BlobStore
	pageSize   int
	sinkBuffer int
}

func NewHandleOutputFormat(streamer *ResultStreamer, store RecordStore, blobs BlobStore) *HandleOutputFormat {
	return &HandleOutputFormat{
		streamer:   streamer,
		store:      store,
		blobs:      blobs,
		pageSize:   DefaultResultPageSize,
		sinkBuffer: DefaultSinkBuffer,
	}
}

// Execute streams the batch's completed results through every requested
// format encoder concurrently, uploading each artifact as it is produced.
// Storage is queried once regardless of format count; with a single format
// the fanout degenerates to a direct feed. One format's failure does not
// abort the others; Execute returns only after every upload finished or
// failed.
func (h *HandleOutputFormat) Execute(ctx context.Context, batch *models.Batch) error {
	formats := batch.RequestedFormats
	if len(formats) == 0 {
		return &models.ValidationError{Msg: fmt.Sprintf("batch %s requests no output formats", batch.ID)}
	}
	tmpl, err := h.store.GetTemplate(ctx, batch.TemplateID)
	if err != nil {
		return err
	}
	opts := FlattenOptions{
		ExpandNestedObjects: tmpl.ExpandNestedObjects,
		UnwindArrays:        tmpl.UnwindArrays,
	}
	logCtx := slog.With("batchId", batch.ID, "formats", formats)
	logCtx.Info("Starting result consolidation.")

	it := h.streamer.FindCompletedResults(batch.ID, h.pageSize)
	fanout := NewStreamFanout(len(formats), h.sinkBuffer)

	// Deliberately no shared cancellation: a failing encoder must not abort
	// its siblings, only a source error stops everyone (via the sinks).
	var eg errgroup.Group
	eg.Go(func() error {
		return fanout.Run(ctx, it)
	})
	for i, format := range formats {
		sink := fanout.Sinks()[i]
		eg.Go(func() error {
			return h.encodeAndUpload(ctx, batch, format, sink, opts)
		})
	}
	if err := eg.Wait(); err != nil {
		logCtx.Error("Consolidation finished with failures.", "error", err)
		return err
	}
	logCtx.Info("Consolidation complete.")
	return nil
}

func (h *HandleOutputFormat) encodeAndUpload(ctx context.Context, batch *models.Batch, format models.OutputFormat, sink *ResultSink, opts FlattenOptions) error {
	enc, err := EncoderFor(format, opts)
	if err != nil {
		sink.Close()
		return err
	}
	object := fmt.Sprintf("exports/%s/results.%s", batch.ID, enc.Extension())
	w := h.blobs.Upload(ctx, object)

	if err := enc.Encode(ctx, sink.Items(), w); err != nil {
		sink.Close()
		h.discard(ctx, w, object)
		return fmt.Errorf("%s encoding failed: %w", format, err)
	}
	// The channel is drained; a recorded error means the source died mid-stream
	// and the artifact would be silently truncated.
	if err := sink.Err(); err != nil {
		h.discard(ctx, w, object)
		return fmt.Errorf("%s aborted by source error: %w", format, err)
	}
	if err := w.Close(); err != nil {
		return &models.StorageError{Op: fmt.Sprintf("finalize %s export", format), Err: err}
	}
	uri := h.blobs.ObjectURI(object)
	if err := h.store.SetBatchResultPath(ctx, batch.ID, format, uri); err != nil {
		return err
	}
	slog.Info("Export artifact uploaded.", "batchId", batch.ID, "format", format, "uri", uri)
	return nil
}

// discard abandons a partially-written artifact.
func (h *HandleOutputFormat) discard(ctx context.Context, w interface{ Close() error }, object string) {
	_ = w.Close()
	if err := h.blobs.Delete(ctx, object); err != nil {
		slog.Warn("Failed to delete partial export artifact", "object", object, "error", err)
	}
}
