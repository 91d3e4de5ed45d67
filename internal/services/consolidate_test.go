package services

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/invoxa/invoiceflow/internal/models"
)

func newConsolidationFixture(t *testing.T, n int, formats ...models.OutputFormat) (*memStore, *memBlobs, *HandleOutputFormat, *models.Batch) {
	t.Helper()
	store := newMemStore()
	batch := seedBatch(store, "b1", models.BatchStatusCompleted, n, formats...)
	seedCompletedFiles(store, "b1", n, func(i int) map[string]any {
		return map[string]any{"invoiceNumber": fmt.Sprintf("INV-%04d", i), "total": float64(i)}
	})
	blobs := newMemBlobs()
	consolidator := NewHandleOutputFormat(NewResultStreamer(store), store, blobs)
	consolidator.pageSize = 10
	consolidator.sinkBuffer = 4
	return store, blobs, consolidator, batch
}

func TestConsolidationProducesAllFormats(t *testing.T) {
	ctx := context.Background()
	store, blobs, consolidator, batch := newConsolidationFixture(t, 101,
		models.FormatJSON, models.FormatCSV, models.FormatXLSX)

	require.NoError(t, consolidator.Execute(ctx, batch))
	assert.Equal(t, 11, store.completedPageFetches, "storage is paged once for all three formats")

	// JSON: every record, in order.
	var decoded []map[string]any
	require.NoError(t, json.Unmarshal(blobs.object("exports/b1/results.json"), &decoded))
	require.Len(t, decoded, 101)
	assert.Equal(t, "INV-0000", decoded[0]["invoiceNumber"])
	assert.Equal(t, "INV-0100", decoded[100]["invoiceNumber"])

	// CSV: header plus one row per record.
	records, err := csv.NewReader(bytes.NewReader(blobs.object("exports/b1/results.csv"))).ReadAll()
	require.NoError(t, err)
	assert.Len(t, records, 102)

	// XLSX: same shape through the spreadsheet reader.
	f, err := excelize.OpenReader(bytes.NewReader(blobs.object("exports/b1/results.xlsx")))
	require.NoError(t, err)
	defer f.Close()
	rows, err := f.GetRows("Sheet1")
	require.NoError(t, err)
	assert.Len(t, rows, 102)

	// Result paths recorded on the batch.
	got, err := store.GetBatch(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, "gs://test-bucket/exports/b1/results.json", got.JSONResultPath)
	assert.Equal(t, "gs://test-bucket/exports/b1/results.csv", got.CSVResultPath)
	assert.Equal(t, "gs://test-bucket/exports/b1/results.xlsx", got.XLSXResultPath)
}

func TestConsolidationSingleFormat(t *testing.T) {
	ctx := context.Background()
	store, blobs, consolidator, batch := newConsolidationFixture(t, 7, models.FormatCSV)

	require.NoError(t, consolidator.Execute(ctx, batch))

	records, err := csv.NewReader(bytes.NewReader(blobs.object("exports/b1/results.csv"))).ReadAll()
	require.NoError(t, err)
	assert.Len(t, records, 8)

	got, err := store.GetBatch(ctx, "b1")
	require.NoError(t, err)
	assert.Empty(t, got.JSONResultPath)
	assert.Empty(t, got.XLSXResultPath)
}

func TestConsolidationRejectsEmptyFormatList(t *testing.T) {
	store := newMemStore()
	batch := seedBatch(store, "b1", models.BatchStatusCompleted, 0)
	batch.RequestedFormats = nil
	consolidator := NewHandleOutputFormat(NewResultStreamer(store), store, newMemBlobs())

	err := consolidator.Execute(context.Background(), batch)
	var vErr *models.ValidationError
	assert.ErrorAs(t, err, &vErr)
}

func TestConsolidationDiscardsTruncatedArtifacts(t *testing.T) {
	ctx := context.Background()
	store, blobs, consolidator, batch := newConsolidationFixture(t, 25,
		models.FormatJSON, models.FormatCSV)
	store.failCompletedPage = 2

	err := consolidator.Execute(ctx, batch)
	require.ErrorContains(t, err, "induced page failure")

	// No partial export survives, and no result path was recorded.
	for _, object := range []string{"exports/b1/results.json", "exports/b1/results.csv"} {
		assert.Nil(t, blobs.object(object), object)
		assert.Contains(t, blobs.deleted, object)
	}
	got, getErr := store.GetBatch(ctx, "b1")
	require.NoError(t, getErr)
	assert.Empty(t, got.JSONResultPath)
	assert.Empty(t, got.CSVResultPath)
}

func TestConsolidationEmptyResultSet(t *testing.T) {
	// A partially completed batch can have formats but zero completed files.
	ctx := context.Background()
	store := newMemStore()
	batch := seedBatch(store, "b1", models.BatchStatusPartiallyCompleted, 3, models.FormatJSON)
	blobs := newMemBlobs()
	consolidator := NewHandleOutputFormat(NewResultStreamer(store), store, blobs)

	require.NoError(t, consolidator.Execute(ctx, batch))
	assert.Equal(t, "[]", string(blobs.object("exports/b1/results.json")))
}

func TestConsolidationArtifactNaming(t *testing.T) {
	_, blobs, consolidator, batch := newConsolidationFixture(t, 3, models.FormatJSON)
	require.NoError(t, consolidator.Execute(context.Background(), batch))

	for object := range blobs.objects {
		assert.True(t, strings.HasPrefix(object, "exports/b1/"), object)
	}
}
