package services

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/invoxa/invoiceflow/internal/models"
)

// memStore is an in-memory RecordStore. IncrementCounters is guarded by the
// same mutex as everything else, which stands in for the storage layer's
// transactional increment.
type memStore struct {
	mu         sync.Mutex
	batches    map[string]*models.Batch
	files      map[string]*models.FileRecord
	templates  map[string]*models.Template
	subs       map[string]*models.WebhookSubscription
	deliveries map[string]*models.WebhookDelivery

	completedPageFetches int
	failCompletedPage    int // 1-based page number to fail on; 0 disables
	failCreateFileAfter  int // fail CreateFile once this many records exist; 0 disables
}

func newMemStore() *memStore {
	return &memStore{
		batches:    map[string]*models.Batch{},
		files:      map[string]*models.FileRecord{},
		templates:  map[string]*models.Template{},
		subs:       map[string]*models.WebhookSubscription{},
		deliveries: map[string]*models.WebhookDelivery{},
	}
}

func (s *memStore) CreateBatch(_ context.Context, batch *models.Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *batch
	s.batches[batch.ID] = &cp
	return nil
}

func (s *memStore) GetBatch(_ context.Context, id string) (*models.Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.batches[id]
	if !ok {
		return nil, &models.NotFoundError{Kind: "batch", ID: id}
	}
	cp := *b
	return &cp, nil
}

func (s *memStore) TransitionBatch(_ context.Context, id string, from, to models.BatchStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.batches[id]
	if !ok {
		return &models.NotFoundError{Kind: "batch", ID: id}
	}
	if b.Status != from {
		return &models.ForbiddenTransitionError{Op: string(to), Status: string(b.Status)}
	}
	b.Status = to
	return nil
}

func (s *memStore) AddBatchFiles(_ context.Context, id string, count int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.batches[id]
	if !ok {
		return &models.NotFoundError{Kind: "batch", ID: id}
	}
	b.TotalFiles += count
	return nil
}

func (s *memStore) SetBatchStatus(_ context.Context, id string, st models.BatchStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.batches[id]
	if !ok {
		return &models.NotFoundError{Kind: "batch", ID: id}
	}
	b.Status = st
	return nil
}

func (s *memStore) SetBatchResultPath(_ context.Context, id string, format models.OutputFormat, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.batches[id]
	if !ok {
		return &models.NotFoundError{Kind: "batch", ID: id}
	}
	switch format {
	case models.FormatJSON:
		b.JSONResultPath = path
	case models.FormatCSV:
		b.CSVResultPath = path
	case models.FormatXLSX:
		b.XLSXResultPath = path
	}
	return nil
}

func (s *memStore) IncrementCounters(_ context.Context, batchID string, fileFailed bool) (int, int, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.batches[batchID]
	if !ok {
		return 0, 0, 0, &models.NotFoundError{Kind: "batch", ID: batchID}
	}
	if b.ProcessedFiles >= b.TotalFiles {
		return 0, 0, 0, fmt.Errorf("batch %s counter overflow: processed %d of %d", batchID, b.ProcessedFiles, b.TotalFiles)
	}
	b.ProcessedFiles++
	if fileFailed {
		b.FailedFiles++
	}
	return b.ProcessedFiles, b.FailedFiles, b.TotalFiles, nil
}

func (s *memStore) GetTemplate(_ context.Context, id string) (*models.Template, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.templates[id]
	if !ok {
		return nil, &models.NotFoundError{Kind: "template", ID: id}
	}
	cp := *t
	return &cp, nil
}

func (s *memStore) CreateFile(_ context.Context, file *models.FileRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failCreateFileAfter > 0 && len(s.files) >= s.failCreateFileAfter {
		return fmt.Errorf("induced create failure")
	}
	cp := *file
	s.files[file.ID] = &cp
	return nil
}

func (s *memStore) DeleteFile(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.files, id)
	return nil
}

func (s *memStore) GetFile(_ context.Context, id string) (*models.FileRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.files[id]
	if !ok {
		return nil, &models.NotFoundError{Kind: "file", ID: id}
	}
	cp := *f
	return &cp, nil
}

func (s *memStore) MarkFileProcessing(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.files[id]
	if !ok {
		return &models.NotFoundError{Kind: "file", ID: id}
	}
	if f.Status != models.FileStatusPending {
		return &models.ForbiddenTransitionError{Op: string(models.FileStatusProcessing), Status: string(f.Status)}
	}
	f.Status = models.FileStatusProcessing
	return nil
}

func (s *memStore) ResetFilePending(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.files[id]
	if !ok {
		return &models.NotFoundError{Kind: "file", ID: id}
	}
	f.Status = models.FileStatusPending
	return nil
}

func (s *memStore) MarkFileCompleted(_ context.Context, id string, result map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.files[id]
	if !ok {
		return &models.NotFoundError{Kind: "file", ID: id}
	}
	f.Status = models.FileStatusCompleted
	f.Result = result
	return nil
}

func (s *memStore) MarkFileFailed(_ context.Context, id, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.files[id]
	if !ok {
		return &models.NotFoundError{Kind: "file", ID: id}
	}
	f.Status = models.FileStatusFailed
	f.Error = errMsg
	return nil
}

func (s *memStore) ListFilesPage(_ context.Context, batchID string, pageSize int, after *models.PageCursor) ([]*models.FileRecord, *models.PageCursor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.page(batchID, pageSize, after, func(f *models.FileRecord) bool { return true })
}

func (s *memStore) ListCompletedResultsPage(_ context.Context, batchID string, pageSize int, after *models.PageCursor) ([]*models.FileRecord, *models.PageCursor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.completedPageFetches++
	if s.failCompletedPage > 0 && s.completedPageFetches == s.failCompletedPage {
		return nil, nil, fmt.Errorf("induced page failure")
	}
	return s.page(batchID, pageSize, after, func(f *models.FileRecord) bool {
		return f.Status == models.FileStatusCompleted
	})
}

func (s *memStore) page(batchID string, pageSize int, after *models.PageCursor, match func(*models.FileRecord) bool) ([]*models.FileRecord, *models.PageCursor, error) {
	var all []*models.FileRecord
	for _, f := range s.files {
		if f.BatchID == batchID && match(f) {
			cp := *f
			all = append(all, &cp)
		}
	}
	sort.Slice(all, func(i, j int) bool {
		if !all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].CreatedAt.Before(all[j].CreatedAt)
		}
		return all[i].ID < all[j].ID
	})
	start := 0
	if after != nil {
		for i, f := range all {
			if f.CreatedAt.Equal(after.CreatedAt) && f.ID == after.ID {
				start = i + 1
				break
			}
			if f.CreatedAt.After(after.CreatedAt) {
				start = i
				break
			}
		}
	}
	end := start + pageSize
	if end > len(all) {
		end = len(all)
	}
	page := all[start:end]
	if len(page) < pageSize {
		return page, nil, nil
	}
	last := page[len(page)-1]
	return page, &models.PageCursor{CreatedAt: last.CreatedAt, ID: last.ID}, nil
}

func (s *memStore) ListActiveSubscriptions(_ context.Context, userID string, event models.WebhookEvent) ([]*models.WebhookSubscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.WebhookSubscription
	for _, sub := range s.subs {
		if sub.UserID == userID && sub.Active && sub.SubscribedTo(event) {
			cp := *sub
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memStore) GetSubscription(_ context.Context, id string) (*models.WebhookSubscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subs[id]
	if !ok {
		return nil, &models.NotFoundError{Kind: "subscription", ID: id}
	}
	cp := *sub
	return &cp, nil
}

func (s *memStore) CreateDelivery(_ context.Context, d *models.WebhookDelivery) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *d
	s.deliveries[d.ID] = &cp
	return nil
}

func (s *memStore) MarkDeliverySuccess(_ context.Context, id string, attemptedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.deliveries[id]
	if !ok {
		return &models.NotFoundError{Kind: "delivery", ID: id}
	}
	d.Status = models.DeliveryStatusSuccess
	d.LastAttempt = attemptedAt
	return nil
}

func (s *memStore) MarkDeliveryFailure(_ context.Context, id string, st models.DeliveryStatus, lastError string, retryCount int, lastAttempt, nextAttempt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.deliveries[id]
	if !ok {
		return &models.NotFoundError{Kind: "delivery", ID: id}
	}
	d.Status = st
	d.LastError = lastError
	d.RetryCount = retryCount
	d.LastAttempt = lastAttempt
	d.NextAttempt = nextAttempt
	return nil
}

func (s *memStore) MarkDeliveryRetrying(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.deliveries[id]
	if !ok {
		return &models.NotFoundError{Kind: "delivery", ID: id}
	}
	d.Status = models.DeliveryStatusRetrying
	return nil
}

func (s *memStore) ListDueDeliveries(_ context.Context, now time.Time, limit int) ([]*models.WebhookDelivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []*models.WebhookDelivery
	for _, d := range s.deliveries {
		if (d.Status == models.DeliveryStatusFailed || d.Status == models.DeliveryStatusRetryPending) && !d.NextAttempt.After(now) {
			cp := *d
			due = append(due, &cp)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].NextAttempt.Before(due[j].NextAttempt) })
	if len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (s *memStore) delivery(id string) *models.WebhookDelivery {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *s.deliveries[id]
	return &cp
}

func (s *memStore) deliveryList() []*models.WebhookDelivery {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.WebhookDelivery
	for _, d := range s.deliveries {
		cp := *d
		out = append(out, &cp)
	}
	return out
}

// memBlobs is an in-memory BlobStore.
type memBlobs struct {
	mu      sync.Mutex
	objects map[string]*bytes.Buffer
	deleted []string
	failOn  string // object name substring that fails uploads
}

func newMemBlobs() *memBlobs {
	return &memBlobs{objects: map[string]*bytes.Buffer{}}
}

type memBlobWriter struct {
	blobs  *memBlobs
	object string
	buf    bytes.Buffer
}

func (w *memBlobWriter) Write(p []byte) (int, error) {
	return w.buf.Write(p)
}

func (w *memBlobWriter) Close() error {
	w.blobs.mu.Lock()
	defer w.blobs.mu.Unlock()
	w.blobs.objects[w.object] = &w.buf
	return nil
}

func (b *memBlobs) Upload(_ context.Context, object string) io.WriteCloser {
	return &memBlobWriter{blobs: b, object: object}
}

func (b *memBlobs) UploadBytes(_ context.Context, object string, content []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failOn != "" && strings.Contains(object, b.failOn) {
		return fmt.Errorf("induced upload failure for %s", object)
	}
	b.objects[object] = bytes.NewBuffer(append([]byte(nil), content...))
	return nil
}

func (b *memBlobs) ReadAll(_ context.Context, object string) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	buf, ok := b.objects[object]
	if !ok {
		return nil, fmt.Errorf("object %s does not exist", object)
	}
	return append([]byte(nil), buf.Bytes()...), nil
}

func (b *memBlobs) Delete(_ context.Context, object string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.objects, object)
	b.deleted = append(b.deleted, object)
	return nil
}

func (b *memBlobs) DeleteFolder(_ context.Context, prefix string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for object := range b.objects {
		if strings.HasPrefix(object, prefix) {
			delete(b.objects, object)
			b.deleted = append(b.deleted, object)
		}
	}
	return nil
}

func (b *memBlobs) ObjectURI(object string) string {
	return "gs://test-bucket/" + object
}

func (b *memBlobs) object(name string) []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	buf, ok := b.objects[name]
	if !ok {
		return nil
	}
	return append([]byte(nil), buf.Bytes()...)
}

func (b *memBlobs) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.objects)
}

// memScheduler records submitted pages.
type memScheduler struct {
	mu    sync.Mutex
	pages [][]string
	err   error
}

func (s *memScheduler) SubmitFiles(_ context.Context, batchID string, fileIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.pages = append(s.pages, append([]string(nil), fileIDs...))
	return nil
}

// memNotifier records notifications instead of delivering them.
type notification struct {
	UserID string
	Event  models.WebhookEvent
	Data   any
}

type memNotifier struct {
	mu     sync.Mutex
	events []notification
	err    error
}

func (n *memNotifier) Notify(_ context.Context, userID string, event models.WebhookEvent, data any) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, notification{UserID: userID, Event: event, Data: data})
	return n.err
}

func (n *memNotifier) byEvent(event models.WebhookEvent) []notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []notification
	for _, e := range n.events {
		if e.Event == event {
			out = append(out, e)
		}
	}
	return out
}

// memProcessor returns a canned outcome and counts invocations.
type memProcessor struct {
	mu      sync.Mutex
	calls   int
	outcome *models.ProcessorOutcome
	err     error
}

func (p *memProcessor) Process(_ context.Context, content []byte, tmpl *models.Template) (*models.ProcessorOutcome, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.err != nil {
		return nil, p.err
	}
	return p.outcome, nil
}

func (p *memProcessor) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

// memConsolidator counts consolidation triggers.
type memConsolidator struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (c *memConsolidator) Execute(_ context.Context, batch *models.Batch) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	return c.err
}

func (c *memConsolidator) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

// seedBatch inserts a batch plus its template.
func seedBatch(s *memStore, id string, status models.BatchStatus, total int, formats ...models.OutputFormat) *models.Batch {
	if len(formats) == 0 {
		formats = []models.OutputFormat{models.FormatJSON}
	}
	tmpl := &models.Template{ID: "tpl-" + id, UserID: "user-1", Schema: `{"fields":[]}`}
	s.templates[tmpl.ID] = tmpl
	batch := &models.Batch{
		ID:               id,
		Status:           status,
		TotalFiles:       total,
		RequestedFormats: formats,
		TemplateID:       tmpl.ID,
		UserID:           "user-1",
		CreatedAt:        time.Now().UTC(),
	}
	s.batches[id] = batch
	return batch
}

// seedCompletedFiles inserts n COMPLETED files with ascending timestamps.
func seedCompletedFiles(s *memStore, batchID string, n int, fields func(i int) map[string]any) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("file-%04d", i)
		s.files[id] = &models.FileRecord{
			ID:         id,
			Status:     models.FileStatusCompleted,
			Name:       id + ".pdf",
			BatchID:    batchID,
			TemplateID: "tpl-" + batchID,
			UserID:     "user-1",
			Result:     fields(i),
			CreatedAt:  base.Add(time.Duration(i) * time.Second),
		}
	}
}
