package ingest_test

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/debugonezero/plug-memory/internal/chunk"
	"github.com/debugonezero/plug-memory/internal/ingest"
	"github.com/debugonezero/plug-memory/internal/record"
	"github.com/debugonezero/plug-memory/internal/vector"
)

type MockEmbedder struct{ mock.Mock }

func (m *MockEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	args := m.Called(ctx, text)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]float32), args.Error(1)
}

func (m *MockEmbedder) ModelID() string {
	args := m.Called()
	return args.String(0)
}

type MockIndexStore struct{ mock.Mock }

func (m *MockIndexStore) Upsert(ctx context.Context, entries []ingest.Entry) (int, error) {
	args := m.Called(ctx, entries)
	return args.Int(0), args.Error(1)
}

func (m *MockIndexStore) DeleteBySource(ctx context.Context, sourceID string) (int, error) {
	args := m.Called(ctx, sourceID)
	return args.Int(0), args.Error(1)
}

func (m *MockIndexStore) DeleteFingerprints(ctx context.Context, fingerprints []string) (int, error) {
	args := m.Called(ctx, fingerprints)
	return args.Int(0), args.Error(1)
}

func (m *MockIndexStore) FingerprintsBySource(ctx context.Context, sourceID string) ([]string, error) {
	args := m.Called(ctx, sourceID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]string), args.Error(1)
}

func (m *MockIndexStore) Exists(ctx context.Context, fingerprint string) (bool, error) {
	args := m.Called(ctx, fingerprint)
	return args.Bool(0), args.Error(1)
}

func (m *MockIndexStore) EmbeddingModelID(ctx context.Context) (string, error) {
	args := m.Called(ctx)
	return args.String(0), args.Error(1)
}

func (m *MockIndexStore) SetEmbeddingModelID(ctx context.Context, model string) error {
	args := m.Called(ctx, model)
	return args.Error(0)
}

func newTestService(e *MockEmbedder, s *MockIndexStore) *ingest.Service {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	retry := ingest.RetryPolicy{MaxAttempts: 2, Backoff: time.Millisecond}
	return ingest.NewService(chunk.New(250, 50), e, s, retry, time.Second, time.Second, logger)
}

func genericPayload(id, content string) []byte {
	return []byte(fmt.Sprintf(`[{"conversation_id": %q, "content": %q}]`, id, content))
}

func TestBulkIngest_FreshCollection(t *testing.T) {
	e := &MockEmbedder{}
	s := &MockIndexStore{}
	svc := newTestService(e, s)

	s.On("EmbeddingModelID", mock.Anything).Return("", nil)
	e.On("ModelID").Return("test-model")
	s.On("SetEmbeddingModelID", mock.Anything, "test-model").Return(nil)

	s.On("Exists", mock.Anything, mock.Anything).Return(false, nil)
	e.On("Embed", mock.Anything, "the sky is blue").Return([]float32{0.1, 0.2}, nil)
	s.On("Upsert", mock.Anything, mock.Anything).Return(1, nil)

	report, err := svc.BulkIngest(context.Background(), record.KindGenericJSON, genericPayload("src-1", "the sky is blue"), ingest.Options{})
	require.NoError(t, err)

	assert.Equal(t, 1, report.Accepted)
	assert.Empty(t, report.Failed)
	s.AssertCalled(t, "SetEmbeddingModelID", mock.Anything, "test-model")
}

func TestBulkIngest_ExistingFingerprintSkipsEmbedding(t *testing.T) {
	e := &MockEmbedder{}
	s := &MockIndexStore{}
	svc := newTestService(e, s)

	s.On("EmbeddingModelID", mock.Anything).Return("test-model", nil)
	e.On("ModelID").Return("test-model")
	s.On("Exists", mock.Anything, mock.Anything).Return(true, nil)

	report, err := svc.BulkIngest(context.Background(), record.KindGenericJSON, genericPayload("src-1", "the sky is blue"), ingest.Options{})
	require.NoError(t, err)

	// Already indexed content still counts as accepted; nothing is re-embedded.
	assert.Equal(t, 1, report.Accepted)
	e.AssertNotCalled(t, "Embed", mock.Anything, mock.Anything)
	s.AssertNotCalled(t, "Upsert", mock.Anything, mock.Anything)
}

func TestBulkIngest_EmbeddingFailureIsolatedPerChunk(t *testing.T) {
	e := &MockEmbedder{}
	s := &MockIndexStore{}
	svc := newTestService(e, s)

	payload := []byte(`[
		{"conversation_id": "src-a", "content": "good text"},
		{"conversation_id": "src-b", "content": "bad text"}
	]`)

	s.On("EmbeddingModelID", mock.Anything).Return("test-model", nil)
	e.On("ModelID").Return("test-model")
	s.On("Exists", mock.Anything, mock.Anything).Return(false, nil)
	e.On("Embed", mock.Anything, "good text").Return([]float32{0.5}, nil)
	e.On("Embed", mock.Anything, "bad text").Return(nil, fmt.Errorf("model overloaded"))
	s.On("Upsert", mock.Anything, mock.Anything).Return(1, nil)

	report, err := svc.BulkIngest(context.Background(), record.KindGenericJSON, payload, ingest.Options{})
	require.NoError(t, err)

	assert.Equal(t, 1, report.Accepted)
	require.Len(t, report.Failed, 1)
	assert.Equal(t, "src-b#0", report.Failed[0].Ref)
	assert.Contains(t, report.Failed[0].Reason, "embedding failure")
}

func TestBulkIngest_UpsertRetriedThenReportedFailed(t *testing.T) {
	e := &MockEmbedder{}
	s := &MockIndexStore{}
	svc := newTestService(e, s)

	s.On("EmbeddingModelID", mock.Anything).Return("test-model", nil)
	e.On("ModelID").Return("test-model")
	s.On("Exists", mock.Anything, mock.Anything).Return(false, nil)
	e.On("Embed", mock.Anything, mock.Anything).Return([]float32{0.5}, nil)
	s.On("Upsert", mock.Anything, mock.Anything).Return(0, fmt.Errorf("%w: down", vector.ErrStoreUnavailable))

	report, err := svc.BulkIngest(context.Background(), record.KindGenericJSON, genericPayload("src-1", "some text"), ingest.Options{})
	require.NoError(t, err)

	assert.Equal(t, 0, report.Accepted)
	require.Len(t, report.Failed, 1)
	s.AssertNumberOfCalls(t, "Upsert", 2)
}

func TestBulkIngest_PartialBatchRejectionReported(t *testing.T) {
	e := &MockEmbedder{}
	s := &MockIndexStore{}
	svc := newTestService(e, s)

	// Long enough for two chunks out of one record.
	long := strings.TrimSpace(strings.Repeat("alpha beta gamma delta ", 50))

	s.On("EmbeddingModelID", mock.Anything).Return("test-model", nil)
	e.On("ModelID").Return("test-model")
	s.On("Exists", mock.Anything, mock.Anything).Return(false, nil)
	e.On("Embed", mock.Anything, mock.Anything).Return([]float32{0.5}, nil)
	// The batch call succeeds but the store rejects one object.
	s.On("Upsert", mock.Anything, mock.MatchedBy(func(entries []ingest.Entry) bool {
		return len(entries) == 2
	})).Return(1, nil)

	report, err := svc.BulkIngest(context.Background(), record.KindGenericJSON, genericPayload("src-1", long), ingest.Options{})
	require.NoError(t, err)

	assert.Equal(t, 1, report.Accepted)
	require.Len(t, report.Failed, 1)
	assert.Equal(t, "src-1", report.Failed[0].Ref)
	assert.Contains(t, report.Failed[0].Reason, "rejected 1 of 2")
}

func TestBulkIngest_ModelMismatchRefused(t *testing.T) {
	e := &MockEmbedder{}
	s := &MockIndexStore{}
	svc := newTestService(e, s)

	s.On("EmbeddingModelID", mock.Anything).Return("old-model", nil)
	e.On("ModelID").Return("new-model")

	_, err := svc.BulkIngest(context.Background(), record.KindGenericJSON, genericPayload("src-1", "text"), ingest.Options{})
	assert.ErrorIs(t, err, vector.ErrModelMismatch)
	e.AssertNotCalled(t, "Embed", mock.Anything, mock.Anything)
}

func TestBulkIngest_UnsupportedKind(t *testing.T) {
	e := &MockEmbedder{}
	s := &MockIndexStore{}
	svc := newTestService(e, s)

	_, err := svc.BulkIngest(context.Background(), record.SourceKind("whatsapp"), []byte(`[]`), ingest.Options{})
	assert.ErrorIs(t, err, record.ErrUnsupportedFormat)
}

func TestBulkIngest_ReconcileDeletesStaleEntries(t *testing.T) {
	e := &MockEmbedder{}
	s := &MockIndexStore{}
	svc := newTestService(e, s)

	current := chunk.Fingerprint("src-1", record.KindGenericJSON, 0, "the sky is blue")

	s.On("EmbeddingModelID", mock.Anything).Return("test-model", nil)
	e.On("ModelID").Return("test-model")
	s.On("Exists", mock.Anything, current).Return(true, nil)
	s.On("FingerprintsBySource", mock.Anything, "src-1").Return([]string{current, "stale-fp"}, nil)
	s.On("DeleteFingerprints", mock.Anything, []string{"stale-fp"}).Return(1, nil)

	report, err := svc.BulkIngest(context.Background(), record.KindGenericJSON, genericPayload("src-1", "the sky is blue"), ingest.Options{Reconcile: true})
	require.NoError(t, err)

	assert.Equal(t, 1, report.Accepted)
	assert.Equal(t, 1, report.Reconciled)
	s.AssertCalled(t, "DeleteFingerprints", mock.Anything, []string{"stale-fp"})
}

func TestLiveUpdate_NeverDeletes(t *testing.T) {
	e := &MockEmbedder{}
	s := &MockIndexStore{}
	svc := newTestService(e, s)

	s.On("EmbeddingModelID", mock.Anything).Return("test-model", nil)
	e.On("ModelID").Return("test-model")
	s.On("Exists", mock.Anything, mock.Anything).Return(false, nil)
	e.On("Embed", mock.Anything, mock.Anything).Return([]float32{0.3}, nil)
	s.On("Upsert", mock.Anything, mock.Anything).Return(1, nil)

	report, err := svc.LiveUpdate(context.Background(), record.KindGenericJSON, genericPayload("src-1", "fresh message"))
	require.NoError(t, err)

	assert.Equal(t, 1, report.Accepted)
	s.AssertNotCalled(t, "FingerprintsBySource", mock.Anything, mock.Anything)
	s.AssertNotCalled(t, "DeleteFingerprints", mock.Anything, mock.Anything)
	s.AssertNotCalled(t, "DeleteBySource", mock.Anything, mock.Anything)
}

func TestBulkIngest_MalformedEntriesReported(t *testing.T) {
	e := &MockEmbedder{}
	s := &MockIndexStore{}
	svc := newTestService(e, s)

	payload := []byte(`[
		{"conversation_id": "src-1", "content": "kept"},
		{"conversation_id": "src-1"}
	]`)

	s.On("EmbeddingModelID", mock.Anything).Return("test-model", nil)
	e.On("ModelID").Return("test-model")
	s.On("Exists", mock.Anything, mock.Anything).Return(false, nil)
	e.On("Embed", mock.Anything, "kept").Return([]float32{0.4}, nil)
	s.On("Upsert", mock.Anything, mock.Anything).Return(1, nil)

	report, err := svc.BulkIngest(context.Background(), record.KindGenericJSON, payload, ingest.Options{})
	require.NoError(t, err)

	assert.Equal(t, 1, report.Accepted)
	require.Len(t, report.Failed, 1)
	assert.Equal(t, "item[1]", report.Failed[0].Ref)
}
