package query_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/debugonezero/plug-memory/internal/ingest"
	"github.com/debugonezero/plug-memory/internal/query"
	"github.com/debugonezero/plug-memory/internal/settings"
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

type MockSearchStore struct{ mock.Mock }

func (m *MockSearchStore) Search(ctx context.Context, vec []float32, topK int, filter vector.Filter) ([]vector.Hit, error) {
	args := m.Called(ctx, vec, topK, filter)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]vector.Hit), args.Error(1)
}

func (m *MockSearchStore) EmbeddingModelID(ctx context.Context) (string, error) {
	args := m.Called(ctx)
	return args.String(0), args.Error(1)
}

type MockSettings struct{ mock.Mock }

func (m *MockSettings) Get(ctx context.Context) (*settings.Settings, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*settings.Settings), args.Error(1)
}

func newTestService(e *MockEmbedder, s *MockSearchStore, set *MockSettings) *query.Service {
	return query.NewService(e, s, set, nil, time.Second, time.Second)
}

func defaultExpectations(e *MockEmbedder, s *MockSearchStore, set *MockSettings) {
	s.On("EmbeddingModelID", mock.Anything).Return("test-model", nil)
	e.On("ModelID").Return("test-model")
	set.On("Get", mock.Anything).Return(&settings.Settings{MinScore: 0.25, SearchTopK: 5}, nil)
	e.On("Embed", mock.Anything, mock.Anything).Return([]float32{0.1, 0.2}, nil)
}

func TestSearch_EmptyQueryRejected(t *testing.T) {
	svc := newTestService(&MockEmbedder{}, &MockSearchStore{}, &MockSettings{})

	_, err := svc.Search(context.Background(), "   ", nil)
	assert.ErrorIs(t, err, query.ErrInvalidQuery)
}

func TestSearch_InvalidMinScoreRejected(t *testing.T) {
	e, s, set := &MockEmbedder{}, &MockSearchStore{}, &MockSettings{}
	defaultExpectations(e, s, set)
	svc := newTestService(e, s, set)

	bad := float32(1.5)
	_, err := svc.Search(context.Background(), "query", &query.Options{MinScore: &bad})
	assert.ErrorIs(t, err, query.ErrInvalidQuery)
}

func TestSearch_ThresholdFiltersLowScores(t *testing.T) {
	e, s, set := &MockEmbedder{}, &MockSearchStore{}, &MockSettings{}
	defaultExpectations(e, s, set)
	svc := newTestService(e, s, set)

	s.On("Search", mock.Anything, mock.Anything, 10, vector.Filter{}).Return([]vector.Hit{
		{Fingerprint: "a", Text: "relevant", SourceID: "s1", Seq: 0, Score: 0.9},
		{Fingerprint: "b", Text: "noise", SourceID: "s2", Seq: 0, Score: 0.1},
	}, nil)

	results, err := svc.Search(context.Background(), "query", nil)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "relevant", results[0].Text)
}

func TestSearch_NothingAboveThresholdIsEmptyNotError(t *testing.T) {
	e, s, set := &MockEmbedder{}, &MockSearchStore{}, &MockSettings{}
	defaultExpectations(e, s, set)
	svc := newTestService(e, s, set)

	s.On("Search", mock.Anything, mock.Anything, mock.Anything, vector.Filter{}).Return([]vector.Hit{
		{Fingerprint: "a", Text: "weak", SourceID: "s1", Score: 0.05},
	}, nil)

	results, err := svc.Search(context.Background(), "query", nil)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestSearch_DedupesAdjacentChunks(t *testing.T) {
	e, s, set := &MockEmbedder{}, &MockSearchStore{}, &MockSettings{}
	defaultExpectations(e, s, set)
	svc := newTestService(e, s, set)

	// Three overlapping windows of the same passage plus one other source.
	s.On("Search", mock.Anything, mock.Anything, mock.Anything, vector.Filter{}).Return([]vector.Hit{
		{Fingerprint: "a0", Text: "passage w0", SourceID: "s1", Seq: 0, Score: 0.80},
		{Fingerprint: "a1", Text: "passage w1", SourceID: "s1", Seq: 1, Score: 0.95},
		{Fingerprint: "a2", Text: "passage w2", SourceID: "s1", Seq: 2, Score: 0.85},
		{Fingerprint: "b5", Text: "other", SourceID: "s2", Seq: 5, Score: 0.70},
	}, nil)

	results, err := svc.Search(context.Background(), "query", nil)
	require.NoError(t, err)
	require.Len(t, results, 2)

	assert.Equal(t, "passage w1", results[0].Text)
	assert.Equal(t, "other", results[1].Text)
}

func TestSearch_DistinctRecordsFromSameSourceKept(t *testing.T) {
	e, s, set := &MockEmbedder{}, &MockSearchStore{}, &MockSettings{}
	defaultExpectations(e, s, set)
	svc := newTestService(e, s, set)

	// Two different messages of one conversation. Their chunk sequences both
	// start at zero, but they are separate records, not overlapping windows.
	s.On("Search", mock.Anything, mock.Anything, mock.Anything, vector.Filter{}).Return([]vector.Hit{
		{Fingerprint: "m0", Text: "first answer", SourceID: "conv-1", Record: 0, Seq: 0, Score: 0.9},
		{Fingerprint: "m1", Text: "second answer", SourceID: "conv-1", Record: 1, Seq: 0, Score: 0.8},
	}, nil)

	results, err := svc.Search(context.Background(), "query", nil)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "first answer", results[0].Text)
	assert.Equal(t, "second answer", results[1].Text)
}

func TestSearch_NonAdjacentChunksFromSameSourceKept(t *testing.T) {
	e, s, set := &MockEmbedder{}, &MockSearchStore{}, &MockSettings{}
	defaultExpectations(e, s, set)
	svc := newTestService(e, s, set)

	s.On("Search", mock.Anything, mock.Anything, mock.Anything, vector.Filter{}).Return([]vector.Hit{
		{Fingerprint: "a0", Text: "early", SourceID: "s1", Seq: 0, Score: 0.8},
		{Fingerprint: "a9", Text: "late", SourceID: "s1", Seq: 9, Score: 0.7},
	}, nil)

	results, err := svc.Search(context.Background(), "query", nil)
	require.NoError(t, err)
	assert.Len(t, results, 2)
}

func TestSearch_OrderingAndTieBreak(t *testing.T) {
	e, s, set := &MockEmbedder{}, &MockSearchStore{}, &MockSettings{}
	defaultExpectations(e, s, set)
	svc := newTestService(e, s, set)

	older := time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)
	newer := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)

	s.On("Search", mock.Anything, mock.Anything, mock.Anything, vector.Filter{}).Return([]vector.Hit{
		{Fingerprint: "a", Text: "old tied", SourceID: "s1", Seq: 0, Score: 0.8, Timestamp: older},
		{Fingerprint: "b", Text: "new tied", SourceID: "s2", Seq: 0, Score: 0.8, Timestamp: newer},
		{Fingerprint: "c", Text: "best", SourceID: "s3", Seq: 0, Score: 0.9, Timestamp: older},
	}, nil)

	results, err := svc.Search(context.Background(), "query", nil)
	require.NoError(t, err)
	require.Len(t, results, 3)

	assert.Equal(t, "best", results[0].Text)
	assert.Equal(t, "new tied", results[1].Text)
	assert.Equal(t, "old tied", results[2].Text)
}

func TestSearch_TopKTruncatesAfterDedup(t *testing.T) {
	e, s, set := &MockEmbedder{}, &MockSearchStore{}, &MockSettings{}
	defaultExpectations(e, s, set)
	svc := newTestService(e, s, set)

	hits := make([]vector.Hit, 0, 6)
	for i := 0; i < 6; i++ {
		hits = append(hits, vector.Hit{
			Fingerprint: fmt.Sprintf("f%d", i),
			Text:        fmt.Sprintf("text %d", i),
			SourceID:    fmt.Sprintf("s%d", i),
			Score:       0.9 - float32(i)*0.01,
		})
	}
	// Overfetch is requested at twice the effective top-k.
	s.On("Search", mock.Anything, mock.Anything, 4, vector.Filter{}).Return(hits, nil)

	results, err := svc.Search(context.Background(), "query", &query.Options{TopK: 2})
	require.NoError(t, err)
	assert.Len(t, results, 2)
}

func TestSearch_ModelMismatchRefused(t *testing.T) {
	e, s, set := &MockEmbedder{}, &MockSearchStore{}, &MockSettings{}
	svc := newTestService(e, s, set)

	s.On("EmbeddingModelID", mock.Anything).Return("other-model", nil)
	e.On("ModelID").Return("test-model")

	_, err := svc.Search(context.Background(), "query", nil)
	assert.ErrorIs(t, err, vector.ErrModelMismatch)
	e.AssertNotCalled(t, "Embed", mock.Anything, mock.Anything)
}

func TestSearch_EmptyIndexIsQueryable(t *testing.T) {
	e, s, set := &MockEmbedder{}, &MockSearchStore{}, &MockSettings{}
	svc := newTestService(e, s, set)

	s.On("EmbeddingModelID", mock.Anything).Return("", nil)
	set.On("Get", mock.Anything).Return(settings.Default(), nil)
	e.On("Embed", mock.Anything, mock.Anything).Return([]float32{0.1}, nil)
	s.On("Search", mock.Anything, mock.Anything, mock.Anything, vector.Filter{}).Return([]vector.Hit{}, nil)

	results, err := svc.Search(context.Background(), "query", nil)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestSearch_SettingsFailureFallsBackToDefaults(t *testing.T) {
	e, s, set := &MockEmbedder{}, &MockSearchStore{}, &MockSettings{}
	svc := newTestService(e, s, set)

	s.On("EmbeddingModelID", mock.Anything).Return("test-model", nil)
	e.On("ModelID").Return("test-model")
	set.On("Get", mock.Anything).Return(nil, fmt.Errorf("db down"))
	e.On("Embed", mock.Anything, mock.Anything).Return([]float32{0.1}, nil)
	s.On("Search", mock.Anything, mock.Anything, settings.DefaultSearchTopK*2, vector.Filter{}).Return([]vector.Hit{}, nil)

	_, err := svc.Search(context.Background(), "query", nil)
	require.NoError(t, err)
	s.AssertCalled(t, "Search", mock.Anything, mock.Anything, settings.DefaultSearchTopK*2, vector.Filter{})
}

func TestSearch_EmbeddingFailureSurfaced(t *testing.T) {
	e, s, set := &MockEmbedder{}, &MockSearchStore{}, &MockSettings{}
	svc := newTestService(e, s, set)

	s.On("EmbeddingModelID", mock.Anything).Return("test-model", nil)
	e.On("ModelID").Return("test-model")
	set.On("Get", mock.Anything).Return(settings.Default(), nil)
	e.On("Embed", mock.Anything, mock.Anything).Return(nil, fmt.Errorf("quota exceeded"))

	_, err := svc.Search(context.Background(), "query", nil)
	assert.ErrorIs(t, err, ingest.ErrEmbeddingFailure)
}

func TestSearch_FilterPassedThrough(t *testing.T) {
	e, s, set := &MockEmbedder{}, &MockSearchStore{}, &MockSettings{}
	defaultExpectations(e, s, set)
	svc := newTestService(e, s, set)

	filter := vector.Filter{SourceID: "src-1"}
	s.On("Search", mock.Anything, mock.Anything, mock.Anything, filter).Return([]vector.Hit{}, nil)

	_, err := svc.Search(context.Background(), "query", &query.Options{Filter: filter})
	require.NoError(t, err)
	s.AssertCalled(t, "Search", mock.Anything, mock.Anything, mock.Anything, filter)
}
