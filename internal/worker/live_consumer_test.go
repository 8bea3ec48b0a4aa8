package worker_test

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/nsqio/go-nsq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/debugonezero/plug-memory/internal/ingest"
	"github.com/debugonezero/plug-memory/internal/record"
	"github.com/debugonezero/plug-memory/internal/vector"
	"github.com/debugonezero/plug-memory/internal/worker"
)

type MockIngester struct{ mock.Mock }

func (m *MockIngester) LiveUpdate(ctx context.Context, kind record.SourceKind, payload []byte) (*ingest.Report, error) {
	args := m.Called(ctx, kind, payload)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*ingest.Report), args.Error(1)
}

type MockArchive struct{ mock.Mock }

func (m *MockArchive) Archive(ctx context.Context, sourceKind string, payload json.RawMessage, reason string) error {
	args := m.Called(ctx, sourceKind, payload, reason)
	return args.Error(0)
}

func liveMessage(t *testing.T, kind string, inner string) *nsq.Message {
	t.Helper()
	body, err := json.Marshal(worker.LivePayload{
		SourceKind:    kind,
		Payload:       json.RawMessage(inner),
		CorrelationID: "corr-1",
	})
	require.NoError(t, err)
	return &nsq.Message{Body: body}
}

func TestLiveConsumer_Success(t *testing.T) {
	ing := &MockIngester{}
	arc := &MockArchive{}
	c := worker.NewLiveConsumer(ing, arc, time.Second)

	ing.On("LiveUpdate", mock.Anything, record.KindSessionLog, mock.Anything).
		Return(&ingest.Report{Accepted: 2}, nil)

	err := c.HandleMessage(liveMessage(t, "session-log", `{"session_id":"s1","messages":[]}`))
	assert.NoError(t, err)
	arc.AssertNotCalled(t, "Archive", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestLiveConsumer_EmptyBodyIgnored(t *testing.T) {
	c := worker.NewLiveConsumer(&MockIngester{}, &MockArchive{}, time.Second)
	assert.NoError(t, c.HandleMessage(&nsq.Message{Body: nil}))
}

func TestLiveConsumer_PoisonPillNotRetried(t *testing.T) {
	ing := &MockIngester{}
	c := worker.NewLiveConsumer(ing, &MockArchive{}, time.Second)

	err := c.HandleMessage(&nsq.Message{Body: []byte(`{not json`)})
	assert.NoError(t, err)
	ing.AssertNotCalled(t, "LiveUpdate", mock.Anything, mock.Anything, mock.Anything)
}

func TestLiveConsumer_StoreUnavailableRequeues(t *testing.T) {
	ing := &MockIngester{}
	arc := &MockArchive{}
	c := worker.NewLiveConsumer(ing, arc, time.Second)

	ing.On("LiveUpdate", mock.Anything, record.KindSessionLog, mock.Anything).
		Return(nil, fmt.Errorf("%w: down", vector.ErrStoreUnavailable))

	err := c.HandleMessage(liveMessage(t, "session-log", `{"session_id":"s1","messages":[]}`))

	// The handler error makes NSQ redeliver; nothing is archived yet.
	assert.Error(t, err)
	arc.AssertNotCalled(t, "Archive", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestLiveConsumer_UnsupportedKindArchived(t *testing.T) {
	ing := &MockIngester{}
	arc := &MockArchive{}
	c := worker.NewLiveConsumer(ing, arc, time.Second)

	arc.On("Archive", mock.Anything, "whatsapp", mock.Anything, mock.Anything).Return(nil)

	err := c.HandleMessage(liveMessage(t, "whatsapp", `{}`))
	assert.NoError(t, err)
	arc.AssertCalled(t, "Archive", mock.Anything, "whatsapp", mock.Anything, mock.Anything)
	ing.AssertNotCalled(t, "LiveUpdate", mock.Anything, mock.Anything, mock.Anything)
}

func TestLiveConsumer_RejectedPayloadArchived(t *testing.T) {
	ing := &MockIngester{}
	arc := &MockArchive{}
	c := worker.NewLiveConsumer(ing, arc, time.Second)

	ing.On("LiveUpdate", mock.Anything, record.KindGenericJSON, mock.Anything).
		Return(nil, fmt.Errorf("%w: no message array found", record.ErrMalformedRecord))
	arc.On("Archive", mock.Anything, "generic-json", mock.Anything, mock.Anything).Return(nil)

	err := c.HandleMessage(liveMessage(t, "generic-json", `{"stuff":42}`))
	assert.NoError(t, err)
	arc.AssertCalled(t, "Archive", mock.Anything, "generic-json", mock.Anything, mock.Anything)
}

func TestLiveConsumer_PartialFailureArchived(t *testing.T) {
	ing := &MockIngester{}
	arc := &MockArchive{}
	c := worker.NewLiveConsumer(ing, arc, time.Second)

	report := &ingest.Report{
		Accepted: 1,
		Failed:   []ingest.Failure{{Ref: "s1#0", Reason: "embedding failure: quota"}},
	}
	ing.On("LiveUpdate", mock.Anything, record.KindSessionLog, mock.Anything).Return(report, nil)
	arc.On("Archive", mock.Anything, "session-log", mock.Anything, "embedding failure: quota").Return(nil)

	err := c.HandleMessage(liveMessage(t, "session-log", `{"session_id":"s1","messages":[]}`))
	assert.NoError(t, err)
	arc.AssertCalled(t, "Archive", mock.Anything, "session-log", mock.Anything, "embedding failure: quota")
}
