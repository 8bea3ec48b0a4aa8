package job

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/debugonezero/plug-memory/internal/config"
	"github.com/debugonezero/plug-memory/internal/middleware"
	"github.com/debugonezero/plug-memory/internal/worker"
)

type EventPublisher interface {
	Publish(topic string, body []byte) error
}

type Service struct {
	repo Repository
	pub  EventPublisher
}

func NewService(repo Repository, pub EventPublisher) *Service {
	return &Service{repo: repo, pub: pub}
}

func (s *Service) List(ctx context.Context) ([]Job, error) {
	return s.repo.List(ctx)
}

// Archive stores a live payload that could not be ingested, verbatim.
func (s *Service) Archive(ctx context.Context, sourceKind string, payload json.RawMessage, reason string) error {
	return s.repo.Save(ctx, &Job{
		SourceKind: sourceKind,
		Payload:    payload,
		Error:      reason,
	})
}

// Retry republishes the archived payload to the live ingestion topic and
// drops the archive row once the publish is accepted.
func (s *Service) Retry(ctx context.Context, id string) error {
	job, err := s.repo.Get(ctx, id)
	if err != nil {
		return err
	}

	event, err := json.Marshal(worker.LivePayload{
		SourceKind:    job.SourceKind,
		Payload:       job.Payload,
		CorrelationID: middleware.GetCorrelationID(ctx),
	})
	if err != nil {
		return fmt.Errorf("marshalling live payload: %w", err)
	}

	if err := s.pub.Publish(config.TopicIngestLive, event); err != nil {
		return err
	}

	return s.repo.Delete(ctx, id)
}

func (s *Service) Count(ctx context.Context) (int, error) {
	return s.repo.Count(ctx)
}
