package settings

import (
	"context"
	"fmt"
)

// Defaults applied when no row exists yet or the database is unreachable.
// Query behavior must not change because the settings store had a bad day.
const (
	DefaultMinScore   float32 = 0.25
	DefaultSearchTopK         = 5
)

type Settings struct {
	ID         int     `json:"-"`
	MinScore   float32 `json:"min_score"`
	SearchTopK int     `json:"search_top_k"`
}

type Repository interface {
	Get(ctx context.Context) (*Settings, error)
	Update(ctx context.Context, s *Settings) error
}

type Service struct {
	repo Repository
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

func (s *Service) Get(ctx context.Context) (*Settings, error) {
	return s.repo.Get(ctx)
}

func (s *Service) Update(ctx context.Context, set *Settings) error {
	if set.MinScore < 0 || set.MinScore > 1 {
		return fmt.Errorf("min_score must be within [0,1], got %v", set.MinScore)
	}
	if set.SearchTopK < 1 {
		return fmt.Errorf("search_top_k must be positive, got %d", set.SearchTopK)
	}
	return s.repo.Update(ctx, set)
}

// Default returns the built-in settings used when the repository cannot serve.
func Default() *Settings {
	return &Settings{MinScore: DefaultMinScore, SearchTopK: DefaultSearchTopK}
}
