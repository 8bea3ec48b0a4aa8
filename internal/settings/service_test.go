package settings_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"github.com/debugonezero/plug-memory/internal/settings"
)

type MockRepo struct{ mock.Mock }

func (m *MockRepo) Get(ctx context.Context) (*settings.Settings, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*settings.Settings), args.Error(1)
}

func (m *MockRepo) Update(ctx context.Context, s *settings.Settings) error {
	args := m.Called(ctx, s)
	return args.Error(0)
}

func TestService_UpdateValidation(t *testing.T) {
	repo := &MockRepo{}
	repo.On("Update", mock.Anything, mock.Anything).Return(nil)
	svc := settings.NewService(repo)

	err := svc.Update(context.Background(), &settings.Settings{MinScore: 1.5, SearchTopK: 5})
	assert.Error(t, err)

	err = svc.Update(context.Background(), &settings.Settings{MinScore: 0.5, SearchTopK: 0})
	assert.Error(t, err)

	repo.AssertNotCalled(t, "Update", mock.Anything, mock.Anything)

	err = svc.Update(context.Background(), &settings.Settings{MinScore: 0.5, SearchTopK: 5})
	assert.NoError(t, err)
}

func TestDefault(t *testing.T) {
	d := settings.Default()
	assert.Equal(t, settings.DefaultMinScore, d.MinScore)
	assert.Equal(t, settings.DefaultSearchTopK, d.SearchTopK)
}
