package services

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/voxanne/backend/internal/provider"
)

type MockCallLister struct {
	mock.Mock
}

func (m *MockCallLister) ListCalls(ctx context.Context, orgID string, from, to time.Time) ([]provider.Call, error) {
	args := m.Called(ctx, orgID, from, to)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]provider.Call), args.Error(1)
}
