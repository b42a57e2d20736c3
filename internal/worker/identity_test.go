package worker

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/avelichka/trustshare-server/internal/model"
	"github.com/avelichka/trustshare-server/internal/testutil"
)

// MockCacheWarmer mocks the CacheWarmer interface
type MockCacheWarmer struct {
	mock.Mock
}

func (m *MockCacheWarmer) WarmCache(ctx context.Context, dids []string, host string) error {
	args := m.Called(ctx, dids, host)
	return args.Error(0)
}

func TestIdentityCache_Handle(t *testing.T) {
	payload := model.PopulateCachePayload{
		DIDs: []string{"did:plc:a", "did:plc:b"},
		Host: "https://plc.directory",
	}

	t.Run("delegates the batch to the identity service", func(t *testing.T) {
		identities := &MockCacheWarmer{}
		identities.On("WarmCache", mock.Anything, payload.DIDs, payload.Host).Return(nil)

		w := NewIdentityCache(identities, testutil.MakeNoopLogger())

		err := w.Handle(context.Background(), model.Delivery{
			JobID:   "job-1",
			Type:    model.JobPopulateCache,
			Payload: mustMarshal(t, payload),
			Attempt: 1,
		})
		require.NoError(t, err)
		identities.AssertExpectations(t)
	})

	t.Run("partial failure fails the job for redelivery", func(t *testing.T) {
		identities := &MockCacheWarmer{}
		identities.On("WarmCache", mock.Anything, payload.DIDs, payload.Host).Return(errors.New("resolve did:plc:b: lookup failed"))

		w := NewIdentityCache(identities, testutil.MakeNoopLogger())

		err := w.Handle(context.Background(), model.Delivery{
			JobID:   "job-2",
			Type:    model.JobPopulateCache,
			Payload: mustMarshal(t, payload),
			Attempt: 1,
		})
		require.Error(t, err)
	})

	t.Run("malformed payload fails", func(t *testing.T) {
		w := NewIdentityCache(&MockCacheWarmer{}, testutil.MakeNoopLogger())

		err := w.Handle(context.Background(), model.Delivery{
			JobID:   "job-3",
			Type:    model.JobPopulateCache,
			Payload: []byte("not json"),
			Attempt: 1,
		})
		assert.Error(t, err)
	})
}
