package service

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

// MockIdentityStore mocks the IdentityStore interface
type MockIdentityStore struct {
	mock.Mock
}

func (m *MockIdentityStore) GetByDIDs(ctx context.Context, dids []string) ([]model.CachedIdentity, error) {
	args := m.Called(ctx, dids)
	return args.Get(0).([]model.CachedIdentity), args.Error(1)
}

func (m *MockIdentityStore) Put(ctx context.Context, identity model.CachedIdentity) error {
	args := m.Called(ctx, identity)
	return args.Error(0)
}

// MockResolver mocks the IdentityResolver interface
type MockResolver struct {
	mock.Mock
}

func (m *MockResolver) Resolve(ctx context.Context, did string, host string) (string, error) {
	args := m.Called(ctx, did, host)
	return args.String(0), args.Error(1)
}

func TestIdentityService_WarmCache(t *testing.T) {
	const host = "https://plc.directory"

	t.Run("mixed batch caches what it can and fails the job", func(t *testing.T) {
		dids := []string{"did:plc:known", "did:plc:unknown", "did:plc:failing"}

		store := &MockIdentityStore{}
		store.On("GetByDIDs", mock.Anything, dids).Return([]model.CachedIdentity{
			{UserDID: "did:plc:known", Handle: "known.example.com"},
		}, nil)
		store.On("Put", mock.Anything, model.CachedIdentity{
			UserDID: "did:plc:unknown",
			Handle:  "unknown.example.com",
		}).Return(nil)

		resolver := &MockResolver{}
		resolver.On("Resolve", mock.Anything, "did:plc:unknown", host).Return("unknown.example.com", nil)
		resolver.On("Resolve", mock.Anything, "did:plc:failing", host).Return("", model.ErrResolution)

		service := NewIdentity(store, resolver, testutil.MakeNoopLogger())

		err := service.WarmCache(context.Background(), dids, host)
		require.Error(t, err)
		assert.ErrorIs(t, err, model.ErrResolution)

		// The cached DID never hits the resolver; the failing one never
		// reaches the cache.
		resolver.AssertNotCalled(t, "Resolve", mock.Anything, "did:plc:known", host)
		store.AssertExpectations(t)
	})

	t.Run("fully cached batch is a no-op", func(t *testing.T) {
		dids := []string{"did:plc:a", "did:plc:b"}

		store := &MockIdentityStore{}
		store.On("GetByDIDs", mock.Anything, dids).Return([]model.CachedIdentity{
			{UserDID: "did:plc:a"},
			{UserDID: "did:plc:b"},
		}, nil)

		resolver := &MockResolver{}

		service := NewIdentity(store, resolver, testutil.MakeNoopLogger())

		require.NoError(t, service.WarmCache(context.Background(), dids, host))
		resolver.AssertNotCalled(t, "Resolve", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("duplicate dids resolve once", func(t *testing.T) {
		dids := []string{"did:plc:a", "did:plc:a"}

		store := &MockIdentityStore{}
		store.On("GetByDIDs", mock.Anything, dids).Return([]model.CachedIdentity{}, nil)
		store.On("Put", mock.Anything, mock.Anything).Return(nil).Once()

		resolver := &MockResolver{}
		resolver.On("Resolve", mock.Anything, "did:plc:a", host).Return("a.example.com", nil).Once()

		service := NewIdentity(store, resolver, testutil.MakeNoopLogger())

		require.NoError(t, service.WarmCache(context.Background(), dids, host))
		resolver.AssertExpectations(t)
	})

	t.Run("empty batch", func(t *testing.T) {
		service := NewIdentity(&MockIdentityStore{}, &MockResolver{}, testutil.MakeNoopLogger())
		require.NoError(t, service.WarmCache(context.Background(), nil, host))
	})

	t.Run("missing host is invalid", func(t *testing.T) {
		service := NewIdentity(&MockIdentityStore{}, &MockResolver{}, testutil.MakeNoopLogger())
		err := service.WarmCache(context.Background(), []string{"did:plc:a"}, "")
		assert.ErrorIs(t, err, model.ErrInvalidInput)
	})

	t.Run("cache read failure aborts the batch", func(t *testing.T) {
		store := &MockIdentityStore{}
		store.On("GetByDIDs", mock.Anything, mock.Anything).Return([]model.CachedIdentity(nil), errors.New("database error"))

		service := NewIdentity(store, &MockResolver{}, testutil.MakeNoopLogger())

		err := service.WarmCache(context.Background(), []string{"did:plc:a"}, host)
		require.Error(t, err)
	})
}

func TestIdentityService_Lookup(t *testing.T) {
	store := &MockIdentityStore{}
	store.On("GetByDIDs", mock.Anything, []string{"did:plc:a", "did:plc:b"}).Return([]model.CachedIdentity{
		{UserDID: "did:plc:a", Handle: "a.example.com"},
	}, nil)

	service := NewIdentity(store, &MockResolver{}, testutil.MakeNoopLogger())

	handles, err := service.Lookup(context.Background(), []string{"did:plc:a", "did:plc:b"})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"did:plc:a": "a.example.com"}, handles)
}
