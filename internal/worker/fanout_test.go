package worker

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/avelichka/trustshare-server/internal/model"
	"github.com/avelichka/trustshare-server/internal/testutil"
)

// MockSessionManager mocks the SessionManager interface
type MockSessionManager struct {
	mock.Mock
}

func (m *MockSessionManager) GetActiveSession(ctx context.Context, authorDID string) (model.Session, error) {
	args := m.Called(ctx, authorDID)
	return args.Get(0).(model.Session), args.Error(1)
}

func (m *MockSessionManager) AddRecipient(ctx context.Context, params model.AddRecipientParams) (model.SessionKey, error) {
	args := m.Called(ctx, params)
	return args.Get(0).(model.SessionKey), args.Error(1)
}

func (m *MockSessionManager) UpdateSessionKeys(ctx context.Context, sessionID uuid.UUID, keys []model.RotatedKey) ([]model.SessionKey, error) {
	args := m.Called(ctx, sessionID, keys)
	return args.Get(0).([]model.SessionKey), args.Error(1)
}

func mustMarshal(t *testing.T, v any) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}

func TestFanout_Handle(t *testing.T) {
	sessionID := uuid.New()
	payload := model.AddRecipientPayload{
		AuthorDID:     "did:plc:author",
		RecipientDID:  "did:plc:recipient",
		UserKeyPairID: "keypair-1",
		EncryptedDEK:  []byte("wrapped"),
	}

	t.Run("adds recipient to the active session", func(t *testing.T) {
		sessions := &MockSessionManager{}
		sessions.On("GetActiveSession", mock.Anything, payload.AuthorDID).Return(model.Session{
			ID:        sessionID,
			AuthorDID: payload.AuthorDID,
		}, nil)
		sessions.On("AddRecipient", mock.Anything, model.AddRecipientParams{
			SessionID:     sessionID,
			RecipientDID:  payload.RecipientDID,
			UserKeyPairID: payload.UserKeyPairID,
			EncryptedDEK:  payload.EncryptedDEK,
		}).Return(model.SessionKey{ID: uuid.New(), SessionID: sessionID}, nil)

		w := NewFanout(sessions, testutil.MakeNoopLogger())

		err := w.Handle(context.Background(), model.Delivery{
			JobID:   "job-1",
			Type:    model.JobAddRecipient,
			Payload: mustMarshal(t, payload),
			Attempt: 1,
		})
		require.NoError(t, err)
		sessions.AssertExpectations(t)
	})

	t.Run("no active session completes as a no-op", func(t *testing.T) {
		sessions := &MockSessionManager{}
		sessions.On("GetActiveSession", mock.Anything, payload.AuthorDID).Return(model.Session{}, model.ErrNotFound)

		w := NewFanout(sessions, testutil.MakeNoopLogger())

		err := w.Handle(context.Background(), model.Delivery{
			JobID:   "job-2",
			Type:    model.JobAddRecipient,
			Payload: mustMarshal(t, payload),
			Attempt: 1,
		})
		require.NoError(t, err)
		sessions.AssertNotCalled(t, "AddRecipient", mock.Anything, mock.Anything)
	})

	t.Run("revoke racing the add completes as a no-op", func(t *testing.T) {
		sessions := &MockSessionManager{}
		sessions.On("GetActiveSession", mock.Anything, payload.AuthorDID).Return(model.Session{ID: sessionID}, nil)
		sessions.On("AddRecipient", mock.Anything, mock.Anything).Return(model.SessionKey{}, model.ErrNotFound)

		w := NewFanout(sessions, testutil.MakeNoopLogger())

		err := w.Handle(context.Background(), model.Delivery{
			JobID:   "job-3",
			Type:    model.JobAddRecipient,
			Payload: mustMarshal(t, payload),
			Attempt: 1,
		})
		require.NoError(t, err)
	})

	t.Run("transient error propagates for retry", func(t *testing.T) {
		sessions := &MockSessionManager{}
		sessions.On("GetActiveSession", mock.Anything, payload.AuthorDID).Return(model.Session{}, errors.New("storage unavailable"))

		w := NewFanout(sessions, testutil.MakeNoopLogger())

		err := w.Handle(context.Background(), model.Delivery{
			JobID:   "job-4",
			Type:    model.JobAddRecipient,
			Payload: mustMarshal(t, payload),
			Attempt: 2,
		})
		require.Error(t, err)
	})

	t.Run("malformed payload fails", func(t *testing.T) {
		w := NewFanout(&MockSessionManager{}, testutil.MakeNoopLogger())

		err := w.Handle(context.Background(), model.Delivery{
			JobID:   "job-5",
			Type:    model.JobAddRecipient,
			Payload: []byte("{"),
			Attempt: 1,
		})
		assert.Error(t, err)
	})
}
