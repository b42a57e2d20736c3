package model

import "context"

// Job types delivered through the queue. The payload schemas below are the
// wire contract between producers and workers.
const (
	JobAddRecipient  = "ADD_RECIPIENT_TO_SESSION"
	JobPopulateCache = "POPULATE_DID_CACHE"
	JobUpdateKeys    = "UPDATE_SESSION_KEYS"
)

// AddRecipientPayload grants a recipient access to the author's active
// session, if one exists at processing time.
type AddRecipientPayload struct {
	AuthorDID     string `json:"authorDid"`
	RecipientDID  string `json:"recipientDid"`
	UserKeyPairID string `json:"userKeyPairId"`
	EncryptedDEK  []byte `json:"encryptedDek"`
}

// PopulateCachePayload batch-resolves the given DIDs against host and caches
// the results.
type PopulateCachePayload struct {
	DIDs []string `json:"dids"`
	Host string   `json:"host"`
}

// UpdateKeysPayload replaces wrapped keys of a session during rotation.
type UpdateKeysPayload struct {
	SessionID string              `json:"sessionId"`
	Keys      []RotatedKeyPayload `json:"keys"`
}

// RotatedKeyPayload is one rotated key entry on the wire.
type RotatedKeyPayload struct {
	RecipientDID  string `json:"recipientDid"`
	UserKeyPairID string `json:"userKeyPairId"`
	EncryptedDEK  []byte `json:"encryptedDek"`
}

// Delivery is one at-least-once delivery of a job to a handler. The same job
// may be delivered more than once; handlers must tolerate duplicates.
type Delivery struct {
	JobID   string
	Type    string
	Payload []byte
	Attempt int
}

// JobHandler processes one delivery. A returned error signals failure to the
// queue, which retries with backoff until the attempt budget is exhausted
// and the job is dead-lettered.
type JobHandler func(ctx context.Context, delivery Delivery) error

// Queue enqueues jobs for asynchronous processing.
type Queue interface {
	Enqueue(ctx context.Context, jobType string, payload any) (string, error)
}
