package models

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// QueueState is the delivery state of a queued display command.
type QueueState string

const (
	QueueStatePending    QueueState = "pending"
	QueueStateDispatched QueueState = "dispatched"
	QueueStateDead       QueueState = "dead"
)

// Well-known last_error values surfaced to operators.
const (
	ErrorMaxRetriesExceeded = "max_retries_exceeded"
	ErrorGatewayOffline     = "gateway_offline"
	ErrorOperatorFlush      = "operator_flush"
)

// DisplayCommand is the canonical desired state for one indicator display.
// Commands are immutable once created; a newer command for the same device
// supersedes the older one instead of mutating it.
type DisplayCommand struct {
	DeviceID    string    `db:"device_id" json:"device_id"`
	TenantID    string    `db:"tenant_id" json:"tenant_id"`
	SpaceID     string    `db:"space_id" json:"space_id"`
	Color       string    `db:"color" json:"color"`
	Blink       bool      `db:"blink" json:"blink"`
	ContentHash string    `db:"content_hash" json:"content_hash"`
	Priority    int       `db:"priority" json:"priority"`
	ExpiresAt   time.Time `db:"expires_at" json:"expires_at"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
}

// ContentHash computes the deterministic digest over the semantic payload
// of a command. Two commands with the same color and blink flag always hash
// identically, which is what dedup keys on.
func ContentHash(color string, blink bool) string {
	data := color + "|0"
	if blink {
		data = color + "|1"
	}
	sum := sha256.Sum256([]byte(data))
	return hex.EncodeToString(sum[:8])
}

// QueueEntry wraps a DisplayCommand with delivery metadata. At most one
// non-terminal entry exists per device; enqueueing while one exists replaces
// its payload (coalescing) rather than appending.
type QueueEntry struct {
	QueueID string     `db:"queue_id" json:"queue_id"`
	State   QueueState `db:"state" json:"state"`

	DeviceID    string    `db:"device_id" json:"device_id"`
	TenantID    string    `db:"tenant_id" json:"tenant_id"`
	SpaceID     string    `db:"space_id" json:"space_id"`
	Color       string    `db:"color" json:"color"`
	Blink       bool      `db:"blink" json:"blink"`
	ContentHash string    `db:"content_hash" json:"content_hash"`
	Priority    int       `db:"priority" json:"priority"`
	ExpiresAt   time.Time `db:"expires_at" json:"expires_at"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`

	Attempts      int        `db:"attempts" json:"attempts"`
	LastError     *string    `db:"last_error" json:"last_error,omitempty"`
	EnqueuedAt    time.Time  `db:"enqueued_at" json:"enqueued_at"`
	LastAttemptAt *time.Time `db:"last_attempt_at" json:"last_attempt_at,omitempty"`
	NextAttemptAt time.Time  `db:"next_attempt_at" json:"next_attempt_at"`

	// Verification record, populated while the entry is dispatched.
	ExpectedHash     *string    `db:"expected_hash" json:"expected_hash,omitempty"`
	ExpectedSeqFloor *int64     `db:"expected_seq_floor" json:"expected_seq_floor,omitempty"`
	VerifyDeadline   *time.Time `db:"verify_deadline" json:"verify_deadline,omitempty"`
}

// Command returns the DisplayCommand carried by this entry.
func (e *QueueEntry) Command() DisplayCommand {
	return DisplayCommand{
		DeviceID:    e.DeviceID,
		TenantID:    e.TenantID,
		SpaceID:     e.SpaceID,
		Color:       e.Color,
		Blink:       e.Blink,
		ContentHash: e.ContentHash,
		Priority:    e.Priority,
		ExpiresAt:   e.ExpiresAt,
		CreatedAt:   e.CreatedAt,
	}
}

// DeadLetter is a terminally failed command held for operator review.
// The dead-letter set is bounded and FIFO-evicted; entries are never
// auto-retried, only replayed or cleared by an operator.
type DeadLetter struct {
	ID          int64     `db:"id" json:"id"`
	DeviceID    string    `db:"device_id" json:"device_id"`
	TenantID    string    `db:"tenant_id" json:"tenant_id"`
	SpaceID     string    `db:"space_id" json:"space_id"`
	Color       string    `db:"color" json:"color"`
	Blink       bool      `db:"blink" json:"blink"`
	ContentHash string    `db:"content_hash" json:"content_hash"`
	Attempts    int       `db:"attempts" json:"attempts"`
	LastError   string    `db:"last_error" json:"last_error"`
	EnqueuedAt  time.Time `db:"enqueued_at" json:"enqueued_at"`
	DeadAt      time.Time `db:"dead_at" json:"dead_at"`
}
