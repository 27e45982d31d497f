package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/curbsense/displayd/pkg/models"
)

var selectQueueEntries = `SELECT q.* FROM queue_entries q`

// QueueStore is the durable per-device command queue. The table holds only
// non-terminal entries, keyed by device id, so the at-most-one-pending
// invariant is enforced by the schema itself. Every state transition is a
// compare-and-set on (queue_id, state) so concurrent workers race safely.
type QueueStore interface {
	// Enqueue inserts a fresh entry, or coalesces into the existing entry
	// for the device: payload, hash and priority are replaced, the attempt
	// counter and original enqueue time are kept, and the entry reverts to
	// pending immediately.
	Enqueue(entry *models.QueueEntry) error
	// GetByDevice returns the device's entry, or nil when none is queued.
	GetByDevice(deviceID string) (*models.QueueEntry, error)
	// SelectEligible returns pending entries due for dispatch, FIFO by
	// enqueue time.
	SelectEligible(now time.Time, limit int) ([]*models.QueueEntry, error)
	// ClaimForDispatch transitions pending -> dispatched, increments the
	// attempt counter and arms the verification record. Returns false when
	// the entry was superseded or claimed by another worker.
	ClaimForDispatch(queueID string, now, deadline time.Time, expectedHash string, seqFloor int64) (bool, error)
	// RevertToPending transitions dispatched -> pending with a retry time.
	// Returns false when the entry no longer matches queue_id+dispatched.
	RevertToPending(queueID string, nextAttempt time.Time, lastError string) (bool, error)
	// DeleteVerified removes a dispatched entry after verification.
	DeleteVerified(queueID string) (bool, error)
	// SelectExpiredVerifications returns dispatched entries whose
	// verification deadline has passed.
	SelectExpiredVerifications(now time.Time, limit int) ([]*models.QueueEntry, error)
	// SelectPendingOlderThan returns pending entries enqueued before the
	// cutoff, for the janitor sweep.
	SelectPendingOlderThan(cutoff time.Time, limit int) ([]*models.QueueEntry, error)
	// ResetForRequeue clears the attempt counter on a pending entry so it
	// gets a full retry budget once its gateway returns.
	ResetForRequeue(queueID string, nextAttempt time.Time) (bool, error)
	// MoveToDeadLetter atomically inserts the entry into the dead-letter
	// set (evicting beyond maxSize) and removes it from the queue. The
	// delete is a compare-and-set on (queue_id, expectedState); returns
	// false when the entry was superseded or transitioned meanwhile.
	MoveToDeadLetter(entry *models.QueueEntry, expectedState models.QueueState, reason string, maxSize int) (bool, error)
	// CountByState returns the live queue depth per state.
	CountByState() (map[models.QueueState]int64, error)
}

type postgresQueueStore struct {
	db *sqlx.DB
}

func NewQueueStore(dbconn *sqlx.DB) QueueStore {
	return &postgresQueueStore{db: dbconn}
}

func (s *postgresQueueStore) Enqueue(entry *models.QueueEntry) error {
	stmt := `
	INSERT INTO queue_entries (
		device_id, queue_id, tenant_id, space_id, color, blink, content_hash,
		priority, expires_at, created_at, state, attempts, enqueued_at, next_attempt_at
	)
	VALUES (
		:device_id, :queue_id, :tenant_id, :space_id, :color, :blink, :content_hash,
		:priority, :expires_at, :created_at, 'pending', 0, :enqueued_at, :next_attempt_at
	)
	ON CONFLICT (device_id)
	DO UPDATE SET
		queue_id = EXCLUDED.queue_id,
		color = EXCLUDED.color,
		blink = EXCLUDED.blink,
		content_hash = EXCLUDED.content_hash,
		priority = EXCLUDED.priority,
		expires_at = EXCLUDED.expires_at,
		created_at = EXCLUDED.created_at,
		state = 'pending',
		last_error = NULL,
		next_attempt_at = EXCLUDED.next_attempt_at,
		expected_hash = NULL,
		expected_seq_floor = NULL,
		verify_deadline = NULL
	;`

	_, err := s.db.NamedExec(stmt, entry)
	return err
}

func (s *postgresQueueStore) GetByDevice(deviceID string) (*models.QueueEntry, error) {
	query := selectQueueEntries + " WHERE q.device_id = $1;"
	var entry models.QueueEntry
	err := s.db.Get(&entry, query, deviceID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

func (s *postgresQueueStore) SelectEligible(now time.Time, limit int) ([]*models.QueueEntry, error) {
	query := selectQueueEntries + `
	WHERE q.state = 'pending' AND q.next_attempt_at <= $1
	ORDER BY q.enqueued_at ASC
	LIMIT $2;`
	entries := []*models.QueueEntry{}
	err := s.db.Select(&entries, query, now, limit)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return entries, err
}

func (s *postgresQueueStore) ClaimForDispatch(queueID string, now, deadline time.Time, expectedHash string, seqFloor int64) (bool, error) {
	stmt := `
	UPDATE queue_entries
	SET state = 'dispatched',
	    attempts = attempts + 1,
	    last_attempt_at = $2,
	    expected_hash = $3,
	    expected_seq_floor = $4,
	    verify_deadline = $5
	WHERE queue_id = $1 AND state = 'pending';`

	res, err := s.db.Exec(stmt, queueID, now, expectedHash, seqFloor, deadline)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (s *postgresQueueStore) RevertToPending(queueID string, nextAttempt time.Time, lastError string) (bool, error) {
	stmt := `
	UPDATE queue_entries
	SET state = 'pending',
	    last_error = $2,
	    next_attempt_at = $3,
	    expected_hash = NULL,
	    expected_seq_floor = NULL,
	    verify_deadline = NULL
	WHERE queue_id = $1 AND state = 'dispatched';`

	res, err := s.db.Exec(stmt, queueID, lastError, nextAttempt)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (s *postgresQueueStore) DeleteVerified(queueID string) (bool, error) {
	stmt := `DELETE FROM queue_entries WHERE queue_id = $1 AND state = 'dispatched';`
	res, err := s.db.Exec(stmt, queueID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (s *postgresQueueStore) SelectExpiredVerifications(now time.Time, limit int) ([]*models.QueueEntry, error) {
	query := selectQueueEntries + `
	WHERE q.state = 'dispatched' AND q.verify_deadline <= $1
	ORDER BY q.verify_deadline ASC
	LIMIT $2;`
	entries := []*models.QueueEntry{}
	err := s.db.Select(&entries, query, now, limit)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return entries, err
}

func (s *postgresQueueStore) SelectPendingOlderThan(cutoff time.Time, limit int) ([]*models.QueueEntry, error) {
	query := selectQueueEntries + `
	WHERE q.state = 'pending' AND q.enqueued_at < $1
	ORDER BY q.enqueued_at ASC
	LIMIT $2;`
	entries := []*models.QueueEntry{}
	err := s.db.Select(&entries, query, cutoff, limit)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return entries, err
}

func (s *postgresQueueStore) ResetForRequeue(queueID string, nextAttempt time.Time) (bool, error) {
	stmt := `
	UPDATE queue_entries
	SET attempts = 0,
	    last_error = NULL,
	    next_attempt_at = $2
	WHERE queue_id = $1 AND state = 'pending';`

	res, err := s.db.Exec(stmt, queueID, nextAttempt)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (s *postgresQueueStore) MoveToDeadLetter(entry *models.QueueEntry, expectedState models.QueueState, reason string, maxSize int) (bool, error) {
	tx, err := s.db.Beginx()
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	// CAS delete first: a coalesce rotates queue_id and a dispatcher claim
	// flips state, and either way the entry is no longer ours to bury.
	res, err := tx.Exec(`DELETE FROM queue_entries WHERE queue_id = $1 AND state = $2;`, entry.QueueID, expectedState)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, tx.Commit()
	}

	_, err = tx.Exec(`
	INSERT INTO dead_letters (device_id, tenant_id, space_id, color, blink, content_hash, attempts, last_error, enqueued_at, dead_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10);`,
		entry.DeviceID, entry.TenantID, entry.SpaceID, entry.Color, entry.Blink,
		entry.ContentHash, entry.Attempts, reason, entry.EnqueuedAt, time.Now())
	if err != nil {
		return false, err
	}

	// Bounded FIFO: evict the oldest rows beyond the cap.
	if maxSize > 0 {
		_, err = tx.Exec(`
		DELETE FROM dead_letters
		WHERE id NOT IN (SELECT id FROM dead_letters ORDER BY id DESC LIMIT $1);`, maxSize)
		if err != nil {
			return false, err
		}
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("committing dead-letter move: %w", err)
	}
	return true, nil
}

func (s *postgresQueueStore) CountByState() (map[models.QueueState]int64, error) {
	rows := []struct {
		State models.QueueState `db:"state"`
		Count int64             `db:"count"`
	}{}
	err := s.db.Select(&rows, `SELECT state, COUNT(*) AS count FROM queue_entries GROUP BY state;`)
	if err != nil && err != sql.ErrNoRows {
		return nil, err
	}
	counts := make(map[models.QueueState]int64, len(rows))
	for _, r := range rows {
		counts[r.State] = r.Count
	}
	return counts, nil
}
