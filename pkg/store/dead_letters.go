package store

import (
	"database/sql"

	"github.com/jmoiron/sqlx"

	"github.com/curbsense/displayd/pkg/models"
)

var selectDeadLetters = `SELECT d.* FROM dead_letters d`

// DeadLetterStore provides operator-facing access to the dead-letter set.
type DeadLetterStore interface {
	// List returns dead letters newest-first.
	List(limit, offset int) ([]*models.DeadLetter, error)
	GetByID(id int64) (*models.DeadLetter, error)
	DeleteByID(id int64) error
	DeleteByDevice(deviceID string) (int64, error)
	Count() (int64, error)
}

type postgresDeadLetterStore struct {
	db *sqlx.DB
}

func NewDeadLetterStore(dbconn *sqlx.DB) DeadLetterStore {
	return &postgresDeadLetterStore{db: dbconn}
}

func (s *postgresDeadLetterStore) List(limit, offset int) ([]*models.DeadLetter, error) {
	query := selectDeadLetters + " ORDER BY d.id DESC LIMIT $1 OFFSET $2;"
	letters := []*models.DeadLetter{}
	err := s.db.Select(&letters, query, limit, offset)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return letters, err
}

func (s *postgresDeadLetterStore) GetByID(id int64) (*models.DeadLetter, error) {
	query := selectDeadLetters + " WHERE d.id = $1;"
	var letter models.DeadLetter
	err := s.db.Get(&letter, query, id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &letter, nil
}

func (s *postgresDeadLetterStore) DeleteByID(id int64) error {
	_, err := s.db.Exec(`DELETE FROM dead_letters WHERE id = $1;`, id)
	return err
}

func (s *postgresDeadLetterStore) DeleteByDevice(deviceID string) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM dead_letters WHERE device_id = $1;`, deviceID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *postgresDeadLetterStore) Count() (int64, error) {
	var count int64
	err := s.db.Get(&count, `SELECT COUNT(*) FROM dead_letters;`)
	return count, err
}
