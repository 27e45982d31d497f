package store

import (
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Stores aggregates every persistence backend the pipeline uses: postgres
// for the durable queue, dead-letter set and policies; redis for the
// per-key compare-and-set state (rate buckets, affinity, verified hashes).
type Stores struct {
	Queue       QueueStore
	DeadLetters DeadLetterStore
	Policies    PolicyStore
	Affinity    AffinityStore
	Gateways    GatewayStore
	Verified    VerifiedHashStore
	DeviceMap   DeviceMapStore
	SpaceState  SpaceStateStore
}

// NewStores wires the store implementations over open connections.
func NewStores(db *sqlx.DB, rdb redis.UniversalClient) *Stores {
	return &Stores{
		Queue:       NewQueueStore(db),
		DeadLetters: NewDeadLetterStore(db),
		Policies:    NewPolicyStore(db),
		Affinity:    NewAffinityStore(rdb),
		Gateways:    NewGatewayStore(rdb),
		Verified:    NewVerifiedHashStore(rdb),
		DeviceMap:   NewDeviceMapStore(rdb),
		SpaceState:  NewSpaceStateStore(rdb),
	}
}

// Connect opens the postgres connection and runs pending migrations.
func Connect(dsn string) (*sqlx.DB, error) {
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func runMigrations(db *sqlx.DB) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("loading migrations: %w", err)
	}
	driver, err := postgres.WithInstance(db.DB, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("preparing migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return fmt.Errorf("preparing migrations: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("running migrations: %w", err)
	}
	return nil
}
