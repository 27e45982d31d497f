package store

import (
	"database/sql"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/jmoiron/sqlx"

	"github.com/curbsense/displayd/pkg/models"
)

const policyCacheTTL = 5 * time.Minute

var selectPolicies = `SELECT p.* FROM display_policies p`

// PolicyStore reads per-tenant display policies. Read-only to the pipeline;
// writes belong to tenant administration.
type PolicyStore interface {
	// GetByTenant returns the tenant's policy, or nil when none is
	// configured.
	GetByTenant(tenantID string) (*models.DisplayPolicy, error)
	// Invalidate drops the cached policy for a tenant.
	Invalidate(tenantID string)
}

type postgresPolicyStore struct {
	db    *sqlx.DB
	cache *ttlcache.Cache[string, *models.DisplayPolicy]
}

func NewPolicyStore(dbconn *sqlx.DB) PolicyStore {
	cache := ttlcache.New[string, *models.DisplayPolicy](
		ttlcache.WithTTL[string, *models.DisplayPolicy](policyCacheTTL),
	)
	go cache.Start()
	return &postgresPolicyStore{db: dbconn, cache: cache}
}

func (s *postgresPolicyStore) GetByTenant(tenantID string) (*models.DisplayPolicy, error) {
	if item := s.cache.Get(tenantID, ttlcache.WithDisableTouchOnHit[string, *models.DisplayPolicy]()); item != nil {
		return item.Value(), nil
	}

	query := selectPolicies + " WHERE p.tenant_id = $1;"
	var policy models.DisplayPolicy
	err := s.db.Get(&policy, query, tenantID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	s.cache.Set(tenantID, &policy, policyCacheTTL)
	return &policy, nil
}

func (s *postgresPolicyStore) Invalidate(tenantID string) {
	s.cache.Delete(tenantID)
}
