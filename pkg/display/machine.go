// Package display computes the desired indicator state for each parking
// space from sensor readings, reservation status, operator overrides and the
// tenant's display policy. Recomputation is idempotent and side-effect-free;
// the only side effect is enqueueing a command when the computed state
// actually changes.
package display

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/curbsense/displayd/pkg/models"
	"github.com/curbsense/displayd/pkg/store"
)

// ReservationProvider answers reservation status per space. Owned by the
// reservation engine; consumed here as an input.
type ReservationProvider interface {
	Status(ctx context.Context, spaceID string) (models.ReservationStatus, error)
}

// AdminProvider answers the operator override flag per space.
type AdminProvider interface {
	State(ctx context.Context, spaceID string) (models.AdminState, error)
}

// Enqueuer accepts computed display commands. Implemented by the command
// queue service.
type Enqueuer interface {
	Enqueue(ctx context.Context, cmd models.DisplayCommand) error
}

// Machine is the occupancy-to-display state machine. One instance serves
// all spaces; per-space state is tracked internally.
type Machine struct {
	policies     store.PolicyStore
	reservations ReservationProvider
	admin        AdminProvider
	sink         Enqueuer

	unknownHold time.Duration
	commandTTL  time.Duration

	mu     sync.Mutex
	spaces map[string]*spaceState
}

type spaceState struct {
	tenantID string
	spaceID  string

	debounce debouncer

	lastStableColor string
	unknownSince    time.Time

	// lastComputed is compared against every recomputation; only a change
	// produces a command. Delivery state is deliberately not consulted.
	lastComputed *State
}

func NewMachine(policies store.PolicyStore, reservations ReservationProvider, admin AdminProvider, sink Enqueuer, unknownHold, commandTTL time.Duration) *Machine {
	return &Machine{
		policies:     policies,
		reservations: reservations,
		admin:        admin,
		sink:         sink,
		unknownHold:  unknownHold,
		commandTTL:   commandTTL,
		spaces:       make(map[string]*spaceState),
	}
}

func spaceKey(tenantID, spaceID string) string {
	return tenantID + "/" + spaceID
}

// HandleSensorEvent feeds one normalized occupancy reading through debounce
// and recomputes the space's display state.
func (m *Machine) HandleSensorEvent(ctx context.Context, ev models.SensorEvent) error {
	policy := m.policyFor(ev.TenantID)

	m.mu.Lock()
	st := m.spaceFor(ev.TenantID, ev.SpaceID)
	accepted, changed := st.debounce.Observe(ev.Occupancy, ev.Timestamp, policy.DebounceCount, policy.DebounceWindow)
	if changed {
		if accepted == models.OccupancyUnknown {
			st.unknownSince = ev.Timestamp
		} else {
			st.unknownSince = time.Time{}
		}
	}
	m.mu.Unlock()

	return m.recompute(ctx, ev.TenantID, ev.SpaceID, policy)
}

// NotifySpace recomputes a space after a reservation or override change.
func (m *Machine) NotifySpace(ctx context.Context, tenantID, spaceID string) error {
	return m.recompute(ctx, tenantID, spaceID, m.policyFor(tenantID))
}

// Run periodically re-evaluates every tracked space so purely time-driven
// transitions (unknown-hold expiry, reserved-soon windows) are picked up
// without a fresh input event.
func (m *Machine) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.mu.Lock()
			tracked := make([]*spaceState, 0, len(m.spaces))
			for _, st := range m.spaces {
				tracked = append(tracked, st)
			}
			m.mu.Unlock()

			for _, st := range tracked {
				if err := m.recompute(ctx, st.tenantID, st.spaceID, m.policyFor(st.tenantID)); err != nil {
					slog.Warn("periodic recompute failed", "tenant_id", st.tenantID, "space_id", st.spaceID, "error", err)
				}
			}
		}
	}
}

// policyFor loads the tenant's policy, falling back to the hardcoded safe
// default on a missing or invalid one. Policy trouble never blocks the
// pipeline.
func (m *Machine) policyFor(tenantID string) *models.DisplayPolicy {
	policy, err := m.policies.GetByTenant(tenantID)
	if err != nil {
		slog.Error("configuration error: failed to load display policy, using safe default", "tenant_id", tenantID, "error", err)
		def := models.DefaultPolicy(tenantID)
		return &def
	}
	if policy == nil {
		def := models.DefaultPolicy(tenantID)
		return &def
	}
	if err := policy.Validate(); err != nil {
		slog.Error("configuration error: invalid display policy, using safe default", "tenant_id", tenantID, "error", err)
		def := models.DefaultPolicy(tenantID)
		return &def
	}
	return policy
}

func (m *Machine) spaceFor(tenantID, spaceID string) *spaceState {
	key := spaceKey(tenantID, spaceID)
	st, ok := m.spaces[key]
	if !ok {
		st = &spaceState{tenantID: tenantID, spaceID: spaceID}
		m.spaces[key] = st
	}
	return st
}

func (m *Machine) recompute(ctx context.Context, tenantID, spaceID string, policy *models.DisplayPolicy) error {
	reservation, err := m.reservations.Status(ctx, spaceID)
	if err != nil {
		slog.Warn("reservation lookup failed, treating space as free", "space_id", spaceID, "error", err)
		reservation = models.ReservationStatus{SpaceID: spaceID, State: models.ReservedFree}
	}
	adminState, err := m.admin.State(ctx, spaceID)
	if err != nil {
		slog.Warn("admin override lookup failed, treating space as normal", "space_id", spaceID, "error", err)
		adminState = models.AdminNormal
	}

	now := time.Now()

	m.mu.Lock()
	st := m.spaceFor(tenantID, spaceID)
	resolved := resolve(policy, inputs{
		Occupancy:       st.debounce.accepted,
		Reservation:     reservation,
		Admin:           adminState,
		LastStableColor: st.lastStableColor,
		UnknownSince:    st.unknownSince,
	}, now, m.unknownHold)

	// Remember the last color driven by a definite sensor reading; it is
	// what short unknown gaps hold on to.
	if resolved.Rank == 5 && (st.debounce.accepted == models.OccupancyOccupied || st.debounce.accepted == models.OccupancyVacant) {
		st.lastStableColor = resolved.Color
	}

	if st.lastComputed != nil && st.lastComputed.Color == resolved.Color && st.lastComputed.Blink == resolved.Blink {
		m.mu.Unlock()
		return nil
	}
	st.lastComputed = &resolved
	m.mu.Unlock()

	cmd := models.DisplayCommand{
		TenantID:    tenantID,
		SpaceID:     spaceID,
		Color:       resolved.Color,
		Blink:       resolved.Blink,
		ContentHash: models.ContentHash(resolved.Color, resolved.Blink),
		Priority:    resolved.Rank,
		ExpiresAt:   now.Add(m.commandTTL),
		CreatedAt:   now,
	}

	slog.Debug("display state changed",
		"tenant_id", tenantID,
		"space_id", spaceID,
		"color", resolved.Color,
		"blink", resolved.Blink)

	if err := m.sink.Enqueue(ctx, cmd); err != nil {
		// Forget the computed state so the next recomputation retries the
		// enqueue. Matters for spaces whose display mapping is not learned
		// yet: the command goes out once the device first uplinks.
		m.mu.Lock()
		st.lastComputed = nil
		m.mu.Unlock()
		return err
	}
	return nil
}
