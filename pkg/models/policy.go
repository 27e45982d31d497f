package models

import (
	"fmt"
	"time"
)

// Display colors understood by the indicator firmware.
const (
	ColorFree         = "green"
	ColorOccupied     = "red"
	ColorReserved     = "blue"
	ColorBlocked      = "orange"
	ColorOutOfService = "gray"
)

// DisplayPolicy is the per-tenant display configuration. It is read-only to
// the delivery pipeline; tenant administration owns the rows.
type DisplayPolicy struct {
	TenantID              string        `db:"tenant_id" json:"tenant_id"`
	FreeColor             string        `db:"free_color" json:"free_color"`
	OccupiedColor         string        `db:"occupied_color" json:"occupied_color"`
	ReservedColor         string        `db:"reserved_color" json:"reserved_color"`
	BlockedColor          string        `db:"blocked_color" json:"blocked_color"`
	OutOfServiceColor     string        `db:"out_of_service_color" json:"out_of_service_color"`
	ReservedSoonThreshold time.Duration `db:"reserved_soon_threshold" json:"reserved_soon_threshold"`
	BlinkOnReservedSoon   bool          `db:"blink_on_reserved_soon" json:"blink_on_reserved_soon"`
	DebounceWindow        time.Duration `db:"debounce_window" json:"debounce_window"`
	DebounceCount         int           `db:"debounce_count" json:"debounce_count"`
	UpdatedAt             time.Time     `db:"updated_at" json:"updated_at"`
}

// DefaultPolicy returns the hardcoded safe fallback used when a tenant's
// policy is missing or invalid. It must never block the pipeline.
func DefaultPolicy(tenantID string) DisplayPolicy {
	return DisplayPolicy{
		TenantID:              tenantID,
		FreeColor:             ColorFree,
		OccupiedColor:         ColorOccupied,
		ReservedColor:         ColorReserved,
		BlockedColor:          ColorBlocked,
		OutOfServiceColor:     ColorOutOfService,
		ReservedSoonThreshold: 2 * time.Minute,
		BlinkOnReservedSoon:   true,
		DebounceWindow:        7 * time.Second,
		DebounceCount:         2,
	}
}

// Validate reports whether the policy is usable by the state machine.
func (p *DisplayPolicy) Validate() error {
	if p.FreeColor == "" || p.OccupiedColor == "" || p.ReservedColor == "" ||
		p.BlockedColor == "" || p.OutOfServiceColor == "" {
		return fmt.Errorf("policy for tenant %s has empty color", p.TenantID)
	}
	if p.DebounceCount < 1 {
		return fmt.Errorf("policy for tenant %s has debounce_count %d", p.TenantID, p.DebounceCount)
	}
	if p.DebounceWindow <= 0 {
		return fmt.Errorf("policy for tenant %s has non-positive debounce_window", p.TenantID)
	}
	if p.ReservedSoonThreshold < 0 {
		return fmt.Errorf("policy for tenant %s has negative reserved_soon_threshold", p.TenantID)
	}
	return nil
}
