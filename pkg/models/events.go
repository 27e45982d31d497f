package models

import "time"

// Occupancy is the debounced-input reading from an occupancy sensor.
type Occupancy string

const (
	OccupancyOccupied Occupancy = "occupied"
	OccupancyVacant   Occupancy = "vacant"
	OccupancyUnknown  Occupancy = "unknown"
)

// SensorEvent is a normalized occupancy reading. Upstream ingest has already
// deduplicated by device and frame counter.
type SensorEvent struct {
	DeviceID  string    `json:"device_id"`
	SpaceID   string    `json:"space_id"`
	TenantID  string    `json:"tenant_id"`
	Occupancy Occupancy `json:"occupancy"`
	Timestamp time.Time `json:"timestamp"`
}

// ReservationState describes the reservation engine's answer for a space.
type ReservationState string

const (
	ReservedNow  ReservationState = "reserved_now"
	ReservedSoon ReservationState = "reserved_soon"
	ReservedFree ReservationState = "free"
)

// ReservationStatus is the reservation input for a space. StartsIn is only
// meaningful when State is ReservedSoon.
type ReservationStatus struct {
	SpaceID  string           `json:"space_id"`
	State    ReservationState `json:"state"`
	StartsIn time.Duration    `json:"starts_in"`
}

// AdminState is the operator override flag for a space.
type AdminState string

const (
	AdminNormal       AdminState = "normal"
	AdminBlocked      AdminState = "blocked"
	AdminOutOfService AdminState = "out_of_service"
)

// DeviceUplink is a decoded uplink from an indicator display: the echoed
// applied state plus the frame counter used as the verification sequence.
type DeviceUplink struct {
	DeviceID     string    `json:"device_id"`
	AppliedColor string    `json:"applied_color"`
	AppliedBlink bool      `json:"applied_blink"`
	FrameCounter int64     `json:"frame_counter"`
	GatewayID    string    `json:"gateway_id"`
	Timestamp    time.Time `json:"timestamp"`
}

// GatewayHeartbeat is one observation from the gateway stats feed.
type GatewayHeartbeat struct {
	GatewayID  string    `json:"gateway_id"`
	LastSeenAt time.Time `json:"last_seen_at"`
}
