package models

import "time"

// GatewayStatus is the derived online/offline state of a gateway.
type GatewayStatus string

const (
	GatewayOnline  GatewayStatus = "online"
	GatewayOffline GatewayStatus = "offline"
)

// GatewayRecord is a derived view of a gateway's health, refreshed from the
// heartbeat feed. It is never authoritative; the network server owns the
// gateway itself.
type GatewayRecord struct {
	GatewayID  string        `json:"gateway_id"`
	Status     GatewayStatus `json:"status"`
	LastSeenAt time.Time     `json:"last_seen_at"`
}

// DeviceGatewayAffinity records the last gateway that heard a device's
// uplink. Class-C downlinks are pinned to that gateway by the network
// server, so this is a weak back-reference used to reason about delivery
// risk, never to force routing.
type DeviceGatewayAffinity struct {
	DeviceID         string    `json:"device_id"`
	CurrentGatewayID string    `json:"current_gateway_id"`
	LastUplinkAt     time.Time `json:"last_uplink_at"`
	LastFrameCounter int64     `json:"last_frame_counter"`
	History          []string  `json:"history"`
}
