// Package transport bridges the pipeline to the LoRaWAN network server's
// MQTT integration: it decodes uplink events into domain inputs and publishes
// display commands as downlinks.
package transport

import (
	"fmt"

	"github.com/curbsense/displayd/pkg/models"
)

// Wire bytes for the display payload. Byte 0 is the color, byte 1 the blink
// flag. Display status uplinks echo the same two bytes.
var colorBytes = map[string]byte{
	models.ColorFree:         0x01,
	models.ColorOccupied:     0x02,
	models.ColorReserved:     0x03,
	models.ColorBlocked:      0x04,
	models.ColorOutOfService: 0x05,
}

var byteColors = func() map[byte]string {
	m := make(map[byte]string, len(colorBytes))
	for color, b := range colorBytes {
		m[b] = color
	}
	return m
}()

// EncodeCommand renders a display command into the two-byte downlink payload.
func EncodeCommand(color string, blink bool) ([]byte, error) {
	b, ok := colorBytes[color]
	if !ok {
		return nil, fmt.Errorf("unknown display color %q", color)
	}
	payload := []byte{b, 0x00}
	if blink {
		payload[1] = 0x01
	}
	return payload, nil
}

// DecodeStatus parses the echoed display state from a status uplink payload.
func DecodeStatus(payload []byte) (color string, blink bool, err error) {
	if len(payload) < 2 {
		return "", false, fmt.Errorf("status payload too short: %d bytes", len(payload))
	}
	color, ok := byteColors[payload[0]]
	if !ok {
		return "", false, fmt.Errorf("unknown color byte 0x%02x", payload[0])
	}
	return color, payload[1] != 0x00, nil
}

// Occupancy sensor payload: a single byte reading.
const (
	occupancyByteVacant   = 0x00
	occupancyByteOccupied = 0x01
)

// DecodeOccupancy parses a sensor uplink payload. Anything the firmware does
// not recognize maps to unknown rather than an error; the state machine
// treats unknown as a first-class input.
func DecodeOccupancy(payload []byte) models.Occupancy {
	if len(payload) < 1 {
		return models.OccupancyUnknown
	}
	switch payload[0] {
	case occupancyByteVacant:
		return models.OccupancyVacant
	case occupancyByteOccupied:
		return models.OccupancyOccupied
	default:
		return models.OccupancyUnknown
	}
}
