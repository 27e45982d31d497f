package transport

import (
	"fmt"
	"log/slog"

	mochi "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/hooks/auth"
	"github.com/mochi-mqtt/server/v2/listeners"
)

// NewEmbeddedBroker starts an in-process MQTT broker on the given address.
// Used for development and integration testing where no network server
// broker is running; the client connects to it like any external broker.
func NewEmbeddedBroker(addr string) (*mochi.Server, error) {
	server := mochi.New(&mochi.Options{})
	if err := server.AddHook(new(auth.AllowHook), nil); err != nil {
		return nil, fmt.Errorf("configuring embedded broker auth: %w", err)
	}
	if err := server.AddHook(new(brokerLogHook), nil); err != nil {
		return nil, fmt.Errorf("configuring embedded broker logging: %w", err)
	}

	tcp := listeners.NewTCP(listeners.Config{ID: "tcp", Address: addr})
	if err := server.AddListener(tcp); err != nil {
		return nil, fmt.Errorf("adding embedded broker listener: %w", err)
	}

	go func() {
		if err := server.Serve(); err != nil {
			slog.Error("embedded broker stopped", "error", err)
		}
	}()
	slog.Info("embedded mqtt broker listening", "addr", addr)
	return server, nil
}
