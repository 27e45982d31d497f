package transport

import (
	"bytes"

	mochi "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/packets"
)

// brokerLogHook surfaces client and publish activity on the embedded broker.
// Only used in development mode, where there is no external broker to watch.
type brokerLogHook struct {
	mochi.HookBase
}

func (h *brokerLogHook) ID() string {
	return "broker-log"
}

func (h *brokerLogHook) Provides(b byte) bool {
	return bytes.Contains([]byte{
		mochi.OnConnect,
		mochi.OnDisconnect,
		mochi.OnPublish,
	}, []byte{b})
}

func (h *brokerLogHook) OnConnect(cl *mochi.Client, pk packets.Packet) error {
	h.Log.Info("broker client connected", "client_id", cl.ID, "remote", cl.Net.Remote)
	return nil
}

func (h *brokerLogHook) OnDisconnect(cl *mochi.Client, err error, expire bool) {
	h.Log.Info("broker client disconnected", "client_id", cl.ID, "error", err)
}

func (h *brokerLogHook) OnPublish(cl *mochi.Client, pk packets.Packet) (packets.Packet, error) {
	h.Log.Debug("broker publish", "client_id", cl.ID, "topic", pk.TopicName, "bytes", len(pk.Payload))
	return pk, nil
}
