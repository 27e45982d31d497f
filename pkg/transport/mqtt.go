package transport

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"sync"
	"time"

	"github.com/chirpstack/chirpstack/api/go/v4/gw"
	"github.com/chirpstack/chirpstack/api/go/v4/integration"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"google.golang.org/protobuf/encoding/protojson"

	"github.com/curbsense/displayd/pkg/config"
	"github.com/curbsense/displayd/pkg/models"
	"github.com/curbsense/displayd/pkg/store"
)

// Device metadata tags provisioned on the network server.
const (
	tagDeviceType = "device_type"
	tagSpaceID    = "space_id"

	deviceTypeOccupancy = "occupancy"
	deviceTypeDisplay   = "display"
)

var (
	uplinkTopicRegex = regexp.MustCompile(`^application/([^/]+)/device/([^/]+)/event/up$`)
	statsTopicRegex  = regexp.MustCompile(`^gateway/([^/]+)/event/stats$`)
)

// SensorSink receives decoded occupancy readings.
type SensorSink interface {
	HandleSensorEvent(ctx context.Context, ev models.SensorEvent) error
}

// DisplaySink receives decoded display status uplinks.
type DisplaySink interface {
	HandleUplink(ctx context.Context, up models.DeviceUplink) error
}

// HeartbeatSink receives gateway stats observations.
type HeartbeatSink interface {
	HandleHeartbeat(ctx context.Context, hb models.GatewayHeartbeat) error
}

// Client is the MQTT-side integration with the network server: it consumes
// the uplink and gateway-stats event streams and publishes downlink commands.
type Client struct {
	settings   config.MqttSettings
	conn       mqtt.Client
	sensors    SensorSink
	displays   DisplaySink
	heartbeats HeartbeatSink
	devices    store.DeviceMapStore

	unmarshal protojson.UnmarshalOptions

	// apps maps device EUIs to the application they uplinked under, so
	// downlinks land on the right command topic.
	mu   sync.RWMutex
	apps map[string]string
}

func NewClient(settings config.MqttSettings, sensors SensorSink, displays DisplaySink, heartbeats HeartbeatSink, devices store.DeviceMapStore) *Client {
	return &Client{
		settings:   settings,
		sensors:    sensors,
		displays:   displays,
		heartbeats: heartbeats,
		devices:    devices,
		unmarshal:  protojson.UnmarshalOptions{DiscardUnknown: true},
		apps:       make(map[string]string),
	}
}

// Connect dials the broker and subscribes to the event streams. Subscriptions
// are re-established on every reconnect.
func (c *Client) Connect() error {
	opts := mqtt.NewClientOptions().
		AddBroker(c.settings.Broker).
		SetClientID(c.settings.ClientID).
		SetUsername(c.settings.Username).
		SetPassword(c.settings.Password).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetOrderMatters(false)

	opts.SetOnConnectHandler(func(conn mqtt.Client) {
		slog.Info("mqtt connected", "broker", c.settings.Broker)
		if token := conn.Subscribe("application/+/device/+/event/up", 0, c.handleUplink); token.Wait() && token.Error() != nil {
			slog.Error("uplink subscription failed", "error", token.Error())
		}
		if token := conn.Subscribe("gateway/+/event/stats", 0, c.handleStats); token.Wait() && token.Error() != nil {
			slog.Error("gateway stats subscription failed", "error", token.Error())
		}
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		slog.Warn("mqtt connection lost", "error", err)
	})

	c.conn = mqtt.NewClient(opts)
	if token := c.conn.Connect(); token.Wait() && token.Error() != nil {
		return fmt.Errorf("connecting to mqtt broker %s: %w", c.settings.Broker, token.Error())
	}
	return nil
}

// Close disconnects from the broker, letting in-flight publishes drain.
func (c *Client) Close() {
	if c.conn != nil {
		c.conn.Disconnect(250)
	}
}

func (c *Client) handleUplink(_ mqtt.Client, msg mqtt.Message) {
	if !uplinkTopicRegex.MatchString(msg.Topic()) {
		return
	}

	var ev integration.UplinkEvent
	if err := c.unmarshal.Unmarshal(msg.Payload(), &ev); err != nil {
		slog.Warn("undecodable uplink event", "topic", msg.Topic(), "error", err)
		return
	}
	info := ev.GetDeviceInfo()
	if info == nil {
		return
	}

	ctx := context.Background()
	devEUI := info.GetDevEui()
	gatewayID := ""
	if rx := ev.GetRxInfo(); len(rx) > 0 {
		gatewayID = rx[0].GetGatewayId()
	}
	ts := time.Now()
	if t := ev.GetTime(); t != nil {
		ts = t.AsTime()
	}

	c.mu.Lock()
	c.apps[devEUI] = info.GetApplicationId()
	c.mu.Unlock()

	tags := info.GetTags()
	switch tags[tagDeviceType] {
	case deviceTypeOccupancy:
		sensorEv := models.SensorEvent{
			DeviceID:  devEUI,
			SpaceID:   tags[tagSpaceID],
			TenantID:  info.GetTenantId(),
			Occupancy: DecodeOccupancy(ev.GetData()),
			Timestamp: ts,
		}
		if err := c.sensors.HandleSensorEvent(ctx, sensorEv); err != nil {
			slog.Error("sensor event handling failed", "device_id", devEUI, "error", err)
		}

	case deviceTypeDisplay:
		if spaceID := tags[tagSpaceID]; spaceID != "" {
			if err := c.devices.Set(ctx, info.GetTenantId(), spaceID, devEUI); err != nil {
				slog.Warn("display mapping update failed", "device_id", devEUI, "error", err)
			}
		}
		color, blink, err := DecodeStatus(ev.GetData())
		if err != nil {
			slog.Warn("undecodable display status", "device_id", devEUI, "error", err)
			return
		}
		up := models.DeviceUplink{
			DeviceID:     devEUI,
			AppliedColor: color,
			AppliedBlink: blink,
			FrameCounter: int64(ev.GetFCnt()),
			GatewayID:    gatewayID,
			Timestamp:    ts,
		}
		if err := c.displays.HandleUplink(ctx, up); err != nil {
			slog.Error("display uplink handling failed", "device_id", devEUI, "error", err)
		}

	default:
		slog.Debug("uplink from untagged device ignored", "device_id", devEUI)
	}
}

func (c *Client) handleStats(_ mqtt.Client, msg mqtt.Message) {
	m := statsTopicRegex.FindStringSubmatch(msg.Topic())
	if m == nil {
		return
	}

	var stats gw.GatewayStats
	if err := c.unmarshal.Unmarshal(msg.Payload(), &stats); err != nil {
		slog.Warn("undecodable gateway stats", "topic", msg.Topic(), "error", err)
		return
	}

	gatewayID := stats.GetGatewayId()
	if gatewayID == "" {
		gatewayID = m[1]
	}
	ts := time.Now()
	if t := stats.GetTime(); t != nil {
		ts = t.AsTime()
	}

	hb := models.GatewayHeartbeat{GatewayID: gatewayID, LastSeenAt: ts}
	if err := c.heartbeats.HandleHeartbeat(context.Background(), hb); err != nil {
		slog.Error("gateway heartbeat handling failed", "gateway_id", gatewayID, "error", err)
	}
}

// SendDownlink publishes the command to the device's downlink queue. The
// network server schedules the actual Class-C transmission; the gateway id is
// informational only.
func (c *Client) SendDownlink(ctx context.Context, cmd models.DisplayCommand, gatewayID string) error {
	payload, err := EncodeCommand(cmd.Color, cmd.Blink)
	if err != nil {
		return err
	}

	c.mu.RLock()
	appID := c.apps[cmd.DeviceID]
	c.mu.RUnlock()
	if appID == "" {
		appID = c.settings.ApplicationID
	}
	if appID == "" {
		return fmt.Errorf("no application known for device %s", cmd.DeviceID)
	}

	down := &integration.DownlinkCommand{
		Id:     uuid.NewString(),
		DevEui: cmd.DeviceID,
		FPort:  uint32(c.settings.DownlinkFPort),
		Data:   payload,
	}
	body, err := protojson.Marshal(down)
	if err != nil {
		return fmt.Errorf("encoding downlink command: %w", err)
	}

	topic := fmt.Sprintf("application/%s/device/%s/command/down", appID, cmd.DeviceID)
	token := c.conn.Publish(topic, 0, false, body)
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("publish to %s timed out", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publishing downlink to %s: %w", topic, err)
	}
	return nil
}
