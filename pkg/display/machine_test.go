package display

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/curbsense/displayd/pkg/models"
)

type fakePolicies struct {
	policy *models.DisplayPolicy
	err    error
}

func (f *fakePolicies) GetByTenant(tenantID string) (*models.DisplayPolicy, error) {
	return f.policy, f.err
}
func (f *fakePolicies) Invalidate(tenantID string) {}

type fakeReservations struct {
	status models.ReservationStatus
	err    error
}

func (f *fakeReservations) Status(ctx context.Context, spaceID string) (models.ReservationStatus, error) {
	return f.status, f.err
}

type fakeAdmin struct {
	state models.AdminState
	err   error
}

func (f *fakeAdmin) State(ctx context.Context, spaceID string) (models.AdminState, error) {
	if f.state == "" {
		return models.AdminNormal, f.err
	}
	return f.state, f.err
}

type captureSink struct {
	mu       sync.Mutex
	commands []models.DisplayCommand
}

func (c *captureSink) Enqueue(ctx context.Context, cmd models.DisplayCommand) error {
	c.mu.Lock()
	c.commands = append(c.commands, cmd)
	c.mu.Unlock()
	return nil
}

func (c *captureSink) all() []models.DisplayCommand {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]models.DisplayCommand, len(c.commands))
	copy(out, c.commands)
	return out
}

func newTestMachine(sink Enqueuer, res *fakeReservations, admin *fakeAdmin) *Machine {
	policy := models.DefaultPolicy("tenant-1")
	// Single-reading debounce keeps the scenarios focused on resolution.
	policy.DebounceCount = 1
	return NewMachine(&fakePolicies{policy: &policy}, res, admin, sink, time.Minute, 24*time.Hour)
}

func TestMachineEnqueuesOnlyOnChange(t *testing.T) {
	sink := &captureSink{}
	m := newTestMachine(sink, &fakeReservations{status: models.ReservationStatus{State: models.ReservedFree}}, &fakeAdmin{})
	ctx := context.Background()

	ev := models.SensorEvent{DeviceID: "sensor-1", SpaceID: "space-1", TenantID: "tenant-1", Occupancy: models.OccupancyOccupied, Timestamp: time.Now()}
	if err := m.HandleSensorEvent(ctx, ev); err != nil {
		t.Fatalf("HandleSensorEvent: %v", err)
	}

	// Same reading again: no state change, no command.
	ev.Timestamp = ev.Timestamp.Add(time.Second)
	if err := m.HandleSensorEvent(ctx, ev); err != nil {
		t.Fatalf("HandleSensorEvent repeat: %v", err)
	}

	cmds := sink.all()
	if len(cmds) != 1 {
		t.Fatalf("got %d commands, want 1", len(cmds))
	}
	if cmds[0].Color != models.ColorOccupied || cmds[0].Blink {
		t.Errorf("command = %+v, want occupied color", cmds[0])
	}
	if cmds[0].ContentHash != models.ContentHash(models.ColorOccupied, false) {
		t.Errorf("content hash mismatch: %s", cmds[0].ContentHash)
	}
}

func TestMachineReservedSoonScenario(t *testing.T) {
	res := &fakeReservations{status: models.ReservationStatus{State: models.ReservedFree}}
	sink := &captureSink{}
	m := newTestMachine(sink, res, &fakeAdmin{})
	ctx := context.Background()

	// Vacant space shows free.
	ev := models.SensorEvent{DeviceID: "sensor-1", SpaceID: "space-1", TenantID: "tenant-1", Occupancy: models.OccupancyVacant, Timestamp: time.Now()}
	if err := m.HandleSensorEvent(ctx, ev); err != nil {
		t.Fatalf("HandleSensorEvent: %v", err)
	}

	// Reservation approaching within the threshold: blinking reserved color.
	res.status = models.ReservationStatus{State: models.ReservedSoon, StartsIn: 90 * time.Second}
	if err := m.NotifySpace(ctx, "tenant-1", "space-1"); err != nil {
		t.Fatalf("NotifySpace: %v", err)
	}

	// Reservation starts: solid reserved color.
	res.status = models.ReservationStatus{State: models.ReservedNow}
	if err := m.NotifySpace(ctx, "tenant-1", "space-1"); err != nil {
		t.Fatalf("NotifySpace: %v", err)
	}

	cmds := sink.all()
	if len(cmds) != 3 {
		t.Fatalf("got %d commands, want 3", len(cmds))
	}
	if cmds[0].Color != models.ColorFree {
		t.Errorf("step 1 color = %s, want free", cmds[0].Color)
	}
	if cmds[1].Color != models.ColorReserved || !cmds[1].Blink {
		t.Errorf("step 2 = %+v, want blinking reserved", cmds[1])
	}
	if cmds[2].Color != models.ColorReserved || cmds[2].Blink {
		t.Errorf("step 3 = %+v, want solid reserved", cmds[2])
	}
}

func TestMachineUnknownHoldsThenReleases(t *testing.T) {
	sink := &captureSink{}
	m := newTestMachine(sink, &fakeReservations{status: models.ReservationStatus{State: models.ReservedFree}}, &fakeAdmin{})
	ctx := context.Background()

	base := time.Now()
	occupied := models.SensorEvent{DeviceID: "sensor-1", SpaceID: "space-1", TenantID: "tenant-1", Occupancy: models.OccupancyOccupied, Timestamp: base}
	if err := m.HandleSensorEvent(ctx, occupied); err != nil {
		t.Fatalf("HandleSensorEvent: %v", err)
	}

	// Sensor drops out: display keeps showing occupied, so no new command.
	unknown := occupied
	unknown.Occupancy = models.OccupancyUnknown
	unknown.Timestamp = base.Add(5 * time.Second)
	if err := m.HandleSensorEvent(ctx, unknown); err != nil {
		t.Fatalf("HandleSensorEvent unknown: %v", err)
	}

	cmds := sink.all()
	if len(cmds) != 1 {
		t.Fatalf("got %d commands during hold, want 1", len(cmds))
	}
	if cmds[0].Color != models.ColorOccupied {
		t.Errorf("held color = %s, want occupied", cmds[0].Color)
	}
}

func TestMachineProviderFailuresDegrade(t *testing.T) {
	sink := &captureSink{}
	res := &fakeReservations{err: errors.New("reservation engine down")}
	admin := &fakeAdmin{err: errors.New("override store down")}
	m := newTestMachine(sink, res, admin)

	ev := models.SensorEvent{DeviceID: "sensor-1", SpaceID: "space-1", TenantID: "tenant-1", Occupancy: models.OccupancyOccupied, Timestamp: time.Now()}
	if err := m.HandleSensorEvent(context.Background(), ev); err != nil {
		t.Fatalf("HandleSensorEvent: %v", err)
	}

	cmds := sink.all()
	if len(cmds) != 1 || cmds[0].Color != models.ColorOccupied {
		t.Fatalf("degraded recompute did not fall back to occupancy: %+v", cmds)
	}
}

func TestMachineBadPolicyUsesSafeDefault(t *testing.T) {
	bad := &models.DisplayPolicy{TenantID: "tenant-1"}
	sink := &captureSink{}
	m := NewMachine(&fakePolicies{policy: bad},
		&fakeReservations{status: models.ReservationStatus{State: models.ReservedFree}},
		&fakeAdmin{}, sink, time.Minute, 24*time.Hour)

	// Default debounce needs two readings to flip after the first.
	base := time.Now()
	ev := models.SensorEvent{DeviceID: "sensor-1", SpaceID: "space-1", TenantID: "tenant-1", Occupancy: models.OccupancyOccupied, Timestamp: base}
	if err := m.HandleSensorEvent(context.Background(), ev); err != nil {
		t.Fatalf("HandleSensorEvent: %v", err)
	}

	cmds := sink.all()
	if len(cmds) != 1 || cmds[0].Color != models.ColorOccupied {
		t.Fatalf("safe default policy not applied: %+v", cmds)
	}
}
