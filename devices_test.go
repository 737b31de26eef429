package relay

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	pa "github.com/parkwatch/relay/app"
)

func newTestRelay(t *testing.T) (*Relay, *MemoryStore) {
	t.Helper()

	logger := logrus.New()
	logger.Level = logrus.ErrorLevel

	a := &pa.App{
		Config: &pa.Config{
			LogLevel: "error",
			Relay:    &pa.RelayConfig{},
		},
		Logger: logger,
	}
	a.Command = pa.NewCommandBus(a)
	a.Event = pa.NewEventBus(a)

	store := NewMemoryStore()

	r := &Relay{
		App:   a,
		Store: store,
	}
	r.Devices = NewDevices(r)

	return r, store
}

func TestRegisterIssuesTokenOnce(t *testing.T) {
	r, _ := newTestRelay(t)

	owner := "alice@example.com"
	d, token, err := r.Devices.Register("sensor-1", &owner, nil)
	if err != nil {
		t.Fatal(err)
	}
	if token == "" {
		t.Fatal("expected a token on first registration")
	}
	if !d.TokenValid(token) {
		t.Fatal("issued token does not validate")
	}

	_, token, err = r.Devices.Register("sensor-1", &owner, nil)
	if err != nil {
		t.Fatal(err)
	}
	if token != "" {
		t.Fatal("re-registration leaked a token")
	}
}

func TestTokenValid(t *testing.T) {
	r, _ := newTestRelay(t)

	d, err := r.Devices.Ensure("sensor-1")
	if err != nil {
		t.Fatal(err)
	}

	//No credential is a hard deny, not a pass-through
	if d.TokenValid("") || d.TokenValid("anything") {
		t.Fatal("device without credential accepted a token")
	}

	token := "secret"
	expired := time.Now().Add(-time.Hour)
	d.Token = &token
	d.TokenExpiration = &expired

	if d.TokenValid(token) {
		t.Fatal("expired token accepted")
	}

	valid := time.Now().Add(time.Hour)
	d.TokenExpiration = &valid

	if !d.TokenValid(token) {
		t.Fatal("valid token rejected")
	}
	if d.TokenValid("wrong") {
		t.Fatal("wrong token accepted")
	}
}

func TestAuthenticate(t *testing.T) {
	r, _ := newTestRelay(t)

	if _, err := r.Devices.Authenticate("sensor-1", "anything"); err != ErrDeviceNotFound {
		t.Fatalf("expected ErrDeviceNotFound, got %v", err)
	}

	//A stub without a credential denies every bearer, including an empty one
	if _, err := r.Devices.Ensure("sensor-1"); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Devices.Authenticate("sensor-1", ""); err != ErrInvalidToken {
		t.Fatalf("expected ErrInvalidToken for missing credential, got %v", err)
	}
	if _, err := r.Devices.Authenticate("sensor-1", "guess"); err != ErrInvalidToken {
		t.Fatalf("expected ErrInvalidToken for stub device, got %v", err)
	}

	_, token, err := r.Devices.Register("sensor-1", nil, nil)
	if err != nil {
		t.Fatal(err)
	}

	d, err := r.Devices.Authenticate("sensor-1", token)
	if err != nil {
		t.Fatal(err)
	}
	if d.HardwareId != "sensor-1" {
		t.Fatalf("wrong device: %s", d.HardwareId)
	}

	if _, err := r.Devices.Authenticate("sensor-1", "wrong"); err != ErrInvalidToken {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestCommandInsertScrubsLifecycleFields(t *testing.T) {
	r, _ := newTestRelay(t)

	d, err := r.Devices.Ensure("sensor-1")
	if err != nil {
		t.Fatal(err)
	}

	//A caller body may carry lifecycle fields, none of them survive enqueue
	when := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	spoofed := "spoofed"
	cmd := DeviceCommand{
		Command:  CommandRaiseBarrier,
		Status:   CommandStatusDone,
		Claimed:  &when,
		Executed: &when,
		Result:   &spoofed,
	}

	if err := d.CommandInsert(&cmd); err != nil {
		t.Fatal(err)
	}

	stored, err := d.CommandGet(cmd.Id)
	if err != nil {
		t.Fatal(err)
	}

	if stored.Status != CommandStatusQueued {
		t.Fatalf("expected queued, got %s", stored.Status)
	}
	if stored.Claimed != nil {
		t.Fatal("queued command stored with a claim timestamp")
	}
	if stored.Executed != nil {
		t.Fatal("queued command stored with an executed timestamp")
	}
	if stored.Result != nil {
		t.Fatal("queued command stored with a result")
	}
}

func TestCommandLifecycle(t *testing.T) {
	r, _ := newTestRelay(t)

	d, err := r.Devices.Ensure("sensor-1")
	if err != nil {
		t.Fatal(err)
	}

	cmd := DeviceCommand{Command: CommandRaiseBarrier, IssuedBy: "alice@example.com"}
	if err := d.CommandInsert(&cmd); err != nil {
		t.Fatal(err)
	}
	if cmd.Id == 0 {
		t.Fatal("command got no id")
	}
	if cmd.Status != CommandStatusQueued {
		t.Fatalf("fresh command has status %s", cmd.Status)
	}

	claimed, err := d.CommandsClaim(0)
	if err != nil {
		t.Fatal(err)
	}
	if len(claimed) != 1 || claimed[0].Id != cmd.Id {
		t.Fatalf("claim returned %v", claimed)
	}

	acked, err := d.CommandAck(cmd.Id, true, nil)
	if err != nil {
		t.Fatal(err)
	}
	if acked.Status != CommandStatusDone {
		t.Fatalf("expected done, got %s", acked.Status)
	}

	empty, err := d.CommandsClaim(0)
	if err != nil {
		t.Fatal(err)
	}
	if len(empty) != 0 {
		t.Fatalf("queue not drained: %v", empty)
	}
}

func TestCommandQueueFifo(t *testing.T) {
	r, _ := newTestRelay(t)

	d, err := r.Devices.Ensure("sensor-1")
	if err != nil {
		t.Fatal(err)
	}

	first := DeviceCommand{Command: CommandRaiseBarrier}
	second := DeviceCommand{Command: CommandLowerBarrier}

	if err := d.CommandInsert(&first); err != nil {
		t.Fatal(err)
	}
	if err := d.CommandInsert(&second); err != nil {
		t.Fatal(err)
	}

	claimed, err := d.CommandsClaim(0)
	if err != nil {
		t.Fatal(err)
	}

	if len(claimed) != 2 {
		t.Fatalf("expected both commands, got %d", len(claimed))
	}
	if claimed[0].Command != CommandRaiseBarrier || claimed[1].Command != CommandLowerBarrier {
		t.Fatalf("order wrong: %s, %s", claimed[0].Command, claimed[1].Command)
	}
}

func TestCommandAllowList(t *testing.T) {
	r, _ := newTestRelay(t)

	d, err := r.Devices.Ensure("sensor-1")
	if err != nil {
		t.Fatal(err)
	}

	cmd := DeviceCommand{Command: "open_pod_bay_doors"}
	if err := d.CommandInsert(&cmd); err != ErrInvalidCommand {
		t.Fatalf("expected ErrInvalidCommand, got %v", err)
	}

	//Config narrows the default set
	r.Config.Relay.Commands = []string{CommandReset}

	cmd = DeviceCommand{Command: CommandRaiseBarrier}
	if err := d.CommandInsert(&cmd); err != ErrInvalidCommand {
		t.Fatalf("expected ErrInvalidCommand for narrowed list, got %v", err)
	}

	cmd = DeviceCommand{Command: CommandReset}
	if err := d.CommandInsert(&cmd); err != nil {
		t.Fatal(err)
	}
}

func TestCommandAckUnknownId(t *testing.T) {
	r, _ := newTestRelay(t)

	d, err := r.Devices.Ensure("sensor-1")
	if err != nil {
		t.Fatal(err)
	}

	if _, err := d.CommandAck(999, true, nil); err != ErrCommandNotFound {
		t.Fatalf("expected ErrCommandNotFound, got %v", err)
	}
}

func TestCommandsClaimLimitClamp(t *testing.T) {
	r, _ := newTestRelay(t)
	r.Config.Relay.ClaimLimit = 2

	d, err := r.Devices.Ensure("sensor-1")
	if err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 5; i++ {
		cmd := DeviceCommand{Command: CommandReset}
		if err := d.CommandInsert(&cmd); err != nil {
			t.Fatal(err)
		}
	}

	//A device asking for more than the configured limit gets the limit
	claimed, err := d.CommandsClaim(100)
	if err != nil {
		t.Fatal(err)
	}
	if len(claimed) != 2 {
		t.Fatalf("limit not clamped: %d", len(claimed))
	}
}

func TestCanControl(t *testing.T) {
	r, store := newTestRelay(t)

	owner := "alice@example.com"
	spot := "spot-7"
	d, _, err := r.Devices.Register("sensor-1", &owner, &spot)
	if err != nil {
		t.Fatal(err)
	}

	ok, err := d.CanControl("mallory@example.com", "driver")
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("stranger can control device")
	}

	ok, err = d.CanControl(owner, "driver")
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("owner cannot control device")
	}

	ok, err = d.CanControl("mallory@example.com", "admin")
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("admin cannot control device")
	}

	//Active session on the bound spot grants control
	store.SeedSession("bob@example.com", spot, true)

	ok, err = d.CanControl("bob@example.com", "driver")
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("active session holder cannot control device")
	}
}

func TestFailExpired(t *testing.T) {
	r, store := newTestRelay(t)

	d, err := r.Devices.Ensure("sensor-1")
	if err != nil {
		t.Fatal(err)
	}

	cmd := DeviceCommand{Command: CommandRaiseBarrier}
	if err := d.CommandInsert(&cmd); err != nil {
		t.Fatal(err)
	}

	stale := time.Now().UTC().Add(-time.Hour)
	if _, err := store.CommandClaim("sensor-1", 10, stale); err != nil {
		t.Fatal(err)
	}

	failed, err := r.Devices.FailExpired()
	if err != nil {
		t.Fatal(err)
	}
	if len(failed) != 1 || failed[0].Id != cmd.Id {
		t.Fatalf("expected the stale command to fail, got %v", failed)
	}

	stored, err := d.CommandGet(cmd.Id)
	if err != nil {
		t.Fatal(err)
	}
	if stored.Status != CommandStatusFailed {
		t.Fatalf("expired command has status %s", stored.Status)
	}
}

func TestRecordTelemetry(t *testing.T) {
	r, store := newTestRelay(t)

	owner := "alice@example.com"
	spot := "spot-7"
	if _, _, err := r.Devices.Register("sensor-1", &owner, &spot); err != nil {
		t.Fatal(err)
	}
	store.SeedSpot(spot, true)

	occupancy := OccupancyOccupied
	battery := 75.0

	d, err := r.Devices.RecordTelemetry("sensor-1", Telemetry{
		Occupancy:    &occupancy,
		BatteryLevel: &battery,
	})
	if err != nil {
		t.Fatal(err)
	}

	if d.LastHeartbeat == nil {
		t.Fatal("heartbeat not recorded")
	}
	if d.Occupancy != OccupancyOccupied {
		t.Fatalf("occupancy not recorded: %s", d.Occupancy)
	}

	available, err := store.SpotAvailable(spot)
	if err != nil {
		t.Fatal(err)
	}
	if available {
		t.Fatal("occupied report left the spot available")
	}
}

func TestTelemetryNormalize(t *testing.T) {
	bogus := "parked?"
	huge := json.RawMessage(make([]byte, 10000))

	tel := Telemetry{
		Occupancy: &bogus,
		LastMag:   huge,
	}

	tel.Normalize(4096)

	if tel.Timestamp == nil {
		t.Fatal("timestamp not defaulted")
	}
	if tel.Occupancy == nil || *tel.Occupancy != OccupancyUnknown {
		t.Fatalf("bogus occupancy not clamped: %v", tel.Occupancy)
	}
	if tel.LastMag != nil {
		t.Fatal("oversized sensor payload not dropped")
	}
}

