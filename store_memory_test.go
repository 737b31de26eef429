package relay

import (
	"sync"
	"testing"
	"time"
)

func queueCommand(t *testing.T, s *MemoryStore, hardwareID string, id uint64, command string) *DeviceCommand {
	t.Helper()

	cmd := &DeviceCommand{
		Id:         id,
		HardwareId: hardwareID,
		Command:    command,
		Status:     CommandStatusQueued,
		Created:    time.Now().UTC(),
	}

	if err := s.CommandInsert(cmd); err != nil {
		t.Fatal(err)
	}

	return cmd
}

func TestCommandClaimFifo(t *testing.T) {
	s := NewMemoryStore()

	queueCommand(t, s, "sensor-1", 1, CommandRaiseBarrier)
	queueCommand(t, s, "sensor-1", 2, CommandLowerBarrier)
	queueCommand(t, s, "sensor-1", 3, CommandReset)

	claimed, err := s.CommandClaim("sensor-1", 2, time.Now().UTC())
	if err != nil {
		t.Fatal(err)
	}

	if len(claimed) != 2 {
		t.Fatalf("expected 2 claimed commands, got %d", len(claimed))
	}

	if claimed[0].Id != 1 || claimed[1].Id != 2 {
		t.Fatalf("claim order wrong: %d, %d", claimed[0].Id, claimed[1].Id)
	}

	for _, cmd := range claimed {
		if cmd.Status != CommandStatusSent {
			t.Fatalf("claimed command %d has status %s", cmd.Id, cmd.Status)
		}
		if cmd.Claimed == nil {
			t.Fatalf("claimed command %d has no claim timestamp", cmd.Id)
		}
	}

	remaining, err := s.CommandClaim("sensor-1", 10, time.Now().UTC())
	if err != nil {
		t.Fatal(err)
	}

	if len(remaining) != 1 || remaining[0].Id != 3 {
		t.Fatalf("expected command 3 to remain queued, got %v", remaining)
	}
}

func TestCommandClaimConcurrent(t *testing.T) {
	s := NewMemoryStore()

	total := 50
	for i := 1; i <= total; i++ {
		queueCommand(t, s, "sensor-1", uint64(i), CommandReset)
	}

	var wg sync.WaitGroup
	results := make(chan []DeviceCommand, 10)

	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			claimed, err := s.CommandClaim("sensor-1", 10, time.Now().UTC())
			if err != nil {
				t.Error(err)
				return
			}
			results <- claimed
		}()
	}

	wg.Wait()
	close(results)

	seen := map[uint64]bool{}
	for claimed := range results {
		for _, cmd := range claimed {
			if seen[cmd.Id] {
				t.Fatalf("command %d claimed twice", cmd.Id)
			}
			seen[cmd.Id] = true
		}
	}

	if len(seen) != total {
		t.Fatalf("expected %d commands claimed in total, got %d", total, len(seen))
	}
}

func TestCommandClaimEmptyQueue(t *testing.T) {
	s := NewMemoryStore()

	claimed, err := s.CommandClaim("sensor-1", 10, time.Now().UTC())
	if err != nil {
		t.Fatal(err)
	}

	//An empty queue is an empty list on the wire, not null
	if claimed == nil {
		t.Fatal("empty claim returned a nil slice")
	}
	if len(claimed) != 0 {
		t.Fatalf("expected no commands, got %d", len(claimed))
	}
}

func TestCommandClaimScopedToDevice(t *testing.T) {
	s := NewMemoryStore()

	queueCommand(t, s, "sensor-1", 1, CommandRaiseBarrier)
	queueCommand(t, s, "sensor-2", 2, CommandRaiseBarrier)

	claimed, err := s.CommandClaim("sensor-1", 10, time.Now().UTC())
	if err != nil {
		t.Fatal(err)
	}

	if len(claimed) != 1 || claimed[0].Id != 1 {
		t.Fatalf("claim leaked across devices: %v", claimed)
	}
}

func TestCommandAck(t *testing.T) {
	s := NewMemoryStore()
	now := time.Now().UTC()

	queueCommand(t, s, "sensor-1", 1, CommandRaiseBarrier)

	if _, err := s.CommandAck("sensor-1", 1, true, nil, now); err != ErrCommandNotClaimed {
		t.Fatalf("expected ErrCommandNotClaimed for queued command, got %v", err)
	}

	if _, err := s.CommandClaim("sensor-1", 10, now); err != nil {
		t.Fatal(err)
	}

	cmd, err := s.CommandAck("sensor-1", 1, true, nil, now)
	if err != nil {
		t.Fatal(err)
	}

	if cmd.Status != CommandStatusDone {
		t.Fatalf("expected done, got %s", cmd.Status)
	}
	if cmd.Executed == nil {
		t.Fatal("done command has no executed timestamp")
	}

	executed := *cmd.Executed

	//A retried ack must not move the command or touch its timestamps
	later := now.Add(time.Minute)
	detail := "retry"
	again, err := s.CommandAck("sensor-1", 1, false, &detail, later)
	if err != nil {
		t.Fatal(err)
	}

	if again.Status != CommandStatusDone {
		t.Fatalf("retried ack changed status to %s", again.Status)
	}
	if !again.Executed.Equal(executed) {
		t.Fatal("retried ack changed the executed timestamp")
	}
	if again.Result != nil {
		t.Fatal("retried ack changed the result")
	}
}

func TestCommandAckFailure(t *testing.T) {
	s := NewMemoryStore()
	now := time.Now().UTC()

	queueCommand(t, s, "sensor-1", 1, CommandRaiseBarrier)

	if _, err := s.CommandClaim("sensor-1", 10, now); err != nil {
		t.Fatal(err)
	}

	detail := "barrier jammed"
	cmd, err := s.CommandAck("sensor-1", 1, false, &detail, now)
	if err != nil {
		t.Fatal(err)
	}

	if cmd.Status != CommandStatusFailed {
		t.Fatalf("expected failed, got %s", cmd.Status)
	}
	if cmd.Executed != nil {
		t.Fatal("failed command has an executed timestamp")
	}
	if cmd.Result == nil || *cmd.Result != detail {
		t.Fatalf("detail lost: %v", cmd.Result)
	}
}

func TestCommandAckWrongDevice(t *testing.T) {
	s := NewMemoryStore()
	now := time.Now().UTC()

	queueCommand(t, s, "sensor-1", 1, CommandRaiseBarrier)
	if _, err := s.CommandClaim("sensor-1", 10, now); err != nil {
		t.Fatal(err)
	}

	if _, err := s.CommandAck("sensor-2", 1, true, nil, now); err != ErrCommandNotFound {
		t.Fatalf("expected ErrCommandNotFound, got %v", err)
	}

	if _, err := s.CommandAck("sensor-1", 999, true, nil, now); err != ErrCommandNotFound {
		t.Fatalf("expected ErrCommandNotFound for unknown id, got %v", err)
	}
}

func TestCommandCancel(t *testing.T) {
	s := NewMemoryStore()
	now := time.Now().UTC()

	queueCommand(t, s, "sensor-1", 1, CommandRaiseBarrier)
	queueCommand(t, s, "sensor-1", 2, CommandLowerBarrier)

	cmd, err := s.CommandCancel("sensor-1", 1)
	if err != nil {
		t.Fatal(err)
	}
	if cmd.Status != CommandStatusFailed {
		t.Fatalf("cancelled command has status %s", cmd.Status)
	}

	//Cancelling a claimed command is a conflict
	if _, err := s.CommandClaim("sensor-1", 10, now); err != nil {
		t.Fatal(err)
	}
	if _, err := s.CommandCancel("sensor-1", 2); err != ErrCommandClaimed {
		t.Fatalf("expected ErrCommandClaimed, got %v", err)
	}

	//Cancelling a terminal command is idempotent
	if _, err := s.CommandCancel("sensor-1", 1); err != nil {
		t.Fatal(err)
	}
}

func TestCommandFailExpired(t *testing.T) {
	s := NewMemoryStore()
	now := time.Now().UTC()

	queueCommand(t, s, "sensor-1", 1, CommandRaiseBarrier)
	queueCommand(t, s, "sensor-1", 2, CommandLowerBarrier)

	if _, err := s.CommandClaim("sensor-1", 1, now.Add(-10*time.Minute)); err != nil {
		t.Fatal(err)
	}
	if _, err := s.CommandClaim("sensor-1", 1, now); err != nil {
		t.Fatal(err)
	}

	failed, err := s.CommandFailExpired(now.Add(-5 * time.Minute))
	if err != nil {
		t.Fatal(err)
	}

	if len(failed) != 1 || failed[0].Id != 1 {
		t.Fatalf("expected only the stale claim to fail, got %v", failed)
	}
	if failed[0].Status != CommandStatusFailed {
		t.Fatalf("expired command has status %s", failed[0].Status)
	}
	if failed[0].Executed != nil {
		t.Fatal("expired command has an executed timestamp")
	}

	cmd, err := s.CommandGet("sensor-1", 2)
	if err != nil {
		t.Fatal(err)
	}
	if cmd.Status != CommandStatusSent {
		t.Fatalf("fresh claim was touched: %s", cmd.Status)
	}
}

func TestDeviceRegisterTokenIssuedOnce(t *testing.T) {
	s := NewMemoryStore()
	expiration := time.Now().UTC().Add(time.Hour)

	owner := "alice@example.com"
	d, issued, err := s.DeviceRegister("sensor-1", &owner, nil, "token-a", expiration)
	if err != nil {
		t.Fatal(err)
	}
	if !issued {
		t.Fatal("expected a token on first registration")
	}
	if d.Owner == nil || *d.Owner != owner {
		t.Fatalf("owner not stored: %v", d.Owner)
	}

	spot := "spot-7"
	d, issued, err = s.DeviceRegister("sensor-1", nil, &spot, "token-b", expiration)
	if err != nil {
		t.Fatal(err)
	}
	if issued {
		t.Fatal("second registration must not rotate the token")
	}
	if *d.Token != "token-a" {
		t.Fatalf("token was replaced: %s", *d.Token)
	}
	if d.SpotId == nil || *d.SpotId != spot {
		t.Fatal("spot binding was not merged")
	}
	if d.Owner == nil || *d.Owner != owner {
		t.Fatal("owner was lost on merge")
	}
}

func TestDeviceRegisterExpiredTokenRotates(t *testing.T) {
	s := NewMemoryStore()

	expired := time.Now().UTC().Add(-time.Hour)
	if _, _, err := s.DeviceRegister("sensor-1", nil, nil, "token-a", expired); err != nil {
		t.Fatal(err)
	}

	d, issued, err := s.DeviceRegister("sensor-1", nil, nil, "token-b", time.Now().UTC().Add(time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if !issued {
		t.Fatal("expected a new token after expiration")
	}
	if *d.Token != "token-b" {
		t.Fatalf("expired token was kept: %s", *d.Token)
	}
}

func TestDeviceTelemetryUpsert(t *testing.T) {
	s := NewMemoryStore()
	now := time.Now().UTC()

	battery := 90.0
	occupancy := OccupancyOccupied

	d, err := s.DeviceTelemetry("sensor-1", Telemetry{
		BatteryLevel: &battery,
		Occupancy:    &occupancy,
		Timestamp:    &now,
	}, now)
	if err != nil {
		t.Fatal(err)
	}

	if d.BatteryLevel == nil || *d.BatteryLevel != battery {
		t.Fatal("battery level not stored")
	}
	if d.Occupancy != OccupancyOccupied {
		t.Fatalf("occupancy not stored: %s", d.Occupancy)
	}
	if d.LastHeartbeat == nil {
		t.Fatal("heartbeat not stored")
	}

	//Partial update keeps previous fields
	rssi := -70
	later := now.Add(time.Minute)
	d, err = s.DeviceTelemetry("sensor-1", Telemetry{
		Rssi:      &rssi,
		Timestamp: &later,
	}, later)
	if err != nil {
		t.Fatal(err)
	}

	if d.BatteryLevel == nil || *d.BatteryLevel != battery {
		t.Fatal("battery level lost on partial update")
	}
	if d.Rssi == nil || *d.Rssi != rssi {
		t.Fatal("rssi not stored")
	}
	if !d.LastHeartbeat.Equal(later) {
		t.Fatal("heartbeat not advanced")
	}
}

func TestDeviceTelemetryUpdatesSpot(t *testing.T) {
	s := NewMemoryStore()
	now := time.Now().UTC()

	s.SeedSpot("spot-7", true)

	if _, err := s.DeviceAssign("sensor-1", "spot-7", "alice@example.com"); err != nil {
		t.Fatal(err)
	}

	occupancy := OccupancyOccupied
	if _, err := s.DeviceTelemetry("sensor-1", Telemetry{Occupancy: &occupancy, Timestamp: &now}, now); err != nil {
		t.Fatal(err)
	}

	available, err := s.SpotAvailable("spot-7")
	if err != nil {
		t.Fatal(err)
	}
	if available {
		t.Fatal("occupied report left the spot available")
	}

	occupancy = OccupancyFree
	if _, err := s.DeviceTelemetry("sensor-1", Telemetry{Occupancy: &occupancy, Timestamp: &now}, now); err != nil {
		t.Fatal(err)
	}

	available, err = s.SpotAvailable("spot-7")
	if err != nil {
		t.Fatal(err)
	}
	if !available {
		t.Fatal("free report left the spot unavailable")
	}

	//Unknown occupancy must not flip the spot
	occupancy = OccupancyUnknown
	if _, err := s.DeviceTelemetry("sensor-1", Telemetry{Occupancy: &occupancy, Timestamp: &now}, now); err != nil {
		t.Fatal(err)
	}

	available, err = s.SpotAvailable("spot-7")
	if err != nil {
		t.Fatal(err)
	}
	if !available {
		t.Fatal("unknown occupancy flipped the spot")
	}
}

func TestDeviceEnsure(t *testing.T) {
	s := NewMemoryStore()

	if _, err := s.DeviceGet("sensor-1"); err != ErrDeviceNotFound {
		t.Fatalf("expected ErrDeviceNotFound, got %v", err)
	}

	d, err := s.DeviceEnsure("sensor-1")
	if err != nil {
		t.Fatal(err)
	}
	if d.Token != nil {
		t.Fatal("stub device must not carry a credential")
	}
	if d.Occupancy != OccupancyUnknown {
		t.Fatalf("stub device occupancy is %s", d.Occupancy)
	}

	again, err := s.DeviceEnsure("sensor-1")
	if err != nil {
		t.Fatal(err)
	}
	if again.Id != d.Id {
		t.Fatal("ensure created a second device")
	}
}
