package relay

import (
	"sort"
	"sync"
	"time"
)

//MemoryStore keeps the whole relay state in process memory. It is selected
//at startup when no database is configured and exists mostly for development
//setups and tests; a restart loses everything.
type MemoryStore struct {
	mu       sync.Mutex
	devices  map[string]*Device
	commands map[uint64]*DeviceCommand
	order    []uint64
	spots    map[string]bool
	sessions map[string]map[string]bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		devices:  make(map[string]*Device),
		commands: make(map[uint64]*DeviceCommand),
		spots:    make(map[string]bool),
		sessions: make(map[string]map[string]bool),
	}
}

func copyDevice(d *Device) *Device {
	copied := *d
	copied.devices = nil
	return &copied
}

func copyCommand(cmd *DeviceCommand) *DeviceCommand {
	copied := *cmd
	return &copied
}

func (s *MemoryStore) getOrCreate(hardwareID string) *Device {
	d, ok := s.devices[hardwareID]
	if !ok {
		d = &Device{
			Id:         uint64(len(s.devices) + 1),
			HardwareId: hardwareID,
			Created:    time.Now().UTC(),
			Occupancy:  OccupancyUnknown,
		}
		s.devices[hardwareID] = d
	}

	return d
}

func (s *MemoryStore) DeviceGet(hardwareID string) (*Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.devices[hardwareID]
	if !ok {
		return nil, ErrDeviceNotFound
	}

	return copyDevice(d), nil
}

func (s *MemoryStore) DeviceList(c DeviceCriteria) ([]Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	guids := make([]string, 0, len(s.devices))
	for guid := range s.devices {
		guids = append(guids, guid)
	}
	sort.Strings(guids)

	var ds []Device
	for _, guid := range guids {
		d := s.devices[guid]
		if c.HardwareId != "" && d.HardwareId != c.HardwareId {
			continue
		}
		if c.Owner != "" && (d.Owner == nil || *d.Owner != c.Owner) {
			continue
		}
		if c.SpotId != "" && (d.SpotId == nil || *d.SpotId != c.SpotId) {
			continue
		}
		ds = append(ds, *copyDevice(d))
		if c.Limit > 0 && len(ds) == c.Limit {
			break
		}
	}

	return ds, nil
}

func (s *MemoryStore) DeviceRegister(hardwareID string, owner *string, spotID *string, token string, expiration time.Time) (*Device, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d := s.getOrCreate(hardwareID)

	if owner != nil {
		d.Owner = owner
	}
	if spotID != nil {
		d.SpotId = spotID
	}

	issued := false
	if d.Token == nil || *d.Token == "" ||
		(d.TokenExpiration != nil && d.TokenExpiration.Before(time.Now())) {
		d.Token = &token
		d.TokenExpiration = &expiration
		issued = true
	}

	return copyDevice(d), issued, nil
}

func (s *MemoryStore) DeviceAssign(hardwareID string, spotID string, owner string) (*Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d := s.getOrCreate(hardwareID)
	d.SpotId = &spotID
	d.Owner = &owner

	return copyDevice(d), nil
}

func (s *MemoryStore) DeviceEnsure(hardwareID string) (*Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return copyDevice(s.getOrCreate(hardwareID)), nil
}

func (s *MemoryStore) DeviceTelemetry(hardwareID string, t Telemetry, now time.Time) (*Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d := s.getOrCreate(hardwareID)

	heartbeat := now
	d.LastHeartbeat = &heartbeat

	if t.BatteryLevel != nil {
		d.BatteryLevel = t.BatteryLevel
	}
	if t.Rssi != nil {
		d.Rssi = t.Rssi
	}
	if t.Occupancy != nil {
		d.Occupancy = *t.Occupancy
	}
	if t.LastMag != nil {
		d.LastSensor = t.LastMag
	}

	//Spot availability follows occupancy while the binding is held under the
	//same lock as the assignment path.
	if d.SpotId != nil && t.Occupancy != nil && *t.Occupancy != OccupancyUnknown {
		s.spots[*d.SpotId] = *t.Occupancy != OccupancyOccupied
	}

	return copyDevice(d), nil
}

func (s *MemoryStore) CommandInsert(cmd *DeviceCommand) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.getOrCreate(cmd.HardwareId)

	stored := copyCommand(cmd)
	s.commands[stored.Id] = stored
	s.order = append(s.order, stored.Id)

	return nil
}

func (s *MemoryStore) CommandGet(hardwareID string, id uint64) (*DeviceCommand, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cmd, ok := s.commands[id]
	if !ok || cmd.HardwareId != hardwareID {
		return nil, ErrCommandNotFound
	}

	return copyCommand(cmd), nil
}

func (s *MemoryStore) CommandList(c DeviceCommandCriteria) ([]DeviceCommand, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var cmds []DeviceCommand
	for _, id := range s.order {
		cmd := s.commands[id]
		if c.HardwareId != "" && cmd.HardwareId != c.HardwareId {
			continue
		}
		if c.Status != "" && cmd.Status != c.Status {
			continue
		}
		if c.IssuedBy != "" && cmd.IssuedBy != c.IssuedBy {
			continue
		}
		cmds = append(cmds, *copyCommand(cmd))
		if c.Limit > 0 && len(cmds) == c.Limit {
			break
		}
	}

	return cmds, nil
}

func (s *MemoryStore) CommandClaim(hardwareID string, max int, now time.Time) ([]DeviceCommand, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	claimed := []DeviceCommand{}
	for _, id := range s.order {
		cmd := s.commands[id]
		if cmd.HardwareId != hardwareID || cmd.Status != CommandStatusQueued {
			continue
		}

		when := now
		cmd.Status = CommandStatusSent
		cmd.Claimed = &when

		claimed = append(claimed, *copyCommand(cmd))
		if len(claimed) == max {
			break
		}
	}

	return claimed, nil
}

func (s *MemoryStore) CommandAck(hardwareID string, id uint64, success bool, detail *string, now time.Time) (*DeviceCommand, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cmd, ok := s.commands[id]
	if !ok || cmd.HardwareId != hardwareID {
		return nil, ErrCommandNotFound
	}

	if cmd.Terminal() {
		//Device retried an ack it never saw a response for
		return copyCommand(cmd), nil
	}

	if cmd.Status == CommandStatusQueued {
		return nil, ErrCommandNotClaimed
	}

	if success {
		when := now
		cmd.Status = CommandStatusDone
		cmd.Executed = &when
	} else {
		cmd.Status = CommandStatusFailed
	}
	cmd.Result = detail

	return copyCommand(cmd), nil
}

func (s *MemoryStore) CommandCancel(hardwareID string, id uint64) (*DeviceCommand, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cmd, ok := s.commands[id]
	if !ok || cmd.HardwareId != hardwareID {
		return nil, ErrCommandNotFound
	}

	if cmd.Terminal() {
		return copyCommand(cmd), nil
	}

	if cmd.Status == CommandStatusSent {
		return nil, ErrCommandClaimed
	}

	cmd.Status = CommandStatusFailed

	return copyCommand(cmd), nil
}

func (s *MemoryStore) CommandFailExpired(cutoff time.Time) ([]DeviceCommand, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var failed []DeviceCommand
	for _, id := range s.order {
		cmd := s.commands[id]
		if cmd.Status != CommandStatusSent || cmd.Claimed == nil || !cmd.Claimed.Before(cutoff) {
			continue
		}

		cmd.Status = CommandStatusFailed
		failed = append(failed, *copyCommand(cmd))
	}

	return failed, nil
}

func (s *MemoryStore) SessionActive(userID string, spotID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	spots, ok := s.sessions[userID]
	if !ok {
		return false, nil
	}

	return spots[spotID], nil
}

func (s *MemoryStore) SpotAvailable(spotID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.spots[spotID], nil
}

//SeedSession and SeedSpot populate collaborator state that normally lives in
//the booking database, memory mode has no such database to read from.
func (s *MemoryStore) SeedSession(userID string, spotID string, active bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	spots, ok := s.sessions[userID]
	if !ok {
		spots = make(map[string]bool)
		s.sessions[userID] = spots
	}

	spots[spotID] = active
}

func (s *MemoryStore) SeedSpot(spotID string, available bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.spots[spotID] = available
}
