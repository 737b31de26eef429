package relay

import (
	"database/sql"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/jmoiron/sqlx"

	pa "github.com/parkwatch/relay/app"
)

//DatabaseStore is the durable backend. Claims and acks run inside a
//transaction with row locks, concurrent pollers partition the queued set.
type DatabaseStore struct {
	db *pa.Database
}

func NewDatabaseStore(db *pa.Database) *DatabaseStore {
	return &DatabaseStore{db}
}

func (s *DatabaseStore) DeviceGet(hardwareID string) (*Device, error) {
	var d Device
	if err := s.db.MatchOne(&d, "devices", DeviceCriteria{HardwareId: hardwareID}); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrDeviceNotFound
		}
		return nil, err
	}

	return &d, nil
}

func (s *DatabaseStore) DeviceList(c DeviceCriteria) ([]Device, error) {
	var ds []Device
	if err := s.db.Match(&ds, "devices", c); err != nil {
		return nil, err
	}

	return ds, nil
}

func (s *DatabaseStore) deviceForUpdate(tx *sqlx.Tx, hardwareID string) (*Device, error) {
	var d Device

	err := tx.Get(&d, "SELECT * FROM devices WHERE hardware_id = ? FOR UPDATE", hardwareID)
	if err == nil {
		return &d, nil
	}
	if err != sql.ErrNoRows {
		return nil, err
	}

	//Late registering devices get a stub row on first reference
	if _, err := tx.Exec("INSERT IGNORE INTO devices (hardware_id, occupancy) VALUES (?, ?)",
		hardwareID, OccupancyUnknown); err != nil {
		return nil, err
	}

	if err := tx.Get(&d, "SELECT * FROM devices WHERE hardware_id = ? FOR UPDATE", hardwareID); err != nil {
		return nil, err
	}

	return &d, nil
}

func (s *DatabaseStore) DeviceRegister(hardwareID string, owner *string, spotID *string, token string, expiration time.Time) (*Device, bool, error) {
	tx, err := s.db.Beginx()
	if err != nil {
		return nil, false, err
	}
	defer tx.Rollback()

	d, err := s.deviceForUpdate(tx, hardwareID)
	if err != nil {
		return nil, false, err
	}

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

	if _, err := tx.Exec("UPDATE devices SET owner = ?, spot_id = ?, token = ?, token_expiration = ? WHERE id = ?",
		d.Owner, d.SpotId, d.Token, d.TokenExpiration, d.Id); err != nil {
		return nil, false, err
	}

	if err := tx.Commit(); err != nil {
		return nil, false, err
	}

	return d, issued, nil
}

func (s *DatabaseStore) DeviceAssign(hardwareID string, spotID string, owner string) (*Device, error) {
	tx, err := s.db.Beginx()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	d, err := s.deviceForUpdate(tx, hardwareID)
	if err != nil {
		return nil, err
	}

	d.SpotId = &spotID
	d.Owner = &owner

	if _, err := tx.Exec("UPDATE devices SET spot_id = ?, owner = ? WHERE id = ?",
		d.SpotId, d.Owner, d.Id); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	return d, nil
}

func (s *DatabaseStore) DeviceEnsure(hardwareID string) (*Device, error) {
	tx, err := s.db.Beginx()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	d, err := s.deviceForUpdate(tx, hardwareID)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	return d, nil
}

func (s *DatabaseStore) DeviceTelemetry(hardwareID string, t Telemetry, now time.Time) (*Device, error) {
	tx, err := s.db.Beginx()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	d, err := s.deviceForUpdate(tx, hardwareID)
	if err != nil {
		return nil, err
	}

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

	if _, err := tx.Exec("UPDATE devices SET last_heartbeat = ?, battery_level = ?, rssi = ?, occupancy = ?, last_sensor = ? WHERE id = ?",
		d.LastHeartbeat, d.BatteryLevel, d.Rssi, d.Occupancy, d.LastSensor, d.Id); err != nil {
		return nil, err
	}

	//Same transaction as the device row, an assignment racing this report
	//either sees the spot update or rebinds after it, never a stale write.
	if d.SpotId != nil && t.Occupancy != nil && *t.Occupancy != OccupancyUnknown {
		available := *t.Occupancy != OccupancyOccupied
		if _, err := tx.Exec("UPDATE spots SET available = ? WHERE id = ?", available, *d.SpotId); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	return d, nil
}

func (s *DatabaseStore) CommandInsert(cmd *DeviceCommand) error {
	return s.db.Insert(*cmd, "device_commands")
}

func (s *DatabaseStore) CommandGet(hardwareID string, id uint64) (*DeviceCommand, error) {
	var cmd DeviceCommand
	if err := s.db.MatchOne(&cmd, "device_commands", DeviceCommandCriteria{Id: id, HardwareId: hardwareID}); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrCommandNotFound
		}
		return nil, err
	}

	return &cmd, nil
}

func (s *DatabaseStore) CommandList(c DeviceCommandCriteria) ([]DeviceCommand, error) {
	if c.OrderBy == "" {
		c.OrderBy = "created ASC"
	}

	var cmds []DeviceCommand
	if err := s.db.Match(&cmds, "device_commands", c); err != nil {
		return nil, err
	}

	return cmds, nil
}

func (s *DatabaseStore) CommandClaim(hardwareID string, max int, now time.Time) ([]DeviceCommand, error) {
	tx, err := s.db.Beginx()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var cmds []DeviceCommand
	if err := tx.Select(&cmds,
		"SELECT * FROM device_commands WHERE hardware_id = ? AND status = ? ORDER BY created ASC LIMIT ? FOR UPDATE",
		hardwareID, CommandStatusQueued, max); err != nil {
		return nil, err
	}

	if len(cmds) == 0 {
		return []DeviceCommand{}, tx.Commit()
	}

	ids := make([]uint64, len(cmds))
	for i := range cmds {
		ids[i] = cmds[i].Id
	}

	query, args, err := squirrel.Update("device_commands").
		Set("status", CommandStatusSent).
		Set("claimed", now).
		Where(squirrel.Eq{"id": ids}).ToSql()
	if err != nil {
		return nil, err
	}

	if _, err := tx.Exec(query, args...); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	claimed := now
	for i := range cmds {
		cmds[i].Status = CommandStatusSent
		cmds[i].Claimed = &claimed
	}

	return cmds, nil
}

func (s *DatabaseStore) CommandAck(hardwareID string, id uint64, success bool, detail *string, now time.Time) (*DeviceCommand, error) {
	tx, err := s.db.Beginx()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var cmd DeviceCommand
	if err := tx.Get(&cmd,
		"SELECT * FROM device_commands WHERE id = ? AND hardware_id = ? FOR UPDATE",
		id, hardwareID); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrCommandNotFound
		}
		return nil, err
	}

	if cmd.Terminal() {
		return &cmd, tx.Commit()
	}

	if cmd.Status == CommandStatusQueued {
		return nil, ErrCommandNotClaimed
	}

	if success {
		executed := now
		cmd.Status = CommandStatusDone
		cmd.Executed = &executed
	} else {
		cmd.Status = CommandStatusFailed
	}
	cmd.Result = detail

	if _, err := tx.Exec("UPDATE device_commands SET status = ?, executed = ?, result = ? WHERE id = ?",
		cmd.Status, cmd.Executed, cmd.Result, cmd.Id); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	return &cmd, nil
}

func (s *DatabaseStore) CommandCancel(hardwareID string, id uint64) (*DeviceCommand, error) {
	tx, err := s.db.Beginx()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var cmd DeviceCommand
	if err := tx.Get(&cmd,
		"SELECT * FROM device_commands WHERE id = ? AND hardware_id = ? FOR UPDATE",
		id, hardwareID); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrCommandNotFound
		}
		return nil, err
	}

	if cmd.Terminal() {
		return &cmd, tx.Commit()
	}

	if cmd.Status == CommandStatusSent {
		return nil, ErrCommandClaimed
	}

	cmd.Status = CommandStatusFailed

	if _, err := tx.Exec("UPDATE device_commands SET status = ? WHERE id = ?",
		cmd.Status, cmd.Id); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	return &cmd, nil
}

func (s *DatabaseStore) CommandFailExpired(cutoff time.Time) ([]DeviceCommand, error) {
	tx, err := s.db.Beginx()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	sb := squirrel.Select("*").From("device_commands").Suffix("FOR UPDATE")
	pa.ParseCriteria(&sb, DeviceCommandCriteria{
		Status:        CommandStatusSent,
		OrderBy:       "created ASC",
		ClaimedBefore: pa.EntityTimeBefore{Column: "claimed", Time: cutoff},
	}, s.db.Logger)

	query, args, err := sb.ToSql()
	if err != nil {
		return nil, err
	}

	var cmds []DeviceCommand
	if err := tx.Select(&cmds, query, args...); err != nil {
		return nil, err
	}

	if len(cmds) == 0 {
		return nil, tx.Commit()
	}

	ids := make([]uint64, len(cmds))
	for i := range cmds {
		ids[i] = cmds[i].Id
	}

	query, args, err = squirrel.Update("device_commands").
		Set("status", CommandStatusFailed).
		Where(squirrel.Eq{"id": ids}).ToSql()
	if err != nil {
		return nil, err
	}

	if _, err := tx.Exec(query, args...); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	for i := range cmds {
		cmds[i].Status = CommandStatusFailed
	}

	return cmds, nil
}

func (s *DatabaseStore) SessionActive(userID string, spotID string) (bool, error) {
	var count int
	if err := s.db.Get(&count,
		"SELECT COUNT(*) FROM spot_sessions WHERE user = ? AND spot_id = ? AND status = 'active'",
		userID, spotID); err != nil {
		return false, err
	}

	return count > 0, nil
}

func (s *DatabaseStore) SpotAvailable(spotID string) (bool, error) {
	var available bool
	if err := s.db.Get(&available, "SELECT available FROM spots WHERE id = ?", spotID); err != nil {
		return false, err
	}

	return available, nil
}
