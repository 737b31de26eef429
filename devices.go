package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cmodk/go-simpleflake"
	"github.com/gocql/gocql"
	"github.com/google/uuid"
)

type Devices struct {
	relay *Relay
	store Store
	ca    *gocql.Session
}

func NewDevices(r *Relay) *Devices {

	return &Devices{r, r.Store, r.Cassandra}
}

func (devices *Devices) List(c DeviceCriteria) ([]Device, error) {
	ds, err := devices.store.DeviceList(c)
	if err != nil {
		return nil, err
	}

	for i := range ds {
		ds[i].devices = devices
		ds[i].Online = devices.IsOnline(&ds[i])
	}

	return ds, nil

}

func (devices *Devices) Get(c DeviceCriteria) (*Device, error) {
	if c.HardwareId == "" {
		return nil, fmt.Errorf("missing hardware id in criteria")
	}

	d, err := devices.store.DeviceGet(c.HardwareId)
	if err != nil {
		return nil, err
	}

	d.devices = devices
	d.Online = devices.IsOnline(d)

	return d, nil

}

//Authenticate resolves a device and checks the presented bearer against its
//stored credential. A device without a credential is denied, never passed
//through.
func (devices *Devices) Authenticate(hardwareID string, token string) (*Device, error) {
	d, err := devices.Get(DeviceCriteria{HardwareId: hardwareID})
	if err != nil {
		return nil, err
	}

	if !d.TokenValid(token) {
		return nil, ErrInvalidToken
	}

	return d, nil
}

//Ensure fetches a device, creating a credential-less stub when it does not
//exist yet. Queueing for hardware that never registered depends on this.
func (devices *Devices) Ensure(hardwareID string) (*Device, error) {
	d, err := devices.store.DeviceEnsure(hardwareID)
	if err != nil {
		return nil, err
	}

	d.devices = devices
	d.Online = devices.IsOnline(d)

	return d, nil
}

//Register is an idempotent upsert. The returned token is empty unless one
//was issued on this call; it is shown to the caller exactly once.
func (devices *Devices) Register(hardwareID string, owner *string, spotID *string) (*Device, string, error) {
	token := uuid.NewString()
	expiration := time.Now().UTC().Add(devices.relay.DeviceTokenTTL())

	d, issued, err := devices.store.DeviceRegister(hardwareID, owner, spotID, token, expiration)
	if err != nil {
		return nil, "", err
	}

	d.devices = devices

	if !issued {
		token = ""
	}

	return d, token, nil
}

func (devices *Devices) Assign(hardwareID string, spotID string, owner string) (*Device, error) {
	d, err := devices.store.DeviceAssign(hardwareID, spotID, owner)
	if err != nil {
		return nil, err
	}

	d.devices = devices

	return d, nil
}

func (devices *Devices) RecordTelemetry(hardwareID string, t Telemetry) (*Device, error) {
	t.Normalize(devices.relay.TelemetryMaxBytes())

	d, err := devices.store.DeviceTelemetry(hardwareID, t, time.Now().UTC())
	if err != nil {
		return nil, err
	}

	d.devices = devices
	devices.markOnline(d)

	if err := devices.relay.Event.Publish(DeviceTelemetryReceived{
		HardwareId: d.HardwareId,
		SpotId:     d.SpotId,
		Timestamp:  *t.Timestamp,
		Telemetry:  t,
	}); err != nil {
		devices.relay.Logger.WithField("error", err).Error("Error publishing telemetry event")
	}

	return d, nil
}

//FailExpired closes commands stuck in sent longer than the configured claim
//timeout. Timed out commands go to failed, never back to queued, repeating a
//barrier movement minutes late is worse than dropping it.
func (devices *Devices) FailExpired() ([]DeviceCommand, error) {
	cutoff := time.Now().UTC().Add(-devices.relay.ClaimTimeout())

	failed, err := devices.store.CommandFailExpired(cutoff)
	if err != nil {
		return nil, err
	}

	for _, cmd := range failed {
		if err := devices.relay.Event.Publish(DeviceCommandFailed(cmd)); err != nil {
			devices.relay.Logger.WithField("error", err).Error("Error publishing command failed event")
		}
	}

	return failed, nil
}

func (devices *Devices) presenceKey(hardwareID string) string {
	return fmt.Sprintf("device/%s/online", hardwareID)
}

func (devices *Devices) markOnline(d *Device) {
	re := devices.relay.Redis
	if re == nil {
		return
	}

	ctx := context.Background()
	key := devices.presenceKey(d.HardwareId)

	exists, err := re.Exists(ctx, key).Result()
	if err != nil {
		devices.relay.Logger.WithField("error", err).Error("Error checking device presence")
		return
	}

	if err := re.Set(ctx, key, time.Now().UTC().Format(time.RFC3339), devices.relay.PresenceTTL()).Err(); err != nil {
		devices.relay.Logger.WithField("error", err).Error("Error updating device presence")
		return
	}

	if exists == 0 {
		if err := devices.relay.Event.Publish(DeviceOnline{HardwareId: d.HardwareId}); err != nil {
			devices.relay.Logger.WithField("error", err).Error("Error publishing device online event")
		}
	}
}

func (devices *Devices) IsOnline(d *Device) bool {
	re := devices.relay.Redis
	if re != nil {
		exists, err := re.Exists(context.Background(), devices.presenceKey(d.HardwareId)).Result()
		if err == nil {
			return exists > 0
		}
		devices.relay.Logger.WithField("error", err).Error("Error checking device presence")
	}

	//No presence cache, fall back to the stored heartbeat
	if d.LastHeartbeat == nil {
		return false
	}

	return time.Since(*d.LastHeartbeat) < devices.relay.PresenceTTL()
}

type Device struct {
	devices *Devices

	Id              uint64          `db:"id" json:"id"`
	HardwareId      string          `db:"hardware_id" json:"hardware_id"`
	Owner           *string         `db:"owner" json:"owner,omitempty"`
	SpotId          *string         `db:"spot_id" json:"spot_id,omitempty"`
	Token           *string         `db:"token" json:"-"`
	TokenExpiration *time.Time      `db:"token_expiration" json:"-"`
	Created         time.Time       `db:"created" json:"created"`
	LastHeartbeat   *time.Time      `db:"last_heartbeat" json:"last_heartbeat,omitempty"`
	BatteryLevel    *float64        `db:"battery_level" json:"battery_level,omitempty"`
	Rssi            *int            `db:"rssi" json:"rssi,omitempty"`
	Occupancy       string          `db:"occupancy" json:"occupancy"`
	LastSensor      json.RawMessage `db:"last_sensor" json:"last_sensor,omitempty"`

	Online bool `json:"online"`
}

type DeviceCriteria struct {
	Id         uint64 `schema:"id" db:"id"`
	HardwareId string `schema:"hardware_id" db:"hardware_id"`
	Owner      string `schema:"owner" db:"owner"`
	SpotId     string `schema:"spot_id" db:"spot_id"`

	Limit int `schema:"limit"`
}

//TokenValid checks a device bearer against the stored credential. Absence of
//a credential is a hard deny.
func (d *Device) TokenValid(bearer string) bool {
	if d.Token == nil || *d.Token == "" || bearer != *d.Token {
		return false
	}

	if d.TokenExpiration != nil && d.TokenExpiration.Before(time.Now()) {
		return false
	}

	return true
}

//CanControl reports whether the given caller may queue commands for this
//device: admins always, the owning identity, or a caller holding an active
//session on the bound spot.
func (d *Device) CanControl(identity string, role string) (bool, error) {
	if role == "admin" {
		return true, nil
	}

	if d.Owner != nil && *d.Owner == identity {
		return true, nil
	}

	if d.SpotId == nil {
		return false, nil
	}

	return d.devices.store.SessionActive(identity, *d.SpotId)
}

func (d *Device) CommandInsert(command *DeviceCommand) error {

	if !CommandAllowed(command.Command, d.devices.relay.AllowedCommands()) {
		return ErrInvalidCommand
	}

	command.Created = time.Now().UTC()
	command.Id = simpleflake.Next()
	command.HardwareId = d.HardwareId
	command.Status = CommandStatusQueued

	//Lifecycle fields belong to the queue, not the caller
	command.Claimed = nil
	command.Executed = nil
	command.Result = nil

	return d.devices.store.CommandInsert(command)
}

func (d *Device) CommandsClaim(max int) ([]DeviceCommand, error) {
	if max <= 0 || max > d.devices.relay.ClaimLimit() {
		max = d.devices.relay.ClaimLimit()
	}

	return d.devices.store.CommandClaim(d.HardwareId, max, time.Now().UTC())
}

func (d *Device) CommandAck(id uint64, success bool, detail *string) (*DeviceCommand, error) {
	return d.devices.store.CommandAck(d.HardwareId, id, success, detail, time.Now().UTC())
}

func (d *Device) CommandCancel(id uint64) (*DeviceCommand, error) {
	return d.devices.store.CommandCancel(d.HardwareId, id)
}

func (d *Device) CommandGet(id uint64) (*DeviceCommand, error) {
	return d.devices.store.CommandGet(d.HardwareId, id)
}

func (d *Device) CommandList(c DeviceCommandCriteria) ([]DeviceCommand, error) {
	c.HardwareId = d.HardwareId
	return d.devices.store.CommandList(c)
}

func (d *Device) TelemetryHistory(c TelemetryCriteria) ([]TelemetryRecord, error) {
	if d.devices.ca == nil {
		return nil, fmt.Errorf("telemetry history is not configured")
	}

	if c.From.IsZero() {
		c.From = time.Now().UTC().AddDate(0, 0, -1)
	}
	if c.To.IsZero() {
		c.To = time.Now().UTC()
	}
	if c.Limit == 0 {
		c.Limit = 1000
	}

	var records []TelemetryRecord

	query := d.devices.ca.Query("SELECT * FROM telemetry WHERE device = ? AND timestamp > ? AND timestamp < ? LIMIT ?",
		d.HardwareId,
		c.From,
		c.To,
		c.Limit)

	iter := query.Iter()
	for {
		row := make(map[string]interface{})
		if !iter.MapScan(row) {
			break
		}

		record := TelemetryRecord{
			HardwareId: d.HardwareId,
			Timestamp:  row["timestamp"].(time.Time),
			Occupancy:  row["occupancy"].(string),
		}

		if battery, ok := row["battery"].(float64); ok {
			record.BatteryLevel = &battery
		}
		if rssi, ok := row["rssi"].(int); ok {
			record.Rssi = &rssi
		}
		if payload, ok := row["payload"].(string); ok && payload != "" {
			record.Payload = json.RawMessage(payload)
		}

		records = append(records, record)
	}
	if err := iter.Close(); err != nil {
		return nil, err
	}

	return records, nil
}
