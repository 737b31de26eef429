package relay

import (
	"encoding/json"
	"time"
)

const (
	OccupancyOccupied = "occupied"
	OccupancyFree     = "free"
	OccupancyUnknown  = "unknown"
)

type Telemetry struct {
	BatteryLevel *float64        `json:"battery_level,omitempty"`
	Rssi         *int            `json:"rssi,omitempty"`
	Occupancy    *string         `json:"occupancy,omitempty"`
	LastMag      json.RawMessage `json:"last_mag,omitempty"`
	Timestamp    *time.Time      `json:"timestamp,omitempty"`
}

//Normalize clamps a report to what the registry will store. Unknown occupancy
//strings become "unknown" and an oversized sensor payload is dropped instead
//of rejecting the whole report, connectivity information is worth more than
//the payload.
func (t *Telemetry) Normalize(maxPayload int) {
	if t.Timestamp == nil || t.Timestamp.IsZero() {
		now := time.Now().UTC()
		t.Timestamp = &now
	}

	if t.Occupancy != nil {
		switch *t.Occupancy {
		case OccupancyOccupied, OccupancyFree:
		default:
			unknown := OccupancyUnknown
			t.Occupancy = &unknown
		}
	}

	if len(t.LastMag) > maxPayload {
		t.LastMag = nil
	}
}

type TelemetryRecord struct {
	HardwareId   string          `json:"hardware_id"`
	Timestamp    time.Time       `json:"timestamp"`
	BatteryLevel *float64        `json:"battery_level,omitempty"`
	Rssi         *int            `json:"rssi,omitempty"`
	Occupancy    string          `json:"occupancy"`
	Payload      json.RawMessage `json:"payload,omitempty"`
}

type TelemetryCriteria struct {
	From  time.Time `schema:"from"`
	To    time.Time `schema:"to"`
	Limit int       `schema:"limit"`
}
