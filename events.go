package relay

import (
	"time"
)

type DeviceCommandCreated DeviceCommand

type DeviceCommandAcknowledged DeviceCommand

type DeviceCommandFailed DeviceCommand

type DeviceOnline struct {
	HardwareId string `json:"hardware_id"`
}

type DeviceTelemetryReceived struct {
	HardwareId string    `json:"hardware_id"`
	SpotId     *string   `json:"spot_id,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
	Telemetry  Telemetry `json:"telemetry"`
}
