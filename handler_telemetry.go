package relay

//DeviceTelemetryRecord is the in-process command carrying a status report
//from a transport front-end (http handler or mqtt bridge) to the registry.
type DeviceTelemetryRecord struct {
	HardwareId string
	Telemetry  Telemetry
}

func deviceTelemetryRecord(command interface{}) error {
	cmd := command.(DeviceTelemetryRecord)

	_, err := relay.Devices.RecordTelemetry(cmd.HardwareId, cmd.Telemetry)

	return err
}
