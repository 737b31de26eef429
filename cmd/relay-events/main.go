package main

import (
	"encoding/json"
	"flag"

	"github.com/parkwatch/relay"
	"github.com/sirupsen/logrus"
)

var (
	app = relay.New()
	log = app.Logger

	debug = flag.Bool("debug", false, "Enable debug information")
)

func main() {
	flag.Parse()

	if *debug {
		app.Logger.Level = logrus.DebugLevel
	}

	app.HandleEvent(relay.DeviceTelemetryReceived{}, saveTelemetry)
	app.HandleEvent(relay.DeviceCommandFailed{}, logCommandFailed)
	app.HandleEvent(relay.DeviceOnline{}, logDeviceOnline)

	go app.Command.Listen()
	app.ListenEvents()
}

//saveTelemetry keeps the full report history in cassandra. The relational
//side only holds the latest state per device.
func saveTelemetry(event interface{}) error {
	e := event.(relay.DeviceTelemetryReceived)

	if app.Cassandra == nil {
		log.Debug("No cassandra session, telemetry history disabled")
		return nil
	}

	occupancy := relay.OccupancyUnknown
	if e.Telemetry.Occupancy != nil {
		occupancy = *e.Telemetry.Occupancy
	}

	var payload string
	if e.Telemetry.LastMag != nil {
		data, err := json.Marshal(e.Telemetry.LastMag)
		if err != nil {
			return err
		}
		payload = string(data)
	}

	query := app.Cassandra.Query("INSERT INTO telemetry (device,timestamp,battery,rssi,occupancy,payload) VALUES(?,?,?,?,?,?)",
		e.HardwareId,
		e.Timestamp,
		e.Telemetry.BatteryLevel,
		e.Telemetry.Rssi,
		occupancy,
		payload)

	return query.Exec()
}

func logCommandFailed(event interface{}) error {
	e := event.(relay.DeviceCommandFailed)

	entry := log.WithField("hardware_id", e.HardwareId).
		WithField("command", e.Command).
		WithField("id", e.Id)
	if e.Result != nil {
		entry = entry.WithField("result", *e.Result)
	}
	entry.Warning("Command failed")

	return nil
}

func logDeviceOnline(event interface{}) error {
	e := event.(relay.DeviceOnline)

	log.WithField("hardware_id", e.HardwareId).Info("Device online")

	return nil
}
