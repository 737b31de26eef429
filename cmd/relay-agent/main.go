package main

import (
	"encoding/json"
	"flag"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/parkwatch/relay"
	"github.com/parkwatch/relay/client"
)

//relay-agent simulates a parking sensor with a barrier. It heartbeats on the
//configured interval and executes whatever commands it claims.
var (
	host        = flag.String("host", "http://localhost:4020", "Relay api host")
	hardware_id = flag.String("hardware-id", "", "Hardware id to act as")
	token       = flag.String("token", "", "Device token issued at registration")
	interval    = flag.String("interval", "30s", "Heartbeat interval")
	debug       = flag.Bool("debug", false, "Enable debug output")

	lg = logrus.New()

	barrier_raised = false
	occupied       = false
)

func main() {
	flag.Parse()

	if *debug {
		lg.Level = logrus.DebugLevel
	}

	if *hardware_id == "" {
		lg.Fatal("Missing hardware id")
	}
	if *token == "" {
		lg.Fatal("Missing device token")
	}

	heartbeat, err := time.ParseDuration(*interval)
	if err != nil {
		lg.WithField("error", err).Fatalf("Error parsing interval: %s", *interval)
	}

	c := client.New(*host, *token, lg)

	for {
		if err := c.TelemetrySend(*hardware_id, telemetry()); err != nil {
			lg.WithField("error", err).Error("Error sending telemetry")
		}

		commands, err := c.CommandsClaim(*hardware_id)
		if err != nil {
			lg.WithField("error", err).Error("Error claiming commands")
		}

		for _, cmd := range commands {
			execute(c, cmd)
		}

		time.Sleep(heartbeat)
	}
}

func telemetry() relay.Telemetry {
	battery := 87.5
	rssi := -67
	occupancy := relay.OccupancyFree
	if occupied {
		occupancy = relay.OccupancyOccupied
	}
	now := time.Now().UTC()

	mag, _ := json.Marshal(map[string]float64{
		"x": 12.0,
		"y": -3.5,
		"z": 41.2,
	})

	return relay.Telemetry{
		BatteryLevel: &battery,
		Rssi:         &rssi,
		Occupancy:    &occupancy,
		LastMag:      mag,
		Timestamp:    &now,
	}
}

func execute(c *client.Client, cmd relay.DeviceCommand) {
	lg.WithField("command", cmd.Command).WithField("id", cmd.Id).Info("Executing command")

	result := "ok"
	detail := ""

	switch cmd.Command {
	case relay.CommandRaiseBarrier:
		barrier_raised = true
	case relay.CommandLowerBarrier:
		barrier_raised = false
	case relay.CommandReset:
		barrier_raised = false
		occupied = false
	case relay.CommandUpdateSettings:
		lg.WithField("parameters", string(cmd.Parameters)).Info("Settings updated")
	default:
		result = "error"
		detail = "unknown command"
	}

	if err := c.CommandAck(*hardware_id, cmd.Id, result, detail); err != nil {
		lg.WithField("error", err).Error("Error acknowledging command")
	}
}
