package main

import (
	"encoding/json"
	"flag"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/cmodk/go-mqtt"
	"github.com/parkwatch/relay"
)

var (
	app = relay.New()
	lg  = app.Logger
	log = app.Logger

	mq *mqtt.Server

	no_tls = flag.Bool("disable-tls", false, "Disable tls")
	debug  = flag.Bool("debug", false, "Enable debug information")
)

func main() {
	flag.Parse()

	if *debug {
		app.Logger.Level = logrus.DebugLevel
	} else {
		app.Logger.Level = logrus.WarnLevel
	}

	if *no_tls == false {
		mq = mqtt.NewServer(NewTLSConfig())
	} else {
		mq = mqtt.NewServer(nil)
	}

	if err := mq.Subscribe("/device/+/telemetry", 2, TelemetryHandler); err != nil {
		panic(err)
	}

	if err := mq.Subscribe("/device/+/command/+", 2, CommandAckHandler); err != nil {
		panic(err)
	}

	app.HandleEvent(relay.DeviceCommandCreated{}, deviceCommandCreated)

	go mq.Run()

	//Need seperate application names for nsq
	application_name := filepath.Base(os.Args[0])
	hostname, err := os.Hostname()
	if err != nil {
		panic(err)
	}

	app.Event.SetListenName(application_name + "-" + hostname)

	go app.ListenEvents()

	app.Run()
}

//Devices carry their bearer token in the payload, the broker link itself
//does not identify them. A payload without a valid token is dropped.
func TelemetryHandler(s *mqtt.Server, msg mqtt.Message) error {

	topic := strings.Split(msg.Topic, "/")
	hardware_id := topic[2]

	var report struct {
		Token string `json:"token"`
		relay.Telemetry
	}

	if err := json.Unmarshal(msg.Payload, &report); err != nil {
		return err
	}

	d, err := app.Devices.Authenticate(hardware_id, report.Token)
	if err != nil {
		lg.WithField("hardware_id", hardware_id).WithField("error", err).Error("Rejected telemetry")
		return err
	}

	log.Debugf("Telemetry from %s", d.HardwareId)

	return app.Command.Create(relay.DeviceTelemetryRecord{
		HardwareId: d.HardwareId,
		Telemetry:  report.Telemetry,
	})
}

func CommandAckHandler(s *mqtt.Server, msg mqtt.Message) error {

	topic := strings.Split(msg.Topic, "/")
	hardware_id := topic[2]

	command_id, err := strconv.ParseUint(topic[4], 10, 64)
	if err != nil {
		return err
	}

	var response struct {
		Token  string  `json:"token"`
		Result string  `json:"result"`
		Detail *string `json:"detail"`
	}

	if len(msg.Payload) > 0 {
		if err := json.Unmarshal(msg.Payload, &response); err != nil {
			return err
		}
	}

	d, err := app.Devices.Authenticate(hardware_id, response.Token)
	if err != nil {
		lg.WithField("hardware_id", hardware_id).WithField("error", err).Error("Rejected command ack")
		return err
	}

	success := response.Result != "error"

	command, err := d.CommandAck(command_id, success, response.Detail)
	if err != nil {
		return err
	}

	event := interface{}(relay.DeviceCommandAcknowledged(*command))
	if command.Status == relay.CommandStatusFailed {
		event = relay.DeviceCommandFailed(*command)
	}

	return app.Event.Publish(event)
}

//deviceCommandCreated pushes freshly queued commands to connected devices.
//Push is an optimization, the command stays queued until the device claims or
//acks it, a device that missed the publish picks it up on the next poll.
func deviceCommandCreated(event interface{}) error {
	e := event.(relay.DeviceCommandCreated)

	payload, err := json.Marshal(struct {
		Id         uint64          `json:"id,string"`
		Command    string          `json:"command"`
		Parameters json.RawMessage `json:"parameters,omitempty"`
	}{
		Id:         e.Id,
		Command:    e.Command,
		Parameters: e.Parameters,
	})
	if err != nil {
		return err
	}

	device_command_topic := "/device/" + e.HardwareId + "/command"
	log.Debugf("Publishing command to %s", device_command_topic)

	return mq.Publish(device_command_topic, 2, false, payload)
}
