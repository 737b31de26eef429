package client

import (
	"encoding/json"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/cmodk/go-simplehttp"
	"github.com/parkwatch/relay"
)

//Client is the device-side view of the relay. It authenticates with the
//per-device token issued at registration.
type Client struct {
	*simplehttp.SimpleHttp
}

func New(host string, token string, logger *logrus.Logger) *Client {

	backend := simplehttp.New(host, logger)
	backend.SetBearerAuth(token)

	client := Client{&backend}

	return &client
}

func (client *Client) DeviceGet(hardwareID string) (*relay.Device, error) {

	data, err := client.Get(fmt.Sprintf("/hardware/%s", hardwareID))
	if err != nil {
		return nil, err
	}

	var device relay.Device

	if err := json.Unmarshal([]byte(data), &device); err != nil {
		return nil, err
	}

	return &device, nil

}

//CommandsClaim polls the relay. Returned commands are already marked sent
//server side, whatever comes back must be executed or acked as failed.
func (client *Client) CommandsClaim(hardwareID string) ([]relay.DeviceCommand, error) {

	data, err := client.Get(fmt.Sprintf("/hardware/%s/commands", hardwareID))
	if err != nil {
		return nil, err
	}

	var resp struct {
		Commands []relay.DeviceCommand `json:"commands"`
	}

	if err := json.Unmarshal([]byte(data), &resp); err != nil {
		return nil, err
	}

	return resp.Commands, nil

}

func (client *Client) CommandAck(hardwareID string, id uint64, result string, detail string) error {

	payload, err := json.Marshal(map[string]string{
		"result": result,
		"detail": detail,
	})
	if err != nil {
		return err
	}

	_, err = client.Post(fmt.Sprintf("/hardware/%s/commands/%d/ack", hardwareID, id), string(payload))

	return err

}

func (client *Client) TelemetrySend(hardwareID string, t relay.Telemetry) error {

	payload, err := json.Marshal(t)
	if err != nil {
		return err
	}

	_, err = client.Post(fmt.Sprintf("/hardware/%s/telemetry", hardwareID), string(payload))

	return err

}
