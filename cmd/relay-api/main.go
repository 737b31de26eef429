package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/gorilla/mux"
	"github.com/gorilla/schema"
	"github.com/parkwatch/relay"
	relay_app "github.com/parkwatch/relay/app"
	"github.com/parkwatch/relay/auth"
)

var (
	app   = relay.New()
	lg    = app.Logger
	debug = flag.Bool("debug", false, "Enable debug output")
)

type deviceContextHandler func(http.ResponseWriter, *http.Request, *relay.Device)

func main() {
	flag.Parse()
	if *debug {
		app.Logger.Level = logrus.DebugLevel
	}

	if app.Database != nil {
		if err := app.App.CheckAndUpdateDatabase(relay.DatabaseStructure); err != nil {
			panic(err)
		}
	}

	app.Use(relay_app.Cors())
	app.Use(auth.NewMiddleware(app.App, app.JwtSecret()))

	app.Get("/info", infoHandler)

	app.Get("/hardware", hardwareListHandler)
	app.Post("/hardware/register", hardwareRegisterHandler)
	app.Get("/hardware/{hardware}", withDevice(hardwareGetHandler))
	app.Post("/hardware/{hardware}/assign", withDevice(hardwareAssignHandler))
	app.Post("/hardware/{hardware}/commands/queue", commandQueueHandler)
	app.Get("/hardware/{hardware}/commands", withAuthorizedDevice(commandClaimHandler))
	app.Get("/hardware/{hardware}/commands/{command}", withDevice(commandGetHandler))
	app.Post("/hardware/{hardware}/commands/{command}/ack", withAuthorizedDevice(commandAckHandler))
	app.Post("/hardware/{hardware}/commands/{command}/cancel", withDevice(commandCancelHandler))
	app.Post("/hardware/{hardware}/telemetry", withAuthorizedDevice(telemetryPostHandler))
	app.Get("/hardware/{hardware}/telemetry/history", withDevice(telemetryHistoryHandler))

	go claimTimeoutSweeper()

	app.Run()
}

//claimTimeoutSweeper fails commands stuck in sent past the claim timeout.
func claimTimeoutSweeper() {
	ticker := time.NewTicker(30 * time.Second)
	for range ticker.C {
		failed, err := app.Devices.FailExpired()
		if err != nil {
			lg.WithField("error", err).Error("Error failing expired command claims")
			continue
		}

		for _, cmd := range failed {
			lg.WithField("hardware_id", cmd.HardwareId).
				WithField("command", cmd.Id).
				Warning("Command claim expired, marked failed")
		}
	}
}

func infoHandler(w http.ResponseWriter, r *http.Request) {

	info := struct {
		Version string `json:"version"`
	}{
		Version: relay.Version,
	}

	if err := json.NewEncoder(w).Encode(info); err != nil {
		app.HttpInternalError(w, err)
		return
	}

}

func hardwareListHandler(w http.ResponseWriter, r *http.Request) {
	user, ok := auth.UserFromRequest(r)
	if !ok {
		app.HttpUnauthorized(w, fmt.Errorf("Missing authentication"))
		return
	}

	c := relay.DeviceCriteria{}
	if err := schema.NewDecoder().Decode(&c, r.URL.Query()); err != nil {
		app.HttpBadRequest(w, err)
		return
	}

	//Non-admins only see their own hardware
	if user.Role != auth.RoleAdmin {
		c.Owner = user.Email
	}

	ds, err := app.Devices.List(c)
	if err != nil {
		app.HttpBadRequest(w, err)
		return
	}

	app.JsonResponse(w, ds)
}

func hardwareRegisterHandler(w http.ResponseWriter, r *http.Request) {
	user, ok := auth.UserFromRequest(r)
	if !ok {
		app.HttpUnauthorized(w, fmt.Errorf("Missing authentication"))
		return
	}

	var req struct {
		HardwareId string  `json:"hardware_id"`
		SpotId     *string `json:"spot_id"`
	}

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		app.HttpBadRequest(w, err)
		return
	}

	if req.HardwareId == "" {
		app.HttpBadRequest(w, fmt.Errorf("Missing hardware id"))
		return
	}

	owner := user.Email
	d, token, err := app.Devices.Register(req.HardwareId, &owner, req.SpotId)
	if err != nil {
		app.HttpInternalError(w, err)
		return
	}

	resp := struct {
		*relay.Device
		Token string `json:"token,omitempty"`
	}{
		d,
		token,
	}

	app.JsonResponse(w, resp)
}

func hardwareGetHandler(w http.ResponseWriter, r *http.Request, d *relay.Device) {
	app.JsonResponse(w, d)
}

func hardwareAssignHandler(w http.ResponseWriter, r *http.Request, d *relay.Device) {
	user, ok := auth.UserFromRequest(r)
	if !ok {
		app.HttpUnauthorized(w, fmt.Errorf("Missing authentication"))
		return
	}

	if user.Role != auth.RoleAdmin && (d.Owner == nil || *d.Owner != user.Email) {
		app.HttpForbidden(w, relay.ErrForbidden)
		return
	}

	var req struct {
		SpotId string `json:"spot_id"`
		Owner  string `json:"owner"`
	}

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		app.HttpBadRequest(w, err)
		return
	}

	if req.SpotId == "" {
		app.HttpBadRequest(w, fmt.Errorf("Missing spot id"))
		return
	}

	if req.Owner == "" {
		req.Owner = user.Email
	}

	updated, err := app.Devices.Assign(d.HardwareId, req.SpotId, req.Owner)
	if err != nil {
		app.HttpInternalError(w, err)
		return
	}

	app.JsonResponse(w, updated)
}

func commandQueueHandler(w http.ResponseWriter, r *http.Request) {
	user, ok := auth.UserFromRequest(r)
	if !ok {
		app.HttpUnauthorized(w, fmt.Errorf("Missing authentication"))
		return
	}

	hardware_id := mux.Vars(r)["hardware"]
	if len(hardware_id) == 0 {
		app.HttpBadRequest(w, fmt.Errorf("Missing hardware id"))
		return
	}

	d, err := app.Devices.Get(relay.DeviceCriteria{HardwareId: hardware_id})
	if err == relay.ErrDeviceNotFound && !app.StrictDevices() {
		d, err = app.Devices.Ensure(hardware_id)
	}
	if err != nil {
		if err == relay.ErrDeviceNotFound {
			app.HttpNotFound(w, err)
			return
		}
		app.HttpInternalError(w, err)
		return
	}

	allowed, err := d.CanControl(user.Email, user.Role)
	if err != nil {
		app.HttpInternalError(w, err)
		return
	}
	if !allowed {
		app.HttpForbidden(w, relay.ErrForbidden)
		return
	}

	var command relay.DeviceCommand

	if err := json.NewDecoder(r.Body).Decode(&command); err != nil {
		app.HttpBadRequest(w, err)
		return
	}

	command.IssuedBy = user.Email

	if err := d.CommandInsert(&command); err != nil {
		if err == relay.ErrInvalidCommand {
			app.HttpBadRequest(w, fmt.Errorf("Command not allowed: %s", command.Command))
			return
		}
		app.HttpInternalError(w, err)
		return
	}

	if err := app.Event.Publish(relay.DeviceCommandCreated(command)); err != nil {
		app.HttpInternalError(w, err)
		return
	}

	app.JsonResponse(w, command)
}

func commandClaimHandler(w http.ResponseWriter, r *http.Request, d *relay.Device) {

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			app.HttpBadRequest(w, err)
			return
		}
		limit = parsed
	}

	commands, err := d.CommandsClaim(limit)
	if err != nil {
		app.HttpInternalError(w, err)
		return
	}

	resp := struct {
		Commands []relay.DeviceCommand `json:"commands"`
	}{
		commands,
	}

	app.JsonResponse(w, resp)
}

func commandGetHandler(w http.ResponseWriter, r *http.Request, d *relay.Device) {

	id, err := commandId(r)
	if err != nil {
		app.HttpBadRequest(w, err)
		return
	}

	command, err := d.CommandGet(id)
	if err != nil {
		if err == relay.ErrCommandNotFound {
			app.HttpNotFound(w, err)
			return
		}
		app.HttpInternalError(w, err)
		return
	}

	app.JsonResponse(w, command)
}

func commandAckHandler(w http.ResponseWriter, r *http.Request, d *relay.Device) {

	id, err := commandId(r)
	if err != nil {
		app.HttpBadRequest(w, err)
		return
	}

	var req struct {
		Result string  `json:"result"`
		Detail *string `json:"detail"`
	}

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && err != io.EOF {
		app.HttpBadRequest(w, err)
		return
	}

	success := req.Result != "error"

	command, err := d.CommandAck(id, success, req.Detail)
	if err != nil {
		switch err {
		case relay.ErrCommandNotFound:
			app.HttpNotFound(w, err)
		case relay.ErrCommandNotClaimed:
			app.HttpConflict(w, err)
		default:
			app.HttpInternalError(w, err)
		}
		return
	}

	event := interface{}(relay.DeviceCommandAcknowledged(*command))
	if command.Status == relay.CommandStatusFailed {
		event = relay.DeviceCommandFailed(*command)
	}
	if err := app.Event.Publish(event); err != nil {
		lg.WithField("error", err).Error("Error publishing command ack event")
	}

	resp := struct {
		Status string `json:"status"`
		Id     uint64 `json:"id,string"`
	}{
		"acknowledged",
		command.Id,
	}

	app.JsonResponse(w, resp)
}

func commandCancelHandler(w http.ResponseWriter, r *http.Request, d *relay.Device) {
	user, ok := auth.UserFromRequest(r)
	if !ok {
		app.HttpUnauthorized(w, fmt.Errorf("Missing authentication"))
		return
	}

	id, err := commandId(r)
	if err != nil {
		app.HttpBadRequest(w, err)
		return
	}

	command, err := d.CommandGet(id)
	if err != nil {
		if err == relay.ErrCommandNotFound {
			app.HttpNotFound(w, err)
			return
		}
		app.HttpInternalError(w, err)
		return
	}

	if user.Role != auth.RoleAdmin && command.IssuedBy != user.Email {
		app.HttpForbidden(w, relay.ErrForbidden)
		return
	}

	command, err = d.CommandCancel(id)
	if err != nil {
		if err == relay.ErrCommandClaimed {
			app.HttpConflict(w, err)
			return
		}
		app.HttpInternalError(w, err)
		return
	}

	app.JsonResponse(w, command)
}

func telemetryPostHandler(w http.ResponseWriter, r *http.Request, d *relay.Device) {

	var t relay.Telemetry

	if err := json.NewDecoder(r.Body).Decode(&t); err != nil {
		app.HttpBadRequest(w, err)
		return
	}

	updated, err := app.Devices.RecordTelemetry(d.HardwareId, t)
	if err != nil {
		app.HttpInternalError(w, err)
		return
	}

	resp := struct {
		Status        string     `json:"status"`
		HardwareId    string     `json:"hardware_id"`
		LastHeartbeat *time.Time `json:"last_heartbeat"`
	}{
		"ok",
		updated.HardwareId,
		updated.LastHeartbeat,
	}

	app.JsonResponse(w, resp)
}

func telemetryHistoryHandler(w http.ResponseWriter, r *http.Request, d *relay.Device) {

	c := relay.TelemetryCriteria{}
	if err := schema.NewDecoder().Decode(&c, r.URL.Query()); err != nil {
		app.HttpBadRequest(w, err)
		return
	}

	records, err := d.TelemetryHistory(c)
	if err != nil {
		app.HttpInternalError(w, err)
		return
	}

	app.JsonResponse(w, records)
}

func commandId(r *http.Request) (uint64, error) {
	return strconv.ParseUint(mux.Vars(r)["command"], 10, 64)
}

func withDevice(h deviceContextHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {

		hardware_id := mux.Vars(r)["hardware"]
		if len(hardware_id) == 0 {
			app.HttpBadRequest(w, fmt.Errorf("Missing hardware id"))
			return
		}

		d, err := app.Devices.Get(relay.DeviceCriteria{
			HardwareId: hardware_id,
		})
		if err != nil {
			if err == relay.ErrDeviceNotFound {
				app.HttpNotFound(w, err)
				return
			}
			app.HttpInternalError(w, err)
			return
		}

		h(w, r, d)

	}
}

//withAuthorizedDevice additionally requires the device bearer token, these
//are the routes the hardware itself calls.
func withAuthorizedDevice(h deviceContextHandler) http.HandlerFunc {
	return withDevice(func(w http.ResponseWriter, r *http.Request, d *relay.Device) {

		auth_headers := r.Header["Authorization"]
		if len(auth_headers) == 0 {
			app.HttpUnauthorized(w, fmt.Errorf("Missing authentication"))
			return
		}

		auth_header := auth_headers[0]
		if len(auth_header) < 8 {
			app.HttpUnauthorized(w, fmt.Errorf("Malformed authorization header"))
			return
		}
		bearer := auth_header[7:]

		if !d.TokenValid(bearer) {
			app.HttpUnauthorized(w, fmt.Errorf("Invalid token for device"))
			return
		}

		h(w, r, d)

	})
}
