package relay

import (
	"time"

	"github.com/parkwatch/relay/app"
)

const Version = "0.9.0"

var (
	relay *Relay
)

type Relay struct {
	*app.App
	Store   Store
	Devices *Devices
}

func New() *Relay {
	relay = &Relay{
		App: app.New(),
	}

	if relay.Database != nil {
		relay.Store = NewDatabaseStore(relay.Database)
	} else {
		relay.Logger.Warning("No database configured, commands and devices are kept in memory only")
		relay.Store = NewMemoryStore()
	}

	relay.Devices = NewDevices(relay)

	relay.HandleCommand(DeviceTelemetryRecord{}, deviceTelemetryRecord)

	return relay
}

func (r *Relay) relaySettings() *app.RelayConfig {
	if r.Config.Relay == nil {
		return &app.RelayConfig{}
	}
	return r.Config.Relay
}

func (r *Relay) AllowedCommands() []string {
	settings := r.relaySettings()
	if len(settings.Commands) == 0 {
		return DefaultCommands
	}
	return settings.Commands
}

func (r *Relay) StrictDevices() bool {
	return r.relaySettings().StrictDevices
}

func (r *Relay) ClaimTimeout() time.Duration {
	return r.configDuration(r.relaySettings().ClaimTimeout, 5*time.Minute)
}

func (r *Relay) ClaimLimit() int {
	limit := r.relaySettings().ClaimLimit
	if limit <= 0 {
		return DefaultClaimLimit
	}
	return limit
}

func (r *Relay) DeviceTokenTTL() time.Duration {
	//Default matches the old device certificate lifetime of 90 days
	return r.configDuration(r.relaySettings().DeviceTokenTTL, 2160*time.Hour)
}

func (r *Relay) PresenceTTL() time.Duration {
	return r.configDuration(r.relaySettings().PresenceTTL, 5*time.Minute)
}

func (r *Relay) TelemetryMaxBytes() int {
	max := r.relaySettings().TelemetryMaxBytes
	if max <= 0 {
		return 4096
	}
	return max
}

func (r *Relay) JwtSecret() string {
	return r.relaySettings().JwtSecret
}

func (r *Relay) configDuration(value string, fallback time.Duration) time.Duration {
	if value == "" {
		return fallback
	}

	d, err := time.ParseDuration(value)
	if err != nil {
		r.Logger.WithField("error", err).Errorf("Bad duration in config: %s", value)
		return fallback
	}

	return d
}
