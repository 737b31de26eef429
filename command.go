package relay

import (
	"encoding/json"
	"time"

	"github.com/parkwatch/relay/app"
)

const (
	CommandStatusQueued = "queued"
	CommandStatusSent   = "sent"
	CommandStatusDone   = "done"
	CommandStatusFailed = "failed"
)

const (
	CommandRaiseBarrier   = "raise_barrier"
	CommandLowerBarrier   = "lower_barrier"
	CommandReset          = "reset"
	CommandUpdateSettings = "update_settings"
)

const (
	DefaultClaimLimit = 10
)

var (
	DefaultCommands = []string{
		CommandRaiseBarrier,
		CommandLowerBarrier,
		CommandReset,
		CommandUpdateSettings,
	}
)

type DeviceCommand struct {
	//Serialized as a string, simpleflake ids overflow json number consumers
	Id         uint64          `db:"id" json:"id,string"`
	HardwareId string          `db:"hardware_id" json:"hardware_id"`
	Command    string          `db:"command" json:"command"`
	Parameters json.RawMessage `db:"parameters" json:"parameters,omitempty"`
	IssuedBy   string          `db:"issued_by" json:"issued_by,omitempty"`
	Status     string          `db:"status" json:"status"`
	Created    time.Time       `db:"created" json:"created_at"`
	Claimed    *time.Time      `db:"claimed" json:"claimed_at,omitempty"`
	Executed   *time.Time      `db:"executed" json:"executed_at,omitempty"`
	Result     *string         `db:"result" json:"result,omitempty"`
}

func (cmd *DeviceCommand) Terminal() bool {
	return cmd.Status == CommandStatusDone || cmd.Status == CommandStatusFailed
}

type DeviceCommandCriteria struct {
	Id         uint64 `schema:"id" db:"id"`
	HardwareId string `schema:"hardware_id" db:"hardware_id"`
	Status     string `schema:"status" db:"status"`
	IssuedBy   string `schema:"issued_by" db:"issued_by"`

	ClaimedBefore app.EntityTimeBefore `schema:"-"`

	OrderBy string `schema:"-"`
	Limit   int    `schema:"limit"`
}

func CommandAllowed(command string, allowed []string) bool {
	for _, a := range allowed {
		if a == command {
			return true
		}
	}

	return false
}
