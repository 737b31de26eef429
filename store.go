package relay

import (
	"time"
)

//Store is the persistence boundary for the relay. Two implementations exist,
//a durable one backed by MariaDB and a volatile in-memory one used when no
//database is configured. Business logic never branches on the backend.
//
//CommandClaim and CommandAck carry the state machine:
//
//	queued --(claim)--> sent --(ack ok)--> done
//	queued --(claim)--> sent --(ack error | claim timeout)--> failed
//	queued --(cancel)--> failed
//
//A claim is a take, not a peek: concurrent claims for the same device must
//partition the queued set.
type Store interface {
	DeviceGet(hardwareID string) (*Device, error)
	DeviceList(c DeviceCriteria) ([]Device, error)

	//DeviceRegister is create-or-get: an existing row is merged with the
	//non-nil fields, a missing one is created. The token is only applied
	//when the device has none or the old one expired; the second return
	//reports whether it was.
	DeviceRegister(hardwareID string, owner *string, spotID *string, token string, expiration time.Time) (*Device, bool, error)

	DeviceAssign(hardwareID string, spotID string, owner string) (*Device, error)

	//DeviceEnsure is create-or-get without credential issuance, used when a
	//command is queued for a device that never registered.
	DeviceEnsure(hardwareID string) (*Device, error)

	//DeviceTelemetry upserts the last-heartbeat fields and, when the device
	//is bound to a spot, flips that spot's availability in the same critical
	//section, so a report can never land on a spot the device was just
	//unbound from.
	DeviceTelemetry(hardwareID string, t Telemetry, now time.Time) (*Device, error)

	CommandInsert(cmd *DeviceCommand) error
	CommandGet(hardwareID string, id uint64) (*DeviceCommand, error)
	CommandList(c DeviceCommandCriteria) ([]DeviceCommand, error)
	CommandClaim(hardwareID string, max int, now time.Time) ([]DeviceCommand, error)

	//CommandAck moves a sent command to done or failed. Acking a terminal
	//command returns the stored record unchanged, the device retries when it
	//gets no response. A queued command cannot be acked, an id the device
	//does not own is ErrCommandNotFound.
	CommandAck(hardwareID string, id uint64, success bool, detail *string, now time.Time) (*DeviceCommand, error)

	CommandCancel(hardwareID string, id uint64) (*DeviceCommand, error)
	CommandFailExpired(cutoff time.Time) ([]DeviceCommand, error)

	//Collaborator state owned by the booking side of the system. The relay
	//only reads sessions and writes spot availability.
	SessionActive(userID string, spotID string) (bool, error)
	SpotAvailable(spotID string) (bool, error)
}
