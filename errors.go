package relay

import (
	"errors"
)

var (
	ErrDeviceNotFound    = errors.New("device not found")
	ErrCommandNotFound   = errors.New("command not found")
	ErrCommandNotClaimed = errors.New("command has not been claimed")
	ErrCommandClaimed    = errors.New("command already claimed")
	ErrInvalidCommand    = errors.New("command not in the configured allow-list")
	ErrInvalidToken      = errors.New("invalid device token")
	ErrForbidden         = errors.New("forbidden")
)
