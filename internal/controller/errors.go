package controller

import "codeberg.org/mutker/teslafanctl/internal/errors"

const (
	ErrInvalidConfig      = errors.ErrorCode("controller_invalid_config")
	ErrActuatorPersistent = errors.ErrorCode("controller_actuator_persistent_failure")
	ErrHandoffFailed      = errors.ErrorCode("controller_handoff_failed")
	ErrRestoreFailed      = errors.ErrorCode("controller_restore_automatic_failed")
)
