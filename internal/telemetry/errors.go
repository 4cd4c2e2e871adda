package telemetry

import "codeberg.org/mutker/teslafanctl/internal/errors"

const (
	ErrToolUnavailable = errors.ErrorCode("telemetry_tool_unavailable")
	ErrToolFailed      = errors.ErrorCode("telemetry_tool_failed")
	ErrParseFailed     = errors.ErrorCode("telemetry_parse_failed")
	ErrShutdownFailed  = errors.ErrorCode("telemetry_shutdown_failed")
)
