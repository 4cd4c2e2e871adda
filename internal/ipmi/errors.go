package ipmi

import "codeberg.org/mutker/teslafanctl/internal/errors"

const (
	ErrToolUnavailable = errors.ErrorCode("ipmi_tool_unavailable")
	ErrCommandFailed   = errors.ErrorCode("ipmi_command_failed")
)
