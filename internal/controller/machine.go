package controller

import "time"

// Mode is the process-wide fan-control mode. It starts at ModeAutomatic and
// must be back at ModeAutomatic before the process exits.
type Mode int

const (
	ModeAutomatic Mode = iota
	ModeManual
)

func (m Mode) String() string {
	switch m {
	case ModeAutomatic:
		return "automatic"
	case ModeManual:
		return "manual"
	default:
		return "unknown"
	}
}

// Action is the state machine's verdict for one cycle.
type Action int

const (
	ActionHold Action = iota
	ActionEnterManual
	ActionExitManual
)

// Machine decides, each cycle, whether fan control should be automatic (BMC)
// or manual (ours). The asymmetric enter/exit thresholds form the hysteresis
// band: temperatures inside the band keep whatever mode is current, which
// prevents rapid mode flapping near a single crossing point.
//
// Evaluate never changes the mode itself; the control loop commits a
// transition only after the corresponding actuation succeeded, so a failed
// ipmitool call leaves the machine ready to retry the same transition.
type Machine struct {
	mode         Mode
	enterTempC   float64
	exitTempC    float64
	handoffDelay time.Duration
	coolSince    time.Time
}

// NewMachine starts in ModeAutomatic. enterTempC must exceed exitTempC;
// handoffDelay is how long the aggregate must stay at or below the exit
// threshold before control is handed back (zero hands back immediately).
func NewMachine(enterTempC, exitTempC float64, handoffDelay time.Duration) *Machine {
	return &Machine{
		mode:         ModeAutomatic,
		enterTempC:   enterTempC,
		exitTempC:    exitTempC,
		handoffDelay: handoffDelay,
	}
}

// Mode returns the current control mode.
func (m *Machine) Mode() Mode {
	return m.mode
}

// Evaluate returns the action required for the given aggregate temperature.
// valid is false when the cycle's sample was empty; that counts as "no GPU
// pressure" and biases toward automatic control regardless of the handoff
// delay.
func (m *Machine) Evaluate(aggregateC float64, valid bool, now time.Time) Action {
	switch m.mode {
	case ModeManual:
		if !valid {
			return ActionExitManual
		}
		if aggregateC > m.exitTempC {
			m.coolSince = time.Time{}
			return ActionHold
		}
		if m.handoffDelay <= 0 {
			return ActionExitManual
		}
		if m.coolSince.IsZero() {
			m.coolSince = now
			return ActionHold
		}
		if now.Sub(m.coolSince) >= m.handoffDelay {
			return ActionExitManual
		}
		return ActionHold
	default:
		if valid && aggregateC >= m.enterTempC {
			return ActionEnterManual
		}
		return ActionHold
	}
}

// Commit records that the action was applied to the hardware.
func (m *Machine) Commit(action Action) {
	switch action {
	case ActionEnterManual:
		m.mode = ModeManual
	case ActionExitManual:
		m.mode = ModeAutomatic
	}
	m.coolSince = time.Time{}
}
