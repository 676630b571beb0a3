package auction

import (
	"fmt"
	"time"
)

type CallMode string

const (
	// CallFree accepts a call whenever the round is open. A window that has
	// already expired still blocks calls until the next raise or timer,
	// since the participant is due to be auto-folded.
	CallFree CallMode = "free"
	// CallWindowed accepts a call only while a response window is running.
	CallWindowed CallMode = "windowed"
)

type RaisePolicy string

const (
	// RaiseRearm sends every caller back to waiting at the new price.
	RaiseRearm RaisePolicy = "rearm"
	// RaiseFoldNonCallers folds whoever was still waiting and re-arms callers.
	RaiseFoldNonCallers RaisePolicy = "fold-non-callers"
	// RaiseKeep changes only the price.
	RaiseKeep RaisePolicy = "keep"
)

type TieBreak string

const (
	// TieTimestamp picks the caller with the latest call timestamp.
	TieTimestamp TieBreak = "timestamp"
	// TieOrder picks the last caller in registration order.
	TieOrder TieBreak = "order"
)

const DefaultTimerSeconds = 30

type Policy struct {
	CallMode     CallMode    `yaml:"callMode" json:"callMode" env:"CALL_MODE"`
	RaisePolicy  RaisePolicy `yaml:"raisePolicy" json:"raisePolicy" env:"RAISE_POLICY"`
	TieBreak     TieBreak    `yaml:"tieBreak" json:"tieBreak" env:"TIE_BREAK"`
	TimerSeconds int         `yaml:"timerSeconds" json:"timerSeconds" env:"TIMER_SECONDS"`
	ServerSweep  bool        `yaml:"serverSweep" json:"serverSweep" env:"SERVER_SWEEP"`
}

func DefaultPolicy() Policy {
	return Policy{
		CallMode:     CallFree,
		RaisePolicy:  RaiseRearm,
		TieBreak:     TieTimestamp,
		TimerSeconds: DefaultTimerSeconds,
	}
}

// WithDefaults fills unset fields from DefaultPolicy.
func (p Policy) WithDefaults() Policy {
	d := DefaultPolicy()
	if p.CallMode == "" {
		p.CallMode = d.CallMode
	}
	if p.RaisePolicy == "" {
		p.RaisePolicy = d.RaisePolicy
	}
	if p.TieBreak == "" {
		p.TieBreak = d.TieBreak
	}
	if p.TimerSeconds == 0 {
		p.TimerSeconds = d.TimerSeconds
	}
	return p
}

func (p Policy) Validate() error {
	switch p.CallMode {
	case CallFree, CallWindowed:
	default:
		return fmt.Errorf("%w: callMode %q", ErrInvalidPolicy, p.CallMode)
	}
	switch p.RaisePolicy {
	case RaiseRearm, RaiseFoldNonCallers, RaiseKeep:
	default:
		return fmt.Errorf("%w: raisePolicy %q", ErrInvalidPolicy, p.RaisePolicy)
	}
	switch p.TieBreak {
	case TieTimestamp, TieOrder:
	default:
		return fmt.Errorf("%w: tieBreak %q", ErrInvalidPolicy, p.TieBreak)
	}
	if p.TimerSeconds <= 0 {
		return fmt.Errorf("%w: timerSeconds must be positive", ErrInvalidPolicy)
	}
	return nil
}

func (p Policy) TimerDuration() time.Duration {
	return time.Duration(p.TimerSeconds) * time.Second
}
