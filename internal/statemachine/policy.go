// Package statemachine decides, for one contact, the next conversation state
// and the commands to carry out. It performs no I/O.
package statemachine

import "time"

// Policy holds the campaign limits and timeouts.
type Policy struct {
	MaxConvincing    int
	MaxAmbiguous     int
	MaxReengagements int

	InactivityWindow time.Duration
	RetryDelay       time.Duration
	ReplyTimeout     time.Duration
	CallSetupTimeout time.Duration
	MaxCallDuration  time.Duration
	AnalysisGuard    time.Duration
}

// DefaultPolicy returns the limits used when nothing is configured.
func DefaultPolicy() Policy {
	return Policy{
		MaxConvincing:    3,
		MaxAmbiguous:     4,
		MaxReengagements: 1,
		InactivityWindow: 18 * time.Second,
		RetryDelay:       10 * time.Minute,
		ReplyTimeout:     24 * time.Hour,
		CallSetupTimeout: 2 * time.Minute,
		MaxCallDuration:  15 * time.Minute,
		AnalysisGuard:    2 * time.Minute,
	}
}

func (p Policy) withDefaults() Policy {
	d := DefaultPolicy()
	if p.MaxConvincing < 0 {
		p.MaxConvincing = 0
	}
	if p.MaxAmbiguous < 0 {
		p.MaxAmbiguous = 0
	}
	if p.MaxReengagements < 0 {
		p.MaxReengagements = 0
	}
	if p.InactivityWindow <= 0 {
		p.InactivityWindow = d.InactivityWindow
	}
	if p.RetryDelay <= 0 {
		p.RetryDelay = d.RetryDelay
	}
	if p.ReplyTimeout <= 0 {
		p.ReplyTimeout = d.ReplyTimeout
	}
	if p.CallSetupTimeout <= 0 {
		p.CallSetupTimeout = d.CallSetupTimeout
	}
	if p.MaxCallDuration <= 0 {
		p.MaxCallDuration = d.MaxCallDuration
	}
	if p.AnalysisGuard <= 0 {
		p.AnalysisGuard = d.AnalysisGuard
	}
	return p
}
