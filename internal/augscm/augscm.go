// Package augscm reserves the augmented synthetic control method. The
// ridge-regularized extension is not implemented; every entry point returns
// a permanent method-not-available error so callers can surface a
// capability gap instead of a server fault.
package augscm

import (
	"portimpact/domain/panel"
	"portimpact/internal/errors"
	"portimpact/internal/scm"
)

const notAvailableMessage = "augmented synthetic control is not implemented: " +
	"it requires a ridge-regularized weight solver that is not yet built. " +
	"Enable the standard synthetic control engine (FEATURE_SCM=true) or use " +
	"did, event_study or panel_iv as alternative methods"

// Engine is the augmented SCM placeholder.
type Engine struct{}

// NewEngine creates the placeholder engine.
func NewEngine() *Engine {
	return &Engine{}
}

// RunAugmentedSCM always returns a method-not-available error. The error is
// permanent; callers must not retry.
func (e *Engine) RunAugmentedSCM(p *panel.Panel, req scm.Request) (*scm.Result, error) {
	return nil, errors.NotAvailable(notAvailableMessage)
}

// RunAugmentedSCMWithDiagnostics always returns a method-not-available
// error, matching RunAugmentedSCM.
func (e *Engine) RunAugmentedSCMWithDiagnostics(p *panel.Panel, req scm.Request) (*scm.Result, error) {
	return nil, errors.NotAvailable(notAvailableMessage)
}
