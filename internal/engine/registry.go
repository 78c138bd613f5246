// Package engine dispatches analysis requests to the method engines and
// enforces the JSON-safe output boundary.
package engine

import (
	"portimpact/domain/causal"
	"portimpact/domain/panel"
	"portimpact/internal"
	"portimpact/internal/augscm"
	"portimpact/internal/compare"
	"portimpact/internal/config"
	"portimpact/internal/did"
	"portimpact/internal/errors"
	"portimpact/internal/eventstudy"
	"portimpact/internal/iv"
	"portimpact/internal/matching"
	"portimpact/internal/paneliv"
	"portimpact/internal/prep"
	"portimpact/internal/scm"
	"portimpact/internal/serialize"
)

// Request is the method-agnostic analysis request. Field applicability
// depends on the method; Run validates method-specific requirements.
type Request struct {
	Method   causal.Method
	Outcomes []string
	Controls []string

	TreatedIDs    []string
	TreatmentTime int
	ClusterBy     string
	Scope         string // defaults to prep.ScopeState
	PreWindow     int
	PostWindow    int

	Endogenous             string
	Instrument             string
	AlternativeInstruments []string
	EntityEffects          bool
	TimeEffects            bool
}

// Registry owns the method engines and the feature gates. One registry is
// safe for concurrent use: every engine is stateless.
type Registry struct {
	features config.FeatureConfig
	logger   *internal.Logger

	did        *did.Engine
	eventStudy *eventstudy.Engine
	iv         *iv.Engine
	panelIV    *paneliv.Engine
	scm        *scm.Engine
	augSCM     *augscm.Engine
	compare    *compare.Engine
}

// NewRegistry wires the method engines behind the configured feature gates.
func NewRegistry(features config.FeatureConfig, logger *internal.Logger) *Registry {
	if logger == nil {
		logger = internal.NewDefaultLogger()
	}
	return &Registry{
		features:   features,
		logger:     logger,
		did:        did.NewEngine(),
		eventStudy: eventstudy.NewEngine(),
		iv:         iv.NewEngine(),
		panelIV:    paneliv.NewEngine(),
		scm:        scm.NewEngine(),
		augSCM:     augscm.NewEngine(),
		compare:    compare.NewEngine(),
	}
}

// AvailableMethods lists the methods the registry will currently dispatch.
func (r *Registry) AvailableMethods() []causal.Method {
	methods := []causal.Method{
		causal.MethodDiD,
		causal.MethodIV,
		causal.MethodPanelIV,
		causal.MethodEventStudy,
		causal.MethodCompare,
	}
	if r.features.SCM {
		methods = append(methods, causal.MethodSCM)
	}
	if r.features.AugmentedSCM {
		methods = append(methods, causal.MethodAugmentedSCM)
	}
	return methods
}

// Run executes the requested method once per outcome and returns a
// JSON-safe mapping keyed by outcome name. A method behind a disabled
// feature flag fails with a permanent not-available error before touching
// the panel.
func (r *Registry) Run(p *panel.Panel, req Request) (map[string]interface{}, error) {
	if err := r.checkAvailable(req.Method); err != nil {
		return nil, err
	}
	if len(req.Outcomes) == 0 {
		return nil, errors.Validation("at least one outcome is required")
	}

	out := make(map[string]interface{}, len(req.Outcomes))
	for _, outcome := range req.Outcomes {
		r.logger.Info("running %s for outcome %s", req.Method, outcome)
		result, err := r.runOne(p, req, outcome)
		if err != nil {
			return nil, errors.Wrap(err, "method "+string(req.Method)+" failed for outcome "+outcome)
		}
		sanitized := serialize.Sanitize(result)
		if err := serialize.Verify(sanitized); err != nil {
			return nil, errors.Wrap(err, "result failed output verification")
		}
		out[outcome] = sanitized
	}
	return out, nil
}

func (r *Registry) checkAvailable(m causal.Method) error {
	switch m {
	case causal.MethodDiD, causal.MethodIV, causal.MethodPanelIV, causal.MethodEventStudy, causal.MethodCompare:
		return nil
	case causal.MethodSCM:
		if !r.features.SCM {
			return errors.NotAvailable("method scm is disabled: set FEATURE_SCM=true to enable it")
		}
		return nil
	case causal.MethodAugmentedSCM:
		if !r.features.AugmentedSCM {
			return errors.NotAvailable("method augmented_scm is disabled: set FEATURE_AUGMENTED_SCM=true to enable it")
		}
		return nil
	default:
		return errors.Validation("unknown method %q", string(m))
	}
}

func (r *Registry) runOne(p *panel.Panel, req Request, outcome string) (interface{}, error) {
	switch req.Method {
	case causal.MethodDiD:
		dp, err := r.treatmentPanel(p, req)
		if err != nil {
			return nil, err
		}
		return r.did.RunDiDWithDiagnostics(dp, did.Request{
			Outcome:       outcome,
			Controls:      req.Controls,
			ClusterBy:     req.ClusterBy,
			TreatmentTime: req.TreatmentTime,
			PreWindow:     req.PreWindow,
			PostWindow:    req.PostWindow,
		})
	case causal.MethodEventStudy:
		dp, err := r.treatmentPanel(p, req)
		if err != nil {
			return nil, err
		}
		return r.eventStudy.RunEventStudy(dp, eventstudy.Request{
			Outcome:       outcome,
			Controls:      req.Controls,
			ClusterBy:     req.ClusterBy,
			TreatmentTime: req.TreatmentTime,
			PreWindow:     req.PreWindow,
			PostWindow:    req.PostWindow,
		})
	case causal.MethodIV:
		return r.iv.RunIVWithDiagnostics(p, iv.Request{
			Outcome:                outcome,
			Endogenous:             req.Endogenous,
			Instrument:             req.Instrument,
			Controls:               req.Controls,
			AlternativeInstruments: req.AlternativeInstruments,
		})
	case causal.MethodPanelIV:
		return r.panelIV.RunPanelIVWithDiagnostics(p, paneliv.Request{
			Outcome:       outcome,
			Endogenous:    req.Endogenous,
			Instrument:    req.Instrument,
			Controls:      req.Controls,
			EntityEffects: req.EntityEffects,
			TimeEffects:   req.TimeEffects,
		})
	case causal.MethodSCM:
		return r.scm.RunSCMWithDiagnostics(p, scm.Request{
			Outcome:       outcome,
			TreatedIDs:    req.TreatedIDs,
			TreatmentTime: req.TreatmentTime,
		})
	case causal.MethodCompare:
		return r.runCompare(p, req, outcome)
	case causal.MethodAugmentedSCM:
		return r.augSCM.RunAugmentedSCMWithDiagnostics(p, scm.Request{
			Outcome:       outcome,
			TreatedIDs:    req.TreatedIDs,
			TreatmentTime: req.TreatmentTime,
		})
	default:
		return nil, errors.Validation("method %q cannot be dispatched per outcome", string(req.Method))
	}
}

// runCompare runs every method the request carries enough parameters for,
// then triangulates whatever succeeded. Individual method failures do not
// abort the comparison; they surface as logged warnings.
func (r *Registry) runCompare(p *panel.Panel, req Request, outcome string) (*compare.Result, error) {
	var in compare.Inputs

	if len(req.TreatedIDs) > 0 && req.TreatmentTime != 0 {
		dp, err := r.treatmentPanel(p, req)
		if err != nil {
			r.logger.Warn("compare: did panel build failed: %v", err)
		} else {
			in.DiD, err = r.did.RunDiDWithDiagnostics(dp, did.Request{
				Outcome:       outcome,
				Controls:      req.Controls,
				ClusterBy:     req.ClusterBy,
				TreatmentTime: req.TreatmentTime,
			})
			if err != nil {
				r.logger.Warn("compare: did estimation failed: %v", err)
			}
		}
	}
	if req.Endogenous != "" && req.Instrument != "" {
		var err error
		in.IV, err = r.iv.RunIVWithDiagnostics(p, iv.Request{
			Outcome:    outcome,
			Endogenous: req.Endogenous,
			Instrument: req.Instrument,
			Controls:   req.Controls,
		})
		if err != nil {
			r.logger.Warn("compare: iv estimation failed: %v", err)
		}
	}
	if r.features.SCM && len(req.TreatedIDs) > 0 && req.TreatmentTime != 0 {
		var err error
		in.SCM, err = r.scm.RunSCMWithDiagnostics(p, scm.Request{
			Outcome:       outcome,
			TreatedIDs:    req.TreatedIDs,
			TreatmentTime: req.TreatmentTime,
		})
		if err != nil {
			r.logger.Warn("compare: scm estimation failed: %v", err)
		}
	}

	return r.compare.CompareMethodResults(in), nil
}

// treatmentPanel derives the treated, post and did columns unless the
// caller already supplied a treated column.
func (r *Registry) treatmentPanel(p *panel.Panel, req Request) (*panel.Panel, error) {
	if p != nil && p.HasColumn(panel.ColTreated) && len(req.TreatedIDs) == 0 {
		return p, nil
	}
	scope := req.Scope
	if scope == "" {
		scope = prep.ScopeState
	}
	return prep.BuildDiDPanel(p, req.TreatedIDs, req.TreatmentTime, scope)
}

// Compare triangulates already-computed results. The sanitized envelope
// carries the per-method estimates as the ordered "methods" list, with
// each row naming its method; it is not keyed by method name.
func (r *Registry) Compare(in compare.Inputs) (map[string]interface{}, error) {
	result := r.compare.CompareMethodResults(in)
	sanitized := serialize.Sanitize(result)
	if err := serialize.Verify(sanitized); err != nil {
		return nil, errors.Wrap(err, "comparison failed output verification")
	}
	out, ok := sanitized.(map[string]interface{})
	if !ok {
		return nil, errors.Newf(errors.CodeInternal, "comparison serialized to %T, expected an object", sanitized)
	}
	return out, nil
}

// SuggestControlMatches ranks untreated units by standardized feature
// distance for donor-pool construction.
func (r *Registry) SuggestControlMatches(p *panel.Panel, req matching.Request) (interface{}, error) {
	result, err := matching.SuggestControlMatches(p, req)
	if err != nil {
		return nil, err
	}
	sanitized := serialize.Sanitize(result)
	if err := serialize.Verify(sanitized); err != nil {
		return nil, errors.Wrap(err, "matching failed output verification")
	}
	return sanitized, nil
}
