package ports

import (
	"context"

	"portimpact/domain/causal"
	"portimpact/domain/core"
)

// AnalysisRun is one persisted analysis: the request shape and the
// JSON-safe result keyed by outcome.
type AnalysisRun struct {
	ID        core.AnalysisID        `json:"id"`
	Method    causal.Method          `json:"method"`
	Outcomes  []string               `json:"outcomes"`
	PanelFile string                 `json:"panel_file,omitempty"`
	Result    map[string]interface{} `json:"result"`
	Warnings  []string               `json:"warnings,omitempty"`
	CreatedAt core.Timestamp         `json:"created_at"`
}

// RunRepository persists completed analysis runs.
type RunRepository interface {
	EnsureSchema(ctx context.Context) error
	Save(ctx context.Context, run *AnalysisRun) error
	GetByID(ctx context.Context, id core.AnalysisID) (*AnalysisRun, error)
	ListByMethod(ctx context.Context, method causal.Method, limit int) ([]*AnalysisRun, error)
}
