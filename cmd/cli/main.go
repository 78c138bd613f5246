package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"portimpact/adapters/panelio"
	"portimpact/adapters/postgres"
	"portimpact/domain/causal"
	"portimpact/domain/core"
	"portimpact/internal"
	"portimpact/internal/config"
	"portimpact/internal/engine"
	"portimpact/internal/matching"
	"portimpact/ports"
)

func main() {
	// Missing .env is fine: configuration falls back to the environment.
	_ = godotenv.Load()

	rootCmd := &cobra.Command{
		Use:   "portimpact",
		Short: "Causal inference engine for regional economic shocks",
	}

	rootCmd.AddCommand(
		newRunCmd(),
		newRunsCmd(),
		newMatchCmd(),
		newMethodsCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRunCmd() *cobra.Command {
	var requestFile string
	var panelFile string
	var persist bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run an analysis described by a YAML request file",
		Long: `Run one estimation method over a panel file and print the JSON result.

Example: portimpact run --request analysis.yaml --panel municipios.csv`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAnalysis(cmd.Context(), requestFile, panelFile, persist)
		},
	}

	cmd.Flags().StringVar(&requestFile, "request", "", "Path to the YAML analysis request")
	cmd.Flags().StringVar(&panelFile, "panel", "", "Panel file path, overriding the request's panel_file")
	cmd.Flags().BoolVar(&persist, "persist", false, "Save the result to the configured database")
	_ = cmd.MarkFlagRequired("request")

	return cmd
}

func runAnalysis(ctx context.Context, requestFile, panelOverride string, persist bool) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := internal.NewLogger(internal.ParseLogLevel(cfg.Logging.Level))

	req, err := config.LoadRequest(requestFile)
	if err != nil {
		return err
	}
	panelFile := req.PanelFile
	if panelOverride != "" {
		panelFile = panelOverride
	}
	if panelFile == "" {
		return fmt.Errorf("no panel file: set panel_file in the request or pass --panel")
	}

	p, err := panelio.NewDataReader(panelFile).ReadPanel()
	if err != nil {
		return err
	}
	logger.Info("loaded panel: %d rows, %d units", p.Len(), len(p.Units()))

	registry := engine.NewRegistry(cfg.Features, logger)
	result, err := registry.Run(p, toEngineRequest(req))
	if err != nil {
		return err
	}

	if persist {
		if err := persistRun(ctx, cfg, req, panelFile, result); err != nil {
			return err
		}
		logger.Info("analysis run saved")
	}

	return printJSON(result)
}

func toEngineRequest(req *config.AnalysisRequest) engine.Request {
	out := engine.Request{
		Method:                 causal.Method(strings.ToLower(req.Method)),
		Outcomes:               req.Outcomes,
		Controls:               req.Controls,
		TreatedIDs:             req.TreatedIDs,
		TreatmentTime:          req.TreatmentTime,
		ClusterBy:              req.ClusterBy,
		PreWindow:              req.PreWindow,
		PostWindow:             req.PostWindow,
		Endogenous:             req.Endogenous,
		Instrument:             req.Instrument,
		AlternativeInstruments: req.AlternativeInstruments,
	}
	if req.EventWindow > 0 {
		out.PreWindow = req.EventWindow
		out.PostWindow = req.EventWindow
	}
	// Fixed effects default to on for panel IV.
	out.EntityEffects = req.EntityEffects == nil || *req.EntityEffects
	out.TimeEffects = req.TimeEffects == nil || *req.TimeEffects
	return out
}

func persistRun(ctx context.Context, cfg *config.Config, req *config.AnalysisRequest, panelFile string, result map[string]interface{}) error {
	if cfg.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required to persist results")
	}
	db, err := postgres.Connect(cfg.Database.URL)
	if err != nil {
		return err
	}
	defer db.Close()

	repo := postgres.NewRunRepository(db)
	if err := repo.EnsureSchema(ctx); err != nil {
		return err
	}
	return repo.Save(ctx, &ports.AnalysisRun{
		ID:        core.AnalysisID(core.NewID()),
		Method:    causal.Method(strings.ToLower(req.Method)),
		Outcomes:  req.Outcomes,
		PanelFile: panelFile,
		Result:    result,
		CreatedAt: core.Now(),
	})
}

func newRunsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Inspect persisted analysis runs",
	}
	cmd.AddCommand(newRunsGetCmd(), newRunsListCmd())
	return cmd
}

func newRunsGetCmd() *cobra.Command {
	var rawID string

	cmd := &cobra.Command{
		Use:   "get",
		Short: "Fetch one persisted run by id",
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := core.ParseAnalysisID(rawID)
			if err != nil {
				return err
			}
			return withRunRepository(func(ctx context.Context, repo ports.RunRepository) error {
				run, err := repo.GetByID(ctx, id)
				if err != nil {
					return err
				}
				return printJSON(run)
			})(cmd)
		},
	}

	cmd.Flags().StringVar(&rawID, "id", "", "Analysis run id")
	_ = cmd.MarkFlagRequired("id")

	return cmd
}

func newRunsListCmd() *cobra.Command {
	var method string
	var limit int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the most recent persisted runs for a method",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRunRepository(func(ctx context.Context, repo ports.RunRepository) error {
				runs, err := repo.ListByMethod(ctx, causal.Method(strings.ToLower(method)), limit)
				if err != nil {
					return err
				}
				return printJSON(runs)
			})(cmd)
		},
	}

	cmd.Flags().StringVar(&method, "method", "", "Estimation method")
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum number of runs")
	_ = cmd.MarkFlagRequired("method")

	return cmd
}

// withRunRepository opens the configured database and hands a ready
// repository to fn.
func withRunRepository(fn func(context.Context, ports.RunRepository) error) func(*cobra.Command) error {
	return func(cmd *cobra.Command) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		if cfg.Database.URL == "" {
			return fmt.Errorf("DATABASE_URL is required to read persisted runs")
		}
		db, err := postgres.Connect(cfg.Database.URL)
		if err != nil {
			return err
		}
		defer db.Close()
		return fn(cmd.Context(), postgres.NewRunRepository(db))
	}
}

func newMatchCmd() *cobra.Command {
	var panelFile string
	var treatedIDs []string
	var treatmentYear int
	var minYear int
	var topN int
	var features []string

	cmd := &cobra.Command{
		Use:   "match",
		Short: "Suggest control units by standardized feature distance",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			p, err := panelio.NewDataReader(panelFile).ReadPanel()
			if err != nil {
				return err
			}
			registry := engine.NewRegistry(cfg.Features, internal.NewLogger(internal.ParseLogLevel(cfg.Logging.Level)))
			result, err := registry.SuggestControlMatches(p, matching.Request{
				TreatedIDs:    treatedIDs,
				TreatmentYear: treatmentYear,
				MinYear:       minYear,
				TopN:          topN,
				Features:      features,
			})
			if err != nil {
				return err
			}
			return printJSON(result)
		},
	}

	cmd.Flags().StringVar(&panelFile, "panel", "", "Panel file path")
	cmd.Flags().StringSliceVar(&treatedIDs, "treated", nil, "Treated unit ids")
	cmd.Flags().IntVar(&treatmentYear, "treatment-year", 0, "First treated year")
	cmd.Flags().IntVar(&minYear, "min-year", 0, "Earliest pre-treatment year to average over")
	cmd.Flags().IntVar(&topN, "top", 10, "Number of matches to return")
	cmd.Flags().StringSliceVar(&features, "features", nil, "Feature columns (default: built-in economic profile)")
	_ = cmd.MarkFlagRequired("panel")
	_ = cmd.MarkFlagRequired("treated")
	_ = cmd.MarkFlagRequired("treatment-year")

	return cmd
}

func newMethodsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "methods",
		Short: "List the methods available under the current feature flags",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			registry := engine.NewRegistry(cfg.Features, nil)
			for _, m := range registry.AvailableMethods() {
				fmt.Println(m)
			}
			return nil
		},
	}
}

func printJSON(v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}
