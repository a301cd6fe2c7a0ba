package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/panyun-fin/invoice-pipeline/internal/common"
	"github.com/panyun-fin/invoice-pipeline/internal/export"
	"github.com/panyun-fin/invoice-pipeline/internal/heal"
	"github.com/panyun-fin/invoice-pipeline/internal/ocr"
	"github.com/panyun-fin/invoice-pipeline/internal/pipeline"
	"github.com/panyun-fin/invoice-pipeline/internal/registry"
	"github.com/panyun-fin/invoice-pipeline/internal/rules"
	"github.com/panyun-fin/invoice-pipeline/internal/validate"
)

var (
	flagOutputDir  string
	flagWorkers    int
	flagSequential bool
	flagRules      string
	flagOverrides  string
	flagRegistry   string
	flagVerbose    bool
)

func main() {
	root := &cobra.Command{
		Use:           "invoice-pipeline",
		Short:         "Extract, validate and heal structured data from financial documents",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flagOutputDir, "output-dir", "", "directory for per-document artifacts")
	root.PersistentFlags().IntVar(&flagWorkers, "workers", 0, "worker count for concurrent mode")
	root.PersistentFlags().BoolVar(&flagSequential, "sequential", false, "force single-threaded processing")
	root.PersistentFlags().StringVar(&flagRules, "rules", "", "base rule pack path")
	root.PersistentFlags().StringVar(&flagOverrides, "overrides", "", "override rule pack path")
	root.PersistentFlags().StringVar(&flagRegistry, "registry", "", "company registry sqlite path")
	root.PersistentFlags().BoolVar(&flagVerbose, "verbose", false, "debug logging")

	root.AddCommand(newProcessCmd(), newValidateCmd(), newHealCmd(), newExportCmd())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := root.ExecuteContext(ctx); err != nil {
		slog.Error("command failed", "error", err)
		os.Exit(1)
	}
}

func setupLogger() *slog.Logger {
	level := slog.LevelInfo
	if flagVerbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				return slog.Attr{}
			}
			return a
		},
	}))
	slog.SetDefault(logger)
	return logger
}

// loadConfig merges env configuration with CLI flag overrides.
func loadConfig() *common.Config {
	cfg := common.LoadConfig()
	if flagOutputDir != "" {
		cfg.Pipeline.OutputDir = flagOutputDir
	}
	if flagWorkers > 0 {
		cfg.Pipeline.Workers = flagWorkers
	}
	if flagSequential {
		cfg.Pipeline.Sequential = true
	}
	if flagRules != "" {
		cfg.Rules.BasePath = flagRules
	}
	if flagOverrides != "" {
		cfg.Rules.OverridePath = flagOverrides
	}
	if flagRegistry != "" {
		cfg.Registry.DBPath = flagRegistry
	}
	return cfg
}

// loadRuleEngine builds the rule engine: base pack from disk when present,
// the built-in pack otherwise, plus the override pack when it exists.
func loadRuleEngine(cfg *common.Config, logger *slog.Logger) (*rules.Engine, error) {
	base, err := rules.LoadPack(cfg.Rules.BasePath)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
		base = rules.DefaultBasePack()
		logger.Debug("rules.base.builtin")
	}
	overrides, err := rules.LoadPack(cfg.Rules.OverridePath)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
		overrides = nil
	}
	return rules.NewEngine(base, overrides, logger)
}

func loadValidator(ctx context.Context, cfg *common.Config, logger *slog.Logger) (*validate.Validator, error) {
	var opts []validate.Option
	if cfg.Registry.DBPath != "" {
		db, err := registry.Open(cfg.Registry.DBPath)
		if err != nil {
			return nil, err
		}
		defer db.Close()
		companies, err := registry.LoadCompanies(ctx, db, logger)
		if err != nil {
			return nil, err
		}
		opts = append(opts, validate.WithCompanies(companies))
	}
	return validate.NewValidator(opts...)
}

type services struct {
	cfg       *common.Config
	engine    *rules.Engine
	validator *validate.Validator
	healer    *heal.Healer
	pipeline  *pipeline.Service
	recog     *ocr.Engine
	logger    *slog.Logger
}

func buildServices(ctx context.Context) (*services, error) {
	logger := setupLogger()
	cfg := loadConfig()

	engine, err := loadRuleEngine(cfg, logger)
	if err != nil {
		return nil, err
	}
	validator, err := loadValidator(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	healer := heal.NewHealer(engine, validator, logger)
	recog := ocr.NewEngine(cfg.OCR, nil, logger)
	svc := pipeline.NewService(cfg, recog, engine, validator, healer, logger)

	return &services{
		cfg:       cfg,
		engine:    engine,
		validator: validator,
		healer:    healer,
		pipeline:  svc,
		recog:     recog,
		logger:    logger,
	}, nil
}

func newProcessCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "process <path>",
		Short: "Process one document or every document in a directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := buildServices(cmd.Context())
			if err != nil {
				return err
			}
			defer s.recog.Close()

			summary, _, err := s.pipeline.Process(cmd.Context(), args[0], pipeline.Options{
				OutputDir:  s.cfg.Pipeline.OutputDir,
				Workers:    s.cfg.Pipeline.Workers,
				Sequential: s.cfg.Pipeline.Sequential,
			})
			if err != nil {
				return err
			}
			return printJSON(cmd, summary)
		},
	}
}

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <artifact-dir>",
		Short: "Re-validate previously extracted artifacts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := buildServices(cmd.Context())
			if err != nil {
				return err
			}
			results, texts, err := pipeline.LoadResults(args[0])
			if err != nil {
				return err
			}
			for i := range results {
				verdict := s.validator.Validate(results[i].DocType, results[i].Fields.Values(), texts[i])
				results[i].Status = verdict.Status
				results[i].Errors = verdict.Errors
				results[i].Warnings = verdict.Warnings
			}
			return printJSON(cmd, pipeline.Summarize("revalidate", results))
		},
	}
}

func newHealCmd() *cobra.Command {
	var apply bool
	cmd := &cobra.Command{
		Use:   "heal <path>",
		Short: "Process documents and emit rule or patch proposals for recurring failures",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := buildServices(cmd.Context())
			if err != nil {
				return err
			}
			defer s.recog.Close()

			if _, _, err := s.pipeline.Process(cmd.Context(), args[0], pipeline.Options{
				OutputDir:  s.cfg.Pipeline.OutputDir,
				Workers:    s.cfg.Pipeline.Workers,
				Sequential: s.cfg.Pipeline.Sequential,
			}); err != nil {
				return err
			}

			proposals := s.healer.Proposals()
			raw, err := json.MarshalIndent(proposals, "", "  ")
			if err != nil {
				return err
			}
			out := filepath.Join(s.cfg.Pipeline.OutputDir, "proposals.json")
			if err := os.WriteFile(out, raw, 0o644); err != nil {
				return err
			}
			s.logger.Info("heal.proposals.written",
				"path", out,
				"rules", len(proposals.Rules),
				"patches", len(proposals.Patches),
			)

			if apply && len(proposals.Rules) > 0 {
				if err := appendOverrides(s.cfg.Rules.OverridePath, proposals.Rules); err != nil {
					return err
				}
				s.logger.Info("heal.overrides.appended",
					"path", s.cfg.Rules.OverridePath,
					"rules", len(proposals.Rules),
				)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&apply, "apply", false, "append proposed rules to the override pack")
	return cmd
}

// appendOverrides adds proposed rules to the override pack on disk. Patch
// proposals are never applied here; they always go through a human.
func appendOverrides(path string, proposals []heal.RuleProposal) error {
	pack, err := rules.LoadPack(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return err
		}
		pack = &rules.Pack{}
	}
	for _, p := range proposals {
		pack.Rules = append(pack.Rules, p.Rule)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return rules.SavePack(path, pack)
}

func newExportCmd() *cobra.Command {
	var outFile string
	cmd := &cobra.Command{
		Use:   "export <artifact-dir>",
		Short: "Export a run's artifacts as an XLSX workbook",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := setupLogger()
			results, _, err := pipeline.LoadResults(args[0])
			if err != nil {
				return err
			}
			if len(results) == 0 {
				return fmt.Errorf("no artifacts under %s: %w", args[0], common.ErrNotFound)
			}
			summary := pipeline.Summarize("export", results)
			data, err := export.NewService(logger).ExportResultsXLSX(summary, results)
			if err != nil {
				return err
			}
			if outFile == "" {
				outFile = filepath.Join(args[0], "results.xlsx")
			}
			if err := os.WriteFile(outFile, data, 0o644); err != nil {
				return err
			}
			logger.Info("export.written", "path", outFile, "documents", len(results))
			return nil
		},
	}
	cmd.Flags().StringVar(&outFile, "out", "", "output .xlsx path")
	return cmd
}

func printJSON(cmd *cobra.Command, v any) error {
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(raw))
	return nil
}
