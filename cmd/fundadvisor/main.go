package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"fundadvisor/internal/advisor"
	"fundadvisor/internal/config"
	"fundadvisor/internal/consensus"
	"fundadvisor/internal/format"
	"fundadvisor/internal/handoff"
	"fundadvisor/internal/intake"
	"fundadvisor/internal/llm"
	"fundadvisor/internal/panel"
	"fundadvisor/internal/store"
	"fundadvisor/internal/types"
)

const version = "0.3.0"

var (
	// Global flags
	verbose    bool
	configPath string

	// Process flags
	requestPath string
	fundPath    string
	offline     bool

	// Clarify flags
	clarifyPath string
	profilePath string

	logger *zap.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "fundadvisor",
	Short: "Donor-advised fund allocation advisor",
	Long: `fundadvisor evaluates donor allocation requests through a panel of
concurrent evaluators (financial fit, risk, meta-cognition) and a bounded
consensus negotiation, then formats the outcome for the donor and for
operators.

Every decision is recorded with its full audit trail; ambiguous or
low-confidence cases are escalated to human review rather than guessed.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		zcfg := zap.NewProductionConfig()
		if verbose {
			zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zcfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

// processCmd submits and decides one allocation request
var processCmd = &cobra.Command{
	Use:   "process",
	Short: "Submit an allocation request and run it to a decision",
	Long: `Reads an allocation request and a fund snapshot from JSON files,
records the request, runs the consensus process, and prints the donor-facing
outcome. With --verbose the operator view (scores, votes, rounds, audit
trail) is printed as JSON on stderr.

With --offline, decisions are made from the deterministic evaluators alone.
Without --offline a reasoning API key is required; if none is configured the
request is recorded but not evaluated.

Example:
  fundadvisor process --request request.json --fund fund.json`,
	RunE: runProcess,
}

// clarifyCmd answers a clarification question from a stored donor profile
var clarifyCmd = &cobra.Command{
	Use:   "clarify",
	Short: "Answer a clarification request from a donor profile",
	Long: `Reads a clarification request and a donor profile from JSON files and
prints the inferred answer with its confidence and source. This is the same
inference ladder the advisor uses to avoid interrupting the donor.

Example:
  fundadvisor clarify --request question.json --profile profile.json`,
	RunE: runClarify,
}

// versionCmd prints the build version
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the fundadvisor version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("fundadvisor %s\n", version)
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to config file (default: built-in defaults plus env)")

	processCmd.Flags().StringVar(&requestPath, "request", "", "Path to the allocation request JSON (required)")
	processCmd.Flags().StringVar(&fundPath, "fund", "", "Path to the fund state JSON (required)")
	processCmd.Flags().BoolVar(&offline, "offline", false, "Skip the LLM reasoning layer")
	processCmd.MarkFlagRequired("request")
	processCmd.MarkFlagRequired("fund")

	clarifyCmd.Flags().StringVar(&clarifyPath, "request", "", "Path to the clarification request JSON (required)")
	clarifyCmd.Flags().StringVar(&profilePath, "profile", "", "Path to the donor profile JSON (required)")
	clarifyCmd.MarkFlagRequired("request")
	clarifyCmd.MarkFlagRequired("profile")

	rootCmd.AddCommand(processCmd)
	rootCmd.AddCommand(clarifyCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// newEngine builds the evaluator panel and consensus engine from one config
// snapshot. Without a reasoning client, decisions run only when --offline
// makes the deterministic-only mode explicit; otherwise the engine stays nil
// and the service reports that it cannot evaluate rather than silently
// degrading.
func newEngine(cfg *config.Config, reasoning llm.Client) (*consensus.Engine, error) {
	if reasoning == nil && !offline {
		logger.Warn("no reasoning API key configured and --offline not set, requests will not be evaluated")
		return nil, nil
	}
	roundTimeout, err := cfg.Consensus.RoundTimeoutDuration()
	if err != nil {
		return nil, err
	}
	pnl := panel.New(panel.Options{
		MinFitScore:      cfg.Consensus.MinFitScore,
		MaxAggregateRisk: cfg.Consensus.MaxAggregateRisk,
		RiskLimits:       cfg.Risk,
		RoundTimeout:     roundTimeout,
		Reasoning:        reasoning,
		Logger:           logger,
	})
	return consensus.New(pnl, consensus.Policy{
		MaxRounds:            cfg.Consensus.MaxRounds,
		MinFitScore:          cfg.Consensus.MinFitScore,
		MaxAggregateRisk:     cfg.Consensus.MaxAggregateRisk,
		MinConfidence:        cfg.Consensus.MinConfidence,
		LiquidityCapFraction: cfg.Consensus.LiquidityCapFraction,
	}, logger), nil
}

// buildService assembles the full stack from configuration. When a config
// file path was given, a watcher keeps the engine's policy snapshot in sync
// with it; edits take effect for runs that start after the reload. The
// returned cleanup stops the watcher and closes the store.
func buildService(ctx context.Context, cfg *config.Config) (*advisor.Service, func(), error) {
	st, err := store.NewStore(cfg.Storage.DatabasePath, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("open store: %w", err)
	}

	llmTimeout, err := cfg.LLM.TimeoutDuration()
	if err != nil {
		st.Close()
		return nil, nil, err
	}

	var reasoning llm.Client
	if !offline && cfg.LLM.APIKey != "" {
		client, err := llm.NewGeminiClient(ctx, llm.GeminiConfig{
			APIKey:  cfg.LLM.APIKey,
			Model:   cfg.LLM.Model,
			Timeout: llmTimeout,
		})
		if err != nil {
			st.Close()
			return nil, nil, fmt.Errorf("reasoning client: %w", err)
		}
		reasoning = client
	}

	fund, err := advisor.LoadFundState(fundPath)
	if err != nil {
		st.Close()
		return nil, nil, err
	}

	engine, err := newEngine(cfg, reasoning)
	if err != nil {
		st.Close()
		return nil, nil, err
	}

	svc := advisor.NewService(advisor.Options{
		Intake:    intake.New(st, cfg.Fund.VaultAddress, logger),
		Channel:   handoff.NewChannel(st, st, logger),
		Engine:    engine,
		Formatter: format.New(reasoning, cfg.Fund.TokenSymbol, cfg.Fund.TokenDecimals, logger),
		Fund:      &advisor.StaticFundProvider{State: fund},
		Config:    cfg,
		Logger:    logger,
	})

	var watcher *config.Watcher
	if configPath != "" {
		watcher, err = config.NewWatcher(configPath, func(next *config.Config) {
			nextEngine, err := newEngine(next, reasoning)
			if err != nil {
				logger.Warn("reloaded config rejected, keeping current policy", zap.Error(err))
				return
			}
			svc.ApplyConfig(next, nextEngine)
		}, logger)
		if err == nil {
			err = watcher.Start()
		}
		if err != nil {
			// Reload is a convenience; the service still runs on the
			// startup config.
			logger.Warn("config watcher unavailable", zap.Error(err))
			watcher = nil
		}
	}

	cleanup := func() {
		if watcher != nil {
			_ = watcher.Stop()
		}
		st.Close()
	}
	return svc, cleanup, nil
}

func runProcess(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("Received shutdown signal")
		cancel()
	}()

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	data, err := os.ReadFile(requestPath)
	if err != nil {
		return fmt.Errorf("read request %s: %w", requestPath, err)
	}
	var req types.AllocationRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return fmt.Errorf("parse request %s: %w", requestPath, err)
	}

	svc, cleanup, err := buildService(ctx, cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	recorded, err := svc.SubmitAllocationRequest(ctx, req)
	if err != nil {
		return fmt.Errorf("request rejected at intake: %w", err)
	}
	logger.Info("Request recorded", zap.String("request_id", recorded.ID))

	result, err := svc.ProcessAllocationRequest(ctx, recorded.ID)
	if errors.Is(err, types.ErrConfigurationUnavailable) {
		fmt.Println("The allocation system is not able to evaluate requests right now. Your request has been recorded and no decision has been made.")
		return nil
	}
	if err != nil {
		return err
	}

	fmt.Println(svc.FormatDecisionForUser(ctx, result, recorded))

	if verbose {
		rendered, err := svc.RenderOperatorDecision(result, recorded)
		if err != nil {
			return err
		}
		fmt.Fprintln(os.Stderr, rendered)
	}
	return nil
}

func runClarify(cmd *cobra.Command, args []string) error {
	reqData, err := os.ReadFile(clarifyPath)
	if err != nil {
		return fmt.Errorf("read clarification request %s: %w", clarifyPath, err)
	}
	var req types.ClarificationRequestPayload
	if err := json.Unmarshal(reqData, &req); err != nil {
		return fmt.Errorf("parse clarification request %s: %w", clarifyPath, err)
	}

	profData, err := os.ReadFile(profilePath)
	if err != nil {
		return fmt.Errorf("read profile %s: %w", profilePath, err)
	}
	var profile handoff.UserProfile
	if err := json.Unmarshal(profData, &profile); err != nil {
		return fmt.Errorf("parse profile %s: %w", profilePath, err)
	}

	resp := handoff.HandleClarificationRequest(req, profile)
	out, err := json.MarshalIndent(resp, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
