package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/drover-dev/drover/internal/claims"
	"github.com/drover-dev/drover/internal/config"
	"github.com/drover-dev/drover/internal/gitsync"
	"github.com/drover-dev/drover/internal/lockfile"
	"github.com/drover-dev/drover/internal/logging"
	"github.com/drover-dev/drover/internal/orchestrator"
	"github.com/drover-dev/drover/internal/provider"
	"github.com/drover-dev/drover/internal/rotator"
	"github.com/drover-dev/drover/internal/state"
	"github.com/drover-dev/drover/internal/tracker"
)

var (
	flagConcurrency int
	flagMaxRounds   int
	flagProvider    string
	flagRepo        string
	flagNoPush      bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run rounds of parallel sessions over the backlog",
	Long: `Run claims open issues and works them with parallel agent sessions.

Each round launches up to --concurrency sessions. A session claims one
issue, executes it through the provider pool, health-checks the result,
commits and pushes real work, and releases the claim. The run stops
when rounds stay unproductive, the round budget is reached, or on
Ctrl-C.`,
	RunE: runRun,
}

func init() {
	runCmd.Flags().IntVarP(&flagConcurrency, "concurrency", "c", 0, "Parallel sessions per round (default from config)")
	runCmd.Flags().IntVarP(&flagMaxRounds, "max-rounds", "r", -1, "Maximum rounds, 0 = unlimited (default from config)")
	runCmd.Flags().StringVarP(&flagProvider, "provider", "p", "", "Prefer a named provider")
	runCmd.Flags().StringVar(&flagRepo, "repo", "", "Tracker repository as owner/name (default from config)")
	runCmd.Flags().BoolVar(&flagNoPush, "no-push", false, "Commit locally without pushing")
}

func runRun(cmd *cobra.Command, args []string) error {
	cwd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("get working directory: %w", err)
	}

	cfg, err := config.Load(cwd)
	if err != nil {
		return err
	}
	if flagConcurrency > 0 {
		cfg.Run.Concurrency = flagConcurrency
	}
	if flagMaxRounds >= 0 {
		cfg.Run.MaxRounds = flagMaxRounds
	}
	if flagRepo != "" {
		cfg.Repo = flagRepo
	}
	if flagNoPush {
		cfg.Git.AutoPush = false
	}
	if cfg.Repo == "" {
		return errors.New("no repository configured (set repo in .drover/config.yaml or pass --repo owner/name)")
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	deps, failover, err := buildDeps(ctx, cwd, cfg)
	if err != nil {
		return err
	}
	if deps.DB != nil {
		defer deps.DB.Close()
	}

	orch := orchestrator.New(*deps, cfg.Run, failover,
		orchestrator.WithPreferredProvider(flagProvider))

	report, err := orch.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	printReport(report)
	return nil
}

// buildDeps wires the orchestrator's collaborators from configuration.
func buildDeps(ctx context.Context, cwd string, cfg *config.Config) (*orchestrator.Deps, config.FailoverConfig, error) {
	log := logging.Named("setup")
	droverDir := filepath.Join(cwd, ".drover")

	provCfg, err := config.LoadProviders(cwd)
	if err != nil {
		return nil, config.FailoverConfig{}, err
	}

	creds, err := rotator.FromEnv()
	if err != nil {
		// Subprocess providers carry their own credentials; only the
		// SDK-backed ones need the rotator.
		for _, entry := range provCfg.Enabled() {
			if entry.Command == "" {
				return nil, config.FailoverConfig{}, err
			}
		}
		log.Debugw("no agent credentials configured, SDK providers unavailable")
	} else if err := creds.SyncEnv(); err != nil {
		return nil, config.FailoverConfig{}, err
	}

	pool, err := provider.FromConfig(provCfg, creds, nil)
	if err != nil {
		return nil, config.FailoverConfig{}, err
	}

	source, err := tracker.NewGitHubSource(ctx, cfg.Repo, cfg.GitHub.Token)
	if err != nil {
		return nil, config.FailoverConfig{}, err
	}

	store := claims.NewStore(filepath.Join(droverDir, "claims.json"))
	claimLock := lockfile.New(filepath.Join(droverDir, "claims.lock"))
	manager := claims.NewManager(store, claimLock, source,
		claims.WithTTL(cfg.Claims.TTL),
		claims.WithDeprioritizeThreshold(cfg.Claims.DeprioritizeThreshold))

	gitRunner := gitsync.NewRunner(cwd)
	gitLock := lockfile.New(filepath.Join(droverDir, "git.lock"))
	serializer := gitsync.NewSerializer(gitRunner, gitLock, cfg.Git.Branch, cfg.Git.AutoPush)

	db, err := state.OpenProject(cwd)
	if err != nil {
		return nil, config.FailoverConfig{}, err
	}
	if err := db.Migrate(); err != nil {
		db.Close()
		return nil, config.FailoverConfig{}, err
	}

	return &orchestrator.Deps{
		Claims:  manager,
		Pool:    pool,
		Tracker: source,
		Git:     gitRunner,
		Sync:    serializer,
		Creds:   creds,
		DB:      db,
		WorkDir: cwd,
	}, provCfg.Failover, nil
}

func printReport(r *orchestrator.Report) {
	bold := color.New(color.Bold)
	green := color.New(color.FgGreen)
	red := color.New(color.FgRed)
	yellow := color.New(color.FgYellow)

	bold.Println("\nRun summary")
	fmt.Printf("  rounds:    %d\n", r.Rounds)
	fmt.Printf("  sessions:  %d\n", r.Sessions)
	green.Printf("  completed: %d\n", r.Completed)
	if r.Failed > 0 {
		red.Printf("  failed:    %d\n", r.Failed)
	}
	if r.Unproductive > 0 {
		yellow.Printf("  unproductive: %d\n", r.Unproductive)
	}
	if r.Blocked > 0 {
		yellow.Printf("  blocked:   %d\n", r.Blocked)
	}
	fmt.Printf("  halted:    %s\n", r.HaltReason)
}
