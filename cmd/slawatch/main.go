// slawatch is a headless SLA monitoring agent for field-service
// opportunities: it periodically fetches the working set, classifies
// elapsed business time against per-status thresholds, and dispatches
// reminder and escalation notifications to chat webhooks.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"slawatch/internal/advisor"
	"slawatch/internal/agent"
	"slawatch/internal/config"
	"slawatch/internal/fetch"
	"slawatch/internal/logging"
	"slawatch/internal/notify"
	"slawatch/internal/store"
	syncdata "slawatch/internal/sync"
)

var (
	configPath string
	verbose    bool

	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "slawatch",
	Short: "slawatch - field-service SLA monitoring agent",
	Long: `slawatch watches field-service opportunities for SLA breaches.

Every tick it fetches the current opportunity set, measures elapsed
business time per order, and sends two tiers of notifications:
reminders to the owning organization's chat group and per-organization
escalations to the operations channel. Task state, run lineage and
runtime configuration live in a local SQLite database.`,
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
		logging.CloseAll()
	},
}

// app bundles the wired components commands operate on.
type app struct {
	cfg          *config.Config
	store        *store.Store
	strategy     *syncdata.Strategy
	router       *notify.Router
	orchestrator *agent.Orchestrator
}

func (a *app) close() {
	if a.store != nil {
		a.store.Close()
	}
}

func (a *app) settings() config.Settings {
	raw, err := a.store.SystemConfigs()
	if err != nil {
		logger.Warn("Could not read runtime settings, using defaults", zap.Error(err))
		return config.DefaultSettings()
	}
	return config.SettingsFromMap(raw)
}

// buildApp loads config, initializes logging, opens the store and
// wires every component.
func buildApp() (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	if err := logging.Initialize(cfg.DataDir, logging.Options{
		DebugMode:  verbose,
		Level:      cfg.Logging.Level,
		JSONFormat: cfg.Logging.Format == "json",
		Categories: cfg.Logging.Categories,
	}); err != nil {
		return nil, fmt.Errorf("failed to initialize logging: %w", err)
	}

	st, err := store.Open(cfg.DatabasePath())
	if err != nil {
		return nil, err
	}

	fetcher := fetch.NewMetabaseClient(
		cfg.Source.BaseURL, cfg.Source.Username, cfg.Source.Password,
		fetch.WithTimeout(cfg.GetSourceTimeout()),
		fetch.WithMaxRetries(cfg.Source.MaxRetries),
	)
	strategy := syncdata.NewStrategy(fetcher, st)
	router := notify.NewRouter(st, cfg.Notify.EscalationWebhookURL)
	sender := notify.NewHTTPSender(cfg.GetNotifyTimeout(), cfg.Notify.MaxRetries)

	var adv advisor.DecisionAdvisor
	if cfg.Advisor.Enabled {
		g, err := advisor.NewGemini(cfg.Advisor.APIKey, cfg.Advisor.Model, cfg.GetAdvisorTimeout())
		if err != nil {
			logger.Warn("Advisor disabled", zap.Error(err))
		} else {
			adv = g
		}
	}

	manager := notify.NewManager(st, router, sender, strategy, adv)
	orchestrator := agent.NewOrchestrator(st, strategy, manager, agent.NewRunTracker(st))

	return &app{
		cfg:          cfg,
		store:        st,
		strategy:     strategy,
		router:       router,
		orchestrator: orchestrator,
	}, nil
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the monitoring agent until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := buildApp()
		if err != nil {
			return err
		}
		defer a.close()

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		scheduler := agent.NewScheduler(a.orchestrator, func() time.Duration {
			return a.settings().ExecutionInterval
		})

		watcher, err := config.NewWatcher(configPath, func(cfg *config.Config) {
			// Runtime tunables live in system_config and are re-read
			// every tick; the file reload applies the escalation webhook
			// without a restart. Source credentials need a restart.
			a.router.SetEscalationWebhook(cfg.Notify.EscalationWebhookURL)
			logger.Info("Configuration file reloaded")
		})
		if err != nil {
			return err
		}

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			if err := scheduler.Start(gctx); err != nil {
				return err
			}
			<-gctx.Done()
			scheduler.Stop()
			return nil
		})
		g.Go(func() error {
			if err := watcher.Start(gctx); err != nil {
				return err
			}
			<-gctx.Done()
			watcher.Stop()
			return nil
		})

		logger.Info("slawatch serving",
			zap.String("db", a.cfg.DatabasePath()),
			zap.Duration("interval", a.settings().ExecutionInterval))

		immediate, _ := cmd.Flags().GetBool("immediate")
		if immediate {
			scheduler.TriggerNow()
		}

		if err := g.Wait(); err != nil && err != context.Canceled {
			return err
		}
		logger.Info("slawatch stopped", zap.Int("missed_ticks", scheduler.MissedTicks()))
		return nil
	},
}

var tickCmd = &cobra.Command{
	Use:   "tick",
	Short: "Run one tick immediately",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := buildApp()
		if err != nil {
			return err
		}
		defer a.close()

		dryRun, _ := cmd.Flags().GetBool("dry-run")
		result, err := a.orchestrator.Tick(cmd.Context(), "manual", dryRun)
		if err != nil {
			return err
		}

		fmt.Printf("Run %s: %s\n", result.RunID, result.Status)
		fmt.Printf("  processed:      %d\n", result.Processed)
		fmt.Printf("  reminder due:   %d\n", result.ReminderDue)
		fmt.Printf("  escalation due: %d\n", result.EscalationDue)
		if !dryRun {
			fmt.Printf("  sent:           %d\n", result.Sent)
			fmt.Printf("  failed:         %d\n", result.Failed)
			fmt.Printf("  in cooldown:    %d\n", result.Skipped)
		}
		for _, e := range result.Errors {
			fmt.Printf("  error: %s\n", e)
		}
		return nil
	},
}

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect and rebuild the opportunity cache",
}

var cacheRefreshCmd = &cobra.Command{
	Use:   "refresh",
	Short: "Fetch fresh data and rebuild the cache",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := buildApp()
		if err != nil {
			return err
		}
		defer a.close()

		deleted, inserted, err := a.strategy.RefreshCache(cmd.Context(), a.settings())
		if err != nil {
			return err
		}
		fmt.Printf("Cache refreshed: %d deleted, %d inserted\n", deleted, inserted)
		return nil
	},
}

var cacheValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Compare the cache against a fresh fetch",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := buildApp()
		if err != nil {
			return err
		}
		defer a.close()

		report, err := a.strategy.ValidateConsistency(cmd.Context())
		if err != nil {
			return err
		}
		state := "INCONSISTENT"
		if report.Consistent {
			state = "consistent"
		}
		fmt.Printf("Cache %s: cached=%d fresh=%d (checked %s)\n",
			state, report.CachedCount, report.FreshCount, report.CheckedAt.Format(time.RFC3339))
		return nil
	},
}

var groupsCmd = &cobra.Command{
	Use:   "groups",
	Short: "Manage per-organization chat group webhooks",
}

var groupsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List configured groups",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := buildApp()
		if err != nil {
			return err
		}
		defer a.close()

		groups, err := a.store.GroupConfigs()
		if err != nil {
			return err
		}
		if len(groups) == 0 {
			fmt.Println("No groups configured.")
			return nil
		}
		for _, g := range groups {
			state := "disabled"
			if g.Enabled {
				state = "enabled"
			}
			fmt.Printf("%-20s %-8s cooldown=%dm max/h=%d %s\n",
				g.OrgName, state, g.CooldownMinutes, g.MaxPerHour, g.WebhookURL)
		}
		return nil
	},
}

var groupsSetCmd = &cobra.Command{
	Use:   "set [org] [webhook-url]",
	Short: "Create or update an organization's webhook",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := buildApp()
		if err != nil {
			return err
		}
		defer a.close()

		name, _ := cmd.Flags().GetString("name")
		if err := a.store.UpsertGroupConfig(&store.GroupConfig{
			OrgName:    args[0],
			Name:       name,
			WebhookURL: args[1],
			Enabled:    true,
		}); err != nil {
			return err
		}
		fmt.Printf("Group %s updated.\n", args[0])
		return nil
	},
}

var groupsEnableCmd = &cobra.Command{
	Use:   "enable [org]",
	Short: "Enable an organization's group",
	Args:  cobra.ExactArgs(1),
	RunE:  func(cmd *cobra.Command, args []string) error { return toggleGroup(args[0], true) },
}

var groupsDisableCmd = &cobra.Command{
	Use:   "disable [org]",
	Short: "Disable an organization's group (reminders fall back to the ops webhook)",
	Args:  cobra.ExactArgs(1),
	RunE:  func(cmd *cobra.Command, args []string) error { return toggleGroup(args[0], false) },
}

func toggleGroup(org string, enabled bool) error {
	a, err := buildApp()
	if err != nil {
		return err
	}
	defer a.close()

	if err := a.store.SetGroupEnabled(org, enabled); err != nil {
		return err
	}
	state := "disabled"
	if enabled {
		state = "enabled"
	}
	fmt.Printf("Group %s %s.\n", org, state)
	return nil
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Read and write runtime settings",
}

var configGetCmd = &cobra.Command{
	Use:   "get [key]",
	Short: "Show runtime settings (all, or one key)",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := buildApp()
		if err != nil {
			return err
		}
		defer a.close()

		if len(args) == 1 {
			value, ok, err := a.store.SystemConfig(args[0])
			if err != nil {
				return err
			}
			if !ok {
				fmt.Printf("%s is unset (built-in default applies)\n", args[0])
				return nil
			}
			fmt.Printf("%s = %s\n", args[0], value)
			return nil
		}

		raw, err := a.store.SystemConfigs()
		if err != nil {
			return err
		}
		keys := make([]string, 0, len(raw))
		for k := range raw {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Printf("%s = %s\n", k, raw[k])
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set [key] [value]",
	Short: "Set a runtime setting (takes effect next tick)",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := buildApp()
		if err != nil {
			return err
		}
		defer a.close()

		if err := a.store.SetSystemConfig(args[0], args[1], ""); err != nil {
			return err
		}
		fmt.Printf("%s = %s\n", args[0], args[1])
		return nil
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show recent runs and store counters",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := buildApp()
		if err != nil {
			return err
		}
		defer a.close()

		limit, _ := cmd.Flags().GetInt("runs")
		runs, err := a.store.RecentRuns(limit)
		if err != nil {
			return err
		}
		cached, err := a.store.CacheCount()
		if err != nil {
			return err
		}
		pending, err := a.store.PendingTasks()
		if err != nil {
			return err
		}

		fmt.Printf("Cached opportunities: %d\n", cached)
		fmt.Printf("Pending tasks:        %d\n", len(pending))
		fmt.Printf("Recent runs:\n")
		if len(runs) == 0 {
			fmt.Println("  (none)")
			return nil
		}
		for _, r := range runs {
			end := "running"
			if r.EndTime != nil {
				end = r.EndTime.Sub(r.TriggerTime).Round(time.Millisecond).String()
			}
			fmt.Printf("  %s  %-9s processed=%-4d sent=%-3d errors=%d  %s\n",
				r.TriggerTime.Format("2006-01-02 15:04:05"), r.Status,
				r.OpportunitiesProcessed, r.NotificationsSent, len(r.Errors), end)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "slawatch.yaml", "path to config file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	serveCmd.Flags().Bool("immediate", false, "run one tick immediately instead of waiting a full interval")
	tickCmd.Flags().Bool("dry-run", false, "classify and report without creating or sending notifications")
	groupsSetCmd.Flags().String("name", "", "human-readable group name")
	statsCmd.Flags().Int("runs", 10, "number of recent runs to show")

	cacheCmd.AddCommand(cacheRefreshCmd, cacheValidateCmd)
	groupsCmd.AddCommand(groupsListCmd, groupsSetCmd, groupsEnableCmd, groupsDisableCmd)
	configCmd.AddCommand(configGetCmd, configSetCmd)
	rootCmd.AddCommand(serveCmd, tickCmd, cacheCmd, groupsCmd, configCmd, statsCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
