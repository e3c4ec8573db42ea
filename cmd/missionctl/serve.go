package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"missionctl/internal/config"
	"missionctl/internal/domain/state"
	"missionctl/internal/exec"
	"missionctl/internal/gate"
	"missionctl/internal/observability"
	"missionctl/internal/persist"
	"missionctl/internal/providers"
	"missionctl/internal/rate"
	"missionctl/internal/router"
	"missionctl/internal/selfheal"
	"missionctl/internal/server"
	"missionctl/internal/shared/logging"
	"missionctl/internal/store"
	"missionctl/internal/watchdog"
)

// loadConfig resolves the config file through viper (explicit flag, then
// missionctl.yaml in . or ~/.missionctl) and applies environment
// overrides for the state root and bind address.
func loadConfig(cfgFile string) (config.Config, error) {
	path := cfgFile
	if path == "" {
		if err := viper.ReadInConfig(); err == nil {
			path = viper.ConfigFileUsed()
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return cfg, configErr(err)
	}
	if root := viper.GetString("state_root"); root != "" {
		cfg.StateRoot = root
	}
	if host := viper.GetString("server_host"); host != "" {
		cfg.Server.Host = host
	}
	if port := viper.GetInt("server_port"); port != 0 {
		cfg.Server.Port = port
	}
	if err := cfg.Validate(); err != nil {
		return cfg, configErr(err)
	}
	return cfg, nil
}

// stack is the fully wired control plane.
type stack struct {
	cfg      config.Config
	store    *store.Store
	audit    *persist.AuditLog
	router   *router.Router
	watchdog *watchdog.Watchdog
	metrics  *observability.Metrics
	logger   logging.Logger
}

func buildStack(cfg config.Config) (*stack, error) {
	logger := logging.NewComponentLogger("missionctl")

	metrics, err := observability.New(cfg.Metrics)
	if err != nil {
		return nil, configErr(fmt.Errorf("metrics: %w", err))
	}

	ps, err := persist.NewStore(cfg.StateRoot, logger)
	if err != nil {
		return nil, stateErr(err)
	}
	audit, err := persist.NewAuditLog(cfg.StateRoot)
	if err != nil {
		return nil, stateErr(err)
	}
	st, err := store.New(ps, audit, store.Options{Limits: cfg.BreakerLimits(), Logger: logger})
	if err != nil {
		audit.Close()
		return nil, stateErr(fmt.Errorf("load state: %w", err))
	}

	rates := rate.NewLimiter(cfg.Providers, logger)
	costs := rate.NewCostTracker(cfg.ModelPrices)
	execMgr := exec.NewManager(st, costs, cfg.HeartbeatInterval.Std(), logger)
	registry := providers.NewRegistry(providers.DefaultDescriptors(), rates, logger)
	heal := selfheal.NewEngine(st, logger)

	wd := watchdog.New(st, execMgr, registry, logger)
	if err := registerObservers(wd, registry, cfg.Observers); err != nil {
		audit.Close()
		return nil, configErr(err)
	}

	rt := router.New(router.Deps{
		Store:             st,
		Delegation:        gate.NewDelegation(st, logger),
		Engine:            gate.NewEngine(st, rates, costs, logger),
		Exec:              execMgr,
		Heal:              heal,
		Watchdog:          wd,
		Providers:         registry,
		Rates:             rates,
		Costs:             costs,
		Logger:            logger,
		HeartbeatInterval: cfg.HeartbeatInterval.Std(),
		Observe: func(tool, outcome string, elapsed time.Duration) {
			metrics.RecordDispatch(context.Background(), tool, outcome, elapsed)
		},
	})

	return &stack{
		cfg:      cfg,
		store:    st,
		audit:    audit,
		router:   rt,
		watchdog: wd,
		metrics:  metrics,
		logger:   logger,
	}, nil
}

// registerObservers wires one quota observer per provider and applies
// file overrides by source name. Unknown sources in the file are a
// config error rather than a silent no-op.
func registerObservers(wd *watchdog.Watchdog, registry *providers.Registry, overrides []config.ObserverSettings) error {
	for _, name := range registry.Names() {
		cfg := watchdog.ObserverConfig{
			Source:       name + "_quota",
			Threshold:    0.8,
			PollInterval: time.Minute,
			Enabled:      true,
			MissionTemplate: watchdogMissionTemplate(
				fmt.Sprintf("%s quota pressure", name)),
			Signal: watchdog.QuotaSignal(registry, name),
		}
		if err := wd.Register(cfg); err != nil {
			return err
		}
	}

	for _, o := range overrides {
		cfg, ok := wd.Config(o.Source)
		if !ok {
			return fmt.Errorf("observer %s is not a known signal source", o.Source)
		}
		if o.Threshold > 0 {
			cfg.Threshold = o.Threshold
		}
		if o.PollInterval > 0 {
			cfg.PollInterval = o.PollInterval.Std()
		}
		if o.Enabled != nil {
			cfg.Enabled = *o.Enabled
		}
		if err := wd.Register(cfg); err != nil {
			return err
		}
	}
	return nil
}

// watchdogMissionTemplate is the mission the quota observers file on a
// breach: low-risk maintenance that a recipe agent may pick up.
func watchdogMissionTemplate(name string) state.Mission {
	return state.Mission{
		Name:         name,
		MissionClass: state.ClassMaintenance,
		Contract: state.Contract{
			RequiredArtifacts: []string{state.ArtifactVerificationReport},
			RiskLevel:         state.RiskLow,
			TriggerSource:     state.TriggerWatchdog,
		},
		ExecutionAuthority: state.AuthorityClaudeCode,
		ExecutionMode:      state.ModeRecipeOnly,
	}
}

func newServeCmd(cfgFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the control-plane service",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*cfgFile)
			if err != nil {
				return err
			}
			s, err := buildStack(cfg)
			if err != nil {
				return err
			}
			defer s.audit.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			// Reconcile before accepting calls: workers reconnecting after
			// a restart must see resolved state, not raced reconciliation.
			report, err := s.router.Resume(ctx)
			if err != nil {
				return stateErr(fmt.Errorf("resume: %w", err))
			}
			s.logger.Info("resume complete: %d missions seen, %d ambiguous",
				report.MissionsSeen, len(report.Ambiguous))

			if err := s.watchdog.Start(ctx, s.cfg.HeartbeatInterval.Std()); err != nil {
				return stateErr(fmt.Errorf("start watchdog: %w", err))
			}
			defer s.watchdog.Stop()

			srv := server.New(s.cfg.ServerConfig(), s.router, s.store, s.metrics, s.logger)
			return srv.Run(ctx)
		},
	}
}
