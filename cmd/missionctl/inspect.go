package main

import (
	"fmt"
	"sort"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"missionctl/internal/config"
	"missionctl/internal/domain/state"
	"missionctl/internal/persist"
	"missionctl/internal/store"
)

var (
	green  = color.New(color.FgGreen).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
	red    = color.New(color.FgRed).SprintFunc()
	gray   = color.New(color.FgHiBlack).SprintFunc()
	bold   = color.New(color.Bold).SprintFunc()
)

// openStore loads persisted state for inspection commands. The store's
// single-writer lane makes concurrent reads against a running service
// safe; inspection never mutates.
func openStore(cfgFile string) (config.Config, *store.Store, func(), error) {
	cfg, err := loadConfig(cfgFile)
	if err != nil {
		return cfg, nil, nil, err
	}
	ps, err := persist.NewStore(cfg.StateRoot, nil)
	if err != nil {
		return cfg, nil, nil, stateErr(err)
	}
	audit, err := persist.NewAuditLog(cfg.StateRoot)
	if err != nil {
		return cfg, nil, nil, stateErr(err)
	}
	st, err := store.New(ps, audit, store.Options{Limits: cfg.BreakerLimits()})
	if err != nil {
		audit.Close()
		return cfg, nil, nil, stateErr(fmt.Errorf("load state: %w", err))
	}
	return cfg, st, func() { audit.Close() }, nil
}

func newStateCmd(cfgFile *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "state",
		Short: "Inspect persisted control-plane state",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "stats",
		Short: "Summarize missions, tasks and safety posture",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, st, closeStore, err := openStore(*cfgFile)
			if err != nil {
				return err
			}
			defer closeStore()

			stats := st.StoreStats()
			fmt.Printf("%s %s\n", bold("state root:"), cfg.StateRoot)
			fmt.Printf("%s v%d\n", bold("version:"), stats.Version)
			fmt.Printf("missions: %d  tasks: %d  agents: %d  artifacts: %d\n",
				stats.Missions, stats.Tasks, stats.Agents, stats.Artifacts)

			statuses := make([]state.MissionStatus, 0, len(stats.MissionsByStat))
			for status := range stats.MissionsByStat {
				statuses = append(statuses, status)
			}
			sort.Slice(statuses, func(i, j int) bool { return statuses[i] < statuses[j] })
			for _, status := range statuses {
				fmt.Printf("  %s %d\n", gray(string(status)+":"), stats.MissionsByStat[status])
			}

			if stats.PendingAppr > 0 {
				fmt.Printf("%s %d pending approvals\n", yellow("review:"), stats.PendingAppr)
			}
			armed := gray("disarmed")
			if stats.ArmedMode {
				armed = yellow("ARMED")
			}
			breakerState := green("closed")
			if stats.BreakerTripped {
				breakerState = red("TRIPPED")
			}
			fmt.Printf("armed mode: %s  circuit breaker: %s\n", armed, breakerState)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "snapshots",
		Short: "List recovery snapshots, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, st, closeStore, err := openStore(*cfgFile)
			if err != nil {
				return err
			}
			defer closeStore()

			snapshots, err := st.Persist().ListSnapshots()
			if err != nil {
				return stateErr(err)
			}
			if len(snapshots) == 0 {
				fmt.Println(gray("no snapshots yet"))
				return nil
			}
			for _, snap := range snapshots {
				fmt.Printf("%s  %s  %s\n",
					snap.CreatedAt.Format("2006-01-02 15:04:05"), bold(snap.ID), gray(snap.Label))
			}
			return nil
		},
	})

	return cmd
}

func newGraphCmd(cfgFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "graph <mission-id>",
		Short: "Render a mission's task DAG",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, st, closeStore, err := openStore(*cfgFile)
			if err != nil {
				return err
			}
			defer closeStore()

			mission, err := st.GetMission(args[0])
			if err != nil {
				return err
			}
			g, err := st.MissionGraph(mission.ID)
			if err != nil {
				return err
			}
			fmt.Printf("%s %s (%s)\n", bold(mission.ID), mission.Name, mission.Status)
			fmt.Print(g.Visualize())
			return nil
		},
	}
}
