// missionctl is the mission-control service binary: `serve` runs the
// HTTP control plane, the remaining commands inspect persisted state
// from the shell.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Exit codes: 0 clean, 1 unusable persisted state, 2 bad configuration.
const (
	exitOK     = 0
	exitState  = 1
	exitConfig = 2
)

type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func stateErr(err error) error  { return &exitError{code: exitState, err: err} }
func configErr(err error) error { return &exitError{code: exitConfig, err: err} }

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "missionctl: %v\n", err)
		var ee *exitError
		if errors.As(err, &ee) {
			os.Exit(ee.code)
		}
		os.Exit(exitState)
	}
	os.Exit(exitOK)
}

func newRootCmd() *cobra.Command {
	var cfgFile string

	rootCmd := &cobra.Command{
		Use:           "missionctl",
		Short:         "Mission control plane for agent worktrees",
		Long:          "missionctl owns mission state, contracts, execution gates and the audit trail.\nWorkers and desktops talk to it over the RPC surface; this binary also inspects\npersisted state directly.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default: missionctl.yaml in . or ~/.missionctl)")

	rootCmd.AddCommand(newServeCmd(&cfgFile))
	rootCmd.AddCommand(newStateCmd(&cfgFile))
	rootCmd.AddCommand(newGraphCmd(&cfgFile))
	rootCmd.AddCommand(newVersionCmd())

	viper.SetConfigName("missionctl")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("$HOME/.missionctl")
	viper.AddConfigPath(".")
	viper.SetEnvPrefix("MISSIONCTL")
	viper.AutomaticEnv()

	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("missionctl", version)
		},
	}
}

const version = "0.3.0"
