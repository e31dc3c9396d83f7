package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ckoval7/challengectl/pkg/agent"
	"github.com/ckoval7/challengectl/pkg/config"
	"github.com/ckoval7/challengectl/pkg/log"
	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "challengectl-agent",
	Short:   "RF challenge runner agent",
	Version: version,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level, _ := cmd.Flags().GetString("log-level")
		logJSON, _ := cmd.Flags().GetBool("log-json")
		log.Init(log.Config{Level: level, JSONOutput: logJSON})
	},
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the agent",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfgPath, _ := cmd.Flags().GetString("config")
		cfg, err := config.LoadAgent(cfgPath)
		if err != nil {
			return err
		}

		a, err := agent.New(cfg)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return a.Run(ctx)
	},
}

func init() {
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")

	rootCmd.AddCommand(startCmd)
	startCmd.Flags().String("config", "/etc/challengectl/agent.yaml", "Agent config file")
}
