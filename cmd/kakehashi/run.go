package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/okanishi/kakehashi/internal/daemon"
	"github.com/okanishi/kakehashi/internal/daemon/components"

	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the synchronization daemon",
	Long:  `Starts kakehashi as a long-running service: webhook listener, scheduled polls, token refresh and subscription renewal, all under component lifecycle orchestration.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if cfg == nil {
			return fmt.Errorf("config not loaded")
		}

		daemonMgr, err := daemon.NewDaemon(cfg)
		if err != nil {
			return fmt.Errorf("failed to create daemon manager: %w", err)
		}

		stateComp := components.NewStateComponent(cfg)
		busComp := components.NewBusComponent(cfg)
		adaptersComp := components.NewAdaptersComponent(cfg, stateComp, busComp)
		webhookComp := components.NewWebhookComponent(cfg, adaptersComp)
		engineComp := components.NewEngineComponent(cfg, stateComp, adaptersComp)
		deliveryComp := components.NewDeliveryComponent(busComp, adaptersComp)

		daemonMgr.AddComponent(stateComp)
		daemonMgr.AddComponent(busComp)
		daemonMgr.AddComponent(adaptersComp)
		daemonMgr.AddComponent(webhookComp)
		daemonMgr.AddComponent(engineComp)
		daemonMgr.AddComponent(deliveryComp)

		slog.Info("Kakehashi daemon starting up...", "port", cfg.Server.Port)
		err = daemonMgr.Start(context.Background())
		if err != nil {
			// Cancellation via signal/context is a graceful shutdown case for CLI.
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				slog.Info("Kakehashi daemon stopped gracefully")
				return nil
			}
			return fmt.Errorf("daemon failed: %w", err)
		}

		slog.Info("Kakehashi daemon stopped gracefully")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
}
