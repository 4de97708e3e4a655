package main

import (
	"fmt"

	"github.com/a2y-d5l/procpool/internal/config"
	"github.com/spf13/cobra"
)

func buildStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print the resolved pool configuration and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			fmt.Printf("command:    %s %v\n", cfg.Command.Shell, cfg.Command.Args)
			fmt.Printf("pool size:  min=%d max=%d reserve=%d\n", cfg.Pool.MinSize, cfg.Pool.MaxSize, cfg.Pool.ReserveSize)
			fmt.Printf("keep-alive: %s\n", cfg.Pool.KeepAliveTimeout)
			fmt.Printf("metrics:    enabled=%v addr=%s\n", cfg.Metrics.Enabled, cfg.Metrics.Addr)
			return nil
		},
	}
}
