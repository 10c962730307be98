package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ocapkernel/kernel/internal/kernel"
)

func inspectCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "Print run-queue depth and attached-endpoint counts",
		Long:  "Connect to the kernel's store and print its current run-queue stats as JSON. VatCount/RemoteCount reflect only endpoints attached within this process, so they always read zero here.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			ctx := context.Background()
			k, err := kernel.NewFromConfig(ctx, cfg)
			if err != nil {
				return fmt.Errorf("build kernel: %w", err)
			}
			stats, err := k.Stats(ctx)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(stats)
		},
	}
	return cmd
}
