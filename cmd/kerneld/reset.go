package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ocapkernel/kernel/internal/kernel"
)

func resetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Wipe a kernel's persisted state",
		Long:  "Delete every key the kernel's store holds, returning it to its pristine pre-boot state. Refuses to run against a store with any vat or remote currently attached in this process, which is never true for a standalone reset invocation, but is the same guard kernel.Kernel.Reset enforces for a long-running daemon.",
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
			if err := k.Reset(ctx); err != nil {
				return err
			}
			fmt.Println("kernel store reset")
			return nil
		},
	}
	return cmd
}
