package main

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/drover-dev/drover/internal/config"
	"github.com/drover-dev/drover/internal/provider"
	"github.com/drover-dev/drover/internal/rotator"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check every configured provider is reachable",
	RunE:  runValidate,
}

func runValidate(cmd *cobra.Command, args []string) error {
	cwd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("get working directory: %w", err)
	}

	provCfg, err := config.LoadProviders(cwd)
	if err != nil {
		return err
	}
	creds, err := rotator.FromEnv()
	if err != nil {
		creds = nil
	}

	pool, err := provider.FromConfig(provCfg, creds, nil)
	if err != nil {
		return err
	}

	green := color.New(color.FgGreen)
	red := color.New(color.FgRed)

	results := pool.ValidateAll(cmd.Context())
	failed := 0
	for _, entry := range provCfg.Enabled() {
		if err := results[entry.Name]; err != nil {
			red.Printf("  ✗ %-10s %v\n", entry.Name, err)
			failed++
		} else {
			green.Printf("  ✓ %-10s ok\n", entry.Name)
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d provider(s) failed validation", failed)
	}
	return nil
}
