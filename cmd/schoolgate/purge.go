// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 SchoolGate Contributors

package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/schoolgate/schoolgate/internal/config"
)

// NewPurgeExpiredCmd creates the purge-expired subcommand.
func NewPurgeExpiredCmd() *cobra.Command {
	return newPurgeExpiredCmd(nil)
}

func newPurgeExpiredCmd(deps *CommonDeps) *cobra.Command {
	if deps == nil {
		deps = &CommonDeps{}
	}
	deps.applyDefaults()

	cmd := &cobra.Command{
		Use:   "purge-expired",
		Short: "Delete expired sessions and tokens",
		Long: `Delete expired sessions, remember-me tokens and password reset tokens.
Expired credentials are already rejected; this only reclaims space.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			return runPurgeExpired(cmd.Context(), cfg, cmd, deps)
		},
	}
	config.RegisterFlags(cmd.Flags())
	return cmd
}

func runPurgeExpired(ctx context.Context, cfg *config.Config, cmd *cobra.Command, deps *CommonDeps) error {
	if ctx == nil {
		ctx = context.Background()
	}
	logger, err := setupLogging(cfg, cmd)
	if err != nil {
		return err
	}

	db, err := openDatabase(ctx, cfg, deps, logger, false)
	if err != nil {
		return err
	}
	defer db.Close()

	svc, err := newAuthService(cfg, db, logger)
	if err != nil {
		return err
	}

	sessions, tokens, err := svc.PurgeExpired(ctx)
	if err != nil {
		return err
	}
	logger.Info("purged expired credentials", "sessions", sessions, "tokens", tokens)
	cmd.Printf("Purged %d session(s) and %d token(s)\n", sessions, tokens)
	return nil
}
