// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 SchoolGate Contributors

package main

import (
	"bufio"
	"strings"

	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/schoolgate/schoolgate/internal/auth"
	"github.com/schoolgate/schoolgate/internal/config"
)

// NewHashPasswordCmd creates the hash-password subcommand. It reads one
// password per line from stdin so passwords stay out of shell history.
func NewHashPasswordCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "hash-password",
		Short: "Hash passwords read from stdin",
		Long: `Read passwords from stdin, one per line, and print an argon2id hash for
each, using the configured cost parameters. Useful for seeding accounts.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			return runHashPassword(cfg, cmd)
		},
	}
	config.RegisterFlags(cmd.Flags())
	return cmd
}

func runHashPassword(cfg *config.Config, cmd *cobra.Command) error {
	hasher := auth.NewArgon2idHasherWithParams(cfg.Argon2Params())

	scanner := bufio.NewScanner(cmd.InOrStdin())
	line := 0
	for scanner.Scan() {
		line++
		password := strings.TrimRight(scanner.Text(), "\r")
		if password == "" {
			continue
		}
		if len(password) < cfg.Password.MinLength {
			return oops.Code(auth.CodePasswordTooShort).
				With("line", line).
				With("min_length", cfg.Password.MinLength).
				Errorf("password on line %d is shorter than %d characters", line, cfg.Password.MinLength)
		}
		hash, err := hasher.Hash(password)
		if err != nil {
			return err
		}
		cmd.Println(hash)
	}
	if err := scanner.Err(); err != nil {
		return oops.Code("INPUT_READ_FAILED").Wrap(err)
	}
	return nil
}
