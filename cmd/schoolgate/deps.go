// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 SchoolGate Contributors

package main

import (
	"context"
	"net"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/schoolgate/schoolgate/internal/store"
)

// Database is the part of *pgxpool.Pool the commands use.
type Database interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
	Close()
}

// AutoMigrator is the part of *store.Migrator used at startup.
type AutoMigrator interface {
	Up() error
	Close() error
}

// CommonDeps are shared by every command that touches the database.
// All fields with nil values will use their default implementations.
type CommonDeps struct {
	// DatabaseOpener connects to the database.
	// Default: store.OpenPool
	DatabaseOpener func(ctx context.Context, url string, cfg store.PoolConfig) (Database, error)

	// MigratorFactory creates a migrator for the database URL.
	// Default: store.NewMigrator
	MigratorFactory func(url string) (AutoMigrator, error)
}

// ServeDeps contains injectable dependencies for the serve command.
type ServeDeps struct {
	CommonDeps

	// ListenerFactory creates the portal listener.
	// Default: net.Listen
	ListenerFactory func(network, address string) (net.Listener, error)
}

func (d *CommonDeps) applyDefaults() {
	if d.DatabaseOpener == nil {
		d.DatabaseOpener = func(ctx context.Context, url string, cfg store.PoolConfig) (Database, error) {
			return store.OpenPool(ctx, url, cfg)
		}
	}
	if d.MigratorFactory == nil {
		d.MigratorFactory = func(url string) (AutoMigrator, error) {
			return store.NewMigrator(url)
		}
	}
}

func (d *ServeDeps) applyDefaults() {
	d.CommonDeps.applyDefaults()
	if d.ListenerFactory == nil {
		d.ListenerFactory = net.Listen
	}
}
