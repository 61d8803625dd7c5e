// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 SchoolGate Contributors

package main

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/schoolgate/schoolgate/internal/store"
)

type fakeAutoMigrator struct {
	upErr       error
	upCalled    bool
	closeCalled bool
}

func (m *fakeAutoMigrator) Up() error {
	m.upCalled = true
	return m.upErr
}

func (m *fakeAutoMigrator) Close() error {
	m.closeCalled = true
	return nil
}

func TestServe_StartsAndShutsDown(t *testing.T) {
	t.Setenv(autoMigrateEnv, "")
	mock := newMockDatabase(t)
	mock.ExpectClose()
	migrator := &fakeAutoMigrator{}

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	cfg := testConfig(t, "--database.url", testDatabaseURL, "--metrics.addr", "")
	cmd, buf := testCommand(t)
	deps := &ServeDeps{
		CommonDeps: mockDeps(mock, migrator),
		ListenerFactory: func(string, string) (net.Listener, error) {
			return listener, nil
		},
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- runServeWithDeps(ctx, cfg, cmd, deps) }()

	client := &http.Client{
		Timeout: 5 * time.Second,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	resp, err := client.Get("http://" + listener.Addr().String() + "/login")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "view: login")

	resp, err = client.Get("http://" + listener.Addr().String() + "/teacher/dashboard")
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	assert.Equal(t, http.StatusSeeOther, resp.StatusCode)
	assert.Equal(t, "/login", resp.Header.Get("Location"))

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("serve did not shut down")
	}

	assert.True(t, migrator.upCalled)
	assert.True(t, migrator.closeCalled)
	assert.Contains(t, buf.String(), "SchoolGate listening on "+listener.Addr().String())
}

func TestServe_SkipsMigrationWhenDisabled(t *testing.T) {
	t.Setenv(autoMigrateEnv, "false")
	assert.False(t, autoMigrateEnabled())

	t.Setenv(autoMigrateEnv, "not-a-bool")
	assert.True(t, autoMigrateEnabled())

	t.Setenv(autoMigrateEnv, "")
	assert.True(t, autoMigrateEnabled())
}

func TestServe_MigrationFailureClosesDatabase(t *testing.T) {
	t.Setenv(autoMigrateEnv, "true")
	mock := newMockDatabase(t)
	mock.ExpectClose()
	migrator := &fakeAutoMigrator{upErr: errors.New("schema error")}

	cfg := testConfig(t, "--database.url", testDatabaseURL, "--metrics.addr", "")
	cmd, _ := testCommand(t)
	deps := &ServeDeps{
		CommonDeps: mockDeps(mock, migrator),
		ListenerFactory: func(string, string) (net.Listener, error) {
			t.Fatal("listener must not be created")
			return nil, nil
		},
	}

	err := runServeWithDeps(context.Background(), cfg, cmd, deps)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "schema error")
	assert.True(t, migrator.closeCalled)
}

func TestServe_DatabaseUnavailable(t *testing.T) {
	cfg := testConfig(t, "--database.url", testDatabaseURL, "--metrics.addr", "")
	cmd, _ := testCommand(t)
	deps := &ServeDeps{
		CommonDeps: CommonDeps{
			DatabaseOpener: func(context.Context, string, store.PoolConfig) (Database, error) {
				return nil, errors.New("connection refused")
			},
		},
	}

	err := runServeWithDeps(context.Background(), cfg, cmd, deps)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")
}

func TestServe_ListenFailure(t *testing.T) {
	t.Setenv(autoMigrateEnv, "false")
	mock := newMockDatabase(t)
	mock.ExpectClose()

	cfg := testConfig(t, "--database.url", testDatabaseURL, "--metrics.addr", "")
	cmd, _ := testCommand(t)
	deps := &ServeDeps{
		CommonDeps: mockDeps(mock, nil),
		ListenerFactory: func(string, string) (net.Listener, error) {
			return nil, errors.New("address in use")
		},
	}

	err := runServeWithDeps(context.Background(), cfg, cmd, deps)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "address in use")
}
