package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/linnemanlabs/go-core/log"
)

// systemd notify states sent over NOTIFY_SOCKET
const (
	sdReady    = "READY=1"
	sdStopping = "STOPPING=1"
)

type stopFn struct {
	name string
	fn   func(context.Context) error
}

// shutdownOrder lists components in the order they are stopped. Listeners
// stop first so no handler is mid-transaction when the store closes.
func shutdownOrder(apiStop, opsStop, otelStop func(context.Context) error, store *openedStore) []stopFn {
	return []stopFn{
		{"api http server", apiStop},
		{"ops http server", opsStop},
		{"otel", otelStop},
		{store.kind + " store", store.close},
	}
}

// stopAll stops each component with a per-component slice of budget and
// returns the names of those that failed. Nil stop functions are skipped.
func stopAll(L log.Logger, budget time.Duration, fns []stopFn) []string {
	var failed []string
	if len(fns) == 0 {
		return nil
	}
	perComponent := budget / time.Duration(len(fns))
	shutdownCtx, cancel := context.WithTimeout(context.Background(), budget)
	defer cancel()

	for _, s := range fns {
		if s.fn == nil {
			continue
		}
		cctx, ccancel := context.WithTimeout(shutdownCtx, perComponent)
		if err := s.fn(cctx); err != nil {
			L.Error(context.Background(), err, s.name+" shutdown")
			failed = append(failed, s.name)
		}
		ccancel()
	}
	return failed
}

func notifySystemd(state string) error {
	// systemd will set NOTIFY_SOCKET to a unix socket path if we were started under systemd with type=notify
	addr := os.Getenv("NOTIFY_SOCKET")
	if addr == "" {
		return fmt.Errorf("NOTIFY_SOCKET not set, skipping systemd notify")
	}
	conn, err := net.Dial("unixgram", addr) //nolint:gosec,noctx // G704: addr is from NOTIFY_SOCKET set by systemd not user input, no context support in net package for unixgram sockets
	if err != nil {
		return fmt.Errorf("systemd notify %s: dial failed: %w", state, err)
	}
	defer func() { _ = conn.Close() }()
	if _, err := conn.Write([]byte(state)); err != nil {
		return fmt.Errorf("systemd notify %s: write failed: %w", state, err)
	}
	return nil
}
