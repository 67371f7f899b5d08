// Package app wires config, address resolution, and the two tunnel
// services together into the two runnable entry points cmd/tow exposes.
package app

import (
	"context"
	"fmt"
	"strings"

	"github.com/relaywire/tow/internal/addr"
	"github.com/relaywire/tow/internal/config"
	"github.com/relaywire/tow/internal/initiator"
	"github.com/relaywire/tow/internal/session"
	"github.com/relaywire/tow/internal/terminator"
	"github.com/relaywire/tow/internal/util"
)

// RunInitiator accepts local TCP connections on cfg.Listen and forwards
// each over a WebSocket dialed at cfg.Connect[0].
func RunInitiator(ctx context.Context, cfg *config.Config) error {
	listenAddrs := resolveAddrs(cfg.Listen)
	if len(listenAddrs) == 0 {
		return fmt.Errorf("app: no valid listen addresses in configuration")
	}
	if len(cfg.Connect) == 0 || strings.TrimSpace(cfg.Connect[0]) == "" {
		return fmt.Errorf("app: initiator requires a connect= WebSocket URL")
	}
	upstreamURL := strings.TrimSpace(cfg.Connect[0])

	util.StartStatsReporter(ctx)
	util.LogSuccess("initiator starting — dialing %s on new connections", upstreamURL)

	return initiator.Run(ctx, initiator.Config{
		ListenAddrs: listenAddrs,
		UpstreamURL: upstreamURL,
		TimeoutMs:   session.ClampTimeout(cfg.TimeoutMs),
	})
}

// RunTerminator accepts inbound WebSocket carriers on cfg.Listen and
// relays each to the upstream TCP address in cfg.Connect.
func RunTerminator(ctx context.Context, cfg *config.Config) error {
	listenAddrs := resolveAddrs(cfg.Listen)
	if len(listenAddrs) == 0 {
		return fmt.Errorf("app: no valid listen addresses in configuration")
	}
	upstreamAddr, ok := addr.ParseOne(strings.Join(cfg.Connect, ";"))
	if !ok {
		return fmt.Errorf("app: terminator requires a valid connect= TCP address")
	}

	util.StartStatsReporter(ctx)
	util.LogSuccess("terminator starting — forwarding carriers to %s", upstreamAddr)

	return terminator.Run(ctx, terminator.Config{
		ListenAddrs:  listenAddrs,
		UpstreamAddr: upstreamAddr,
	})
}

// resolveAddrs expands every raw listen= entry (itself a
// comma/semicolon/space-separated endpoint list) into its full address
// set.
func resolveAddrs(raw []string) []string {
	var out []string
	for _, r := range raw {
		out = append(out, addr.ParseMany(r)...)
	}
	return out
}
