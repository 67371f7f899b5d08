// Command tow is the CLI entry point: run a tunnel role directly in the
// foreground, or install/start/stop it as an OS-managed service.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"

	"github.com/pterm/pterm"

	"github.com/relaywire/tow/internal/app"
	"github.com/relaywire/tow/internal/config"
	"github.com/relaywire/tow/internal/servicectl"
	"github.com/relaywire/tow/internal/util"
)

var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	configPath := flag.String("config", "./tow.conf", "path to the tow configuration file")
	debugMode := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	if *debugMode {
		util.EnableDebug()
	}

	pterm.Info.Println(fmt.Sprintf("tow — v%s", version))
	pterm.Println()

	args := flag.Args()
	if len(args) == 0 {
		util.LogError("usage: tow run <initiator|terminator> | install | uninstall | start | stop | restart | status")
		os.Exit(1)
	}

	switch args[0] {
	case "run":
		if len(args) < 2 {
			util.LogError("usage: tow run <initiator|terminator>")
			os.Exit(1)
		}
		runForeground(ctx, args[1], *configPath)

	case "install", "uninstall", "start", "stop", "restart", "status":
		controlService(args[0], *configPath)

	default:
		util.LogError("unknown command %q", args[0])
		os.Exit(1)
	}
}

// runForeground loads configPath and drives the given role directly,
// blocking until ctx is cancelled (Ctrl+C) or the role exits with an
// error.
func runForeground(ctx context.Context, role, configPath string) {
	cfg, err := config.Load(configPath)
	if err != nil {
		util.LogError("failed to load config: %v", err)
		os.Exit(1)
	}

	var runErr error
	switch role {
	case "initiator":
		runErr = app.RunInitiator(ctx, cfg)
	case "terminator":
		runErr = app.RunTerminator(ctx, cfg)
	default:
		util.LogError("unknown role %q: must be initiator or terminator", role)
		os.Exit(1)
	}

	if runErr != nil {
		util.LogError("tow exited: %v", runErr)
		os.Exit(1)
	}
	util.LogInfo("tow shut down cleanly")
}

// controlService delegates to the OS service manager. A service-managed
// tow process always runs the terminator role — the initiator role dials
// out on its own schedule and is meant to be run directly with
// `tow run initiator`, not supervised as a background service.
func controlService(cmd, configPath string) {
	ctrl, err := servicectl.New(
		"tow",
		"tow tunnel service",
		"Bidirectional TCP-over-WebSocket tunnel",
		func(ctx context.Context) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			return app.RunTerminator(ctx, cfg)
		},
	)
	if err != nil {
		util.LogError("failed to build service controller: %v", err)
		os.Exit(1)
	}

	var ctrlErr error
	switch cmd {
	case "install":
		ctrlErr = ctrl.Install()
	case "uninstall":
		ctrlErr = ctrl.Uninstall()
	case "start":
		ctrlErr = ctrl.Start()
	case "stop":
		ctrlErr = ctrl.Stop()
	case "restart":
		ctrlErr = ctrl.Restart()
	case "status":
		status, statusErr := ctrl.Status()
		if statusErr != nil {
			ctrlErr = statusErr
			break
		}
		util.LogInfo("service status: %v", status)
		return
	}

	if ctrlErr != nil {
		util.LogError("%s failed: %v", cmd, ctrlErr)
		os.Exit(1)
	}
	util.LogSuccess("%s completed", cmd)
}
