// Package servicectl wraps kardianos/service so the rest of this repo
// never has to deal with OS-specific service-manager APIs directly.
package servicectl

import (
	"context"

	"github.com/kardianos/service"

	"github.com/relaywire/tow/internal/util"
)

// RunFunc is the long-running body of a tow process; it blocks until ctx
// is cancelled or returns an error.
type RunFunc func(ctx context.Context) error

// Controller installs, starts, stops, and runs a tow process as an OS
// service.
type Controller struct {
	svc service.Service
}

type program struct {
	run    RunFunc
	cancel context.CancelFunc
	ctx    context.Context
}

// Start is called by the OS service manager; it must not block.
func (p *program) Start(s service.Service) error {
	go func() {
		if err := p.run(p.ctx); err != nil {
			util.LogError("service exited: %v", err)
		}
	}()
	return nil
}

// Stop is called by the OS service manager on shutdown request.
func (p *program) Stop(s service.Service) error {
	p.cancel()
	return nil
}

// New builds a Controller for a service named name, running run when
// started. name/displayName/description are passed straight to
// kardianos/service's Config.
func New(name, displayName, description string, run RunFunc) (*Controller, error) {
	ctx, cancel := context.WithCancel(context.Background())
	prg := &program{run: run, ctx: ctx, cancel: cancel}

	svc, err := service.New(prg, &service.Config{
		Name:        name,
		DisplayName: displayName,
		Description: description,
	})
	if err != nil {
		cancel()
		return nil, err
	}
	return &Controller{svc: svc}, nil
}

func (c *Controller) Install() error   { return c.svc.Install() }
func (c *Controller) Uninstall() error { return c.svc.Uninstall() }
func (c *Controller) Start() error     { return c.svc.Start() }
func (c *Controller) Stop() error      { return c.svc.Stop() }
func (c *Controller) Restart() error   { return c.svc.Restart() }

// Status reports the OS service manager's view of the service: running,
// stopped, or unknown.
func (c *Controller) Status() (service.Status, error) { return c.svc.Status() }

// Run blocks, executing the service under the OS service manager's
// control (or directly in the foreground if not installed as a service).
func (c *Controller) Run() error { return c.svc.Run() }
