// Package service assembles the control plane: logging configured,
// supervisor and table manager wired together, every configured switch
// connected, and a clean shutdown on SIGINT/SIGTERM.
package service

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/p4edit/go-tablectl/internal/conn"
	"github.com/p4edit/go-tablectl/internal/logger"
	"github.com/p4edit/go-tablectl/internal/tables"
	"github.com/p4edit/go-tablectl/pkg/factory"
)

type TablectlApp struct {
	cfg *factory.Config
	sup *conn.Supervisor
	mgr *tables.Manager
	wg  sync.WaitGroup
}

func NewApp(cfg *factory.Config) (*TablectlApp, error) {
	a := &TablectlApp{cfg: cfg}
	if err := a.initLogger(); err != nil {
		return nil, err
	}
	sup, err := conn.NewSupervisor(cfg)
	if err != nil {
		return nil, errors.Wrap(err, "init supervisor")
	}
	a.sup = sup
	a.mgr = tables.NewManager(sup)
	return a, nil
}

func (a *TablectlApp) initLogger() error {
	c := a.cfg.Logger
	if c == nil {
		return nil
	}
	if c.Level != "" {
		level, err := logrus.ParseLevel(c.Level)
		if err != nil {
			return errors.Wrapf(err, "log level %q", c.Level)
		}
		logger.SetLogLevel(level)
	}
	logger.SetReportCaller(c.ReportCaller)
	return nil
}

// Manager is the query/command/subscription surface a frontend talks to.
func (a *TablectlApp) Manager() *tables.Manager { return a.mgr }

func (a *TablectlApp) Supervisor() *conn.Supervisor { return a.sup }

// Run connects every configured switch, starts the probe loops and blocks
// until SIGINT or SIGTERM. A switch that fails its initial connect is
// left Disconnected and logged; it can be connected again later.
func (a *TablectlApp) Run() error {
	ctx := context.Background()
	for _, inst := range a.sup.Instances() {
		if err := a.sup.Connect(ctx, inst.Name()); err != nil {
			logger.MainLog.Errorf("connect %q: %v", inst.Name(), err)
		}
	}

	a.sup.Start(&a.wg)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	sig := <-sigCh
	logger.MainLog.Infof("received signal %q, shutting down", sig)

	a.Terminate()
	a.wg.Wait()
	logger.MainLog.Infoln("tablectl stopped")
	return nil
}

// Terminate stops the supervisor, which disconnects every switch.
func (a *TablectlApp) Terminate() {
	a.sup.Stop()
}
