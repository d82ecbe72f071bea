// Package conn supervises the connection of every configured switch: one
// state machine per instance, explicit connect and disconnect verbs, and
// background probing that promotes Degraded connections back to Connected.
package conn

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/p4edit/go-tablectl/internal/backend"
	"github.com/p4edit/go-tablectl/internal/logger"
	"github.com/p4edit/go-tablectl/internal/p4"
	"github.com/p4edit/go-tablectl/pkg/factory"
)

// NotConnectedError fails an operation before any I/O happens: the
// instance is not in a state that may touch the wire.
type NotConnectedError struct {
	Switch string
	State  State
}

func (e *NotConnectedError) Error() string {
	return fmt.Sprintf("switch %q is %s", e.Switch, e.State)
}

// UnknownSwitchError names a switch the configuration never declared.
type UnknownSwitchError struct {
	Switch string
}

func (e *UnknownSwitchError) Error() string {
	return fmt.Sprintf("unknown switch %q", e.Switch)
}

// Instance is one supervised switch connection. Its op lock is the
// single-owner channel: whoever holds it is the only one driving the
// switch, operations and probes alike.
type Instance struct {
	cfg *factory.Switch
	log *logrus.Entry

	mu       sync.Mutex
	state    State
	driver   backend.Driver
	schema   *p4.Schema
	artifact bool

	opMu sync.Mutex
}

func (i *Instance) Name() string { return i.cfg.Name }

func (i *Instance) State() State {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.state
}

// Schema is the table layout the instance currently believes in; nil when
// neither an artifact nor the switch has provided one yet.
func (i *Instance) Schema() *p4.Schema {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.schema
}

// LockOps takes the instance's single-owner op lock. Operations on other
// instances are unaffected.
func (i *Instance) LockOps()   { i.opMu.Lock() }
func (i *Instance) UnlockOps() { i.opMu.Unlock() }

func (i *Instance) currentDriver() backend.Driver {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.driver
}

// StateListener observes every state transition. Calls are synchronous;
// listeners own their queuing.
type StateListener func(name string, from, to State)

type Supervisor struct {
	log *logrus.Entry
	cfg *factory.Config

	// dial is backend.Open unless a test swaps in a stub.
	dial func(*factory.Switch, time.Duration) (backend.Driver, error)

	instances map[string]*Instance
	order     []string

	listener StateListener

	done chan struct{}
}

// NewSupervisor registers every configured switch in Disconnected state.
// A software switch with a program artifact gets its schema parsed here;
// a broken artifact costs that instance its schema, nothing more.
func NewSupervisor(cfg *factory.Config) (*Supervisor, error) {
	s := &Supervisor{
		log:       logger.ConnLog,
		cfg:       cfg,
		dial:      backend.Open,
		instances: make(map[string]*Instance, len(cfg.Switches)),
		done:      make(chan struct{}),
	}
	for i := range cfg.Switches {
		sw := &cfg.Switches[i]
		if _, dup := s.instances[sw.Name]; dup {
			return nil, errors.Errorf("duplicate switch name %q", sw.Name)
		}
		inst := &Instance{
			cfg:   sw,
			log:   logger.ConnLog.WithField(logger.FieldSwitch, sw.Name),
			state: Disconnected,
		}
		if sw.Backend == backend.KindSoftware.String() && sw.Program != "" {
			schema, err := p4.LoadSchema(sw.Program)
			if err != nil {
				inst.log.Errorf("program artifact %q unusable: %v", sw.Program, err)
			} else {
				inst.schema = schema
				inst.artifact = true
				inst.log.Infof("schema %q loaded from artifact (%d tables)",
					schema.Program, len(schema.Tables))
			}
		}
		s.instances[sw.Name] = inst
		s.order = append(s.order, sw.Name)
	}
	return s, nil
}

// SetStateListener installs the transition observer. Call before Start.
func (s *Supervisor) SetStateListener(fn StateListener) {
	s.listener = fn
}

// SetDialer replaces how drivers are opened. Tests inject stub backends
// here; everyone else keeps the default.
func (s *Supervisor) SetDialer(fn func(*factory.Switch, time.Duration) (backend.Driver, error)) {
	s.dial = fn
}

func (s *Supervisor) Instance(name string) (*Instance, bool) {
	inst, ok := s.instances[name]
	return inst, ok
}

// Instances returns every instance in configuration order.
func (s *Supervisor) Instances() []*Instance {
	out := make([]*Instance, 0, len(s.order))
	for _, name := range s.order {
		out = append(out, s.instances[name])
	}
	return out
}

// apply runs one fsm event on the instance and notifies the listener when
// the state actually moved.
func (s *Supervisor) apply(inst *Instance, ev event) error {
	inst.mu.Lock()
	from := inst.state
	to, err := step(from, ev)
	if err != nil {
		inst.mu.Unlock()
		return err
	}
	inst.state = to
	inst.mu.Unlock()

	if from != to {
		inst.log.Infof("state %s -> %s", from, to)
		if fn := s.listener; fn != nil {
			fn(inst.cfg.Name, from, to)
		}
	}
	return nil
}

// Connect dials the switch and moves it to Connected. On a software
// switch configured with both program and p4info the pipeline is
// installed as part of connecting; a switch that cannot take its pipeline
// is not connected.
func (s *Supervisor) Connect(ctx context.Context, name string) error {
	inst, ok := s.instances[name]
	if !ok {
		return &UnknownSwitchError{Switch: name}
	}
	inst.LockOps()
	defer inst.UnlockOps()

	if err := s.apply(inst, evConnect); err != nil {
		return err
	}

	// Reconnecting from Degraded replaces the channel; drop the broken
	// one before dialing fresh.
	inst.mu.Lock()
	old := inst.driver
	inst.driver = nil
	inst.mu.Unlock()
	if old != nil {
		old.Close()
	}

	drv, err := s.dial(inst.cfg, s.cfg.RequestTimeout)
	if err != nil {
		if ferr := s.apply(inst, evConnectFail); ferr != nil {
			inst.log.Warnf("connect fail transition: %v", ferr)
		}
		return errors.Wrapf(err, "connect %q", name)
	}

	schema, serr := s.setupSchema(ctx, inst, drv)
	if serr != nil {
		drv.Close()
		if ferr := s.apply(inst, evConnectFail); ferr != nil {
			inst.log.Warnf("connect fail transition: %v", ferr)
		}
		return errors.Wrapf(serr, "connect %q", name)
	}

	inst.mu.Lock()
	inst.driver = drv
	if schema != nil {
		inst.schema = schema
	}
	inst.mu.Unlock()

	return s.apply(inst, evConnectOK)
}

// setupSchema decides where the instance's table layout comes from at
// connect time. Returns nil when the already-held schema stays.
func (s *Supervisor) setupSchema(ctx context.Context, inst *Instance, drv backend.Driver) (*p4.Schema, error) {
	if inst.cfg.Program != "" && inst.cfg.P4Info != "" {
		installer, ok := drv.(backend.PipelineInstaller)
		if !ok {
			return nil, errors.Errorf("backend %q cannot install pipelines", inst.cfg.Backend)
		}
		schema, err := installer.InstallPipeline(ctx)
		if err != nil {
			return nil, errors.Wrap(err, "install pipeline")
		}
		return schema, nil
	}

	inst.mu.Lock()
	have := inst.schema != nil
	inst.mu.Unlock()
	if have {
		return nil, nil
	}

	specs, err := drv.ListTables(ctx)
	if err != nil {
		// The switch answered the dial but not the table listing. Keep the
		// connection; operations will name the missing schema.
		inst.log.Warnf("table discovery failed, schema unknown: %v", err)
		return nil, nil
	}
	schema, err := p4.NewSchema(inst.cfg.Name, specs)
	if err != nil {
		inst.log.Warnf("discovered tables rejected: %v", err)
		return nil, nil
	}
	inst.log.Infof("schema discovered from switch (%d tables)", len(schema.Tables))
	return schema, nil
}

// Disconnect closes the driver from any state. Waits for an in-flight
// operation to finish first; nothing is torn down mid-request.
func (s *Supervisor) Disconnect(name string) error {
	inst, ok := s.instances[name]
	if !ok {
		return &UnknownSwitchError{Switch: name}
	}
	inst.LockOps()
	defer inst.UnlockOps()

	inst.mu.Lock()
	drv := inst.driver
	inst.driver = nil
	if !inst.artifact {
		inst.schema = nil
	}
	inst.mu.Unlock()
	if drv != nil {
		drv.Close()
	}
	return s.apply(inst, evDisconnect)
}

// Probe pings the switch over its driver and feeds the result into the
// state machine: a Connected instance that fails degrades, a Degraded one
// that answers recovers. Probing shares the op lock, so it never overlaps
// an operation on the same instance.
func (s *Supervisor) Probe(ctx context.Context, name string) error {
	inst, ok := s.instances[name]
	if !ok {
		return &UnknownSwitchError{Switch: name}
	}
	inst.LockOps()
	defer inst.UnlockOps()

	inst.mu.Lock()
	state := inst.state
	drv := inst.driver
	inst.mu.Unlock()
	if drv == nil || (state != Connected && state != Degraded) {
		return &NotConnectedError{Switch: name, State: state}
	}

	err := drv.Ping(ctx)
	switch {
	case state == Connected && err != nil:
		inst.log.Warnf("probe failed: %v", err)
		if aerr := s.apply(inst, evChannelFault); aerr != nil {
			inst.log.Warnf("degrade transition: %v", aerr)
		}
	case state == Degraded && err == nil:
		if aerr := s.apply(inst, evProbeOK); aerr != nil {
			inst.log.Warnf("recover transition: %v", aerr)
		}
	case state == Degraded && err != nil:
		inst.log.Debugf("still degraded: %v", err)
		if aerr := s.apply(inst, evProbeFail); aerr != nil {
			inst.log.Warnf("probe fail transition: %v", aerr)
		}
	}
	return err
}

// Acquire hands out the instance and its driver for one operation, only
// when Connected. Anything else fails here, before any I/O.
func (s *Supervisor) Acquire(name string) (*Instance, backend.Driver, error) {
	inst, ok := s.instances[name]
	if !ok {
		return nil, nil, &UnknownSwitchError{Switch: name}
	}
	inst.mu.Lock()
	defer inst.mu.Unlock()
	if inst.state != Connected || inst.driver == nil {
		return nil, nil, &NotConnectedError{Switch: name, State: inst.state}
	}
	return inst, inst.driver, nil
}

// ReportResult feeds an operation outcome into the state machine. Callers
// hold the instance op lock. Refusals stay with the operation; channel
// faults degrade the connection.
func (s *Supervisor) ReportResult(name string, opErr error) {
	inst, ok := s.instances[name]
	if !ok || opErr == nil {
		return
	}
	if !backend.Degrades(opErr) {
		return
	}
	if inst.State() != Connected {
		return
	}
	inst.log.Warnf("channel fault: %v", opErr)
	if err := s.apply(inst, evChannelFault); err != nil {
		inst.log.Warnf("degrade transition: %v", err)
	}
}

// SetSchema replaces the instance's table layout, e.g. after an explicit
// pipeline install.
func (s *Supervisor) SetSchema(name string, schema *p4.Schema) error {
	inst, ok := s.instances[name]
	if !ok {
		return &UnknownSwitchError{Switch: name}
	}
	inst.mu.Lock()
	inst.schema = schema
	inst.mu.Unlock()
	return nil
}

// Start launches one probe loop per instance. Loops tick independently,
// so a stuck switch never delays probing of the others.
func (s *Supervisor) Start(wg *sync.WaitGroup) {
	s.log.Infoln("starting connection supervisor")
	for _, name := range s.order {
		wg.Add(1)
		go s.probeLoop(s.instances[name], wg)
	}
	s.log.Infoln("connection supervisor started")
}

func (s *Supervisor) probeLoop(inst *Instance, wg *sync.WaitGroup) {
	defer func() {
		if p := recover(); p != nil {
			// Print stack for panic to log. Fatalf() will let program exit.
			inst.log.Fatalf("panic: %v\n%s", p, string(debug.Stack()))
		}

		inst.log.Infoln("probe loop stopped")
		wg.Done()
	}()

	ticker := time.NewTicker(s.cfg.ProbeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			if inst.State() != Degraded {
				continue
			}
			// Probe logs its own outcome and drives the fsm.
			_ = s.Probe(context.Background(), inst.cfg.Name)
		}
	}
}

// Stop ends the probe loops and disconnects every instance.
func (s *Supervisor) Stop() {
	s.log.Infoln("Stopping connection supervisor")
	close(s.done)
	for _, name := range s.order {
		if err := s.Disconnect(name); err != nil {
			s.log.Warnf("disconnect %q: %v", name, err)
		}
	}
}
