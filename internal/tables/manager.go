// Package tables owns the authoritative-cache dance: every mutation goes
// to the backend first, the local view only changes on an acknowledged
// result, and reads replace the view wholesale with what the switch
// reports.
package tables

import (
	"context"
	"io"
	"runtime/debug"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/p4edit/go-tablectl/internal/backend"
	"github.com/p4edit/go-tablectl/internal/conn"
	"github.com/p4edit/go-tablectl/internal/logger"
	"github.com/p4edit/go-tablectl/internal/p4"
)

// UnknownTableError names a table the switch's schema does not declare.
type UnknownTableError struct {
	Switch string
	Table  string
}

func (e *UnknownTableError) Error() string {
	return "switch " + e.Switch + " has no table " + e.Table
}

// Manager executes table operations against supervised switches and keeps
// one cached view per table. The cache trails the backend: it changes
// only on acknowledged results and authoritative reads.
type Manager struct {
	log   *logrus.Entry
	sup   *conn.Supervisor
	views *viewStore

	smu     sync.Mutex
	subs    map[int]Handler
	nextSub int
}

func NewManager(sup *conn.Supervisor) *Manager {
	return &Manager{
		log:   logger.TableLog,
		sup:   sup,
		views: newViewStore(),
		subs:  make(map[int]Handler),
	}
}

// Subscribe registers a change handler for every switch and table.
func (m *Manager) Subscribe(h Handler) *Subscription {
	m.smu.Lock()
	defer m.smu.Unlock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = h
	return &Subscription{m: m, id: id}
}

func (m *Manager) emit(sw, table string, op Op, err error) {
	ev := Event{
		Switch:  sw,
		Table:   table,
		Op:      op,
		Entries: m.views.snapshot(sw, table),
		Err:     err,
	}
	m.smu.Lock()
	handlers := make([]Handler, 0, len(m.subs))
	for _, h := range m.subs {
		handlers = append(handlers, h)
	}
	m.smu.Unlock()
	for _, h := range handlers {
		h.OnTableChange(ev)
	}
}

// Tables lists the table layout the switch's schema declares.
func (m *Manager) Tables(sw string) ([]p4.TableSpec, error) {
	inst, ok := m.sup.Instance(sw)
	if !ok {
		return nil, &conn.UnknownSwitchError{Switch: sw}
	}
	schema := inst.Schema()
	if schema == nil {
		return nil, errors.Errorf("switch %q has no schema", sw)
	}
	out := make([]p4.TableSpec, len(schema.Tables))
	copy(out, schema.Tables)
	return out, nil
}

// View returns a snapshot of the cached entries. An empty snapshot means
// the table was never read, not that it is empty on the switch.
func (m *Manager) View(sw, table string) ([]p4.TableEntry, error) {
	inst, ok := m.sup.Instance(sw)
	if !ok {
		return nil, &conn.UnknownSwitchError{Switch: sw}
	}
	if schema := inst.Schema(); schema != nil {
		if _, ok := schema.Table(table); !ok {
			return nil, &UnknownTableError{Switch: sw, Table: table}
		}
	}
	return m.views.snapshot(sw, table), nil
}

func (m *Manager) tableSpec(inst *conn.Instance, sw, table string) (*p4.TableSpec, error) {
	schema := inst.Schema()
	if schema == nil {
		return nil, &UnknownTableError{Switch: sw, Table: table}
	}
	spec, ok := schema.Table(table)
	if !ok {
		return nil, &UnknownTableError{Switch: sw, Table: table}
	}
	return spec, nil
}

// dispatch runs fn in its own goroutine under the instance's op lock. fn
// performs the wire call and applies the view change itself. The result
// is reported to the supervisor, notified to subscribers, and buffered
// back to the caller; a caller abandoning ctx changes none of that, so a
// late acknowledgement is never lost.
func (m *Manager) dispatch(ctx context.Context, inst *conn.Instance, sw, table string, op Op,
	fn func(opCtx context.Context) (p4.TableEntry, error)) (p4.TableEntry, error) {

	type result struct {
		entry p4.TableEntry
		err   error
	}
	ch := make(chan result, 1)
	go func() {
		var res result
		defer func() {
			if p := recover(); p != nil {
				m.log.Errorf("panic: %v\n%s", p, string(debug.Stack()))
				res.err = errors.Errorf("internal: %v", p)
			}
			ch <- res
		}()
		inst.LockOps()
		defer inst.UnlockOps()
		// The op runs to completion regardless of the caller's ctx; the
		// drivers bound each request with their own timeout.
		res.entry, res.err = fn(context.Background())
		m.sup.ReportResult(sw, res.err)
		m.emit(sw, table, op, res.err)
	}()

	select {
	case r := <-ch:
		return r.entry, r.err
	case <-ctx.Done():
		return p4.TableEntry{}, errors.Wrapf(ctx.Err(), "%s %s/%s abandoned", op, sw, table)
	}
}

// AddEntry validates the entry against the schema and inserts it. On a
// hardware switch the returned entry is Pending until the next refresh
// confirms it.
func (m *Manager) AddEntry(ctx context.Context, sw string, e p4.TableEntry) (p4.TableEntry, error) {
	table := e.Table
	inst, drv, err := m.sup.Acquire(sw)
	if err != nil {
		m.emit(sw, table, OpAdd, err)
		return p4.TableEntry{}, err
	}
	spec, err := m.tableSpec(inst, sw, table)
	if err != nil {
		m.emit(sw, table, OpAdd, err)
		return p4.TableEntry{}, err
	}
	if err := spec.ValidateEntry(&e); err != nil {
		m.emit(sw, table, OpAdd, err)
		return p4.TableEntry{}, err
	}
	pending := drv.Kind() == backend.KindHardware
	return m.dispatch(ctx, inst, sw, table, OpAdd, func(opCtx context.Context) (p4.TableEntry, error) {
		added, err := drv.AddEntry(opCtx, table, e)
		if err != nil {
			return p4.TableEntry{}, err
		}
		added.Pending = pending
		m.views.upsert(sw, table, added)
		return added, nil
	})
}

// ModifyEntry swaps the action of the entry behind a handle.
func (m *Manager) ModifyEntry(ctx context.Context, sw, table string, h p4.EntryHandle, action p4.ActionCall) error {
	inst, drv, err := m.sup.Acquire(sw)
	if err != nil {
		m.emit(sw, table, OpModify, err)
		return err
	}
	spec, err := m.tableSpec(inst, sw, table)
	if err != nil {
		m.emit(sw, table, OpModify, err)
		return err
	}
	if err := spec.ValidateAction(&action); err != nil {
		m.emit(sw, table, OpModify, err)
		return err
	}
	pending := drv.Kind() == backend.KindHardware
	_, err = m.dispatch(ctx, inst, sw, table, OpModify, func(opCtx context.Context) (p4.TableEntry, error) {
		if err := drv.ModifyEntry(opCtx, table, h, action); err != nil {
			return p4.TableEntry{}, err
		}
		if !m.views.updateAction(sw, table, h, action, pending) {
			m.log.WithField(logger.FieldTable, table).
				Debugf("modified entry %#x not cached, refresh will pick it up", uint64(h))
		}
		return p4.TableEntry{}, nil
	})
	return err
}

// DeleteEntry removes the entry behind a handle. The cache drops it only
// on the backend's acknowledgement.
func (m *Manager) DeleteEntry(ctx context.Context, sw, table string, h p4.EntryHandle) error {
	inst, drv, err := m.sup.Acquire(sw)
	if err != nil {
		m.emit(sw, table, OpDelete, err)
		return err
	}
	if _, err := m.tableSpec(inst, sw, table); err != nil {
		m.emit(sw, table, OpDelete, err)
		return err
	}
	_, err = m.dispatch(ctx, inst, sw, table, OpDelete, func(opCtx context.Context) (p4.TableEntry, error) {
		if err := drv.DeleteEntry(opCtx, table, h); err != nil {
			return p4.TableEntry{}, err
		}
		m.views.remove(sw, table, h)
		return p4.TableEntry{}, nil
	})
	return err
}

// RefreshTable reads the authoritative entry list and replaces the view
// with it. This is the only path that clears stale pending echoes.
func (m *Manager) RefreshTable(ctx context.Context, sw, table string) ([]p4.TableEntry, error) {
	inst, drv, err := m.sup.Acquire(sw)
	if err != nil {
		m.emit(sw, table, OpRefresh, err)
		return nil, err
	}
	if _, err := m.tableSpec(inst, sw, table); err != nil {
		m.emit(sw, table, OpRefresh, err)
		return nil, err
	}
	var out []p4.TableEntry
	_, err = m.dispatch(ctx, inst, sw, table, OpRefresh, func(opCtx context.Context) (p4.TableEntry, error) {
		entries, err := drv.ReadEntries(opCtx, table)
		if err != nil {
			return p4.TableEntry{}, err
		}
		m.views.replace(sw, table, entries)
		out = m.views.snapshot(sw, table)
		return p4.TableEntry{}, nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ReplaceEntries wipes the table and installs a new entry set: refresh
// for the authoritative current state, delete everything, add the new
// entries in order. Stops at the first error.
func (m *Manager) ReplaceEntries(ctx context.Context, sw, table string, entries []p4.TableEntry) error {
	current, err := m.RefreshTable(ctx, sw, table)
	if err != nil {
		return err
	}
	for i := range current {
		if err := m.DeleteEntry(ctx, sw, table, current[i].Handle); err != nil {
			return errors.Wrapf(err, "clear %q", table)
		}
	}
	for i := range entries {
		e := entries[i]
		e.Table = table
		if _, err := m.AddEntry(ctx, sw, e); err != nil {
			return errors.Wrapf(err, "entry %d", i)
		}
	}
	return nil
}

// ImportRules parses a rules file against the switch's schema and adds
// every entry, stopping at the first failure. Returns how many went in.
func (m *Manager) ImportRules(ctx context.Context, sw string, r io.Reader) (int, error) {
	inst, ok := m.sup.Instance(sw)
	if !ok {
		return 0, &conn.UnknownSwitchError{Switch: sw}
	}
	schema := inst.Schema()
	if schema == nil {
		return 0, errors.Errorf("switch %q has no schema", sw)
	}
	rules, err := p4.ParseRules(schema, r)
	if err != nil {
		return 0, err
	}
	added := 0
	for _, rule := range rules {
		if _, err := m.AddEntry(ctx, sw, rule.Entry); err != nil {
			return added, errors.Wrapf(err, "rule at line %d", rule.Line)
		}
		added++
	}
	m.log.WithField(logger.FieldSwitch, sw).Infof("imported %d rules", added)
	return added, nil
}
