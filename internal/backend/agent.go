package backend

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"sync"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/p4edit/go-tablectl/internal/logger"
	"github.com/p4edit/go-tablectl/internal/p4"
	"github.com/p4edit/go-tablectl/pkg/factory"
)

type agentTableRef struct {
	id   uint32
	spec p4.TableSpec
}

// AgentDriver talks the framed JSON protocol of the companion agent that
// fronts a hardware switch. One socket, strictly one request in flight;
// an exchange that fails in any way leaves the frame boundary unknown, so
// the socket is dropped and redialed on the next call.
type AgentDriver struct {
	log     *logrus.Entry
	name    string
	addr    string
	timeout time.Duration

	mu     sync.Mutex
	conn   net.Conn
	br     *bufio.Reader
	tables map[string]agentTableRef
}

// OpenAgent connects to the agent and verifies it answers a ping. The
// agent process not running surfaces as AgentNotRunning, not Unreachable,
// so the operator knows to start it rather than chase the network.
func OpenAgent(cfg *factory.Switch, timeout time.Duration) (*AgentDriver, error) {
	d := &AgentDriver{
		log:     logger.BackendLog.WithField(logger.FieldSwitch, cfg.Name),
		name:    cfg.Name,
		addr:    cfg.Addr,
		timeout: timeout,
		tables:  make(map[string]agentTableRef),
	}
	if err := d.Ping(context.Background()); err != nil {
		return nil, err
	}
	d.log.Infof("connected to agent at %s", cfg.Addr)
	return d, nil
}

func (d *AgentDriver) Kind() Kind { return KindHardware }

func (d *AgentDriver) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closeLocked()
}

func (d *AgentDriver) closeLocked() {
	if d.conn == nil {
		return
	}
	if err := d.conn.Close(); err != nil {
		d.log.Warnf("close: %v", err)
	}
	d.conn = nil
	d.br = nil
}

// exchange sends one request frame and reads its response. The socket is
// dialed lazily, so the first call after open or after a poisoned
// connection reconnects here.
func (d *AgentDriver) exchange(ctx context.Context, op opcode, tableID uint32, payload []byte) (*frameResponse, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.conn == nil {
		conn, err := net.DialTimeout("tcp", d.addr, d.timeout)
		if err != nil {
			return nil, d.dialErr(op.String(), err)
		}
		d.conn = conn
		d.br = bufio.NewReader(conn)
		d.log.Debugf("dialed agent at %s", d.addr)
	}

	deadline := time.Now().Add(d.timeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	if err := d.conn.SetDeadline(deadline); err != nil {
		return nil, d.connErr(op.String(), err)
	}
	req := &frameRequest{Opcode: op, TableID: tableID, Payload: payload}
	if err := writeFrameRequest(d.conn, req); err != nil {
		return nil, d.connErr(op.String(), err)
	}
	resp, err := readFrameResponse(d.br)
	if err != nil {
		return nil, d.connErr(op.String(), err)
	}
	return resp, nil
}

// dialErr classifies a failed dial. Nothing is poisoned because nothing
// was connected.
func (d *AgentDriver) dialErr(op string, err error) error {
	kind := Unreachable
	switch {
	case agentDown(err):
		kind = AgentNotRunning
	case isTimeout(err):
		kind = Timeout
	}
	return &Error{Kind: kind, Op: op, Switch: d.name, Err: errors.Wrapf(err, "dial %q", d.addr)}
}

// connErr classifies a failed exchange and poisons the socket: whether
// the failure was a timeout, a short read or a malformed frame, the next
// bytes on the wire cannot be trusted to start a frame.
func (d *AgentDriver) connErr(op string, err error) error {
	d.closeLocked()
	kind := Unreachable
	var fe *frameError
	switch {
	case errors.As(err, &fe):
		kind = Unreachable
	case isTimeout(err):
		kind = Timeout
	case agentDown(err):
		kind = AgentNotRunning
	}
	d.log.Warnf("dropping agent socket after %s: %v", op, err)
	return &Error{Kind: kind, Op: op, Switch: d.name, Err: err}
}

func agentDown(err error) bool {
	return errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE)
}

func isTimeout(err error) bool {
	var nerr net.Error
	return errors.As(err, &nerr) && nerr.Timeout()
}

// statusErr maps a non-OK response status. Everything the agent answers
// with an intact frame is a refusal of this one operation; the channel
// itself stays healthy.
func (d *AgentDriver) statusErr(op string, resp *frameResponse) error {
	if resp.Status == statusOK {
		return nil
	}
	detail := resp.Status.String()
	if len(resp.Payload) > 0 {
		detail = detail + ": " + string(resp.Payload)
	}
	return &Error{
		Kind: Rejected, Op: op, Switch: d.name,
		Err: errors.Errorf("agent answered %s", detail),
	}
}

func (d *AgentDriver) Ping(ctx context.Context) error {
	resp, err := d.exchange(ctx, opPing, 0, nil)
	if err != nil {
		return err
	}
	return d.statusErr("ping", resp)
}

// ListTables asks the agent for its table layout and refreshes the local
// name→id cache from the answer.
func (d *AgentDriver) ListTables(ctx context.Context) ([]p4.TableSpec, error) {
	resp, err := d.exchange(ctx, opListTables, 0, nil)
	if err != nil {
		return nil, err
	}
	if err := d.statusErr("list-tables", resp); err != nil {
		return nil, err
	}
	var list agentTableList
	if err := json.Unmarshal(resp.Payload, &list); err != nil {
		return nil, &Error{
			Kind: Rejected, Op: "list-tables", Switch: d.name,
			Err: errors.Wrap(err, "decode table list"),
		}
	}
	specs, err := agentTableSpecs(&list)
	if err != nil {
		return nil, &Error{Kind: Rejected, Op: "list-tables", Switch: d.name, Err: err}
	}

	tables := make(map[string]agentTableRef, len(specs))
	for i, at := range list.Tables {
		tables[at.Name] = agentTableRef{id: at.ID, spec: specs[i]}
	}
	d.mu.Lock()
	d.tables = tables
	d.mu.Unlock()
	return specs, nil
}

// tableRef resolves a table name to its agent id, refreshing the cache
// once on a miss. A name the agent itself does not know is a rejection.
func (d *AgentDriver) tableRef(ctx context.Context, table string) (agentTableRef, error) {
	d.mu.Lock()
	ref, ok := d.tables[table]
	d.mu.Unlock()
	if ok {
		return ref, nil
	}
	if _, err := d.ListTables(ctx); err != nil {
		return agentTableRef{}, err
	}
	d.mu.Lock()
	ref, ok = d.tables[table]
	d.mu.Unlock()
	if !ok {
		return agentTableRef{}, &Error{
			Kind: Rejected, Op: "table-ref", Switch: d.name,
			Err: errors.Errorf("agent lists no table %q", table),
		}
	}
	return ref, nil
}

// ReadEntries fetches the authoritative entry list of one table. Handles
// are whatever the agent assigned; default entries are dropped.
func (d *AgentDriver) ReadEntries(ctx context.Context, table string) ([]p4.TableEntry, error) {
	ref, err := d.tableRef(ctx, table)
	if err != nil {
		return nil, err
	}
	resp, err := d.exchange(ctx, opReadEntries, ref.id, nil)
	if err != nil {
		return nil, err
	}
	if err := d.statusErr("read", resp); err != nil {
		return nil, err
	}
	var list agentEntryList
	if err := json.Unmarshal(resp.Payload, &list); err != nil {
		return nil, &Error{
			Kind: Rejected, Op: "read", Switch: d.name,
			Err: errors.Wrap(err, "decode entries"),
		}
	}
	entries := make([]p4.TableEntry, 0, len(list.Entries))
	for i := range list.Entries {
		ae := &list.Entries[i]
		if ae.IsDefault {
			continue
		}
		e, err := agentEntryToModel(ae, &ref.spec)
		if err != nil {
			return nil, &Error{Kind: Rejected, Op: "read", Switch: d.name, Err: err}
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// AddEntry inserts one entry and returns it with the agent-assigned
// handle. Visibility on the next read is not guaranteed; the caller owns
// the pending bookkeeping.
func (d *AgentDriver) AddEntry(ctx context.Context, table string, e p4.TableEntry) (p4.TableEntry, error) {
	e.Table = table
	ref, err := d.tableRef(ctx, table)
	if err != nil {
		return p4.TableEntry{}, err
	}
	payload, err := json.Marshal(agentEntryFromModel(&e, &ref.spec))
	if err != nil {
		return p4.TableEntry{}, errors.Wrap(err, "encode entry")
	}
	resp, err := d.exchange(ctx, opAddEntry, ref.id, payload)
	if err != nil {
		return p4.TableEntry{}, err
	}
	if err := d.statusErr("add", resp); err != nil {
		return p4.TableEntry{}, err
	}
	var h agentHandle
	if err := json.Unmarshal(resp.Payload, &h); err != nil {
		return p4.TableEntry{}, &Error{
			Kind: Rejected, Op: "add", Switch: d.name,
			Err: errors.Wrap(err, "decode handle"),
		}
	}
	e.Handle = p4.EntryHandle(h.Handle)
	return e, nil
}

// ModifyEntry swaps the action of the entry behind an agent handle.
func (d *AgentDriver) ModifyEntry(ctx context.Context, table string, h p4.EntryHandle, action p4.ActionCall) error {
	ref, err := d.tableRef(ctx, table)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(agentModify{
		Handle: uint64(h),
		Action: agentCallFromModel(&action),
	})
	if err != nil {
		return errors.Wrap(err, "encode modify")
	}
	resp, err := d.exchange(ctx, opModifyEntry, ref.id, payload)
	if err != nil {
		return err
	}
	return d.statusErr("modify", resp)
}

// DeleteEntry removes the entry behind an agent handle. A handle from
// before an agent restart earns unknown-handle, which is a rejection.
func (d *AgentDriver) DeleteEntry(ctx context.Context, table string, h p4.EntryHandle) error {
	ref, err := d.tableRef(ctx, table)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(agentHandle{Handle: uint64(h)})
	if err != nil {
		return errors.Wrap(err, "encode delete")
	}
	resp, err := d.exchange(ctx, opDeleteEntry, ref.id, payload)
	if err != nil {
		return err
	}
	return d.statusErr("delete", resp)
}
