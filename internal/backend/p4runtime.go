package backend

import (
	"context"
	"hash/fnv"
	"io"
	"io/ioutil"
	"runtime/debug"
	"sync"
	"time"

	"github.com/golang/protobuf/proto"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"google.golang.org/genproto/googleapis/rpc/code"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	p4config "github.com/p4lang/p4runtime/go/p4/config/v1"
	p4v1 "github.com/p4lang/p4runtime/go/p4/v1"

	"github.com/p4edit/go-tablectl/internal/logger"
	"github.com/p4edit/go-tablectl/internal/p4"
	"github.com/p4edit/go-tablectl/pkg/factory"
)

// P4RuntimeDriver speaks P4Runtime to a software switch such as BMv2
// simple_switch_grpc. One driver owns one gRPC connection plus the stream
// channel on which it holds mastership for its election id.
type P4RuntimeDriver struct {
	log     *logrus.Entry
	name    string
	timeout time.Duration

	deviceID   uint64
	electionID p4v1.Uint128
	program    string
	p4infoPath string

	conn         *grpc.ClientConn
	client       p4v1.P4RuntimeClient
	stream       p4v1.P4Runtime_StreamChannelClient
	streamCancel context.CancelFunc

	mu      sync.Mutex
	pipe    *pipeline
	handles map[p4.EntryHandle]*p4v1.TableEntry
}

// OpenP4Runtime dials the switch, opens the stream channel and acquires
// mastership. The switch being down surfaces as an Unreachable error.
func OpenP4Runtime(cfg *factory.Switch, timeout time.Duration) (*P4RuntimeDriver, error) {
	d := &P4RuntimeDriver{
		log:        logger.BackendLog.WithField(logger.FieldSwitch, cfg.Name),
		name:       cfg.Name,
		timeout:    timeout,
		deviceID:   cfg.DeviceID,
		electionID: p4v1.Uint128{Low: cfg.ElectionID},
		program:    cfg.Program,
		p4infoPath: cfg.P4Info,
		handles:    make(map[p4.EntryHandle]*p4v1.TableEntry),
	}

	dialCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	conn, err := grpc.DialContext(dialCtx, cfg.Addr, grpc.WithInsecure(), grpc.WithBlock())
	if err != nil {
		return nil, &Error{
			Kind: Unreachable, Op: "dial", Switch: cfg.Name,
			Err: errors.Wrapf(err, "dial %q", cfg.Addr),
		}
	}
	d.conn = conn
	d.client = p4v1.NewP4RuntimeClient(conn)

	if err := d.arbitrate(); err != nil {
		d.streamClose()
		if cerr := conn.Close(); cerr != nil {
			d.log.Warnf("close after failed arbitration: %v", cerr)
		}
		return nil, err
	}
	go d.streamReader()

	d.log.Infof("connected to %s (device %d, election %d)",
		cfg.Addr, cfg.DeviceID, cfg.ElectionID)
	return d, nil
}

// arbitrate opens the stream channel and sends the MasterArbitrationUpdate.
// The switch answers on the stream; anything but Code_OK means another
// controller holds a higher election id.
func (d *P4RuntimeDriver) arbitrate() error {
	streamCtx, cancel := context.WithCancel(context.Background())
	d.streamCancel = cancel

	stream, err := d.client.StreamChannel(streamCtx)
	if err != nil {
		return d.wireErr("arbitrate", err)
	}
	d.stream = stream

	req := &p4v1.StreamMessageRequest{
		Update: &p4v1.StreamMessageRequest_Arbitration{
			Arbitration: &p4v1.MasterArbitrationUpdate{
				DeviceId:   d.deviceID,
				ElectionId: &d.electionID,
			},
		},
	}
	if err := stream.Send(req); err != nil {
		return d.wireErr("arbitrate", err)
	}

	type recv struct {
		msg *p4v1.StreamMessageResponse
		err error
	}
	ch := make(chan recv, 1)
	go func() {
		msg, err := stream.Recv()
		ch <- recv{msg, err}
	}()
	select {
	case r := <-ch:
		if r.err != nil {
			return d.wireErr("arbitrate", r.err)
		}
		arb := r.msg.GetArbitration()
		if arb == nil {
			return &Error{
				Kind: Unreachable, Op: "arbitrate", Switch: d.name,
				Err: errors.New("first stream message is not an arbitration update"),
			}
		}
		if arb.GetStatus().GetCode() != int32(code.Code_OK) {
			return &Error{
				Kind: Rejected, Op: "arbitrate", Switch: d.name,
				Err: errors.Errorf("mastership denied: %s", arb.GetStatus().GetMessage()),
			}
		}
		return nil
	case <-time.After(d.timeout):
		return &Error{
			Kind: Timeout, Op: "arbitrate", Switch: d.name,
			Err: errors.New("no arbitration reply"),
		}
	}
}

// streamReader drains the stream channel for the life of the connection,
// logging mastership changes. The supervisor learns of a dead channel
// through failing operations and probes, not from here.
func (d *P4RuntimeDriver) streamReader() {
	defer func() {
		if p := recover(); p != nil {
			// Print stack for panic
			d.log.Errorf("panic: %v\n%s", p, string(debug.Stack()))
		}
	}()

	for {
		msg, err := d.stream.Recv()
		if err != nil {
			if err != io.EOF && status.Code(err) != codes.Canceled {
				d.log.Warnf("stream channel closed: %v", err)
			}
			return
		}
		if arb := msg.GetArbitration(); arb != nil {
			if arb.GetStatus().GetCode() != int32(code.Code_OK) {
				d.log.Warnf("mastership lost: %s", arb.GetStatus().GetMessage())
			} else {
				d.log.Infof("mastership confirmed")
			}
		}
	}
}

func (d *P4RuntimeDriver) Kind() Kind { return KindSoftware }

func (d *P4RuntimeDriver) streamClose() {
	if d.streamCancel != nil {
		d.streamCancel()
	}
}

func (d *P4RuntimeDriver) Close() {
	d.streamClose()
	if err := d.conn.Close(); err != nil {
		d.log.Warnf("close: %v", err)
	}
}

func (d *P4RuntimeDriver) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, d.timeout)
}

// wireErr folds a gRPC error into the driver error taxonomy: Unavailable
// means the switch is gone, deadline and cancellation are timeouts, and
// every other status is the switch refusing the request.
func (d *P4RuntimeDriver) wireErr(op string, err error) error {
	if err == nil {
		return nil
	}
	kind := Rejected
	switch status.Code(err) {
	case codes.Unavailable:
		kind = Unreachable
	case codes.DeadlineExceeded, codes.Canceled:
		kind = Timeout
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		kind = Timeout
	}
	return &Error{Kind: kind, Op: op, Switch: d.name, Err: err}
}

// Ping issues the Capabilities RPC, the cheapest round trip the API offers.
func (d *P4RuntimeDriver) Ping(ctx context.Context) error {
	tctx, cancel := d.opCtx(ctx)
	defer cancel()
	_, err := d.client.Capabilities(tctx, &p4v1.CapabilitiesRequest{})
	return d.wireErr("ping", err)
}

// pipelineLocked returns the cached pipeline, fetching the installed
// forwarding config from the switch on first use. Callers hold d.mu.
func (d *P4RuntimeDriver) pipelineLocked(ctx context.Context) (*pipeline, error) {
	if d.pipe != nil {
		return d.pipe, nil
	}
	tctx, cancel := d.opCtx(ctx)
	defer cancel()
	resp, err := d.client.GetForwardingPipelineConfig(tctx, &p4v1.GetForwardingPipelineConfigRequest{
		DeviceId:     d.deviceID,
		ResponseType: p4v1.GetForwardingPipelineConfigRequest_P4INFO_AND_COOKIE,
	})
	if err != nil {
		return nil, d.wireErr("get-pipeline", err)
	}
	info := resp.GetConfig().GetP4Info()
	if info == nil || len(info.GetTables()) == 0 {
		return nil, &Error{
			Kind: Rejected, Op: "get-pipeline", Switch: d.name,
			Err: errors.New("no forwarding pipeline installed"),
		}
	}
	pipe, err := newPipeline(d.name, info)
	if err != nil {
		return nil, &Error{Kind: Rejected, Op: "get-pipeline", Switch: d.name, Err: err}
	}
	d.pipe = pipe
	return pipe, nil
}

// InstallPipeline pushes the compiled program and its p4info onto the
// switch with VERIFY_AND_COMMIT, wiping whatever tables were there.
func (d *P4RuntimeDriver) InstallPipeline(ctx context.Context) (*p4.Schema, error) {
	if d.program == "" || d.p4infoPath == "" {
		return nil, errors.New("program and p4info paths are required to install a pipeline")
	}
	p4infoBytes, err := ioutil.ReadFile(d.p4infoPath)
	if err != nil {
		return nil, errors.Wrap(err, "read p4info")
	}
	info := &p4config.P4Info{}
	if err := proto.UnmarshalText(string(p4infoBytes), info); err != nil {
		return nil, errors.Wrap(err, "parse p4info")
	}
	deviceConfig, err := ioutil.ReadFile(d.program)
	if err != nil {
		return nil, errors.Wrap(err, "read device config")
	}

	pipe, err := newPipeline(d.name, info)
	if err != nil {
		return nil, err
	}

	tctx, cancel := d.opCtx(ctx)
	defer cancel()
	_, err = d.client.SetForwardingPipelineConfig(tctx, &p4v1.SetForwardingPipelineConfigRequest{
		DeviceId:   d.deviceID,
		ElectionId: &d.electionID,
		Action:     p4v1.SetForwardingPipelineConfigRequest_VERIFY_AND_COMMIT,
		Config: &p4v1.ForwardingPipelineConfig{
			P4Info:         info,
			P4DeviceConfig: deviceConfig,
		},
	})
	if err != nil {
		return nil, d.wireErr("install-pipeline", err)
	}

	d.mu.Lock()
	d.pipe = pipe
	d.handles = make(map[p4.EntryHandle]*p4v1.TableEntry)
	d.mu.Unlock()

	d.log.Infof("installed pipeline %q (%d tables)", pipe.schema.Program, len(pipe.schema.Tables))
	return pipe.schema, nil
}

// ListTables reports the table layout of the installed pipeline.
func (d *P4RuntimeDriver) ListTables(ctx context.Context) ([]p4.TableSpec, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	pipe, err := d.pipelineLocked(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]p4.TableSpec, len(pipe.schema.Tables))
	copy(out, pipe.schema.Tables)
	return out, nil
}

// ReadEntries fetches every entry of one table and rebuilds the handle
// index for it. Default entries never show up in the result.
func (d *P4RuntimeDriver) ReadEntries(ctx context.Context, table string) ([]p4.TableEntry, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	pipe, err := d.pipelineLocked(ctx)
	if err != nil {
		return nil, err
	}
	t, ok := pipe.table(table)
	if !ok {
		return nil, &Error{
			Kind: Rejected, Op: "read", Switch: d.name,
			Err: errors.Errorf("table %q not in installed p4info", table),
		}
	}
	tableID := t.GetPreamble().GetId()

	tctx, cancel := d.opCtx(ctx)
	defer cancel()
	stream, err := d.client.Read(tctx, &p4v1.ReadRequest{
		DeviceId: d.deviceID,
		Entities: []*p4v1.Entity{{
			Entity: &p4v1.Entity_TableEntry{
				TableEntry: &p4v1.TableEntry{TableId: tableID},
			},
		}},
	})
	if err != nil {
		return nil, d.wireErr("read", err)
	}

	var wire []*p4v1.TableEntry
	for {
		resp, err := stream.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, d.wireErr("read", err)
		}
		for _, ent := range resp.GetEntities() {
			if we := ent.GetTableEntry(); we != nil {
				wire = append(wire, we)
			}
		}
	}

	// Handles for this table are rebuilt from what the switch reports, so
	// entries deleted behind our back stop being addressable.
	for h, we := range d.handles {
		if we.GetTableId() == tableID {
			delete(d.handles, h)
		}
	}
	entries := make([]p4.TableEntry, 0, len(wire))
	for _, we := range wire {
		if we.GetIsDefaultAction() {
			continue
		}
		e, err := pipe.normalizeEntry(we)
		if err != nil {
			return nil, &Error{Kind: Rejected, Op: "read", Switch: d.name, Err: err}
		}
		e.Handle = entryHandle(&e)
		d.handles[e.Handle] = we
		entries = append(entries, e)
	}
	return entries, nil
}

// AddEntry inserts one entry. The returned copy carries the handle under
// which modify and delete address it from now on.
func (d *P4RuntimeDriver) AddEntry(ctx context.Context, table string, e p4.TableEntry) (p4.TableEntry, error) {
	e.Table = table
	d.mu.Lock()
	defer d.mu.Unlock()
	pipe, err := d.pipelineLocked(ctx)
	if err != nil {
		return p4.TableEntry{}, err
	}
	we, err := pipe.wireEntry(&e)
	if err != nil {
		return p4.TableEntry{}, &Error{Kind: Rejected, Op: "add", Switch: d.name, Err: err}
	}
	if err := d.write(ctx, p4v1.Update_INSERT, we); err != nil {
		return p4.TableEntry{}, d.wireErr("add", err)
	}
	e.Handle = entryHandle(&e)
	e.Pending = false
	d.handles[e.Handle] = we
	return e, nil
}

// ModifyEntry swaps the action of the entry behind the handle. An unknown
// handle is refused locally, nothing goes on the wire for it.
func (d *P4RuntimeDriver) ModifyEntry(ctx context.Context, table string, h p4.EntryHandle, action p4.ActionCall) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	pipe, err := d.pipelineLocked(ctx)
	if err != nil {
		return err
	}
	we, ok := d.handles[h]
	if !ok {
		return &Error{
			Kind: Rejected, Op: "modify", Switch: d.name,
			Err: errors.Errorf("unknown entry handle %#x", uint64(h)),
		}
	}
	wa, err := pipe.wireAction(&action)
	if err != nil {
		return &Error{Kind: Rejected, Op: "modify", Switch: d.name, Err: err}
	}
	mod := proto.Clone(we).(*p4v1.TableEntry)
	mod.Action = wa
	if err := d.write(ctx, p4v1.Update_MODIFY, mod); err != nil {
		return d.wireErr("modify", err)
	}
	d.handles[h] = mod
	return nil
}

// DeleteEntry removes the entry behind the handle.
func (d *P4RuntimeDriver) DeleteEntry(ctx context.Context, table string, h p4.EntryHandle) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	we, ok := d.handles[h]
	if !ok {
		return &Error{
			Kind: Rejected, Op: "delete", Switch: d.name,
			Err: errors.Errorf("unknown entry handle %#x", uint64(h)),
		}
	}
	if err := d.write(ctx, p4v1.Update_DELETE, we); err != nil {
		return d.wireErr("delete", err)
	}
	delete(d.handles, h)
	return nil
}

func (d *P4RuntimeDriver) write(ctx context.Context, typ p4v1.Update_Type, we *p4v1.TableEntry) error {
	tctx, cancel := d.opCtx(ctx)
	defer cancel()
	_, err := d.client.Write(tctx, &p4v1.WriteRequest{
		DeviceId:   d.deviceID,
		ElectionId: &d.electionID,
		Updates: []*p4v1.Update{{
			Type:   typ,
			Entity: &p4v1.Entity{Entity: &p4v1.Entity_TableEntry{TableEntry: we}},
		}},
	})
	return err
}

// ReadCounter fetches one cell of an indexed counter.
func (d *P4RuntimeDriver) ReadCounter(ctx context.Context, counter string, index int64) (p4.CounterData, error) {
	d.mu.Lock()
	pipe, err := d.pipelineLocked(ctx)
	d.mu.Unlock()
	if err != nil {
		return p4.CounterData{}, err
	}
	var counterID uint32
	for _, c := range pipe.p4info.GetCounters() {
		if c.GetPreamble().GetName() == counter {
			counterID = c.GetPreamble().GetId()
			break
		}
	}
	if counterID == 0 {
		return p4.CounterData{}, &Error{
			Kind: Rejected, Op: "read-counter", Switch: d.name,
			Err: errors.Errorf("counter %q not in installed p4info", counter),
		}
	}

	tctx, cancel := d.opCtx(ctx)
	defer cancel()
	stream, err := d.client.Read(tctx, &p4v1.ReadRequest{
		DeviceId: d.deviceID,
		Entities: []*p4v1.Entity{{
			Entity: &p4v1.Entity_CounterEntry{
				CounterEntry: &p4v1.CounterEntry{
					CounterId: counterID,
					Index:     &p4v1.Index{Index: index},
				},
			},
		}},
	})
	if err != nil {
		return p4.CounterData{}, d.wireErr("read-counter", err)
	}
	for {
		resp, err := stream.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			return p4.CounterData{}, d.wireErr("read-counter", err)
		}
		for _, ent := range resp.GetEntities() {
			if ce := ent.GetCounterEntry(); ce != nil {
				return p4.CounterData{
					Packets: ce.GetData().GetPacketCount(),
					Bytes:   ce.GetData().GetByteCount(),
				}, nil
			}
		}
	}
	return p4.CounterData{}, &Error{
		Kind: Rejected, Op: "read-counter", Switch: d.name,
		Err: errors.Errorf("counter %q index %d: empty reply", counter, index),
	}
}

// entryHandle derives the stable handle of a normalized entry from its
// match key. The same key always maps to the same handle, so a re-read
// after reconnect addresses surviving entries unchanged.
func entryHandle(e *p4.TableEntry) p4.EntryHandle {
	h := fnv.New64a()
	io.WriteString(h, e.MatchKey())
	return p4.EntryHandle(h.Sum64())
}
