// Package backend drives the control channels of the supported switch
// types behind one Driver interface: P4Runtime over gRPC for the software
// switch, and the framed companion-agent protocol for hardware. Drivers
// translate between the normalized p4 entry model and their wire forms,
// classify failures into the backend.Error taxonomy, and never retry.
package backend

import (
	"context"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/p4edit/go-tablectl/internal/logger"
	"github.com/p4edit/go-tablectl/internal/p4"
	"github.com/p4edit/go-tablectl/pkg/factory"
)

// Kind names the backend variant a driver speaks to.
type Kind int

const (
	KindSoftware Kind = iota
	KindHardware
)

func (k Kind) String() string {
	switch k {
	case KindSoftware:
		return "software"
	case KindHardware:
		return "hardware"
	default:
		return "unknown"
	}
}

func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(s) {
	case "software":
		return KindSoftware, nil
	case "hardware":
		return KindHardware, nil
	}
	return 0, errors.Errorf("not support backend %q", s)
}

// Driver is the capability set both backends implement. All methods may
// block on network I/O bounded by the driver's per-request timeout; none
// retry internally. Errors are *backend.Error.
type Driver interface {
	Kind() Kind

	ListTables(ctx context.Context) ([]p4.TableSpec, error)
	ReadEntries(ctx context.Context, table string) ([]p4.TableEntry, error)
	AddEntry(ctx context.Context, table string, e p4.TableEntry) (p4.TableEntry, error)
	ModifyEntry(ctx context.Context, table string, h p4.EntryHandle, action p4.ActionCall) error
	DeleteEntry(ctx context.Context, table string, h p4.EntryHandle) error

	Ping(ctx context.Context) error
	Close()
}

// PipelineInstaller is implemented by drivers that can install a compiled
// program on their switch and report the resulting schema.
type PipelineInstaller interface {
	InstallPipeline(ctx context.Context) (*p4.Schema, error)
}

// CounterReader is implemented by drivers that can read counter cells.
type CounterReader interface {
	ReadCounter(ctx context.Context, counter string, index int64) (p4.CounterData, error)
}

// Open connects the driver matching the switch's configured backend kind.
// Connect failures come back as *Error with Op "connect".
func Open(cfg *factory.Switch, reqTimeout time.Duration) (Driver, error) {
	kind, err := ParseKind(cfg.Backend)
	if err != nil {
		return nil, err
	}
	logger.BackendLog.WithField(logger.FieldSwitch, cfg.Name).
		Infof("opening %s backend [%s]", kind, cfg.Addr)
	switch kind {
	case KindSoftware:
		return OpenP4Runtime(cfg, reqTimeout)
	case KindHardware:
		return OpenAgent(cfg, reqTimeout)
	}
	return nil, errors.Errorf("not support backend %q", cfg.Backend)
}
