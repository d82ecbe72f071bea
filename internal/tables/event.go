package tables

import (
	"fmt"

	"github.com/p4edit/go-tablectl/internal/p4"
)

// Op is the table operation an event reports on.
type Op int

const (
	OpAdd Op = iota
	OpModify
	OpDelete
	OpRefresh
)

func (o Op) String() string {
	switch o {
	case OpAdd:
		return "add"
	case OpModify:
		return "modify"
	case OpDelete:
		return "delete"
	case OpRefresh:
		return "refresh"
	default:
		return fmt.Sprintf("op(%d)", int(o))
	}
}

// Event reports one attempted table change: which switch and table, what
// was tried, the view after the attempt, and the error if it failed.
// Failed attempts are reported too; their snapshot shows the unchanged
// view.
type Event struct {
	Switch  string
	Table   string
	Op      Op
	Entries []p4.TableEntry
	Err     error
}

// Handler receives change events. Emission is synchronous from the
// operation's goroutine: a handler must hand the event off and return,
// never block, and never call back into the Manager.
type Handler interface {
	OnTableChange(Event)
}

// Subscription unregisters its handler on Cancel.
type Subscription struct {
	m  *Manager
	id int
}

func (s *Subscription) Cancel() {
	s.m.smu.Lock()
	defer s.m.smu.Unlock()
	delete(s.m.subs, s.id)
}
