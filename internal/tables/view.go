package tables

import (
	"sync"

	"github.com/p4edit/go-tablectl/internal/p4"
)

// viewStore caches the last known entry set of every table, per switch.
// Entries go in and out as deep copies, so callers and the store never
// share byte slices.
type viewStore struct {
	mu    sync.Mutex
	views map[string]map[string][]p4.TableEntry
}

func newViewStore() *viewStore {
	return &viewStore{views: make(map[string]map[string][]p4.TableEntry)}
}

func (v *viewStore) tableLocked(sw, table string) []p4.TableEntry {
	byTable, ok := v.views[sw]
	if !ok {
		return nil
	}
	return byTable[table]
}

func (v *viewStore) setLocked(sw, table string, entries []p4.TableEntry) {
	byTable, ok := v.views[sw]
	if !ok {
		byTable = make(map[string][]p4.TableEntry)
		v.views[sw] = byTable
	}
	byTable[table] = entries
}

// snapshot returns a deep copy of the cached entries; empty when the
// table was never read or written.
func (v *viewStore) snapshot(sw, table string) []p4.TableEntry {
	v.mu.Lock()
	defer v.mu.Unlock()
	cached := v.tableLocked(sw, table)
	out := make([]p4.TableEntry, 0, len(cached))
	for i := range cached {
		out = append(out, cached[i].Clone())
	}
	return out
}

// upsert stores one entry, replacing a cached entry with the same handle.
func (v *viewStore) upsert(sw, table string, e p4.TableEntry) {
	v.mu.Lock()
	defer v.mu.Unlock()
	cached := v.tableLocked(sw, table)
	for i := range cached {
		if cached[i].Handle == e.Handle {
			cached[i] = e.Clone()
			return
		}
	}
	v.setLocked(sw, table, append(cached, e.Clone()))
}

// updateAction rewrites the action of the cached entry behind a handle.
// Reports whether the handle was cached at all.
func (v *viewStore) updateAction(sw, table string, h p4.EntryHandle, action p4.ActionCall, pending bool) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	cached := v.tableLocked(sw, table)
	for i := range cached {
		if cached[i].Handle != h {
			continue
		}
		e := cached[i].Clone()
		e.Action = p4.ActionCall{Name: action.Name}
		for _, param := range action.Params {
			e.Action.Params = append(e.Action.Params, append([]byte(nil), param...))
		}
		e.Pending = pending
		cached[i] = e
		return true
	}
	return false
}

// remove drops the cached entry behind a handle.
func (v *viewStore) remove(sw, table string, h p4.EntryHandle) {
	v.mu.Lock()
	defer v.mu.Unlock()
	cached := v.tableLocked(sw, table)
	for i := range cached {
		if cached[i].Handle == h {
			v.setLocked(sw, table, append(cached[:i:i], cached[i+1:]...))
			return
		}
	}
}

// replace swaps in a whole new entry set, the authoritative picture from
// a backend read. Stale pending echoes disappear here and only here.
func (v *viewStore) replace(sw, table string, entries []p4.TableEntry) {
	v.mu.Lock()
	defer v.mu.Unlock()
	copied := make([]p4.TableEntry, 0, len(entries))
	for i := range entries {
		copied = append(copied, entries[i].Clone())
	}
	v.setLocked(sw, table, copied)
}
