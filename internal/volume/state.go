// Package volume holds the per-role (storage/proxy/archive) on-disk
// volume directory: its state machine, its durable checkpoint queue, and
// its identity/uuid bookkeeping. Grounded on storage_vol_info.hpp,
// proxy_data.hpp, archive_vol_info.hpp and archive.hpp's StateMachine
// usage; the state_machine.hpp header that would declare StateMachine's
// and StateMachineTransaction's exact C++ method bodies was not present
// in the retrieved source tree, so Machine/Transaction below are this
// package's own expression of the same "steady state <-> temporary state,
// guarded by a from/to pair table" idea, not a transcription of unseen
// code.
package volume

import (
	"sync"

	"github.com/cybozu-go/walb-tools/internal/walberr"
)

// Pair is one allowed transition edge, matching StateMachine::Pair.
type Pair struct {
	From string
	To   string
}

// Machine is a guarded state register: every transition must match an
// edge in its table, so a caller can never observe (or leave the volume
// in) a state the table doesn't know about.
type Machine struct {
	mu      sync.Mutex
	table   map[string]map[string]bool
	current string
}

// NewMachine builds a machine whose only allowed transitions are pairs,
// initially set to initial.
func NewMachine(pairs []Pair, initial string) *Machine {
	m := &Machine{table: make(map[string]map[string]bool), current: initial}
	for _, p := range pairs {
		if m.table[p.From] == nil {
			m.table[p.From] = make(map[string]bool)
		}
		m.table[p.From][p.To] = true
	}
	return m
}

// Get returns the current state.
func (m *Machine) Get() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Set forces the state unconditionally, used only during directory
// initialization (StorageVolInfo.init's setState(sSyncReady) equivalent).
func (m *Machine) Set(s string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.current = s
}

// CanGo reports whether a from->to edge exists in the table.
func (m *Machine) CanGo(from, to string) bool {
	return m.table[from] != nil && m.table[from][to]
}

// tryGoTo moves from `from` to `to` iff the machine is currently at
// `from` and the edge is permitted, returning a BadState error otherwise.
// Must be called with the lock held.
func (m *Machine) tryGoToLocked(from, to string) error {
	if m.current != from {
		return walberr.New(walberr.BadState, "volume state: expected %q, got %q (wanted -> %q)", from, m.current, to)
	}
	if !m.CanGo(from, to) {
		return walberr.New(walberr.BadState, "volume state: no transition %q -> %q", from, to)
	}
	m.current = to
	return nil
}

// Transaction is a two-step guarded transition: entering a temporary
// state on Begin, then either Commit-ing to a final steady state or
// Rollback-ing to the original state on failure — a from/temp/to RAII
// guard reexpressed as explicit Go methods since Go has no destructors.
type Transaction struct {
	m      *Machine
	from   string
	temp   string
	closed bool
}

// Begin transitions m from `from` to the temporary state `temp`,
// matching `StateMachineTransaction tran(sm, from, temp, FUNC)`.
func Begin(m *Machine, from, temp string) (*Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.tryGoToLocked(from, temp); err != nil {
		return nil, err
	}
	return &Transaction{m: m, from: from, temp: temp}, nil
}

// Commit transitions out of the temporary state into final, the
// transaction's one allowed success outcome.
func (t *Transaction) Commit(final string) error {
	if t.closed {
		return walberr.New(walberr.Internal, "volume transaction: already closed")
	}
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	if err := t.m.tryGoToLocked(t.temp, final); err != nil {
		return err
	}
	t.closed = true
	return nil
}

// Rollback restores the state the transaction started from, used by a
// deferred cleanup on the error path.
func (t *Transaction) Rollback() {
	if t.closed {
		return
	}
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	t.m.current = t.from
	t.closed = true
}
