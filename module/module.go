// Package module implements the gateway's pluggable security-module
// registry (spec.md §4.3): an ordered, priority-keyed set of modules
// exposing blk_write/blk_read/net_tx/net_rx hooks, any one of which may
// allow, modify, or deny a payload.
package module

import (
	"errors"
	"fmt"
)

// Action is a module's verdict on a payload.
type Action int

const (
	// Allow lets the payload through, possibly modified.
	Allow Action = iota
	// Deny is treated as a security-relevant invariant violation: the
	// gateway halts (spec.md §4.3, §7).
	Deny
)

// Return is what a hook reports back to the registry.
type Return struct {
	Modified bool
	Action   Action
}

// BlkFunc is the signature shared by blk_write and blk_read hooks.
type BlkFunc func(data []byte, sector uint64, tagTableAddr uintptr) Return

// NetFunc is the signature shared by net_tx and net_rx hooks.
type NetFunc func(data []byte, arg uintptr) Return

// Module is one pluggable hook set, identified by name with an ascending
// run-order priority. Any hook may be nil, meaning "pass through
// unmodified, Allow" for that domain.
type Module struct {
	Name     string
	Priority uint8

	BlkWrite BlkFunc
	BlkRead  BlkFunc
	NetTX    NetFunc
	NetRX    NetFunc
}

// ErrDenied reports that a module's Deny verdict halted the dispatch
// loop. Per spec.md §7 there is no recovery path: the caller is expected
// to panic on it, not retry.
type ErrDenied struct {
	Hook   string
	Module string
}

func (e *ErrDenied) Error() string {
	return fmt.Sprintf("module %q denied %s", e.Module, e.Hook)
}

var errDuplicate = errors.New("module already registered")

// Registry holds modules in ascending-priority run order. The zero value
// is an empty, ready-to-use registry.
type Registry struct {
	modules []Module
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register inserts m in priority order. Duplicate names or duplicate
// priorities are rejected (spec.md §4.3: "duplicate names or priorities
// are rejected").
func (r *Registry) Register(m Module) error {
	for _, existing := range r.modules {
		if existing.Name == m.Name {
			return fmt.Errorf("%w: name %q", errDuplicate, m.Name)
		}
		if existing.Priority == m.Priority {
			return fmt.Errorf("%w: priority %d", errDuplicate, m.Priority)
		}
	}

	idx := len(r.modules)
	for i, existing := range r.modules {
		if m.Priority < existing.Priority {
			idx = i
			break
		}
	}

	r.modules = append(r.modules, Module{})
	copy(r.modules[idx+1:], r.modules[idx:])
	r.modules[idx] = m

	return nil
}

// Len reports how many modules are registered.
func (r *Registry) Len() int {
	return len(r.modules)
}

// MonitorBlkWrite runs blk_write on every registered module in priority
// order, OR-accumulating modified and stopping (with ErrDenied) at the
// first Deny.
func (r *Registry) MonitorBlkWrite(data []byte, sector uint64, tagTableAddr uintptr) (Return, error) {
	return r.runBlk(r.blkWriteAt, data, sector, tagTableAddr, "blk_write")
}

// MonitorBlkRead is the read-path counterpart of MonitorBlkWrite.
func (r *Registry) MonitorBlkRead(data []byte, sector uint64, tagTableAddr uintptr) (Return, error) {
	return r.runBlk(r.blkReadAt, data, sector, tagTableAddr, "blk_read")
}

func (r *Registry) blkWriteAt(i int) BlkFunc { return r.modules[i].BlkWrite }
func (r *Registry) blkReadAt(i int) BlkFunc  { return r.modules[i].BlkRead }

func (r *Registry) runBlk(pick func(int) BlkFunc, data []byte, sector uint64, tagTableAddr uintptr, hook string) (Return, error) {
	var modified bool

	for i, m := range r.modules {
		fn := pick(i)
		if fn == nil {
			continue
		}

		res := fn(data, sector, tagTableAddr)
		if res.Action == Deny {
			return Return{Action: Deny}, &ErrDenied{Hook: hook, Module: m.Name}
		}

		modified = modified || res.Modified
	}

	return Return{Modified: modified, Action: Allow}, nil
}

// MonitorNetTX runs net_tx on every registered module in priority order.
func (r *Registry) MonitorNetTX(data []byte, arg uintptr) (Return, error) {
	return r.runNet(r.netTXAt, data, arg, "net_tx")
}

// MonitorNetRX runs net_rx on every registered module in priority order.
func (r *Registry) MonitorNetRX(data []byte, arg uintptr) (Return, error) {
	return r.runNet(r.netRXAt, data, arg, "net_rx")
}

func (r *Registry) netTXAt(i int) NetFunc { return r.modules[i].NetTX }
func (r *Registry) netRXAt(i int) NetFunc { return r.modules[i].NetRX }

func (r *Registry) runNet(pick func(int) NetFunc, data []byte, arg uintptr, hook string) (Return, error) {
	var modified bool

	for i, m := range r.modules {
		fn := pick(i)
		if fn == nil {
			continue
		}

		res := fn(data, arg)
		if res.Action == Deny {
			return Return{Action: Deny}, &ErrDenied{Hook: hook, Module: m.Name}
		}

		modified = modified || res.Modified
	}

	return Return{Modified: modified, Action: Allow}, nil
}
