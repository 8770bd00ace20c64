package engine

import (
	"context"
	"sync"

	"github.com/seawire/anchor/errors"
)

// holderKey binds one engine's stack holder into a context. Two engines
// bound into the same context never see each other's stacks.
type holderKey struct{ engine *Engine }

// stackHolder is the mutable cell a context points at. The holder owns a
// reference to the shared connection stack; the stack itself is created
// lazily on the first push and the reference is dropped again when the stack
// empties, so an empty lineage reports no current connection.
type stackHolder struct {
	mu    sync.Mutex
	stack *connStack
}

func (h *stackHolder) current() *connStack {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stack
}

func (h *stackHolder) push(s *rootSlot) {
	h.mu.Lock()
	if h.stack == nil {
		h.stack = &connStack{}
	}
	st := h.stack
	h.mu.Unlock()
	st.push(s)
}

func (h *stackHolder) top() *rootSlot {
	st := h.current()
	if st == nil {
		return nil
	}
	return st.top()
}

func (h *stackHolder) remove(s *rootSlot) error {
	st := h.current()
	if st == nil {
		return errors.Interface("engine.release", "connection was already released")
	}
	empty, err := st.remove(s)
	if err != nil {
		return err
	}
	if empty {
		h.mu.Lock()
		if h.stack == st {
			h.stack = nil
		}
		h.mu.Unlock()
	}
	return nil
}

// connStack is the per-lineage stack of reusable root slots. Forked holders
// share one stack by reference, so a child task pushing onto the stack is
// visible to reuse in the parent's lineage and vice versa.
type connStack struct {
	mu    sync.Mutex
	slots []*rootSlot
}

func (st *connStack) push(s *rootSlot) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.slots = append(st.slots, s)
}

func (st *connStack) top() *rootSlot {
	st.mu.Lock()
	defer st.mu.Unlock()
	if len(st.slots) == 0 {
		return nil
	}
	return st.slots[len(st.slots)-1]
}

// remove takes s off the stack. Only the top may be removed; releasing a
// slot buried under younger ones is a wrong-order error, and releasing one
// that is not on the stack at all is a double release. Neither is silent.
func (st *connStack) remove(s *rootSlot) (empty bool, err error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	n := len(st.slots)
	if n > 0 && st.slots[n-1] == s {
		st.slots[n-1] = nil
		st.slots = st.slots[:n-1]
		return len(st.slots) == 0, nil
	}
	for _, held := range st.slots {
		if held == s {
			return false, errors.Interface("engine.release",
				"connection released out of order: younger connections are still held")
		}
	}
	return false, errors.Interface("engine.release", "connection was already released")
}

// BindContext installs a fresh, empty stack holder for this engine. Call it
// once at the top of each logical task; acquisitions below it in the call
// tree share the holder through the returned context.
func (e *Engine) BindContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, holderKey{e}, &stackHolder{})
}

// ForkContext prepares ctx for handing to a concurrent task: the new holder
// starts with a reference to the current stack, so the task sees connections
// already held here, but pushes and pops in either lineage keep their own
// binding.
func (e *Engine) ForkContext(ctx context.Context) context.Context {
	child := &stackHolder{}
	if h := e.holder(ctx); h != nil {
		child.stack = h.current()
	}
	return context.WithValue(ctx, holderKey{e}, child)
}

func (e *Engine) holder(ctx context.Context) *stackHolder {
	h, _ := ctx.Value(holderKey{e}).(*stackHolder)
	return h
}
