package pool

import (
	"context"
	"fmt"
)

// Handle is an exclusive hold on one object. Mutate the object returned by
// Object, persist with Update and always Release:
//
//	h, err := vms.Get(ctx, oid)
//	if err != nil {
//		return err
//	}
//	defer h.Release()
//
// Changes made after the last Update are discarded on Release; the next Get
// reloads the object from the store.
type Handle[T Object] struct {
	pool  *Pool[T]
	entry *entry[T]
	oid   int

	synced   bool
	dropped  bool
	released bool
}

// OID returns the object id
func (h *Handle[T]) OID() int {
	return h.oid
}

// Object returns the locked object for mutation
func (h *Handle[T]) Object() T {
	h.synced = false
	return h.entry.obj
}

// Update persists the object while the lock is held
func (h *Handle[T]) Update(ctx context.Context) error {
	if h.released || h.dropped {
		return fmt.Errorf("update of %s %d on a released handle", h.pool.table.Name, h.oid)
	}
	if err := h.pool.update(ctx, h.entry.obj); err != nil {
		h.synced = false
		return err
	}
	h.synced = true
	return nil
}

// Drop deletes the object row. The oid is never reused.
func (h *Handle[T]) Drop(ctx context.Context) error {
	if h.released || h.dropped {
		return fmt.Errorf("drop of %s %d on a released handle", h.pool.table.Name, h.oid)
	}
	if err := h.pool.drop(ctx, h.oid); err != nil {
		return err
	}
	h.dropped = true
	h.pool.logger.Debug().Int("oid", h.oid).Msg("Dropped object")
	return nil
}

// Release unlocks the object. It is safe to call more than once.
func (h *Handle[T]) Release() {
	if h.released {
		return
	}
	h.released = true

	e := h.entry
	if !h.synced || h.dropped {
		var zero T
		e.obj = zero
		e.loaded = false
	}
	keep := e.loaded
	<-e.lock

	h.pool.unref(h.oid, e, keep)
}
