/*
Package pool stores control plane objects in SQL tables and hands out
exclusive, locked handles to them.

A Pool is generic over the object type. Each table has the common columns
(oid, name, body, uid, gid, owner_u ... other_a) plus the extra integer
columns its Table definition declares; the body is the JSON encoding of the
object.

# Locking

Get returns a Handle that holds the object's lock until Release. A second Get
of the same oid waits, up to Options.LockTimeout or the context deadline,
and fails with ErrLocked:

	h, err := vms.Get(ctx, oid)
	if err != nil {
		return err
	}
	defer h.Release()

	vm := h.Object()
	vm.Resched = true
	return h.Update(ctx)

Changes made through a handle are only visible to others after Update;
releasing without Update discards them and the next Get reloads the row.
GetRO returns a copy read straight from the database without taking the
lock.

# Queries

Search, Count, Dump and List take a WHERE clause. Filter, UserFilter and
VisibleFilter build the ownership part of it the way the ACL rules require.
Clauses are plain SQL text; string values must go through DB.Escape.
*/
package pool
