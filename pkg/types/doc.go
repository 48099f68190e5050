/*
Package types defines the objects of the control plane: virtual machines,
backup jobs, their states and the quota templates derived from them.

Objects embed ObjectBase (oid, owner, permissions and the attribute
template) and are stored by package pool. Methods on the objects change only
the object itself; locking, persistence and quota accounting are the job of
the engines that call them.
*/
package types
