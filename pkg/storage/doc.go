/*
Package storage keeps the local state of a stratus daemon in a bbolt file
(journal.db in the data directory).

Two buckets are used:

	intents   quota intents keyed by id, JSON encoded
	meta      daemon metadata such as the version that last started

The object tables live in the SQL database behind package pool; this store
only holds what must survive a crash of the daemon itself.
*/
package storage
