/*
Package strata is the transactional, content-addressed storage core of a
version-control engine.

Objects are immutable and addressed by the hash of their canonical encoding;
references are mutable names moved only through compare-and-swap; every
mutation commits through an atomic transaction and lands in a durable
operation log whose cursor supports undo, redo, replay and compaction. The
same capability set is realized by several storage backends, from in-process
memory to SQL databases, an embedded key-value store and object storage
buckets.
*/
package strata
