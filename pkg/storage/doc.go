/*
Package storage defines the raw event store interface shared by the
ingestion path, the rollup engine, and the lifecycle manager.

Raw events are append-mostly rows keyed by (timestamp, surrogate id),
physically split into fixed one-day partitions. Partitions are created
lazily as time advances and move through a one-way lifecycle:

	open (writable) → compressed (read-only, columnar) → expired (gone)

Compression and retention operate on whole partitions, so aging data
out is a handful of prefix deletes rather than row-by-row cleanup.

Two backends implement the interface: storage/badger for production and
storage/memory for tests.
*/
package storage
