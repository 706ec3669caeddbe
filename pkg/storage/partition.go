package storage

import "time"

// PartitionID identifies one day-wide partition of the raw event store:
// the number of whole days since the Unix epoch, in UTC. A row's
// partition is a pure function of its timestamp and never changes.
type PartitionID int64

const partitionWidth = 24 * time.Hour

// PartitionOf returns the partition a timestamp belongs to.
func PartitionOf(t time.Time) PartitionID {
	return PartitionID(t.UTC().Unix() / int64(partitionWidth/time.Second))
}

// Start returns the inclusive lower bound of the partition's time range.
func (p PartitionID) Start() time.Time {
	return time.Unix(int64(p)*int64(partitionWidth/time.Second), 0).UTC()
}

// End returns the exclusive upper bound of the partition's time range.
func (p PartitionID) End() time.Time {
	return p.Start().Add(partitionWidth)
}

// PartitionState tracks where a partition is in its lifecycle.
// Transitions are one-way: open → compressed → expired.
type PartitionState string

const (
	PartitionOpen       PartitionState = "open"
	PartitionCompressed PartitionState = "compressed"
	PartitionExpired    PartitionState = "expired"
)

// PartitionInfo describes one day partition.
type PartitionInfo struct {
	Day   PartitionID
	State PartitionState
	Rows  int64
}
