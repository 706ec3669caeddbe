// Package export provides raw event backup and restore.
//
// JSON archives carry full event fidelity (metadata header plus the
// stored events) and can be re-imported, for disaster recovery or for
// moving data between instances. CSV exports flatten each event to one
// row with the payload as a JSON column; they are for spreadsheets and
// pandas, not for re-import.
//
// Restores re-append events through the normal write path, so they get
// fresh surrogate ids and respect partition lifecycle: a day that has
// already been compressed is skipped and reported, never overwritten.
package export
