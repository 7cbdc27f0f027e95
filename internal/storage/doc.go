// Package storage persists posts and the backfill ledger.
//
// Every driver enforces (channel, message_id) uniqueness atomically, so the
// ingestion pipeline may race the live feed against backfill safely.
package storage
