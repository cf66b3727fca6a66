package storage

import (
	"context"

	"meli-leader-bot/models"
)

// LeaderStore is the interface any leader-state backend must satisfy.
// It maps a tracked product id to the identity of its last known leader.
type LeaderStore interface {
	// LoadAll never fails: an absent or unreadable store is an empty mapping.
	LoadAll(ctx context.Context) map[string]string
	Previous(ctx context.Context, productID string) (string, bool)
	// RecordLeader replaces the entry for productID only. After it returns
	// nil the new mapping survives a restart.
	RecordLeader(ctx context.Context, productID, leaderID string) error
	Close() error
}

// HistoryWriter persists an audit row for every detected leader change.
type HistoryWriter interface {
	Append(snap models.LeaderSnapshot, previousID string, leader models.Listing) error
	Close() error
}
