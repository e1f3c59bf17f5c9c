package node

import "time"

// Config holds node configuration. Zero values fall back to the defaults
// applied in New.
type Config struct {
	ID           string
	AdvertiseURL string

	Difficulty  int
	GenesisTime time.Time

	PeerTimeout    time.Duration
	MaxConcurrency int
	// PeerMaxFailures is how many consecutive failed chain fetches drop a
	// peer from the registry. Negative disables it.
	PeerMaxFailures int

	AnnounceTimeout    time.Duration
	AnnounceMaxRetries int

	// MineInterval and SyncInterval enable the background loops in Run when
	// positive.
	MineInterval time.Duration
	SyncInterval time.Duration
}
