package models

import "time"

// MetricsSnapshot is a JSON-friendly summary of the Prometheus counters.
type MetricsSnapshot struct {
	RequestsTotal  uint64    `json:"requests_total"`
	CacheHitRatio  float64   `json:"cache_hit_ratio"`
	ScansAccepted  uint64    `json:"scans_accepted"`
	ScansRejected  uint64    `json:"scans_rejected"`
	SyncSucceeded  uint64    `json:"sync_succeeded"`
	SyncFailed     uint64    `json:"sync_failed"`
	UnsyncedRecord int64     `json:"unsynced_records"`
	Goroutines     int       `json:"goroutines"`
	GeneratedAt    time.Time `json:"generated_at"`
}
