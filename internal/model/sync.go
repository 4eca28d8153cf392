package model

import "time"

// SyncStatus is the terminal state of a sync run.
type SyncStatus string

const (
	SyncStatusSuccess SyncStatus = "success"
	SyncStatusError   SyncStatus = "error"
)

// SyncTrigger records what started a sync run.
type SyncTrigger string

const (
	TriggerManual   SyncTrigger = "manual"
	TriggerSchedule SyncTrigger = "schedule"
	TriggerCLI      SyncTrigger = "cli"
)

// Totals are the counters accumulated across one sync run.
type Totals struct {
	Fetched      int `json:"fetched"`
	Normalized   int `json:"normalized"`
	Skipped      int `json:"skipped"`
	Written      int `json:"written"`
	Failed       int `json:"failed"`
	Deduplicated int `json:"deduplicated"`
}

// SourceTotals are the per-source counters of a run.
type SourceTotals struct {
	Name       string `json:"name"`
	Fetched    int    `json:"fetched"`
	Normalized int    `json:"normalized"`
	Skipped    int    `json:"skipped"`
	Error      string `json:"error,omitempty"`
}

// SyncRun is one append-only SyncLog entry.
type SyncRun struct {
	ID           string         `json:"id"`
	StartedAt    time.Time      `json:"startedAt"`
	DurationSecs float64        `json:"duration"`
	Totals
	Status  SyncStatus     `json:"status"`
	Error   string         `json:"error,omitempty"`
	Trigger SyncTrigger    `json:"trigger"`
	Sources []SourceTotals `json:"sources,omitempty"`
}
