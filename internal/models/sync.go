package models

import (
	"fmt"
	"time"
)

// SyncPhase is the lifecycle phase of the sync coordinator.
type SyncPhase string

const (
	SyncPhaseIdle    SyncPhase = "idle"
	SyncPhaseLoading SyncPhase = "loading"
	SyncPhaseSuccess SyncPhase = "success"
	SyncPhaseError   SyncPhase = "error"
)

// SyncState is the tagged state; Message is only set for SyncPhaseError.
type SyncState struct {
	Phase   SyncPhase `json:"phase"`
	Message string    `json:"message,omitempty"`
}

func (s SyncState) String() string {
	if s.Phase == SyncPhaseError {
		return fmt.Sprintf("error(%s)", s.Message)
	}
	return string(s.Phase)
}

// SyncSnapshot combines the coordinator phase with the ledger facts it observes.
type SyncSnapshot struct {
	State         SyncState  `json:"state"`
	UnsyncedCount int        `json:"unsynced_count"`
	LastSyncedAt  *time.Time `json:"last_synced_at,omitempty"`
	StatusText    string     `json:"status_text"`
}

// SyncStatusText renders the user-facing status line shown next to the sync control.
func SyncStatusText(state SyncState, unsynced int) string {
	switch {
	case state.Phase == SyncPhaseSuccess:
		return "Success"
	case state.Phase == SyncPhaseError:
		return state.Message
	case unsynced > 0:
		return fmt.Sprintf("%d records pending upload", unsynced)
	default:
		return ""
	}
}
