package models

import "fmt"

// MergeDecision 冲突裁决结果（不携带数据，由调用方根据两侧输入推导最终记录）
type MergeDecision string

const (
	KeepLocal  MergeDecision = "keep_local"
	KeepRemote MergeDecision = "keep_remote"
	Merge      MergeDecision = "merge"
)

// ConflictResolution pairs a local record with its matched remote (if any) and the decision.
type ConflictResolution struct {
	Local    MeasurementRecord
	Remote   *MeasurementRecord
	Decision MergeDecision
}

// HasConflict reports whether a remote counterpart was matched.
func (c ConflictResolution) HasConflict() bool {
	return c.Remote != nil
}

// SyncState 同步状态机的状态
type SyncState string

const (
	StateIdle        SyncState = "idle"
	StateSyncing     SyncState = "syncing"
	StateSuccess     SyncState = "success"
	StateError       SyncState = "error"
	StateUnavailable SyncState = "unavailable"
)

// SyncStatus is the coordinator-owned status value. Progress is meaningful only
// while syncing; Reason only for error and unavailable.
type SyncStatus struct {
	State    SyncState `json:"state"`
	Progress float64   `json:"progress,omitempty"`
	Reason   string    `json:"reason,omitempty"`
}

func StatusIdle() SyncStatus { return SyncStatus{State: StateIdle} }

func StatusSyncing(progress float64) SyncStatus {
	return SyncStatus{State: StateSyncing, Progress: progress}
}

func StatusSuccess() SyncStatus { return SyncStatus{State: StateSuccess, Progress: 1} }

func StatusError(reason string) SyncStatus {
	return SyncStatus{State: StateError, Reason: reason}
}

func StatusUnavailable(reason string) SyncStatus {
	return SyncStatus{State: StateUnavailable, Reason: reason}
}

// IsTerminal reports whether the status ends a sync pass.
func (s SyncStatus) IsTerminal() bool {
	return s.State == StateSuccess || s.State == StateError
}

func (s SyncStatus) String() string {
	switch s.State {
	case StateSyncing:
		return fmt.Sprintf("syncing(%.2f)", s.Progress)
	case StateError, StateUnavailable:
		return fmt.Sprintf("%s(%s)", s.State, s.Reason)
	default:
		return string(s.State)
	}
}
