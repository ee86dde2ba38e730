package resolver

import (
	"fmt"
	"math"
	"strings"
	"time"

	"wisefido-sync/internal/models"
)

// Strategy 冲突解决策略
type Strategy string

const (
	StrategyTimestamp      Strategy = "timestamp"
	StrategyServerWins     Strategy = "server_wins"
	StrategyClientWins     Strategy = "client_wins"
	StrategyDevicePriority Strategy = "device_priority"
)

// SameEventWindow is the timestamp distance under which two records are treated
// as the same logical event and merged.
const SameEventWindow = time.Second

// ParseStrategy parses a configured strategy name.
func ParseStrategy(name string) (Strategy, error) {
	switch s := Strategy(strings.ToLower(strings.TrimSpace(name))); s {
	case StrategyTimestamp, StrategyServerWins, StrategyClientWins, StrategyDevicePriority:
		return s, nil
	default:
		return "", fmt.Errorf("unknown resolution strategy: %q", name)
	}
}

// ConflictResolver decides how a local/remote record pair is reconciled.
// It holds no state beyond its configuration and performs no I/O.
type ConflictResolver struct {
	strategy    Strategy
	localDevice models.DeviceType
}

// NewConflictResolver creates a resolver. localDevice is the type of the device this
// process runs on; it is only consulted by StrategyDevicePriority.
func NewConflictResolver(strategy Strategy, localDevice models.DeviceType) *ConflictResolver {
	return &ConflictResolver{
		strategy:    strategy,
		localDevice: localDevice,
	}
}

// Strategy returns the configured strategy.
func (r *ConflictResolver) Strategy() Strategy {
	return r.strategy
}

// Resolve decides between local and remote. remoteDevice is optional; without it
// StrategyDevicePriority falls back to timestamps.
func (r *ConflictResolver) Resolve(local, remote models.MeasurementRecord, remoteDevice *models.DeviceType) models.MergeDecision {
	switch r.strategy {
	case StrategyServerWins:
		return models.KeepRemote
	case StrategyClientWins:
		return models.KeepLocal
	case StrategyDevicePriority:
		if remoteDevice == nil {
			return resolveByTimestamp(local, remote)
		}
		localPriority := r.localDevice.Priority()
		remotePriority := remoteDevice.Priority()
		switch {
		case localPriority > remotePriority:
			return models.KeepLocal
		case remotePriority > localPriority:
			return models.KeepRemote
		default:
			return resolveByTimestamp(local, remote)
		}
	default:
		return resolveByTimestamp(local, remote)
	}
}

// resolveByTimestamp merges records less than SameEventWindow apart, otherwise the later one wins.
func resolveByTimestamp(local, remote models.MeasurementRecord) models.MergeDecision {
	delta := local.Timestamp.Sub(remote.Timestamp)
	if delta < 0 {
		delta = -delta
	}
	if delta < SameEventWindow {
		return models.Merge
	}
	if local.Timestamp.After(remote.Timestamp) {
		return models.KeepLocal
	}
	return models.KeepRemote
}

// ResolveDeleted applies the tombstone matrix: a missing side means the record was
// deleted (or never existed) there.
func (r *ConflictResolver) ResolveDeleted(local, remote *models.MeasurementRecord) models.MergeDecision {
	switch {
	case local == nil && remote == nil:
		return models.KeepLocal
	case local == nil:
		return models.KeepRemote
	case remote == nil:
		return models.KeepLocal
	default:
		return r.Resolve(*local, *remote, nil)
	}
}

// ResolveBatch matches each local record to a remote by whole epoch seconds of the
// timestamp and resolves the pair. Locals without a match resolve to KeepLocal.
// Remotes without a local match are not part of the output.
//
// Matching ignores deviceID, so two records from different devices within the same
// second can pair up wrongly; when several remotes share a second, the first one wins.
// Pairs are resolved without a remote device type.
func (r *ConflictResolver) ResolveBatch(locals, remotes []models.MeasurementRecord) []models.ConflictResolution {
	bySecond := make(map[int64]int, len(remotes))
	for i, remote := range remotes {
		key := remote.Timestamp.Unix()
		if _, exists := bySecond[key]; !exists {
			bySecond[key] = i
		}
	}

	out := make([]models.ConflictResolution, 0, len(locals))
	for _, local := range locals {
		idx, ok := bySecond[local.Timestamp.Unix()]
		if !ok {
			out = append(out, models.ConflictResolution{
				Local:    local,
				Decision: models.KeepLocal,
			})
			continue
		}
		remote := remotes[idx]
		out = append(out, models.ConflictResolution{
			Local:    local,
			Remote:   &remote,
			Decision: r.Resolve(local, remote, nil),
		})
	}
	return out
}

// Apply re-derives the winning record from a decision and both inputs.
func Apply(decision models.MergeDecision, local, remote models.MeasurementRecord) models.MeasurementRecord {
	switch decision {
	case models.KeepRemote:
		return remote.Clone()
	case models.Merge:
		return MergeRecords(local, remote)
	default:
		return local.Clone()
	}
}

// MergeRecords combines two records describing the same logical event.
//
// Numeric fields take the pairwise max with no range clamping. Category is copied
// from the side with the greater stress level (ties keep local) and is not
// recomputed, so it may disagree with the merged level. The merged record keeps the
// local identity and is unsynced; the remote cloud reference is carried over when
// the local side has none so the next push updates the same remote record.
func MergeRecords(local, remote models.MeasurementRecord) models.MeasurementRecord {
	merged := local.Clone()
	merged.StressLevel = math.Max(local.StressLevel, remote.StressLevel)
	merged.HRV = math.Max(local.HRV, remote.HRV)
	merged.RestingHeartRate = math.Max(local.RestingHeartRate, remote.RestingHeartRate)
	merged.ConfidenceSamples = mergeSamples(local.ConfidenceSamples, remote.ConfidenceSamples)

	if remote.StressLevel > local.StressLevel {
		merged.Category = remote.Category
	} else {
		merged.Category = local.Category
	}

	if remote.Timestamp.After(local.Timestamp) {
		merged.Timestamp = remote.Timestamp
	}

	if merged.CloudRef == nil && remote.CloudRef != nil {
		ref := *remote.CloudRef
		merged.CloudRef = &ref
	}
	if merged.CloudModTime == nil && remote.CloudModTime != nil {
		t := *remote.CloudModTime
		merged.CloudModTime = &t
	}
	merged.IsSynced = false
	merged.PendingDelete = false
	return merged
}

// mergeSamples takes the index-wise max, padding the shorter side with zeros.
func mergeSamples(local, remote []float64) []float64 {
	if len(local) == 0 {
		return append([]float64(nil), remote...)
	}
	if len(remote) == 0 {
		return append([]float64(nil), local...)
	}
	n := len(local)
	if len(remote) > n {
		n = len(remote)
	}
	out := make([]float64, n)
	for i := 0; i < n; i++ {
		var l, r float64
		if i < len(local) {
			l = local[i]
		}
		if i < len(remote) {
			r = remote[i]
		}
		out[i] = math.Max(l, r)
	}
	return out
}
