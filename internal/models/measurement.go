package models

import (
	"fmt"
	"strings"
	"time"
)

// StressCategory 压力等级标签（由 StressLevel 派生）
type StressCategory string

const (
	CategoryRelaxed  StressCategory = "relaxed"
	CategoryMild     StressCategory = "mild"
	CategoryModerate StressCategory = "moderate"
	CategoryHigh     StressCategory = "high"
)

// CategoryForLevel derives the category label for a stress level (0-100 scale).
// Merges never call this: the merged category is copied from one of the inputs.
func CategoryForLevel(level float64) StressCategory {
	switch {
	case level <= 25:
		return CategoryRelaxed
	case level <= 50:
		return CategoryMild
	case level <= 75:
		return CategoryModerate
	default:
		return CategoryHigh
	}
}

// MeasurementRecord 一条带时间戳的健康观测记录
type MeasurementRecord struct {
	Timestamp         time.Time      `json:"timestamp"`
	DeviceID          string         `json:"device_id"`
	StressLevel       float64        `json:"stress_level"`
	HRV               float64        `json:"hrv"`
	RestingHeartRate  float64        `json:"resting_heart_rate"`
	ConfidenceSamples []float64      `json:"confidence_samples,omitempty"`
	Category          StressCategory `json:"category"`
	IsSynced          bool           `json:"is_synced"`
	CloudRef          *string        `json:"cloud_ref,omitempty"`
	CloudModTime      *time.Time     `json:"cloud_mod_time,omitempty"`

	// PendingDelete marks a local tombstone waiting for the remote delete to be acknowledged.
	PendingDelete bool `json:"-"`
}

// NewMeasurement creates an unsynced record with its category derived from the stress level.
func NewMeasurement(ts time.Time, deviceID string, stress, hrv, restingHR float64, samples []float64) MeasurementRecord {
	return MeasurementRecord{
		Timestamp:         ts,
		DeviceID:          deviceID,
		StressLevel:       stress,
		HRV:               hrv,
		RestingHeartRate:  restingHR,
		ConfidenceSamples: samples,
		Category:          CategoryForLevel(stress),
	}
}

// Key returns the natural conflict-detection key of the record.
func (m MeasurementRecord) Key() RecordKey {
	return RecordKey{Timestamp: m.Timestamp, DeviceID: m.DeviceID}
}

// Clone returns a deep copy so callers can mutate slices and pointers freely.
func (m MeasurementRecord) Clone() MeasurementRecord {
	out := m
	if m.ConfidenceSamples != nil {
		out.ConfidenceSamples = append([]float64(nil), m.ConfidenceSamples...)
	}
	if m.CloudRef != nil {
		ref := *m.CloudRef
		out.CloudRef = &ref
	}
	if m.CloudModTime != nil {
		t := *m.CloudModTime
		out.CloudModTime = &t
	}
	return out
}

// RecordKey (timestamp, deviceID) 组成的自然键，不是代理主键
type RecordKey struct {
	Timestamp time.Time
	DeviceID  string
}

func (k RecordKey) String() string {
	return fmt.Sprintf("%s@%s", k.DeviceID, k.Timestamp.UTC().Format(time.RFC3339Nano))
}

// DeviceType 设备类型（封闭枚举，由调用方显式传入）
type DeviceType int

const (
	DeviceUnknown DeviceType = 0
	DeviceWatch   DeviceType = 1
	DeviceIPad    DeviceType = 2
	DeviceIPhone  DeviceType = 3
)

// Priority ranks device types for the device-priority strategy; higher wins.
func (d DeviceType) Priority() int {
	return int(d)
}

func (d DeviceType) String() string {
	switch d {
	case DeviceWatch:
		return "watch"
	case DeviceIPad:
		return "ipad"
	case DeviceIPhone:
		return "iphone"
	default:
		return "unknown"
	}
}

// ParseDeviceType parses a configured device type name.
func ParseDeviceType(name string) (DeviceType, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "watch":
		return DeviceWatch, nil
	case "ipad":
		return DeviceIPad, nil
	case "iphone", "phone":
		return DeviceIPhone, nil
	default:
		return DeviceUnknown, fmt.Errorf("unknown device type: %q", name)
	}
}

// DeviceTypeFromID classifies a legacy device identifier by prefix ("watch-", "ipad-"),
// defaulting to iPhone. Only ingestion boundaries that receive bare ids should use it.
func DeviceTypeFromID(deviceID string) DeviceType {
	id := strings.ToLower(deviceID)
	switch {
	case strings.HasPrefix(id, "watch-"):
		return DeviceWatch
	case strings.HasPrefix(id, "ipad-"):
		return DeviceIPad
	default:
		return DeviceIPhone
	}
}

// AccountState 云端账户状态
type AccountState string

const (
	AccountAvailable   AccountState = "available"
	AccountUnavailable AccountState = "unavailable"
	AccountUnknown     AccountState = "unknown"
)

// AccountStatus is reported by the cloud backend; Reason is set when unavailable.
type AccountStatus struct {
	State  AccountState `json:"status"`
	Reason string       `json:"reason,omitempty"`
}
