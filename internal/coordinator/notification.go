package coordinator

import (
	"encoding/json"
)

// DefaultSubscriptionID is the subscription remote change notifications carry.
const DefaultSubscriptionID = "measurement-changes"

// notificationPayload 远端变更推送的消息体
//
//	{"subscription_id": "measurement-changes", "reason": "record_updated"}
type notificationPayload struct {
	SubscriptionID string `json:"subscription_id"`
	Reason         string `json:"reason,omitempty"`
}

// isSyncTrigger reports whether payload is a change notification for subscriptionID.
// Malformed payloads are simply not recognized.
func isSyncTrigger(payload []byte, subscriptionID string) bool {
	var n notificationPayload
	if err := json.Unmarshal(payload, &n); err != nil {
		return false
	}
	return n.SubscriptionID != "" && n.SubscriptionID == subscriptionID
}
