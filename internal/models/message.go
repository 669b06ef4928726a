// internal/models/message.go
package models

import "time"

type MessageKind string

const (
	KindText        MessageKind = "text"
	KindButton      MessageKind = "button"
	KindList        MessageKind = "list"
	KindMedia       MessageKind = "media"
	KindUnsupported MessageKind = "unsupported"
)

// InboundMessage is the normalized form of any provider message.
type InboundMessage struct {
	TenantID    string      `json:"tenantId"`
	From        string      `json:"from"`
	ProfileName string      `json:"profileName,omitempty"`
	MessageID   string      `json:"messageId"`
	Timestamp   time.Time   `json:"timestamp"`
	Kind        MessageKind `json:"kind"`
	Text        string      `json:"text"`
	ChoiceID    string      `json:"choiceId,omitempty"`
}
