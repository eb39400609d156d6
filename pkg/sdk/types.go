package sdk

import (
	"encoding/json"
	"time"
)

// Stream event types emitted on /api/chat.
const (
	EventProviderRoute = "provider-route"
	EventToken         = "token"
	EventToolStarted   = "tool-call-started"
	EventToolPartial   = "tool-output-partially-available"
	EventToolBackpress = "tool-backpressure"
	EventError         = "error"
	EventDone          = "done"
)

// ChatRequest is the chat endpoint's request contract.
type ChatRequest struct {
	ThreadID  string `json:"threadId"`
	Content   string `json:"content"`
	ModelID   string `json:"modelId,omitempty"`
	WebSearch bool   `json:"webSearch,omitempty"`
}

// StreamEvent is one SSE frame from the chat stream. Data stays raw; decode
// it per Type (a token event carries a JSON string, provider-route a route
// object, and so on).
type StreamEvent struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Token decodes the event payload as a token string. ok is false for
// non-token events.
func (e StreamEvent) Token() (string, bool) {
	if e.Type != EventToken {
		return "", false
	}
	var s string
	if err := json.Unmarshal(e.Data, &s); err != nil {
		return "", false
	}
	return s, true
}

// Health is the readiness view. Config is the gateway's redacted
// configuration, left raw for display.
type Health struct {
	Status string          `json:"status"`
	Time   time.Time       `json:"time"`
	Config json.RawMessage `json:"config"`
}

// SnapshotQuery narrows the reliability snapshot.
type SnapshotQuery struct {
	WindowMinutes int
	Limit         int
}

// CircuitState is one provider circuit in the snapshot.
type CircuitState struct {
	Provider            string    `json:"provider"`
	State               string    `json:"state"`
	ConsecutiveFailures int       `json:"consecutiveFailures"`
	CooldownUntil       time.Time `json:"cooldownUntil"`
}

// QueueView carries the queue counts the release gates read.
type QueueView struct {
	ByStatus          map[string]int `json:"byStatus"`
	ByTool            map[string]int `json:"byTool"`
	ByQOS             map[string]int `json:"byQos"`
	OldestQueuedAgeMs int64          `json:"oldestQueuedAgeMs"`
}

// Snapshot is the operator reliability view. Only the fields the gates
// evaluate are typed; Raw keeps the full document for operators who want
// all of it.
type Snapshot struct {
	GeneratedAt   time.Time      `json:"generatedAt"`
	WindowMinutes int            `json:"windowMinutes"`
	Circuits      []CircuitState `json:"circuits"`
	Queue         QueueView      `json:"queue"`
	Degraded      []string       `json:"degraded"`

	Raw json.RawMessage `json:"-"`
}

// UnmarshalJSON keeps the raw document alongside the typed projection.
func (s *Snapshot) UnmarshalJSON(data []byte) error {
	type alias Snapshot
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	*s = Snapshot(a)
	s.Raw = append(s.Raw[:0], data...)
	return nil
}

// RunSummary reports one worker kick.
type RunSummary struct {
	Skipped   string `json:"skipped,omitempty"`
	Claimed   int    `json:"claimed"`
	Completed int    `json:"completed"`
	Failed    int    `json:"failed"`
}
