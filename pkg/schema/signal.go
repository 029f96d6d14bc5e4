package schema

import "time"

// SignalType enumerates the kinds of external signals that resume a waiting node.
type SignalType string

const (
	SignalResume  SignalType = "RESUME"
	SignalApprove SignalType = "APPROVE"
	SignalReject  SignalType = "REJECT"
	SignalTimer   SignalType = "TIMER"
)

// Signal is an external stimulus addressed to a waiting node.
type Signal struct {
	Type       SignalType     `json:"type"`
	TargetNode string         `json:"target_node"`
	Payload    map[string]any `json:"payload,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
}

// CallbackKind distinguishes signal-driven from time-driven registrations.
type CallbackKind string

const (
	CallbackSignal CallbackKind = "SIGNAL"
	CallbackTimer  CallbackKind = "TIMER"
)

// CallbackRegistration binds an externally-addressable token to a waiting node.
type CallbackRegistration struct {
	ID          string       `json:"id"`
	RunID       string       `json:"run_id"`
	TenantID    string       `json:"tenant_id"`
	NodeID      string       `json:"node_id"`
	Kind        CallbackKind `json:"kind"`
	CallbackURL string       `json:"callback_url,omitempty"`
	SignalType  SignalType   `json:"signal_type,omitempty"`
	ExpiresAt   time.Time    `json:"expires_at"`
	FireAt      *time.Time   `json:"fire_at,omitempty"`
	ConsumedAt  *time.Time   `json:"consumed_at,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
}

// Expired reports whether the registration is past its expiry at now.
func (c *CallbackRegistration) Expired(now time.Time) bool {
	return !c.ExpiresAt.IsZero() && !now.Before(c.ExpiresAt)
}

// Consumed reports whether the registration was already used.
func (c *CallbackRegistration) Consumed() bool {
	return c.ConsumedAt != nil
}

// WaitConfig is the node Config for WAIT and TIMER nodes.
type WaitConfig struct {
	// Duration is the delay before a TIMER node fires.
	Duration string `json:"duration,omitempty"`
	// TTL bounds how long a WAIT node accepts signals.
	TTL         string     `json:"ttl,omitempty"`
	CallbackURL string     `json:"callback_url,omitempty"`
	SignalType  SignalType `json:"signal_type,omitempty"`
}

// SubWorkflowConfig is the node Config for SUB_WORKFLOW nodes.
type SubWorkflowConfig struct {
	DefinitionID string `json:"definition_id"`
}
