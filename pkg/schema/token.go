package schema

import "time"

// ExecutionToken authorizes exactly one attempt of one node.
// Signature is the compact signed form handed to executors; ID is unique per mint.
type ExecutionToken struct {
	ID        string    `json:"id"`
	RunID     string    `json:"run_id"`
	NodeID    string    `json:"node_id"`
	Attempt   int       `json:"attempt"`
	ExpiresAt time.Time `json:"expires_at"`
	Signature string    `json:"signature"`
}
