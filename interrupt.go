package openswe

import (
	"encoding/json"
	"time"
)

// --- Interrupt / resume ---

// PendingInterrupt is a persisted suspension point: the node that suspended,
// the payload it wants shown to the human, and the run it belongs to. At most
// one interrupt is pending per thread.
type PendingInterrupt struct {
	RunID     string          `json:"run_id"`
	Node      string          `json:"node"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

// interruptSignal is the sentinel a node returns (through cfg.Interrupt) to
// suspend the run. It is not an error condition; the runtime intercepts it
// before the generic error path.
type interruptSignal struct {
	Payload any
}

func (s *interruptSignal) Error() string { return "interrupted awaiting human input" }

// Interrupt suspends the run for human input, or yields the human's answer.
//
// On first execution of a node it returns an error the runtime intercepts:
// the payload is persisted on the thread, status becomes interrupted, and
// control returns to the caller. When the run is later resumed, the runtime
// replays the same node and this call returns the resume value instead.
// Callers must propagate the returned error unchanged.
func (c *RunConfig) Interrupt(payload any) (json.RawMessage, error) {
	if c.hasResume {
		c.hasResume = false
		return c.resumeValue, nil
	}
	return nil, &interruptSignal{Payload: payload}
}

// truthy interprets a resume value as approval: JSON true, a non-empty
// non-"false" string, or a non-zero number.
func truthy(raw json.RawMessage) bool {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return false
	}
	switch t := v.(type) {
	case bool:
		return t
	case string:
		return t != "" && t != "false" && t != "no"
	case float64:
		return t != 0
	default:
		return v != nil
	}
}
