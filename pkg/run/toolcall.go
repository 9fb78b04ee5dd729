package run

import "time"

// ToolCallStatus tracks whether a pending call has finished executing.
type ToolCallStatus string

const (
	ToolCallPending   ToolCallStatus = "pending"
	ToolCallCompleted ToolCallStatus = "completed"
)

// PendingToolCall is created when a completion turn requests a tool
// invocation and completed once its execution finishes, whether it
// succeeded or exhausted its retries.
type PendingToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
	Status    ToolCallStatus `json:"status"`
	Result    string         `json:"result,omitempty"`
	Error     string         `json:"error,omitempty"`
	Attempts  int            `json:"attempts,omitempty"`
	Duration  time.Duration  `json:"duration,omitempty"`
}

// Complete records the final outcome of the call.
func (c *PendingToolCall) Complete(result, errMsg string, attempts int, duration time.Duration) {
	c.Status = ToolCallCompleted
	c.Result = result
	c.Error = errMsg
	c.Attempts = attempts
	c.Duration = duration
}
