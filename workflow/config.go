package workflow

import (
	"fmt"
	"regexp"
)

// EdgeData is the typed, validated form of one edge config.
type EdgeData struct {
	ID             string   `json:"id"`
	Source         string   `json:"source"`
	SourceType     NodeType `json:"source_type"`
	Target         string   `json:"target"`
	TargetType     NodeType `json:"target_type"`
	SourceHandleID string   `json:"source_handle_id,omitempty"`
}

// Config is a whole workflow as persisted: raw node and edge configs plus
// ownership metadata. It is validated as a whole before execution; a
// partially valid graph is rejected outright.
type Config struct {
	ID          string           `json:"id"`
	AccountID   string           `json:"account_id"`
	Name        string           `json:"name"`
	Description string           `json:"description,omitempty"`
	Nodes       []map[string]any `json:"nodes"`
	Edges       []map[string]any `json:"edges"`
}

var workflowNameRegexp = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

func (c *Config) validateMeta() error {
	if !workflowNameRegexp.MatchString(c.Name) {
		return newValidationError("", fmt.Sprintf("invalid workflow name %q", c.Name))
	}
	if len(c.Description) > maxDescriptionLen {
		return newValidationError("", fmt.Sprintf("workflow description exceeds %d characters", maxDescriptionLen))
	}
	return nil
}

// ValidationError is a fail-fast, caller-visible graph validation failure.
// NodeID is empty for workflow-level failures.
type ValidationError struct {
	NodeID  string
	Message string
}

func (e *ValidationError) Error() string {
	if e.NodeID == "" {
		return "workflow validation: " + e.Message
	}
	return fmt.Sprintf("workflow validation: node %s: %s", e.NodeID, e.Message)
}

func newValidationError(nodeID, msg string) *ValidationError {
	return &ValidationError{NodeID: nodeID, Message: msg}
}
