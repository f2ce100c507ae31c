// Package eventbus specialises the generic streaming core in pkg/stream for
// one domain: execution events emitted by a workflow's nodes and edges.
package eventbus

// Execution event types. Every event published through Bus carries one of
// these in its Type field.
const (
	EventTypeNodeStarted   = "node.started"
	EventTypeNodeCompleted = "node.completed"
	EventTypeNodeFailed    = "node.failed"

	EventTypeEdgeTransferStarted   = "edge_transfer.started"
	EventTypeEdgeTransferCompleted = "edge_transfer.completed"

	EventTypeDebugLog = "debug.log"

	EventTypeChildExecutionSpawned   = "child_execution.spawned"
	EventTypeChildExecutionCompleted = "child_execution.completed"
)

// NodeStartedPayload is published when a node begins execution.
type NodeStartedPayload struct {
	Type      string         `json:"type"` // always EventTypeNodeStarted
	NodeID    string         `json:"node_id"`
	NodeName  string         `json:"node_name,omitempty"`
	Attempt   int            `json:"attempt,omitempty"` // 1-based, >1 on retry
	Metadata  map[string]any `json:"metadata,omitempty"`
	Timestamp string         `json:"timestamp"` // RFC3339Nano
}

// NodeCompletedPayload is published when a node finishes successfully.
type NodeCompletedPayload struct {
	Type       string         `json:"type"` // always EventTypeNodeCompleted
	NodeID     string         `json:"node_id"`
	DurationMS int64          `json:"duration_ms"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Timestamp  string         `json:"timestamp"`
}

// NodeFailedPayload is published when a node's execution errors out.
type NodeFailedPayload struct {
	Type      string `json:"type"` // always EventTypeNodeFailed
	NodeID    string `json:"node_id"`
	Error     string `json:"error"`
	Retryable bool   `json:"retryable,omitempty"`
	Timestamp string `json:"timestamp"`
}

// EdgeTransferStartedPayload is published when a value begins moving along
// an edge between two nodes.
type EdgeTransferStartedPayload struct {
	Type      string `json:"type"` // always EventTypeEdgeTransferStarted
	EdgeID    string `json:"edge_id"`
	FromNode  string `json:"from_node"`
	ToNode    string `json:"to_node"`
	Timestamp string `json:"timestamp"`
}

// EdgeTransferCompletedPayload is published once a value has been fully
// delivered across an edge.
type EdgeTransferCompletedPayload struct {
	Type       string `json:"type"` // always EventTypeEdgeTransferCompleted
	EdgeID     string `json:"edge_id"`
	FromNode   string `json:"from_node"`
	ToNode     string `json:"to_node"`
	Bytes      int64  `json:"bytes,omitempty"`
	DurationMS int64  `json:"duration_ms"`
	Timestamp  string `json:"timestamp"`
}

// DebugLogPayload carries a free-form diagnostic line attributed to a node
// or to the execution as a whole (NodeID empty in the latter case).
type DebugLogPayload struct {
	Type      string         `json:"type"` // always EventTypeDebugLog
	NodeID    string         `json:"node_id,omitempty"`
	Level     string         `json:"level"` // "debug", "info", "warn", "error"
	Message   string         `json:"message"`
	Fields    map[string]any `json:"fields,omitempty"`
	Timestamp string         `json:"timestamp"`
}

// ChildExecutionSpawnedPayload is published when a node spawns a nested
// workflow execution.
type ChildExecutionSpawnedPayload struct {
	Type          string `json:"type"` // always EventTypeChildExecutionSpawned
	NodeID        string `json:"node_id"`
	ChildWorkflow string `json:"child_workflow_id"`
	Timestamp     string `json:"timestamp"`
}

// ChildExecutionCompletedPayload is published when a spawned child
// execution reaches a terminal state.
type ChildExecutionCompletedPayload struct {
	Type          string `json:"type"` // always EventTypeChildExecutionCompleted
	NodeID        string `json:"node_id"`
	ChildWorkflow string `json:"child_workflow_id"`
	Status        string `json:"status"` // "completed", "failed", "cancelled"
	Timestamp     string `json:"timestamp"`
}
