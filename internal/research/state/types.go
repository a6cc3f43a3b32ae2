package state

import (
	"errors"
	"time"
)

// Kind classifies a thought in the research trace.
type Kind string

const (
	KindThought     Kind = "thought"
	KindAction      Kind = "action"
	KindObservation Kind = "observation"
)

// Status is the research session phase.
type Status string

const (
	StatusIdle      Status = "idle"
	StatusThinking  Status = "thinking"
	StatusActing    Status = "acting"
	StatusObserving Status = "observing"
	StatusReporting Status = "reporting"
)

var (
	ErrSessionStarted    = errors.New("research session already initialized")
	ErrSessionNotStarted = errors.New("research session not initialized")
	ErrEmptyTopic        = errors.New("research topic is empty")
	ErrThoughtNotFound   = errors.New("thought not found")
	ErrConfidenceSet     = errors.New("thought confidence already set")
)

// Thought is one atomic unit of reasoning or evidence. Content never changes after creation.
type Thought struct {
	ID         string    `json:"id"`
	Kind       Kind      `json:"kind"`
	Content    string    `json:"content"`
	CreatedAt  time.Time `json:"created_at"`
	Confidence *float64  `json:"confidence,omitempty"`
	ParentID   string    `json:"parent_id,omitempty"`
}

// HasConfidence reports whether the thought was scored.
func (t Thought) HasConfidence() bool { return t.Confidence != nil }

// ConfidenceOr returns the confidence or def when unset.
func (t Thought) ConfidenceOr(def float64) float64 {
	if t.Confidence == nil {
		return def
	}
	return *t.Confidence
}

// Confidence returns a pointer to a clamped confidence value, for use with AddThought.
func Confidence(v float64) *float64 {
	c := clamp(v, 0, 1)
	return &c
}

// NodeSnapshot is a read-only view of one reasoning node.
type NodeSnapshot struct {
	ID         string   `json:"id"`
	ParentID   string   `json:"parent_id,omitempty"`
	Children   []string `json:"children,omitempty"`
	Explored   bool     `json:"explored"`
	Confidence float64  `json:"confidence"`
}

// Snapshot is a deep copy of the research state. Mutating it never affects the manager.
type Snapshot struct {
	SessionID     string                 `json:"session_id"`
	Status        Status                 `json:"status"`
	Topic         string                 `json:"topic"`
	Thoughts      []Thought              `json:"thoughts"`
	Nodes         []NodeSnapshot         `json:"nodes"`
	RootID        string                 `json:"root_id"`
	CurrentNodeID string                 `json:"current_node_id"`
	CollectedInfo map[string]interface{} `json:"collected_info"`
	InfoKeys      []string               `json:"info_keys"`
	FinalReport   string                 `json:"final_report,omitempty"`
	CurrentStep   string                 `json:"current_step"`
	StepDetails   []string               `json:"step_details"`
	StartedAt     time.Time              `json:"started_at"`
	UpdatedAt     time.Time              `json:"updated_at"`
}

// Node finds a node in the snapshot by id.
func (s Snapshot) Node(id string) (NodeSnapshot, bool) {
	for _, n := range s.Nodes {
		if n.ID == id {
			return n, true
		}
	}
	return NodeSnapshot{}, false
}

// Thought finds a thought in the snapshot by id.
func (s Snapshot) Thought(id string) (Thought, bool) {
	for _, t := range s.Thoughts {
		if t.ID == id {
			return t, true
		}
	}
	return Thought{}, false
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
