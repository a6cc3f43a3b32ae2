package state

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	nudge                 = 0.2
	minNodeConfidence     = 0.1
	maxNodeConfidence     = 1.0
	defaultNodeConfidence = 0.5
)

// Manager is the sole owner of a research session's state.
// All methods are safe for concurrent use.
type Manager struct {
	mu sync.RWMutex

	sessionID   string
	status      Status
	topic       string
	thoughts    []Thought
	byID        map[string]int
	tree        *tree
	info        map[string]interface{}
	infoOrder   []string
	finalReport string
	currentStep string
	stepDetails []string
	startedAt   time.Time
	updatedAt   time.Time

	now   func() time.Time
	newID func() string
}

// Option customizes a Manager.
type Option func(*Manager)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithIDGenerator overrides thought id generation.
func WithIDGenerator(gen func() string) Option {
	return func(m *Manager) { m.newID = gen }
}

// WithSessionID pins the session id instead of generating one.
func WithSessionID(id string) Option {
	return func(m *Manager) { m.sessionID = id }
}

func NewManager(opts ...Option) *Manager {
	m := &Manager{
		status: StatusIdle,
		byID:   make(map[string]int),
		info:   make(map[string]interface{}),
		now:    time.Now,
		newID:  func() string { return uuid.NewString() },
	}
	for _, o := range opts {
		o(m)
	}
	if m.sessionID == "" {
		m.sessionID = uuid.NewString()
	}
	return m
}

// InitSession creates the root node from the topic. It can run only once per manager.
func (m *Manager) InitSession(topic string) error {
	topic = strings.TrimSpace(topic)
	if topic == "" {
		return ErrEmptyTopic
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.tree != nil {
		return ErrSessionStarted
	}
	ts := m.now()
	m.topic = topic
	m.status = StatusIdle
	m.startedAt = ts
	m.updatedAt = ts

	root := Thought{
		ID:         m.newID(),
		Kind:       KindThought,
		Content:    fmt.Sprintf("Research topic: %s", topic),
		CreatedAt:  ts,
		Confidence: Confidence(1.0),
	}
	m.thoughts = append(m.thoughts, root)
	m.byID[root.ID] = 0
	m.tree = newTree(root.ID)
	return nil
}

// SessionID returns the session identifier.
func (m *Manager) SessionID() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sessionID
}

// Topic returns the research topic.
func (m *Manager) Topic() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.topic
}

// UpdateStatus sets the phase and step label. A non-empty detail is appended to the step log.
func (m *Manager) UpdateStatus(status Status, step string, detail ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.status = status
	m.currentStep = step
	for _, d := range detail {
		if d != "" {
			m.stepDetails = append(m.stepDetails, d)
		}
	}
	m.updatedAt = m.now()
}

// AddThought records a thought as a child of the current node and moves the cursor to it.
func (m *Manager) AddThought(kind Kind, content string, confidence *float64) (Thought, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.tree == nil {
		return Thought{}, ErrSessionNotStarted
	}
	var c *float64
	if confidence != nil {
		c = Confidence(*confidence)
	}
	ts := m.now()
	if last := m.thoughts[len(m.thoughts)-1].CreatedAt; ts.Before(last) {
		ts = last
	}
	th := Thought{
		ID:         m.newID(),
		Kind:       kind,
		Content:    content,
		CreatedAt:  ts,
		Confidence: c,
		ParentID:   m.tree.nodes[m.tree.cursor].id,
	}
	m.thoughts = append(m.thoughts, th)
	m.byID[th.ID] = len(m.thoughts) - 1
	nodeConf := defaultNodeConfidence
	if c != nil {
		nodeConf = *c
	}
	m.tree.attach(th.ID, nodeConf)
	m.updatedAt = ts
	return copyThought(th), nil
}

// SetThoughtConfidence assigns a confidence to a thought created without one.
func (m *Manager) SetThoughtConfidence(id string, confidence float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	i, ok := m.byID[id]
	if !ok {
		return ErrThoughtNotFound
	}
	if m.thoughts[i].Confidence != nil {
		return ErrConfidenceSet
	}
	m.thoughts[i].Confidence = Confidence(confidence)
	m.updatedAt = m.now()
	return nil
}

// NavigateToNode moves the cursor to id. The cursor is unchanged when id is unknown.
func (m *Manager) NavigateToNode(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.tree == nil {
		return false
	}
	i, ok := m.tree.find(id)
	if !ok {
		return false
	}
	m.tree.cursor = i
	return true
}

// CurrentNodeID returns the cursor's node id.
func (m *Manager) CurrentNodeID() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.tree == nil {
		return ""
	}
	return m.tree.nodes[m.tree.cursor].id
}

// RootID returns the root node id.
func (m *Manager) RootID() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.tree == nil {
		return ""
	}
	return m.tree.nodes[0].id
}

// PathToCurrent returns the thoughts from the root to the cursor.
func (m *Manager) PathToCurrent() []Thought {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.tree == nil {
		return nil
	}
	idx := m.tree.path(m.tree.cursor)
	out := make([]Thought, 0, len(idx))
	for _, i := range idx {
		out = append(out, copyThought(m.thoughts[m.byID[m.tree.nodes[i].id]]))
	}
	return out
}

// BacktrackTarget picks the most promising unexplored thought node other than the cursor.
// When none exists it falls back to the cursor's parent.
func (m *Manager) BacktrackTarget() (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.tree == nil {
		return "", false
	}
	best := -1
	for i, n := range m.tree.nodes {
		if i == 0 || i == m.tree.cursor || n.explored {
			continue
		}
		if m.thoughts[m.byID[n.id]].Kind != KindThought {
			continue
		}
		if best < 0 || n.confidence > m.tree.nodes[best].confidence {
			best = i
		}
	}
	if best >= 0 {
		return m.tree.nodes[best].id, true
	}
	if p := m.tree.nodes[m.tree.cursor].parent; p != noParent {
		return m.tree.nodes[p].id, true
	}
	return "", false
}

// MarkCurrentNodeExplored flags the cursor node and nudges its confidence.
func (m *Manager) MarkCurrentNodeExplored(success bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.tree == nil {
		return
	}
	m.tree.markExplored(m.tree.cursor, success)
	m.updatedAt = m.now()
}

// StoreInfo records a finding. Re-storing a key replaces its value and keeps its position.
func (m *Manager) StoreInfo(key string, value interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.info[key]; !ok {
		m.infoOrder = append(m.infoOrder, key)
	}
	m.info[key] = cloneValue(value)
	m.updatedAt = m.now()
}

func (m *Manager) GetInfo(key string) (interface{}, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.info[key]
	return cloneValue(v), ok
}

// InfoKeys returns finding keys in insertion order.
func (m *Manager) InfoKeys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.infoOrder...)
}

func (m *Manager) SetFinalReport(text string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.finalReport = text
	m.updatedAt = m.now()
}

// GetState returns a deep copy of the current state.
func (m *Manager) GetState() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s := Snapshot{
		SessionID:     m.sessionID,
		Status:        m.status,
		Topic:         m.topic,
		Thoughts:      make([]Thought, len(m.thoughts)),
		CollectedInfo: make(map[string]interface{}, len(m.info)),
		FinalReport:   m.finalReport,
		CurrentStep:   m.currentStep,
		InfoKeys:      append([]string(nil), m.infoOrder...),
		StepDetails:   append([]string(nil), m.stepDetails...),
		StartedAt:     m.startedAt,
		UpdatedAt:     m.updatedAt,
	}
	for i, t := range m.thoughts {
		s.Thoughts[i] = copyThought(t)
	}
	for k, v := range m.info {
		s.CollectedInfo[k] = cloneValue(v)
	}
	if m.tree != nil {
		s.Nodes = m.tree.snapshot()
		s.RootID = m.tree.nodes[0].id
		s.CurrentNodeID = m.tree.nodes[m.tree.cursor].id
	}
	return s
}

// Restore builds a manager from a snapshot, typically one loaded from a checkpoint.
func Restore(s Snapshot, opts ...Option) (*Manager, error) {
	m := NewManager(append([]Option{WithSessionID(s.SessionID)}, opts...)...)
	t, ok := treeFromSnapshot(s.Nodes, s.CurrentNodeID)
	if !ok {
		return nil, fmt.Errorf("restore session %s: malformed reasoning tree", s.SessionID)
	}
	m.tree = t
	m.status = s.Status
	m.topic = s.Topic
	m.finalReport = s.FinalReport
	m.currentStep = s.CurrentStep
	m.stepDetails = append([]string(nil), s.StepDetails...)
	m.startedAt = s.StartedAt
	m.updatedAt = s.UpdatedAt
	for i, th := range s.Thoughts {
		m.thoughts = append(m.thoughts, copyThought(th))
		m.byID[th.ID] = i
	}
	for _, n := range t.nodes {
		if _, ok := m.byID[n.id]; !ok {
			return nil, fmt.Errorf("restore session %s: node %s has no thought", s.SessionID, n.id)
		}
	}
	for _, k := range s.InfoKeys {
		if v, ok := s.CollectedInfo[k]; ok {
			if _, dup := m.info[k]; !dup {
				m.info[k] = cloneValue(v)
				m.infoOrder = append(m.infoOrder, k)
			}
		}
	}
	var rest []string
	for k := range s.CollectedInfo {
		if _, ok := m.info[k]; !ok {
			rest = append(rest, k)
		}
	}
	sort.Strings(rest)
	for _, k := range rest {
		m.info[k] = cloneValue(s.CollectedInfo[k])
		m.infoOrder = append(m.infoOrder, k)
	}
	return m, nil
}

func copyThought(t Thought) Thought {
	if t.Confidence != nil {
		c := *t.Confidence
		t.Confidence = &c
	}
	return t
}
