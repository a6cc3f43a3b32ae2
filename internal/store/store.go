package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/mohammad-safakhou/researcher/internal/report"
	"github.com/mohammad-safakhou/researcher/internal/research/state"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var storeTracer = otel.Tracer("github.com/mohammad-safakhou/researcher/internal/store")

// Store archives finished research sessions in Postgres.
type Store struct {
	DB *sql.DB
}

// SessionSummary is a listing row.
type SessionSummary struct {
	ID        string       `json:"id"`
	Topic     string       `json:"topic"`
	Status    state.Status `json:"status"`
	Thoughts  int          `json:"thoughts"`
	HasReport bool         `json:"has_report"`
	StartedAt time.Time    `json:"started_at"`
	UpdatedAt time.Time    `json:"updated_at"`
}

const (
	upsertSessionSQL = `
INSERT INTO research_sessions (id, topic, status, current_step, step_details, collected_info, info_keys, root_id, current_node_id, started_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
ON CONFLICT (id) DO UPDATE SET
  status = EXCLUDED.status,
  current_step = EXCLUDED.current_step,
  step_details = EXCLUDED.step_details,
  collected_info = EXCLUDED.collected_info,
  info_keys = EXCLUDED.info_keys,
  current_node_id = EXCLUDED.current_node_id,
  updated_at = EXCLUDED.updated_at;
`
	upsertThoughtSQL = `
INSERT INTO research_thoughts (id, session_id, seq, kind, content, confidence, parent_id, explored, node_confidence, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
ON CONFLICT (id) DO UPDATE SET
  confidence = EXCLUDED.confidence,
  explored = EXCLUDED.explored,
  node_confidence = EXCLUDED.node_confidence;
`
	upsertReportSQL = `
INSERT INTO research_reports (session_id, markdown, sections, tool_usage, path, generated_at)
VALUES ($1,$2,$3,$4,$5,$6)
ON CONFLICT (session_id) DO UPDATE SET
  markdown = EXCLUDED.markdown,
  sections = EXCLUDED.sections,
  tool_usage = EXCLUDED.tool_usage,
  path = EXCLUDED.path,
  generated_at = EXCLUDED.generated_at;
`
	selectSessionSQL = `
SELECT id, topic, status, current_step, step_details, collected_info, info_keys, root_id, current_node_id, started_at, updated_at
FROM research_sessions WHERE id = $1
`
	selectThoughtsSQL = `
SELECT id, kind, content, confidence, parent_id, explored, node_confidence, created_at
FROM research_thoughts WHERE session_id = $1 ORDER BY seq
`
	selectReportSQL = `
SELECT r.markdown, r.sections, r.tool_usage, r.path, r.generated_at, s.topic
FROM research_reports r JOIN research_sessions s ON s.id = r.session_id
WHERE r.session_id = $1
`
	listSessionsSQL = `
SELECT s.id, s.topic, s.status, s.started_at, s.updated_at,
  (SELECT COUNT(*) FROM research_thoughts t WHERE t.session_id = s.id),
  EXISTS (SELECT 1 FROM research_reports r WHERE r.session_id = s.id)
FROM research_sessions s ORDER BY s.updated_at DESC LIMIT $1
`
	latestTopicSQL = `SELECT MAX(updated_at) FROM research_sessions WHERE topic = $1`
)

// NewWithDSN opens and pings the database.
func NewWithDSN(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{DB: db}, nil
}

func (s *Store) Close() error { return s.DB.Close() }

// Archive writes the session, its full thought log and the report in one transaction.
func (s *Store) Archive(ctx context.Context, snap state.Snapshot, rep *report.Report) (err error) {
	ctx, span := storeTracer.Start(ctx, "store.archive")
	span.SetAttributes(attribute.String("research.session_id", snap.SessionID), attribute.Int("research.thoughts", len(snap.Thoughts)))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	info, err := json.Marshal(snap.CollectedInfo)
	if err != nil {
		return fmt.Errorf("encode findings: %w", err)
	}
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, upsertSessionSQL,
		snap.SessionID, snap.Topic, string(snap.Status), snap.CurrentStep, pq.Array(snap.StepDetails),
		info, pq.Array(snap.InfoKeys), snap.RootID, snap.CurrentNodeID, snap.StartedAt, snap.UpdatedAt,
	); err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}

	nodes := make(map[string]state.NodeSnapshot, len(snap.Nodes))
	for _, n := range snap.Nodes {
		nodes[n.ID] = n
	}
	for i, t := range snap.Thoughts {
		n := nodes[t.ID]
		var conf sql.NullFloat64
		if t.Confidence != nil {
			conf = sql.NullFloat64{Float64: *t.Confidence, Valid: true}
		}
		parent := sql.NullString{String: t.ParentID, Valid: t.ParentID != ""}
		if _, err = tx.ExecContext(ctx, upsertThoughtSQL,
			t.ID, snap.SessionID, i, string(t.Kind), t.Content, conf, parent, n.Explored, n.Confidence, t.CreatedAt,
		); err != nil {
			return fmt.Errorf("upsert thought %s: %w", t.ID, err)
		}
	}

	if rep != nil {
		var sections, usage []byte
		if sections, err = json.Marshal(rep.Sections); err != nil {
			return fmt.Errorf("encode sections: %w", err)
		}
		if usage, err = json.Marshal(rep.ToolUsage); err != nil {
			return fmt.Errorf("encode tool usage: %w", err)
		}
		if _, err = tx.ExecContext(ctx, upsertReportSQL,
			snap.SessionID, rep.Markdown, sections, usage, rep.Path, rep.GeneratedAt,
		); err != nil {
			return fmt.Errorf("upsert report: %w", err)
		}
	}
	return tx.Commit()
}

// GetSession rebuilds the snapshot of an archived session.
func (s *Store) GetSession(ctx context.Context, id string) (state.Snapshot, bool, error) {
	var (
		snap    state.Snapshot
		status  string
		details pq.StringArray
		keys    pq.StringArray
		info    []byte
	)
	err := s.DB.QueryRowContext(ctx, selectSessionSQL, id).Scan(
		&snap.SessionID, &snap.Topic, &status, &snap.CurrentStep, &details, &info, &keys,
		&snap.RootID, &snap.CurrentNodeID, &snap.StartedAt, &snap.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return state.Snapshot{}, false, nil
	}
	if err != nil {
		return state.Snapshot{}, false, err
	}
	snap.Status = state.Status(status)
	snap.StepDetails = []string(details)
	snap.InfoKeys = []string(keys)
	if len(info) > 0 {
		if err := json.Unmarshal(info, &snap.CollectedInfo); err != nil {
			return state.Snapshot{}, false, fmt.Errorf("decode findings: %w", err)
		}
	}

	rows, err := s.DB.QueryContext(ctx, selectThoughtsSQL, id)
	if err != nil {
		return state.Snapshot{}, false, err
	}
	defer rows.Close()
	index := map[string]int{}
	for rows.Next() {
		var (
			t        state.Thought
			kind     string
			conf     sql.NullFloat64
			parent   sql.NullString
			explored bool
			nodeConf float64
		)
		if err := rows.Scan(&t.ID, &kind, &t.Content, &conf, &parent, &explored, &nodeConf, &t.CreatedAt); err != nil {
			return state.Snapshot{}, false, err
		}
		t.Kind = state.Kind(kind)
		if conf.Valid {
			t.Confidence = state.Confidence(conf.Float64)
		}
		t.ParentID = parent.String
		snap.Thoughts = append(snap.Thoughts, t)
		index[t.ID] = len(snap.Nodes)
		snap.Nodes = append(snap.Nodes, state.NodeSnapshot{ID: t.ID, ParentID: t.ParentID, Explored: explored, Confidence: nodeConf})
		if i, ok := index[t.ParentID]; ok && t.ParentID != "" {
			snap.Nodes[i].Children = append(snap.Nodes[i].Children, t.ID)
		}
	}
	if err := rows.Err(); err != nil {
		return state.Snapshot{}, false, err
	}
	return snap, true, nil
}

// GetReport loads the archived report of a session.
func (s *Store) GetReport(ctx context.Context, sessionID string) (report.Report, bool, error) {
	r := report.Report{SessionID: sessionID}
	var sections, usage []byte
	err := s.DB.QueryRowContext(ctx, selectReportSQL, sessionID).Scan(&r.Markdown, &sections, &usage, &r.Path, &r.GeneratedAt, &r.Topic)
	if errors.Is(err, sql.ErrNoRows) {
		return report.Report{}, false, nil
	}
	if err != nil {
		return report.Report{}, false, err
	}
	if err := json.Unmarshal(sections, &r.Sections); err != nil {
		return report.Report{}, false, fmt.Errorf("decode sections: %w", err)
	}
	if err := json.Unmarshal(usage, &r.ToolUsage); err != nil {
		return report.Report{}, false, fmt.Errorf("decode tool usage: %w", err)
	}
	return r, true, nil
}

func (s *Store) ListSessions(ctx context.Context, limit int) ([]SessionSummary, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.DB.QueryContext(ctx, listSessionsSQL, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []SessionSummary
	for rows.Next() {
		var (
			sum    SessionSummary
			status string
		)
		if err := rows.Scan(&sum.ID, &sum.Topic, &status, &sum.StartedAt, &sum.UpdatedAt, &sum.Thoughts, &sum.HasReport); err != nil {
			return nil, err
		}
		sum.Status = state.Status(status)
		out = append(out, sum)
	}
	return out, rows.Err()
}

// LatestRunTime returns when research on topic last finished, nil if never.
func (s *Store) LatestRunTime(ctx context.Context, topic string) (*time.Time, error) {
	var t sql.NullTime
	if err := s.DB.QueryRowContext(ctx, latestTopicSQL, topic).Scan(&t); err != nil {
		return nil, err
	}
	if !t.Valid {
		return nil, nil
	}
	return &t.Time, nil
}
