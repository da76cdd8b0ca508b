package transcript

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	"github.com/droverhq/drover/internal/observability"
	"github.com/droverhq/drover/internal/tracing"
)

const schema = `
CREATE TABLE IF NOT EXISTS jobs (
	id TEXT PRIMARY KEY,
	agent_id TEXT NOT NULL,
	session_key TEXT NOT NULL,
	status TEXT NOT NULL,
	started_at TIMESTAMP,
	completed_at TIMESTAMP,
	error_text TEXT NOT NULL DEFAULT '',
	final_response TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status, updated_at);
CREATE INDEX IF NOT EXISTS idx_jobs_session ON jobs(session_key, created_at);

CREATE TABLE IF NOT EXISTS messages (
	job_id TEXT NOT NULL,
	seq INTEGER NOT NULL,
	role TEXT NOT NULL,
	payload TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL,
	PRIMARY KEY (job_id, seq)
);

CREATE TABLE IF NOT EXISTS spans (
	id TEXT PRIMARY KEY,
	trace_id TEXT NOT NULL,
	parent_span_id TEXT NOT NULL DEFAULT '',
	name TEXT NOT NULL,
	kind TEXT NOT NULL,
	started_at TIMESTAMP NOT NULL,
	ended_at TIMESTAMP,
	status TEXT NOT NULL DEFAULT '',
	attrs TEXT NOT NULL DEFAULT '{}'
);
CREATE INDEX IF NOT EXISTS idx_spans_trace ON spans(trace_id, started_at);

CREATE TABLE IF NOT EXISTS receipts (
	id TEXT PRIMARY KEY,
	job_id TEXT NOT NULL,
	span_id TEXT NOT NULL DEFAULT '',
	attempt_kind TEXT NOT NULL,
	attempt_index INTEGER NOT NULL,
	model TEXT NOT NULL,
	input_tokens INTEGER NOT NULL DEFAULT 0,
	output_tokens INTEGER NOT NULL DEFAULT 0,
	cost REAL NOT NULL DEFAULT 0,
	success INTEGER NOT NULL,
	error_text TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_receipts_job ON receipts(job_id);

CREATE TABLE IF NOT EXISTS tool_costs (
	job_id TEXT NOT NULL,
	tool_call_id TEXT NOT NULL,
	amount REAL NOT NULL,
	detail TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL,
	PRIMARY KEY (job_id, tool_call_id)
);

CREATE TABLE IF NOT EXISTS agent_limits (
	agent_id TEXT PRIMARY KEY,
	cost_limit REAL NOT NULL,
	warn_ratio REAL NOT NULL DEFAULT 0.8
);
`

// Store is the sqlite-backed persistence collaborator: jobs, messages,
// spans, receipts, tool costs and agent limits live here.
type Store struct {
	db     *sql.DB
	logger zerolog.Logger

	// serializes message appends per job so seq stays gapless
	mu sync.Mutex
}

// Open opens (and bootstraps) the store at dataDir/drover.db.
func Open(dataDir string, logger zerolog.Logger) (*Store, error) {
	observability.EnsureRegistered()

	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, "drover.db")
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	logger = logger.With().Str("component", "transcript").Logger()
	logger.Info().Str("path", dbPath).Msg("Transcript store opened")

	return &Store{db: db, logger: logger}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// CreateJob inserts a new PENDING job.
func (s *Store) CreateJob(ctx context.Context, agentID, sessionKey string) (*Job, error) {
	now := time.Now().UTC()
	job := &Job{
		ID:         tracing.NewJobID(),
		AgentID:    agentID,
		SessionKey: sessionKey,
		Status:     JobPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs (id, agent_id, session_key, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		job.ID, job.AgentID, job.SessionKey, job.Status, job.CreatedAt, job.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create job: %w", err)
	}

	s.logger.Debug().Str("job_id", job.ID).Str("agent_id", agentID).Msg("Job created")
	return job, nil
}

// StartJob moves a PENDING job to RUNNING.
func (s *Store) StartJob(ctx context.Context, jobID string) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, started_at = ?, updated_at = ? WHERE id = ? AND status = ?`,
		JobRunning, now, now, jobID, JobPending)
	if err != nil {
		return fmt.Errorf("failed to start job: %w", err)
	}
	return requireTransition(res, jobID, JobRunning)
}

// CompleteJob moves a RUNNING or PAUSED job to COMPLETED.
func (s *Store) CompleteJob(ctx context.Context, jobID, finalResponse string) error {
	return s.finishJob(ctx, jobID, JobCompleted, "", finalResponse)
}

// FailJob moves a live job to FAILED with the given error text.
func (s *Store) FailJob(ctx context.Context, jobID, errorText string) error {
	return s.finishJob(ctx, jobID, JobFailed, errorText, "")
}

// CancelJob moves a live job to CANCELLED.
func (s *Store) CancelJob(ctx context.Context, jobID string) error {
	return s.finishJob(ctx, jobID, JobCancelled, "cancelled by operator", "")
}

// MarkPaused records that a job is sitting in a pause wait.
func (s *Store) MarkPaused(ctx context.Context, jobID string, paused bool) error {
	status := JobPaused
	prev := JobRunning
	if !paused {
		status, prev = JobRunning, JobPaused
	}
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		status, now, jobID, prev)
	if err != nil {
		return fmt.Errorf("failed to mark job paused=%v: %w", paused, err)
	}
	return nil
}

// finishJob applies a terminal transition. Terminal jobs are immutable, so
// the update is guarded on a live source status.
func (s *Store) finishJob(ctx context.Context, jobID string, status JobStatus, errorText, finalResponse string) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, completed_at = ?, updated_at = ?, error_text = ?, final_response = ?
		 WHERE id = ? AND status IN (?, ?, ?)`,
		status, now, now, errorText, finalResponse,
		jobID, JobPending, JobRunning, JobPaused)
	if err != nil {
		return fmt.Errorf("failed to finish job: %w", err)
	}
	return requireTransition(res, jobID, status)
}

// SweepAbandoned marks RUNNING/PAUSED jobs that have not been touched since
// the cutoff as ABANDONED. Returns the number of jobs swept.
func (s *Store) SweepAbandoned(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, completed_at = ?, updated_at = ?, error_text = ?
		 WHERE status IN (?, ?) AND updated_at < ?`,
		JobAbandoned, time.Now().UTC(), time.Now().UTC(), "abandoned: no progress before cutoff",
		JobRunning, JobPaused, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to sweep abandoned jobs: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.logger.Warn().Int64("count", n).Msg("Abandoned stale jobs")
	}
	return int(n), nil
}

// GetJob loads a job by id.
func (s *Store) GetJob(ctx context.Context, jobID string) (*Job, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, agent_id, session_key, status, started_at, completed_at, error_text, final_response, created_at, updated_at
		 FROM jobs WHERE id = ?`, jobID)

	var job Job
	var started, completed sql.NullTime
	err := row.Scan(&job.ID, &job.AgentID, &job.SessionKey, &job.Status,
		&started, &completed, &job.ErrorText, &job.FinalResponse,
		&job.CreatedAt, &job.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("job not found: %s", jobID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load job: %w", err)
	}
	if started.Valid {
		job.StartedAt = &started.Time
	}
	if completed.Valid {
		job.CompletedAt = &completed.Time
	}
	return &job, nil
}

// PreviousJobBySession returns the newest terminal job for a session other
// than excludeJobID, or nil when the session has none. Used to build retry
// seeds.
func (s *Store) PreviousJobBySession(ctx context.Context, sessionKey, excludeJobID string) (*Job, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, agent_id, session_key, status, started_at, completed_at, error_text, final_response, created_at, updated_at
		 FROM jobs WHERE session_key = ? AND id != ? AND status IN (?, ?, ?, ?)
		 ORDER BY created_at DESC, id DESC LIMIT 1`,
		sessionKey, excludeJobID, JobCompleted, JobFailed, JobCancelled, JobAbandoned)

	var job Job
	var started, completed sql.NullTime
	err := row.Scan(&job.ID, &job.AgentID, &job.SessionKey, &job.Status,
		&started, &completed, &job.ErrorText, &job.FinalResponse,
		&job.CreatedAt, &job.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load latest session job: %w", err)
	}
	if started.Valid {
		job.StartedAt = &started.Time
	}
	if completed.Valid {
		job.CompletedAt = &completed.Time
	}
	return &job, nil
}

// AppendMessage appends a message to a job transcript and returns its seq.
// The transcript is strictly append-only in call order.
func (s *Store) AppendMessage(ctx context.Context, jobID string, msg Message) (int, error) {
	payload, err := EncodePayload(msg)
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var seq int
	row := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM messages WHERE job_id = ?`, jobID)
	if err := row.Scan(&seq); err != nil {
		return 0, fmt.Errorf("failed to allocate message seq: %w", err)
	}

	now := time.Now().UTC()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO messages (job_id, seq, role, payload, created_at) VALUES (?, ?, ?, ?, ?)`,
		jobID, seq, msg.Role, payload, now)
	if err != nil {
		return 0, fmt.Errorf("failed to append message: %w", err)
	}

	// Touch the job so the janitor sees progress.
	_, _ = s.db.ExecContext(ctx, `UPDATE jobs SET updated_at = ? WHERE id = ?`, now, jobID)

	s.logger.Debug().Str("job_id", jobID).Int("seq", seq).Str("role", string(msg.Role)).Msg("Message appended")
	return seq, nil
}

// ListMessagesByJob returns a job's transcript in append order.
func (s *Store) ListMessagesByJob(ctx context.Context, jobID string) ([]StoredMessage, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT job_id, seq, payload, created_at FROM messages WHERE job_id = ? ORDER BY seq`, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	defer rows.Close()

	var out []StoredMessage
	for rows.Next() {
		var sm StoredMessage
		var payload string
		if err := rows.Scan(&sm.JobID, &sm.Seq, &payload, &sm.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		msg, err := DecodePayload(payload)
		if err != nil {
			s.logger.Warn().Str("job_id", jobID).Int("seq", sm.Seq).Err(err).Msg("Skipping undecodable message")
			continue
		}
		sm.Message = msg
		out = append(out, sm)
	}
	return out, rows.Err()
}

// StartSpan opens a persisted trace span and returns its id.
func (s *Store) StartSpan(ctx context.Context, traceID, name, kind, parentID string, attrs map[string]interface{}) (string, error) {
	id, err := gonanoid.New()
	if err != nil {
		return "", fmt.Errorf("failed to generate span id: %w", err)
	}

	attrJSON := "{}"
	if len(attrs) > 0 {
		data, err := json.Marshal(attrs)
		if err != nil {
			return "", fmt.Errorf("failed to marshal span attrs: %w", err)
		}
		attrJSON = string(data)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO spans (id, trace_id, parent_span_id, name, kind, started_at, attrs)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		id, traceID, parentID, name, kind, time.Now().UTC(), attrJSON)
	if err != nil {
		return "", fmt.Errorf("failed to start span: %w", err)
	}
	return id, nil
}

// EndSpan closes a span with ok status.
func (s *Store) EndSpan(ctx context.Context, spanID string) error {
	return s.closeSpan(ctx, spanID, "ok")
}

// FailSpan closes a span with error status.
func (s *Store) FailSpan(ctx context.Context, spanID string) error {
	return s.closeSpan(ctx, spanID, "error")
}

func (s *Store) closeSpan(ctx context.Context, spanID, status string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE spans SET ended_at = ?, status = ? WHERE id = ? AND ended_at IS NULL`,
		time.Now().UTC(), status, spanID)
	if err != nil {
		return fmt.Errorf("failed to close span: %w", err)
	}
	return nil
}

// ListSpansByTrace returns all spans of a trace ordered by start time.
func (s *Store) ListSpansByTrace(ctx context.Context, traceID string) ([]Span, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, trace_id, parent_span_id, name, kind, started_at, ended_at, status, attrs
		 FROM spans WHERE trace_id = ? ORDER BY started_at`, traceID)
	if err != nil {
		return nil, fmt.Errorf("failed to list spans: %w", err)
	}
	defer rows.Close()

	var out []Span
	for rows.Next() {
		var sp Span
		var ended sql.NullTime
		var attrJSON string
		if err := rows.Scan(&sp.ID, &sp.TraceID, &sp.ParentSpanID, &sp.Name, &sp.Kind,
			&sp.StartedAt, &ended, &sp.Status, &attrJSON); err != nil {
			return nil, fmt.Errorf("failed to scan span: %w", err)
		}
		if ended.Valid {
			sp.EndedAt = &ended.Time
		}
		if attrJSON != "" && attrJSON != "{}" {
			_ = json.Unmarshal([]byte(attrJSON), &sp.Attributes)
		}
		out = append(out, sp)
	}
	return out, rows.Err()
}

// SaveReceipt persists one model-call attempt receipt.
func (s *Store) SaveReceipt(ctx context.Context, r Receipt) error {
	if r.ID == "" {
		id, err := gonanoid.New()
		if err != nil {
			return fmt.Errorf("failed to generate receipt id: %w", err)
		}
		r.ID = id
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO receipts (id, job_id, span_id, attempt_kind, attempt_index, model,
		 input_tokens, output_tokens, cost, success, error_text, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.JobID, r.SpanID, r.AttemptKind, r.AttemptIndex, r.Model,
		r.InputTokens, r.OutputTokens, r.Cost, boolToInt(r.Success), r.ErrorText, r.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to save receipt: %w", err)
	}
	return nil
}

// ListReceiptsByJob returns a job's attempt receipts in creation order.
func (s *Store) ListReceiptsByJob(ctx context.Context, jobID string) ([]Receipt, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, job_id, span_id, attempt_kind, attempt_index, model,
		 input_tokens, output_tokens, cost, success, error_text, created_at
		 FROM receipts WHERE job_id = ? ORDER BY created_at, id`, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to list receipts: %w", err)
	}
	defer rows.Close()

	var out []Receipt
	for rows.Next() {
		var r Receipt
		var success int
		if err := rows.Scan(&r.ID, &r.JobID, &r.SpanID, &r.AttemptKind, &r.AttemptIndex, &r.Model,
			&r.InputTokens, &r.OutputTokens, &r.Cost, &success, &r.ErrorText, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan receipt: %w", err)
		}
		r.Success = success != 0
		out = append(out, r)
	}
	return out, rows.Err()
}

// SaveToolCost persists an external-API cost keyed to a tool call.
func (s *Store) SaveToolCost(ctx context.Context, tc ToolCost) error {
	if tc.CreatedAt.IsZero() {
		tc.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO tool_costs (job_id, tool_call_id, amount, detail, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		tc.JobID, tc.ToolCallID, tc.Amount, tc.Detail, tc.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to save tool cost: %w", err)
	}
	return nil
}

// SetAgentLimit sets the cost limit for an agent. warnRatio in (0, 1].
func (s *Store) SetAgentLimit(ctx context.Context, agentID string, costLimit, warnRatio float64) error {
	if warnRatio <= 0 || warnRatio > 1 {
		warnRatio = 0.8
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO agent_limits (agent_id, cost_limit, warn_ratio) VALUES (?, ?, ?)`,
		agentID, costLimit, warnRatio)
	if err != nil {
		return fmt.Errorf("failed to set agent limit: %w", err)
	}
	return nil
}

// CheckLimits sums an agent's model and tool spend against its configured
// limit. Agents without a limit row are unlimited.
func (s *Store) CheckLimits(ctx context.Context, agentID string) (LimitStatus, error) {
	var limit, warnRatio float64
	row := s.db.QueryRowContext(ctx,
		`SELECT cost_limit, warn_ratio FROM agent_limits WHERE agent_id = ?`, agentID)
	if err := row.Scan(&limit, &warnRatio); err == sql.ErrNoRows {
		return LimitStatus{}, nil
	} else if err != nil {
		return LimitStatus{}, fmt.Errorf("failed to load agent limit: %w", err)
	}

	var modelSpend float64
	row = s.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(r.cost), 0) FROM receipts r JOIN jobs j ON j.id = r.job_id WHERE j.agent_id = ?`,
		agentID)
	if err := row.Scan(&modelSpend); err != nil {
		return LimitStatus{}, fmt.Errorf("failed to sum receipts: %w", err)
	}

	var toolSpend float64
	row = s.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(t.amount), 0) FROM tool_costs t JOIN jobs j ON j.id = t.job_id WHERE j.agent_id = ?`,
		agentID)
	if err := row.Scan(&toolSpend); err != nil {
		return LimitStatus{}, fmt.Errorf("failed to sum tool costs: %w", err)
	}

	spent := modelSpend + toolSpend
	status := LimitStatus{
		Spent:    spent,
		Limit:    limit,
		Exceeded: spent >= limit,
		Warned:   spent >= limit*warnRatio,
	}
	if status.Exceeded {
		status.Details = fmt.Sprintf("spent %.4f of %.4f cost limit", spent, limit)
	} else if status.Warned {
		status.Details = fmt.Sprintf("approaching cost limit: %.4f of %.4f", spent, limit)
	}
	return status, nil
}

func requireTransition(res sql.Result, jobID string, to JobStatus) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to inspect transition: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("job %s: illegal transition to %s", jobID, to)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
