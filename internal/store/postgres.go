package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "github.com/lib/pq"
)

// Postgres is the durable Store. Every write is a single-row statement;
// compare-and-set uses conditional UPDATE affected-row checks so two workers
// can never both win a claim.
type Postgres struct {
	db *sql.DB
}

// NewPostgres opens a pool against url, verifies connectivity and ensures
// the schema exists.
func NewPostgres(ctx context.Context, url string) (*Postgres, error) {
	db, err := sql.Open("postgres", url)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxIdleTime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres ping failed: %w", err)
	}
	p := &Postgres{db: db}
	if err := p.ensureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	slog.Info("postgres store ready")
	return p, nil
}

// Close releases the pool.
func (p *Postgres) Close() error { return p.db.Close() }

const schema = `
CREATE TABLE IF NOT EXISTS rate_limit_windows (
	bucket          TEXT NOT NULL,
	key             TEXT NOT NULL,
	window_start_ms BIGINT NOT NULL,
	count           BIGINT NOT NULL DEFAULT 0,
	expires_at      TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (bucket, key, window_start_ms)
);
CREATE INDEX IF NOT EXISTS idx_rlw_expires ON rate_limit_windows (expires_at);

CREATE TABLE IF NOT EXISTS rate_limit_events (
	id         TEXT PRIMARY KEY,
	source     TEXT NOT NULL,
	bucket     TEXT NOT NULL,
	key        TEXT NOT NULL,
	outcome    TEXT NOT NULL,
	reason     TEXT NOT NULL DEFAULT '',
	dedupe_key TEXT NOT NULL UNIQUE,
	created_at TIMESTAMPTZ NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_rle_created ON rate_limit_events (created_at);
CREATE INDEX IF NOT EXISTS idx_rle_expires ON rate_limit_events (expires_at);

CREATE TABLE IF NOT EXISTS rate_limit_alerts (
	id             TEXT PRIMARY KEY,
	alert_key      TEXT NOT NULL UNIQUE,
	bucket         TEXT NOT NULL,
	outcome        TEXT NOT NULL,
	observed       BIGINT NOT NULL,
	threshold      BIGINT NOT NULL,
	window_minutes INT NOT NULL,
	created_at     TIMESTAMPTZ NOT NULL,
	expires_at     TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_rla_created ON rate_limit_alerts (created_at);

CREATE TABLE IF NOT EXISTS idempotency_keys (
	scope         TEXT NOT NULL,
	key           TEXT NOT NULL,
	first_seen_at TIMESTAMPTZ NOT NULL,
	hit_count     BIGINT NOT NULL DEFAULT 1,
	expires_at    TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (scope, key)
);
CREATE INDEX IF NOT EXISTS idx_idem_expires ON idempotency_keys (expires_at);

CREATE TABLE IF NOT EXISTS circuit_states (
	provider             TEXT PRIMARY KEY,
	state                TEXT NOT NULL,
	consecutive_failures INT NOT NULL DEFAULT 0,
	opened_at            TIMESTAMPTZ,
	cooldown_until       TIMESTAMPTZ NOT NULL DEFAULT 'epoch',
	last_error           TEXT NOT NULL DEFAULT '',
	updated_at           TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS bulkhead_leases (
	provider    TEXT NOT NULL,
	lease_id    TEXT NOT NULL,
	acquired_at TIMESTAMPTZ NOT NULL,
	expires_at  TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (provider, lease_id)
);
CREATE INDEX IF NOT EXISTS idx_bl_provider_expires ON bulkhead_leases (provider, expires_at);

CREATE TABLE IF NOT EXISTS tool_jobs (
	id                 TEXT PRIMARY KEY,
	source             TEXT NOT NULL,
	tool_name          TEXT NOT NULL,
	qos_class          TEXT NOT NULL,
	args_json          TEXT NOT NULL DEFAULT '{}',
	status             TEXT NOT NULL,
	attempts           INT NOT NULL DEFAULT 0,
	max_attempts       INT NOT NULL,
	available_at       TIMESTAMPTZ NOT NULL,
	lease_expires_at   TIMESTAMPTZ,
	result_json        TEXT NOT NULL DEFAULT '',
	last_error         TEXT NOT NULL DEFAULT '',
	dead_letter_reason TEXT NOT NULL DEFAULT '',
	dead_letter_at     TIMESTAMPTZ,
	created_at         TIMESTAMPTZ NOT NULL,
	updated_at         TIMESTAMPTZ NOT NULL,
	completed_at       TIMESTAMPTZ,
	expires_at         TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tj_status_available ON tool_jobs (status, available_at);
CREATE INDEX IF NOT EXISTS idx_tj_status_lease ON tool_jobs (status, lease_expires_at);
CREATE INDEX IF NOT EXISTS idx_tj_tool_status_available ON tool_jobs (tool_name, status, available_at);
CREATE INDEX IF NOT EXISTS idx_tj_tool_status_updated ON tool_jobs (tool_name, status, updated_at);
CREATE INDEX IF NOT EXISTS idx_tj_created ON tool_jobs (created_at);
CREATE INDEX IF NOT EXISTS idx_tj_expires ON tool_jobs (expires_at);

CREATE TABLE IF NOT EXISTS tool_queue_alerts (
	id             TEXT PRIMARY KEY,
	alert_key      TEXT NOT NULL UNIQUE,
	kind           TEXT NOT NULL,
	observed       BIGINT NOT NULL,
	threshold      BIGINT NOT NULL,
	window_minutes INT NOT NULL,
	created_at     TIMESTAMPTZ NOT NULL,
	expires_at     TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tqa_created ON tool_queue_alerts (created_at);

CREATE TABLE IF NOT EXISTS tool_result_cache (
	namespace  TEXT NOT NULL,
	key        TEXT NOT NULL,
	value_json TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (namespace, key)
);
CREATE INDEX IF NOT EXISTS idx_trc_expires ON tool_result_cache (expires_at);
`

func (p *Postgres) ensureSchema(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to ensure schema: %w", err)
	}
	return nil
}

// --- RateLimitStore ---

func (p *Postgres) GetRateWindow(ctx context.Context, bucket, key string, windowStartMs int64) (*RateLimitWindow, error) {
	w := RateLimitWindow{Bucket: bucket, Key: key, WindowStartMs: windowStartMs}
	err := p.db.QueryRowContext(ctx,
		`SELECT count, expires_at FROM rate_limit_windows WHERE bucket=$1 AND key=$2 AND window_start_ms=$3`,
		bucket, key, windowStartMs).Scan(&w.Count, &w.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &w, nil
}

func (p *Postgres) CreateRateWindow(ctx context.Context, w RateLimitWindow) error {
	res, err := p.db.ExecContext(ctx,
		`INSERT INTO rate_limit_windows (bucket, key, window_start_ms, count, expires_at)
		 VALUES ($1,$2,$3,$4,$5) ON CONFLICT DO NOTHING`,
		w.Bucket, w.Key, w.WindowStartMs, w.Count, w.ExpiresAt)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrConflict
	}
	return nil
}

func (p *Postgres) IncrementRateWindow(ctx context.Context, bucket, key string, windowStartMs, expectedCount int64, expiresAt time.Time) (int64, error) {
	var count int64
	err := p.db.QueryRowContext(ctx,
		`UPDATE rate_limit_windows SET count = count + 1, expires_at = $5
		 WHERE bucket=$1 AND key=$2 AND window_start_ms=$3 AND count=$4
		 RETURNING count`,
		bucket, key, windowStartMs, expectedCount, expiresAt).Scan(&count)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrConflict
	}
	if err != nil {
		return 0, err
	}
	return count, nil
}

func (p *Postgres) InsertRateEvent(ctx context.Context, ev RateLimitEvent) (bool, error) {
	res, err := p.db.ExecContext(ctx,
		`INSERT INTO rate_limit_events (id, source, bucket, key, outcome, reason, dedupe_key, created_at, expires_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9) ON CONFLICT (dedupe_key) DO NOTHING`,
		ev.ID, ev.Source, ev.Bucket, ev.Key, ev.Outcome, ev.Reason, ev.DedupeKey, ev.CreatedAt, ev.ExpiresAt)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (p *Postgres) ListRateEventsSince(ctx context.Context, since time.Time, limit int) ([]RateLimitEvent, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT id, source, bucket, key, outcome, reason, dedupe_key, created_at, expires_at
		 FROM rate_limit_events WHERE created_at >= $1 ORDER BY created_at DESC LIMIT $2`,
		since, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []RateLimitEvent
	for rows.Next() {
		var ev RateLimitEvent
		if err := rows.Scan(&ev.ID, &ev.Source, &ev.Bucket, &ev.Key, &ev.Outcome, &ev.Reason, &ev.DedupeKey, &ev.CreatedAt, &ev.ExpiresAt); err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (p *Postgres) InsertRateAlert(ctx context.Context, al RateLimitAlert) (bool, error) {
	res, err := p.db.ExecContext(ctx,
		`INSERT INTO rate_limit_alerts (id, alert_key, bucket, outcome, observed, threshold, window_minutes, created_at, expires_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9) ON CONFLICT (alert_key) DO NOTHING`,
		al.ID, al.AlertKey, al.Bucket, al.Outcome, al.Observed, al.Threshold, al.WindowMinutes, al.CreatedAt, al.ExpiresAt)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (p *Postgres) ListRateAlertsSince(ctx context.Context, since time.Time, limit int) ([]RateLimitAlert, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT id, alert_key, bucket, outcome, observed, threshold, window_minutes, created_at, expires_at
		 FROM rate_limit_alerts WHERE created_at >= $1 ORDER BY created_at DESC LIMIT $2`,
		since, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []RateLimitAlert
	for rows.Next() {
		var al RateLimitAlert
		if err := rows.Scan(&al.ID, &al.AlertKey, &al.Bucket, &al.Outcome, &al.Observed, &al.Threshold, &al.WindowMinutes, &al.CreatedAt, &al.ExpiresAt); err != nil {
			return nil, err
		}
		out = append(out, al)
	}
	return out, rows.Err()
}

// --- ReplayStore ---

func (p *Postgres) CreateIdempotencyKey(ctx context.Context, rec IdempotencyKey) error {
	res, err := p.db.ExecContext(ctx,
		`INSERT INTO idempotency_keys (scope, key, first_seen_at, hit_count, expires_at)
		 VALUES ($1,$2,$3,$4,$5) ON CONFLICT DO NOTHING`,
		rec.Scope, rec.Key, rec.FirstSeenAt, rec.HitCount, rec.ExpiresAt)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrConflict
	}
	return nil
}

func (p *Postgres) IncrementIdempotencyHit(ctx context.Context, scope, key string) (int64, error) {
	var hits int64
	err := p.db.QueryRowContext(ctx,
		`UPDATE idempotency_keys SET hit_count = hit_count + 1 WHERE scope=$1 AND key=$2 RETURNING hit_count`,
		scope, key).Scan(&hits)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, err
	}
	return hits, nil
}

func (p *Postgres) GetIdempotencyKey(ctx context.Context, scope, key string) (*IdempotencyKey, error) {
	rec := IdempotencyKey{Scope: scope, Key: key}
	err := p.db.QueryRowContext(ctx,
		`SELECT first_seen_at, hit_count, expires_at FROM idempotency_keys WHERE scope=$1 AND key=$2`,
		scope, key).Scan(&rec.FirstSeenAt, &rec.HitCount, &rec.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (p *Postgres) CountReplaysByScope(ctx context.Context, since time.Time, limit int) (map[string]int64, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT scope, SUM(hit_count - 1) FROM (
			SELECT scope, hit_count FROM idempotency_keys
			WHERE hit_count > 1 AND first_seen_at >= $1 LIMIT $2
		 ) t GROUP BY scope`,
		since, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string]int64)
	for rows.Next() {
		var scope string
		var n int64
		if err := rows.Scan(&scope, &n); err != nil {
			return nil, err
		}
		out[scope] = n
	}
	return out, rows.Err()
}

// --- CircuitStore ---

func (p *Postgres) GetCircuitState(ctx context.Context, provider string) (*CircuitState, error) {
	st := CircuitState{Provider: provider}
	var openedAt sql.NullTime
	err := p.db.QueryRowContext(ctx,
		`SELECT state, consecutive_failures, opened_at, cooldown_until, last_error, updated_at
		 FROM circuit_states WHERE provider=$1`,
		provider).Scan(&st.State, &st.ConsecutiveFailures, &openedAt, &st.CooldownUntil, &st.LastError, &st.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if openedAt.Valid {
		st.OpenedAt = &openedAt.Time
	}
	return &st, nil
}

func (p *Postgres) UpsertCircuitState(ctx context.Context, st CircuitState) error {
	var openedAt sql.NullTime
	if st.OpenedAt != nil {
		openedAt = sql.NullTime{Time: *st.OpenedAt, Valid: true}
	}
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO circuit_states (provider, state, consecutive_failures, opened_at, cooldown_until, last_error, updated_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7)
		 ON CONFLICT (provider) DO UPDATE SET
			state=EXCLUDED.state, consecutive_failures=EXCLUDED.consecutive_failures,
			opened_at=EXCLUDED.opened_at, cooldown_until=EXCLUDED.cooldown_until,
			last_error=EXCLUDED.last_error, updated_at=EXCLUDED.updated_at`,
		st.Provider, st.State, st.ConsecutiveFailures, openedAt, st.CooldownUntil, st.LastError, st.UpdatedAt)
	return err
}

func (p *Postgres) ListCircuitStates(ctx context.Context) ([]CircuitState, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT provider, state, consecutive_failures, opened_at, cooldown_until, last_error, updated_at
		 FROM circuit_states ORDER BY provider`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []CircuitState
	for rows.Next() {
		var st CircuitState
		var openedAt sql.NullTime
		if err := rows.Scan(&st.Provider, &st.State, &st.ConsecutiveFailures, &openedAt, &st.CooldownUntil, &st.LastError, &st.UpdatedAt); err != nil {
			return nil, err
		}
		if openedAt.Valid {
			st.OpenedAt = &openedAt.Time
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// --- BulkheadStore ---

func (p *Postgres) CountActiveLeases(ctx context.Context, provider string, now time.Time) (int, error) {
	var n int
	err := p.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM bulkhead_leases WHERE provider=$1 AND expires_at > $2`,
		provider, now).Scan(&n)
	return n, err
}

func (p *Postgres) CreateLease(ctx context.Context, l BulkheadLease) error {
	res, err := p.db.ExecContext(ctx,
		`INSERT INTO bulkhead_leases (provider, lease_id, acquired_at, expires_at)
		 VALUES ($1,$2,$3,$4) ON CONFLICT DO NOTHING`,
		l.Provider, l.LeaseID, l.AcquiredAt, l.ExpiresAt)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrConflict
	}
	return nil
}

func (p *Postgres) DeleteLease(ctx context.Context, provider, leaseID string) error {
	_, err := p.db.ExecContext(ctx,
		`DELETE FROM bulkhead_leases WHERE provider=$1 AND lease_id=$2`, provider, leaseID)
	return err
}

func (p *Postgres) ActiveLeasesByProvider(ctx context.Context, now time.Time) (map[string]int, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT provider, COUNT(*) FROM bulkhead_leases WHERE expires_at > $1 GROUP BY provider`, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string]int)
	for rows.Next() {
		var provider string
		var n int
		if err := rows.Scan(&provider, &n); err != nil {
			return nil, err
		}
		out[provider] = n
	}
	return out, rows.Err()
}

// --- ToolJobStore ---

const toolJobColumns = `id, source, tool_name, qos_class, args_json, status, attempts, max_attempts,
	available_at, lease_expires_at, result_json, last_error, dead_letter_reason, dead_letter_at,
	created_at, updated_at, completed_at, expires_at`

func scanToolJob(sc interface{ Scan(...any) error }) (*ToolJob, error) {
	var j ToolJob
	var lease, dlAt, doneAt sql.NullTime
	err := sc.Scan(&j.ID, &j.Source, &j.ToolName, &j.QOSClass, &j.ArgsJSON, &j.Status, &j.Attempts, &j.MaxAttempts,
		&j.AvailableAt, &lease, &j.ResultJSON, &j.LastError, &j.DeadLetterReason, &dlAt,
		&j.CreatedAt, &j.UpdatedAt, &doneAt, &j.ExpiresAt)
	if err != nil {
		return nil, err
	}
	if lease.Valid {
		j.LeaseExpiresAt = &lease.Time
	}
	if dlAt.Valid {
		j.DeadLetterAt = &dlAt.Time
	}
	if doneAt.Valid {
		j.CompletedAt = &doneAt.Time
	}
	return &j, nil
}

func (p *Postgres) InsertToolJob(ctx context.Context, job ToolJob) error {
	var lease, dlAt, doneAt sql.NullTime
	if job.LeaseExpiresAt != nil {
		lease = sql.NullTime{Time: *job.LeaseExpiresAt, Valid: true}
	}
	if job.DeadLetterAt != nil {
		dlAt = sql.NullTime{Time: *job.DeadLetterAt, Valid: true}
	}
	if job.CompletedAt != nil {
		doneAt = sql.NullTime{Time: *job.CompletedAt, Valid: true}
	}
	res, err := p.db.ExecContext(ctx,
		`INSERT INTO tool_jobs (`+toolJobColumns+`)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)
		 ON CONFLICT DO NOTHING`,
		job.ID, job.Source, job.ToolName, job.QOSClass, job.ArgsJSON, job.Status, job.Attempts, job.MaxAttempts,
		job.AvailableAt, lease, job.ResultJSON, job.LastError, job.DeadLetterReason, dlAt,
		job.CreatedAt, job.UpdatedAt, doneAt, job.ExpiresAt)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrConflict
	}
	return nil
}

func (p *Postgres) GetToolJob(ctx context.Context, id string) (*ToolJob, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+toolJobColumns+` FROM tool_jobs WHERE id=$1`, id)
	j, err := scanToolJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return j, err
}

func (p *Postgres) CountToolJobs(ctx context.Context, toolName, status string, limit int) (int, error) {
	var n int
	err := p.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM (
			SELECT 1 FROM tool_jobs WHERE tool_name=$1 AND status=$2 LIMIT $3
		 ) t`,
		toolName, status, limit).Scan(&n)
	return n, err
}

func (p *Postgres) listJobs(ctx context.Context, where, order string, limit int, args ...any) ([]ToolJob, error) {
	q := `SELECT ` + toolJobColumns + ` FROM tool_jobs WHERE ` + where + ` ORDER BY ` + order + fmt.Sprintf(` LIMIT %d`, limit)
	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ToolJob
	for rows.Next() {
		j, err := scanToolJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *j)
	}
	return out, rows.Err()
}

func (p *Postgres) ListQueuedJobsDue(ctx context.Context, now time.Time, limit int) ([]ToolJob, error) {
	return p.listJobs(ctx, `status=$1 AND available_at <= $2`, `available_at ASC, created_at ASC`, limit, JobQueued, now)
}

func (p *Postgres) ListRunningJobs(ctx context.Context, limit int) ([]ToolJob, error) {
	return p.listJobs(ctx, `status=$1`, `updated_at DESC`, limit, JobRunning)
}

func (p *Postgres) ListStaleRunningJobs(ctx context.Context, now time.Time, limit int) ([]ToolJob, error) {
	return p.listJobs(ctx, `status=$1 AND lease_expires_at < $2`, `lease_expires_at ASC`, limit, JobRunning, now)
}

func (p *Postgres) ListJobsByStatus(ctx context.Context, status string, limit int) ([]ToolJob, error) {
	return p.listJobs(ctx, `status=$1`, `updated_at DESC`, limit, status)
}

func (p *Postgres) PatchToolJob(ctx context.Context, id, expectStatus string, patch ToolJobPatch, now time.Time) (*ToolJob, error) {
	set := []string{"updated_at = $3"}
	args := []any{id, expectStatus, now}
	add := func(expr string, v any) {
		args = append(args, v)
		set = append(set, fmt.Sprintf(expr, len(args)))
	}
	if patch.Status != "" {
		add("status = $%d", patch.Status)
	}
	if patch.Attempts != nil {
		add("attempts = $%d", *patch.Attempts)
	}
	if patch.AvailableAt != nil {
		add("available_at = $%d", *patch.AvailableAt)
	}
	if patch.ClearLease {
		set = append(set, "lease_expires_at = NULL")
	} else if patch.LeaseExpiresAt != nil {
		add("lease_expires_at = $%d", *patch.LeaseExpiresAt)
	}
	if patch.ResultJSON != nil {
		add("result_json = $%d", *patch.ResultJSON)
	}
	if patch.LastError != nil {
		add("last_error = $%d", *patch.LastError)
	}
	if patch.ClearDeadLetter {
		set = append(set, "dead_letter_reason = ''", "dead_letter_at = NULL")
	} else {
		if patch.DeadLetterReason != nil {
			add("dead_letter_reason = $%d", *patch.DeadLetterReason)
		}
		if patch.DeadLetterAt != nil {
			add("dead_letter_at = $%d", *patch.DeadLetterAt)
		}
	}
	if patch.CompletedAt != nil {
		add("completed_at = $%d", *patch.CompletedAt)
	}
	if patch.ExpiresAt != nil {
		add("expires_at = $%d", *patch.ExpiresAt)
	}

	q := `UPDATE tool_jobs SET ` + strings.Join(set, ", ") + ` WHERE id=$1 AND status=$2 RETURNING ` + toolJobColumns
	row := p.db.QueryRowContext(ctx, q, args...)
	j, err := scanToolJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		// Distinguish a missing row from a lost CAS.
		if _, getErr := p.GetToolJob(ctx, id); errors.Is(getErr, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, ErrConflict
	}
	return j, err
}

func (p *Postgres) CountJobsGrouped(ctx context.Context, limit int) (map[string]int, map[string]int, map[string]int, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT status, tool_name, qos_class FROM tool_jobs ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, nil, nil, err
	}
	defer rows.Close()
	byStatus := make(map[string]int)
	byTool := make(map[string]int)
	byQOS := make(map[string]int)
	for rows.Next() {
		var status, tool, qos string
		if err := rows.Scan(&status, &tool, &qos); err != nil {
			return nil, nil, nil, err
		}
		byStatus[status]++
		byTool[tool]++
		byQOS[qos]++
	}
	return byStatus, byTool, byQOS, rows.Err()
}

func (p *Postgres) OldestJobIn(ctx context.Context, status string) (*ToolJob, error) {
	order := `updated_at ASC`
	if status == JobQueued {
		order = `available_at ASC`
	}
	jobs, err := p.listJobs(ctx, `status=$1`, order, 1, status)
	if err != nil {
		return nil, err
	}
	if len(jobs) == 0 {
		return nil, nil
	}
	return &jobs[0], nil
}

func (p *Postgres) InsertQueueAlert(ctx context.Context, al ToolQueueAlert) (bool, error) {
	res, err := p.db.ExecContext(ctx,
		`INSERT INTO tool_queue_alerts (id, alert_key, kind, observed, threshold, window_minutes, created_at, expires_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8) ON CONFLICT (alert_key) DO NOTHING`,
		al.ID, al.AlertKey, al.Kind, al.Observed, al.Threshold, al.WindowMinutes, al.CreatedAt, al.ExpiresAt)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (p *Postgres) ListQueueAlertsSince(ctx context.Context, since time.Time, limit int) ([]ToolQueueAlert, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT id, alert_key, kind, observed, threshold, window_minutes, created_at, expires_at
		 FROM tool_queue_alerts WHERE created_at >= $1 ORDER BY created_at DESC LIMIT $2`,
		since, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ToolQueueAlert
	for rows.Next() {
		var al ToolQueueAlert
		if err := rows.Scan(&al.ID, &al.AlertKey, &al.Kind, &al.Observed, &al.Threshold, &al.WindowMinutes, &al.CreatedAt, &al.ExpiresAt); err != nil {
			return nil, err
		}
		out = append(out, al)
	}
	return out, rows.Err()
}

// --- ToolCacheStore ---

func (p *Postgres) GetCacheEntry(ctx context.Context, namespace, key string, now time.Time) (*ToolCacheEntry, error) {
	e := ToolCacheEntry{Namespace: namespace, Key: key}
	err := p.db.QueryRowContext(ctx,
		`SELECT value_json, created_at, expires_at FROM tool_result_cache
		 WHERE namespace=$1 AND key=$2 AND expires_at > $3`,
		namespace, key, now).Scan(&e.ValueJSON, &e.CreatedAt, &e.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (p *Postgres) UpsertCacheEntry(ctx context.Context, e ToolCacheEntry) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO tool_result_cache (namespace, key, value_json, created_at, expires_at)
		 VALUES ($1,$2,$3,$4,$5)
		 ON CONFLICT (namespace, key) DO UPDATE SET
			value_json=EXCLUDED.value_json, created_at=EXCLUDED.created_at, expires_at=EXCLUDED.expires_at`,
		e.Namespace, e.Key, e.ValueJSON, e.CreatedAt, e.ExpiresAt)
	return err
}

func (p *Postgres) CountActiveCacheEntries(ctx context.Context, now time.Time, limit int) (map[string]int, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT namespace, COUNT(*) FROM (
			SELECT namespace FROM tool_result_cache WHERE expires_at > $1 LIMIT $2
		 ) t GROUP BY namespace`,
		now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string]int)
	for rows.Next() {
		var ns string
		var n int
		if err := rows.Scan(&ns, &n); err != nil {
			return nil, err
		}
		out[ns] = n
	}
	return out, rows.Err()
}

// --- Sweepable ---

func (p *Postgres) sweep(ctx context.Context, table string, now time.Time) (int64, error) {
	res, err := p.db.ExecContext(ctx, `DELETE FROM `+table+` WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (p *Postgres) DeleteExpiredRateRows(ctx context.Context, now time.Time) (int64, error) {
	var total int64
	for _, table := range []string{"rate_limit_windows", "rate_limit_events", "rate_limit_alerts"} {
		n, err := p.sweep(ctx, table, now)
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

func (p *Postgres) DeleteExpiredIdempotencyKeys(ctx context.Context, now time.Time) (int64, error) {
	return p.sweep(ctx, "idempotency_keys", now)
}

func (p *Postgres) DeleteExpiredLeases(ctx context.Context, now time.Time) (int64, error) {
	return p.sweep(ctx, "bulkhead_leases", now)
}

func (p *Postgres) DeleteExpiredToolJobs(ctx context.Context, now time.Time) (int64, error) {
	return p.sweep(ctx, "tool_jobs", now)
}

func (p *Postgres) DeleteExpiredQueueAlerts(ctx context.Context, now time.Time) (int64, error) {
	return p.sweep(ctx, "tool_queue_alerts", now)
}

func (p *Postgres) DeleteExpiredCacheEntries(ctx context.Context, now time.Time) (int64, error) {
	return p.sweep(ctx, "tool_result_cache", now)
}

var _ Store = (*Postgres)(nil)
