package store

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"
)

// Memory is the in-process Store used by tests and by deployments that run
// without a database URL. A single mutex guards every table; all reads copy
// rows out so callers never alias internal state.
type Memory struct {
	mu sync.Mutex

	rateWindows map[string]*RateLimitWindow
	rateEvents  []RateLimitEvent
	rateDedupe  map[string]time.Time
	rateAlerts  map[string]RateLimitAlert

	idem map[string]*IdempotencyKey

	circuits map[string]CircuitState

	leases map[string]BulkheadLease

	jobs        map[string]*ToolJob
	queueAlerts map[string]ToolQueueAlert

	cache map[string]ToolCacheEntry
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		rateWindows: make(map[string]*RateLimitWindow),
		rateDedupe:  make(map[string]time.Time),
		rateAlerts:  make(map[string]RateLimitAlert),
		idem:        make(map[string]*IdempotencyKey),
		circuits:    make(map[string]CircuitState),
		leases:      make(map[string]BulkheadLease),
		jobs:        make(map[string]*ToolJob),
		queueAlerts: make(map[string]ToolQueueAlert),
		cache:       make(map[string]ToolCacheEntry),
	}
}

func pairKey(a, b string) string { return a + "\x1f" + b }

func windowKey(bucket, key string, ws int64) string {
	return bucket + "\x1f" + key + "\x1f" + strconv.FormatInt(ws, 10)
}

// --- RateLimitStore ---

func (m *Memory) GetRateWindow(_ context.Context, bucket, key string, windowStartMs int64) (*RateLimitWindow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.rateWindows[windowKey(bucket, key, windowStartMs)]
	if !ok {
		return nil, nil
	}
	cp := *w
	return &cp, nil
}

func (m *Memory) CreateRateWindow(_ context.Context, w RateLimitWindow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := windowKey(w.Bucket, w.Key, w.WindowStartMs)
	if _, ok := m.rateWindows[k]; ok {
		return ErrConflict
	}
	cp := w
	m.rateWindows[k] = &cp
	return nil
}

func (m *Memory) IncrementRateWindow(_ context.Context, bucket, key string, windowStartMs, expectedCount int64, expiresAt time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.rateWindows[windowKey(bucket, key, windowStartMs)]
	if !ok || w.Count != expectedCount {
		return 0, ErrConflict
	}
	w.Count++
	w.ExpiresAt = expiresAt
	return w.Count, nil
}

func (m *Memory) InsertRateEvent(_ context.Context, ev RateLimitEvent) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rateDedupe[ev.DedupeKey]; ok {
		return false, nil
	}
	m.rateDedupe[ev.DedupeKey] = ev.ExpiresAt
	m.rateEvents = append(m.rateEvents, ev)
	return true, nil
}

func (m *Memory) ListRateEventsSince(_ context.Context, since time.Time, limit int) ([]RateLimitEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]RateLimitEvent, 0, limit)
	for i := len(m.rateEvents) - 1; i >= 0 && len(out) < limit; i-- {
		if m.rateEvents[i].CreatedAt.Before(since) {
			continue
		}
		out = append(out, m.rateEvents[i])
	}
	return out, nil
}

func (m *Memory) InsertRateAlert(_ context.Context, al RateLimitAlert) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rateAlerts[al.AlertKey]; ok {
		return false, nil
	}
	m.rateAlerts[al.AlertKey] = al
	return true, nil
}

func (m *Memory) ListRateAlertsSince(_ context.Context, since time.Time, limit int) ([]RateLimitAlert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]RateLimitAlert, 0, len(m.rateAlerts))
	for _, al := range m.rateAlerts {
		if al.CreatedAt.Before(since) {
			continue
		}
		out = append(out, al)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// --- ReplayStore ---

func (m *Memory) CreateIdempotencyKey(_ context.Context, rec IdempotencyKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := pairKey(rec.Scope, rec.Key)
	if _, ok := m.idem[k]; ok {
		return ErrConflict
	}
	cp := rec
	m.idem[k] = &cp
	return nil
}

func (m *Memory) IncrementIdempotencyHit(_ context.Context, scope, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.idem[pairKey(scope, key)]
	if !ok {
		return 0, ErrNotFound
	}
	rec.HitCount++
	return rec.HitCount, nil
}

func (m *Memory) GetIdempotencyKey(_ context.Context, scope, key string) (*IdempotencyKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.idem[pairKey(scope, key)]
	if !ok {
		return nil, nil
	}
	cp := *rec
	return &cp, nil
}

func (m *Memory) CountReplaysByScope(_ context.Context, since time.Time, limit int) (map[string]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]int64)
	seen := 0
	for _, rec := range m.idem {
		if seen >= limit {
			break
		}
		seen++
		if rec.HitCount > 1 && !rec.FirstSeenAt.Before(since) {
			out[rec.Scope] += rec.HitCount - 1
		}
	}
	return out, nil
}

// --- CircuitStore ---

func (m *Memory) GetCircuitState(_ context.Context, provider string) (*CircuitState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.circuits[provider]
	if !ok {
		return nil, nil
	}
	return &st, nil
}

func (m *Memory) UpsertCircuitState(_ context.Context, st CircuitState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.circuits[st.Provider] = st
	return nil
}

func (m *Memory) ListCircuitStates(_ context.Context) ([]CircuitState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]CircuitState, 0, len(m.circuits))
	for _, st := range m.circuits {
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Provider < out[j].Provider })
	return out, nil
}

// --- BulkheadStore ---

func (m *Memory) CountActiveLeases(_ context.Context, provider string, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, l := range m.leases {
		if l.Provider == provider && l.ExpiresAt.After(now) {
			n++
		}
	}
	return n, nil
}

func (m *Memory) CreateLease(_ context.Context, l BulkheadLease) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := pairKey(l.Provider, l.LeaseID)
	if _, ok := m.leases[k]; ok {
		return ErrConflict
	}
	m.leases[k] = l
	return nil
}

func (m *Memory) DeleteLease(_ context.Context, provider, leaseID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.leases, pairKey(provider, leaseID))
	return nil
}

func (m *Memory) ActiveLeasesByProvider(_ context.Context, now time.Time) (map[string]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]int)
	for _, l := range m.leases {
		if l.ExpiresAt.After(now) {
			out[l.Provider]++
		}
	}
	return out, nil
}

// --- ToolJobStore ---

func (m *Memory) InsertToolJob(_ context.Context, job ToolJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[job.ID]; ok {
		return ErrConflict
	}
	cp := job
	m.jobs[job.ID] = &cp
	return nil
}

func (m *Memory) GetToolJob(_ context.Context, id string) (*ToolJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *j
	return &cp, nil
}

func (m *Memory) CountToolJobs(_ context.Context, toolName, status string, limit int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, j := range m.jobs {
		if j.ToolName == toolName && j.Status == status {
			n++
			if n >= limit {
				break
			}
		}
	}
	return n, nil
}

func (m *Memory) ListQueuedJobsDue(_ context.Context, now time.Time, limit int) ([]ToolJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ToolJob, 0, limit)
	for _, j := range m.jobs {
		if j.Status == JobQueued && !j.AvailableAt.After(now) {
			out = append(out, *j)
		}
	}
	sort.Slice(out, func(i, k int) bool {
		if !out[i].AvailableAt.Equal(out[k].AvailableAt) {
			return out[i].AvailableAt.Before(out[k].AvailableAt)
		}
		if !out[i].CreatedAt.Equal(out[k].CreatedAt) {
			return out[i].CreatedAt.Before(out[k].CreatedAt)
		}
		return out[i].ID < out[k].ID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) ListRunningJobs(ctx context.Context, limit int) ([]ToolJob, error) {
	return m.ListJobsByStatus(ctx, JobRunning, limit)
}

func (m *Memory) ListStaleRunningJobs(_ context.Context, now time.Time, limit int) ([]ToolJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ToolJob, 0, limit)
	for _, j := range m.jobs {
		if j.Status == JobRunning && j.LeaseExpiresAt != nil && j.LeaseExpiresAt.Before(now) {
			out = append(out, *j)
			if len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (m *Memory) PatchToolJob(_ context.Context, id, expectStatus string, patch ToolJobPatch, now time.Time) (*ToolJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	if j.Status != expectStatus {
		return nil, ErrConflict
	}
	applyPatch(j, patch, now)
	cp := *j
	return &cp, nil
}

func applyPatch(j *ToolJob, p ToolJobPatch, now time.Time) {
	if p.Status != "" {
		j.Status = p.Status
	}
	if p.Attempts != nil {
		j.Attempts = *p.Attempts
	}
	if p.AvailableAt != nil {
		j.AvailableAt = *p.AvailableAt
	}
	if p.ClearLease {
		j.LeaseExpiresAt = nil
	} else if p.LeaseExpiresAt != nil {
		t := *p.LeaseExpiresAt
		j.LeaseExpiresAt = &t
	}
	if p.ResultJSON != nil {
		j.ResultJSON = *p.ResultJSON
	}
	if p.LastError != nil {
		j.LastError = *p.LastError
	}
	if p.ClearDeadLetter {
		j.DeadLetterReason = ""
		j.DeadLetterAt = nil
	} else {
		if p.DeadLetterReason != nil {
			j.DeadLetterReason = *p.DeadLetterReason
		}
		if p.DeadLetterAt != nil {
			t := *p.DeadLetterAt
			j.DeadLetterAt = &t
		}
	}
	if p.CompletedAt != nil {
		t := *p.CompletedAt
		j.CompletedAt = &t
	}
	if p.ExpiresAt != nil {
		j.ExpiresAt = *p.ExpiresAt
	}
	j.UpdatedAt = now
}

func (m *Memory) ListJobsByStatus(_ context.Context, status string, limit int) ([]ToolJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ToolJob, 0, limit)
	for _, j := range m.jobs {
		if j.Status == status {
			out = append(out, *j)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].UpdatedAt.After(out[k].UpdatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) CountJobsGrouped(_ context.Context, limit int) (map[string]int, map[string]int, map[string]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	byStatus := make(map[string]int)
	byTool := make(map[string]int)
	byQOS := make(map[string]int)
	seen := 0
	for _, j := range m.jobs {
		if seen >= limit {
			break
		}
		seen++
		byStatus[j.Status]++
		byTool[j.ToolName]++
		byQOS[j.QOSClass]++
	}
	return byStatus, byTool, byQOS, nil
}

func (m *Memory) OldestJobIn(_ context.Context, status string) (*ToolJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var oldest *ToolJob
	for _, j := range m.jobs {
		if j.Status != status {
			continue
		}
		if oldest == nil || jobAge(j).Before(jobAge(oldest)) {
			oldest = j
		}
	}
	if oldest == nil {
		return nil, nil
	}
	cp := *oldest
	return &cp, nil
}

// jobAge picks the timestamp the age monitors compare on.
func jobAge(j *ToolJob) time.Time {
	if j.Status == JobQueued {
		return j.AvailableAt
	}
	return j.UpdatedAt
}

func (m *Memory) InsertQueueAlert(_ context.Context, al ToolQueueAlert) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.queueAlerts[al.AlertKey]; ok {
		return false, nil
	}
	m.queueAlerts[al.AlertKey] = al
	return true, nil
}

func (m *Memory) ListQueueAlertsSince(_ context.Context, since time.Time, limit int) ([]ToolQueueAlert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ToolQueueAlert, 0, len(m.queueAlerts))
	for _, al := range m.queueAlerts {
		if al.CreatedAt.Before(since) {
			continue
		}
		out = append(out, al)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// --- ToolCacheStore ---

func (m *Memory) GetCacheEntry(_ context.Context, namespace, key string, now time.Time) (*ToolCacheEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.cache[pairKey(namespace, key)]
	if !ok || !e.ExpiresAt.After(now) {
		return nil, nil
	}
	cp := e
	return &cp, nil
}

func (m *Memory) UpsertCacheEntry(_ context.Context, e ToolCacheEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cache[pairKey(e.Namespace, e.Key)] = e
	return nil
}

func (m *Memory) CountActiveCacheEntries(_ context.Context, now time.Time, limit int) (map[string]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]int)
	seen := 0
	for _, e := range m.cache {
		if seen >= limit {
			break
		}
		seen++
		if e.ExpiresAt.After(now) {
			out[e.Namespace]++
		}
	}
	return out, nil
}

// --- Sweepable ---

func (m *Memory) DeleteExpiredRateRows(_ context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for k, w := range m.rateWindows {
		if !w.ExpiresAt.After(now) {
			delete(m.rateWindows, k)
			n++
		}
	}
	kept := m.rateEvents[:0]
	for _, ev := range m.rateEvents {
		if ev.ExpiresAt.After(now) {
			kept = append(kept, ev)
		} else {
			n++
		}
	}
	m.rateEvents = kept
	for k, exp := range m.rateDedupe {
		if !exp.After(now) {
			delete(m.rateDedupe, k)
		}
	}
	for k, al := range m.rateAlerts {
		if !al.ExpiresAt.After(now) {
			delete(m.rateAlerts, k)
			n++
		}
	}
	return n, nil
}

func (m *Memory) DeleteExpiredIdempotencyKeys(_ context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for k, rec := range m.idem {
		if !rec.ExpiresAt.After(now) {
			delete(m.idem, k)
			n++
		}
	}
	return n, nil
}

func (m *Memory) DeleteExpiredLeases(_ context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for k, l := range m.leases {
		if !l.ExpiresAt.After(now) {
			delete(m.leases, k)
			n++
		}
	}
	return n, nil
}

func (m *Memory) DeleteExpiredToolJobs(_ context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for k, j := range m.jobs {
		if !j.ExpiresAt.After(now) {
			delete(m.jobs, k)
			n++
		}
	}
	return n, nil
}

func (m *Memory) DeleteExpiredQueueAlerts(_ context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for k, al := range m.queueAlerts {
		if !al.ExpiresAt.After(now) {
			delete(m.queueAlerts, k)
			n++
		}
	}
	return n, nil
}

func (m *Memory) DeleteExpiredCacheEntries(_ context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for k, e := range m.cache {
		if !e.ExpiresAt.After(now) {
			delete(m.cache, k)
			n++
		}
	}
	return n, nil
}

var _ Store = (*Memory)(nil)
