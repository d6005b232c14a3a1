package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/multiworld/lobby/pkg/errors"
	"github.com/multiworld/lobby/pkg/telemetry"
)

// Standard errors.
var (
	ErrEmpty = errors.New("queue: empty")
)

// CompletionHook runs inside the same transaction as a terminal
// completion, so downstream state (slot status, generation artifacts)
// commits atomically with the job row.
type CompletionHook func(tx *sql.Tx, job Job, outcome Outcome) error

// Broker is the durable queue core. It exclusively owns job rows and
// lease state; every transition is a single database transaction.
type Broker struct {
	db     *sql.DB
	driver string

	clock Clock
	rnd   func() float64

	queues map[Name]Config
	hooks  map[Name]CompletionHook

	dedupeRetention time.Duration

	log     *telemetry.Logger
	metrics *telemetry.Metrics
	watch   *notifier

	// onTerminal fires after any transition into a terminal state,
	// whichever path caused it (complete, cancel, sweep).
	onTerminal func(jobID string, s State)

	seq atomic.Int64
}

// Options configures a Broker.
type Options struct {
	// Driver is the database/sql driver name ("postgres" or "sqlite3");
	// it only selects DDL column types, queries are shared.
	Driver string
	// Queues maps each served queue to its tuning; unknown queues are
	// rejected at submit/reserve time.
	Queues map[Name]Config
	// DedupeRetention bounds how long a dedupe key collapses submits.
	DedupeRetention time.Duration
	Clock           Clock
	// Rand returns values in [0,1) for backoff jitter; fixed in tests.
	Rand    func() float64
	Log     *telemetry.Logger
	Metrics *telemetry.Metrics
}

// NewBroker wires a broker over db and creates the schema.
func NewBroker(ctx context.Context, db *sql.DB, opts Options) (*Broker, error) {
	if db == nil {
		return nil, apperrors.Newf(apperrors.QueueInvalid, "db is nil")
	}
	if opts.Driver == "" {
		opts.Driver = "postgres"
	}
	if opts.Clock == nil {
		opts.Clock = func() time.Time { return time.Now().UTC() }
	}
	if opts.Rand == nil {
		opts.Rand = defaultRand
	}
	if opts.Log == nil {
		opts.Log = telemetry.Nop
	}
	if opts.Metrics == nil {
		opts.Metrics = telemetry.NopMetrics()
	}
	if opts.DedupeRetention <= 0 {
		opts.DedupeRetention = 24 * time.Hour
	}
	queues := make(map[Name]Config, len(opts.Queues))
	for name, cfg := range opts.Queues {
		queues[name] = cfg.withDefaults()
	}

	b := &Broker{
		db:              db,
		driver:          opts.Driver,
		clock:           opts.Clock,
		rnd:             opts.Rand,
		queues:          queues,
		hooks:           make(map[Name]CompletionHook),
		dedupeRetention: opts.DedupeRetention,
		log:             opts.Log,
		metrics:         opts.Metrics,
		watch:           newNotifier(),
	}
	if err := b.ensureSchema(ctx); err != nil {
		return nil, err
	}
	var maxSeq sql.NullInt64
	if err := db.QueryRowContext(ctx, `SELECT MAX(seq) FROM queue_jobs`).Scan(&maxSeq); err == nil && maxSeq.Valid {
		b.seq.Store(maxSeq.Int64)
	}
	return b, nil
}

// OnComplete registers the hook run inside terminal-completion
// transactions for a queue. At most one hook per queue.
func (b *Broker) OnComplete(queue Name, hook CompletionHook) {
	b.hooks[queue] = hook
}

// OnTerminal registers a callback fired after every transition into a
// terminal state. Used to seal the job's log stream.
func (b *Broker) OnTerminal(fn func(jobID string, s State)) {
	b.onTerminal = fn
}

// Known reports whether the broker serves queue.
func (b *Broker) Known(queue Name) bool {
	_, ok := b.queues[queue]
	return ok
}

func (b *Broker) now() time.Time { return b.clock().UTC().Truncate(time.Millisecond) }

func (b *Broker) ensureSchema(ctx context.Context) error {
	blob := "BYTEA"
	if b.driver == "sqlite3" {
		blob = "BLOB"
	}
	stmts := []string{
		fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS queue_jobs (
  id              TEXT PRIMARY KEY,
  queue           TEXT NOT NULL,
  seq             BIGINT NOT NULL,
  payload         %s NOT NULL,
  dedupe_key      TEXT NOT NULL DEFAULT '',
  state           TEXT NOT NULL,
  attempts        INTEGER NOT NULL DEFAULT 0,
  max_attempts    INTEGER NOT NULL,
  next_visible_at BIGINT NOT NULL,
  lease_deadline  BIGINT,
  deadline        BIGINT,
  started_at      BIGINT,
  worker_id       TEXT NOT NULL DEFAULT '',
  outcome         TEXT NOT NULL DEFAULT '',
  result          %s,
  error           TEXT NOT NULL DEFAULT '',
  created_at      BIGINT NOT NULL,
  updated_at      BIGINT NOT NULL
)`, blob, blob),
		`CREATE INDEX IF NOT EXISTS queue_jobs_reserve
   ON queue_jobs (queue, state, next_visible_at, created_at, seq)`,
		`CREATE TABLE IF NOT EXISTS queue_dedupe (
  queue      TEXT NOT NULL,
  dedupe_key TEXT NOT NULL,
  job_id     TEXT NOT NULL,
  expires_at BIGINT NOT NULL,
  PRIMARY KEY (queue, dedupe_key)
)`,
	}
	for _, q := range stmts {
		if _, err := b.db.ExecContext(ctx, q); err != nil {
			return apperrors.New(apperrors.DependencyDown, err)
		}
	}
	return nil
}

// SubmitOptions tunes one submission.
type SubmitOptions struct {
	// DedupeKey collapses identical submits onto one job id within the
	// retention window. Empty disables deduplication.
	DedupeKey string
	// Deadline, when set, expires the job if it is still queued past it.
	Deadline time.Time
}

// Submit enqueues a payload. It is idempotent when a dedupe key is
// supplied: the second submit returns the first job's id with
// deduped=true and does not enqueue.
func (b *Broker) Submit(ctx context.Context, queue Name, payload []byte, opts SubmitOptions) (jobID string, deduped bool, err error) {
	cfg, ok := b.queues[queue]
	if !ok {
		return "", false, apperrors.Newf(apperrors.QueueNotFound, "unknown queue %q", queue)
	}
	if int64(len(payload)) > cfg.MaxPayloadBytes {
		return "", false, apperrors.Newf(apperrors.QueueOversize, "payload %d bytes exceeds %d", len(payload), cfg.MaxPayloadBytes)
	}

	now := b.now()
	err = b.inTx(ctx, func(tx *sql.Tx) error {
		if opts.DedupeKey != "" {
			if _, err := tx.ExecContext(ctx,
				`DELETE FROM queue_dedupe WHERE queue = $1 AND dedupe_key = $2 AND expires_at <= $3`,
				string(queue), opts.DedupeKey, millis(now)); err != nil {
				return err
			}
			var existing string
			scanErr := tx.QueryRowContext(ctx,
				`SELECT job_id FROM queue_dedupe WHERE queue = $1 AND dedupe_key = $2`,
				string(queue), opts.DedupeKey).Scan(&existing)
			switch {
			case scanErr == nil:
				jobID, deduped = existing, true
				return nil
			case errors.Is(scanErr, sql.ErrNoRows):
				// fall through to insert
			default:
				return scanErr
			}
		}

		jobID = uuid.NewString()
		seq := b.seq.Add(1)
		var deadline any
		if !opts.Deadline.IsZero() {
			deadline = millis(opts.Deadline)
		}
		if _, err := tx.ExecContext(ctx, `
INSERT INTO queue_jobs (id, queue, seq, payload, dedupe_key, state, attempts, max_attempts,
                        next_visible_at, deadline, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, 0, $7, $8, $9, $10, $10)`,
			jobID, string(queue), seq, payload, opts.DedupeKey, string(StatePending),
			cfg.MaxAttempts, millis(now), deadline, millis(now)); err != nil {
			return err
		}
		if opts.DedupeKey != "" {
			res, err := tx.ExecContext(ctx, `
INSERT INTO queue_dedupe (queue, dedupe_key, job_id, expires_at)
VALUES ($1, $2, $3, $4)
ON CONFLICT (queue, dedupe_key) DO NOTHING`,
				string(queue), opts.DedupeKey, jobID, millis(now.Add(b.dedupeRetention)))
			if err != nil {
				return err
			}
			// Lost an insert race: back out our row and return the
			// winner's id.
			if n, _ := res.RowsAffected(); n == 0 {
				if _, err := tx.ExecContext(ctx, `DELETE FROM queue_jobs WHERE id = $1`, jobID); err != nil {
					return err
				}
				if err := tx.QueryRowContext(ctx,
					`SELECT job_id FROM queue_dedupe WHERE queue = $1 AND dedupe_key = $2`,
					string(queue), opts.DedupeKey).Scan(&jobID); err != nil {
					return err
				}
				deduped = true
			}
		}
		return nil
	})
	if err != nil {
		return "", false, b.dbErr(err)
	}
	if deduped {
		b.metrics.DedupeHits.WithLabelValues(string(queue)).Inc()
	} else {
		b.metrics.JobsSubmitted.WithLabelValues(string(queue)).Inc()
		b.log.Info("job submitted", map[string]any{"job_id": jobID, "queue": string(queue)})
	}
	return jobID, deduped, nil
}

// Reserve atomically hands the oldest visible pending job to workerID and
// starts its lease. Returns ErrEmpty when no work is visible.
func (b *Broker) Reserve(ctx context.Context, queue Name, workerID string, lease time.Duration) (Job, error) {
	if _, ok := b.queues[queue]; !ok {
		return Job{}, apperrors.Newf(apperrors.QueueNotFound, "unknown queue %q", queue)
	}
	if workerID == "" {
		return Job{}, apperrors.Newf(apperrors.QueueInvalid, "worker_id is required")
	}
	if lease <= 0 {
		return Job{}, apperrors.Newf(apperrors.QueueInvalid, "lease must be positive")
	}

	now := b.now()
	var reserved Job
	var expired []string
	err := b.inTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
SELECT id, deadline FROM queue_jobs
WHERE queue = $1 AND state = $2 AND next_visible_at <= $3
ORDER BY next_visible_at ASC, created_at ASC, seq ASC
LIMIT 16`, string(queue), string(StatePending), millis(now))
		if err != nil {
			return err
		}
		type cand struct {
			id       string
			deadline sql.NullInt64
		}
		var cands []cand
		for rows.Next() {
			var c cand
			if err := rows.Scan(&c.id, &c.deadline); err != nil {
				rows.Close()
				return err
			}
			cands = append(cands, c)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		for _, c := range cands {
			if c.deadline.Valid && fromMillis(c.deadline.Int64).Before(now) {
				if _, err := tx.ExecContext(ctx, `
UPDATE queue_jobs SET state = $1, updated_at = $2 WHERE id = $3 AND state = $4`,
					string(StateExpired), millis(now), c.id, string(StatePending)); err != nil {
					return err
				}
				expired = append(expired, c.id)
				continue
			}
			res, err := tx.ExecContext(ctx, `
UPDATE queue_jobs
SET state = $1, worker_id = $2, lease_deadline = $3, attempts = attempts + 1,
    started_at = $4, updated_at = $4
WHERE id = $5 AND state = $6`,
				string(StateRunning), workerID, millis(now.Add(lease)), millis(now),
				c.id, string(StatePending))
			if err != nil {
				return err
			}
			if n, _ := res.RowsAffected(); n == 1 {
				reserved, err = b.getTx(ctx, tx, c.id)
				return err
			}
		}
		// Nothing reservable; commit so past-deadline expiries persist.
		return nil
	})
	if err != nil {
		return Job{}, b.dbErr(err)
	}
	for _, id := range expired {
		b.watch.notify(id, StateExpired)
		if b.onTerminal != nil {
			b.onTerminal(id, StateExpired)
		}
	}
	if reserved.ID == "" {
		return Job{}, ErrEmpty
	}
	b.watch.notify(reserved.ID, StateRunning)
	b.metrics.JobsReserved.WithLabelValues(string(queue)).Inc()
	b.log.Info("job reserved", map[string]any{
		"job_id": reserved.ID, "queue": string(queue), "worker": workerID, "attempt": reserved.Attempts,
	})
	return reserved, nil
}

// Heartbeat extends a lease iff workerID still owns the running job.
func (b *Broker) Heartbeat(ctx context.Context, jobID, workerID string, lease time.Duration) error {
	if lease <= 0 {
		return apperrors.Newf(apperrors.QueueInvalid, "lease must be positive")
	}
	now := b.now()
	err := b.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
UPDATE queue_jobs SET lease_deadline = $1, updated_at = $2
WHERE id = $3 AND state = $4 AND worker_id = $5`,
			millis(now.Add(lease)), millis(now), jobID, string(StateRunning), workerID)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 1 {
			return nil
		}
		job, err := b.getTx(ctx, tx, jobID)
		if err != nil {
			return err
		}
		if job.State == StateRunning && job.WorkerID != workerID {
			return fmt.Errorf("%w: job %s owned by %s", apperrors.ErrLeaseConflict, jobID, job.WorkerID)
		}
		return fmt.Errorf("%w: job %s is %s", apperrors.ErrGone, jobID, job.State)
	})
	return b.dbErr(err)
}

// Complete transitions Running to Success/Failure iff workerID owns the
// lease. It is idempotent on retransmission of the same outcome kind by
// the same worker. A worker-reported failure with attempts remaining goes
// back to Pending with backoff; otherwise the registered completion hook
// runs inside the same transaction as the terminal transition.
func (b *Broker) Complete(ctx context.Context, jobID, workerID string, outcome Outcome) error {
	if outcome.Kind != OutcomeSuccess && outcome.Kind != OutcomeFailure {
		return apperrors.Newf(apperrors.QueueInvalid, "outcome must be success or failure")
	}
	now := b.now()
	var finalState State
	var queue Name
	err := b.inTx(ctx, func(tx *sql.Tx) error {
		job, err := b.getTx(ctx, tx, jobID)
		if err != nil {
			return err
		}
		queue = job.Queue

		if job.State != StateRunning {
			// Retransmission of an already-applied outcome is fine; any
			// other post-terminal report is Gone.
			if job.WorkerID == workerID && job.Outcome == outcome.Kind {
				finalState = job.State
				return nil
			}
			return fmt.Errorf("%w: job %s is %s", apperrors.ErrGone, jobID, job.State)
		}
		if job.WorkerID != workerID {
			return fmt.Errorf("%w: job %s owned by %s", apperrors.ErrLeaseConflict, jobID, job.WorkerID)
		}

		cfg := b.queues[job.Queue].withDefaults()
		switch outcome.Kind {
		case OutcomeSuccess:
			finalState = StateSuccess
			if err := b.transition(ctx, tx, job.ID, StateRunning, workerID, `
UPDATE queue_jobs SET state = $1, outcome = $2, result = $3, error = '',
  lease_deadline = NULL, updated_at = $4
WHERE id = $5 AND state = $6 AND worker_id = $7`,
				string(StateSuccess), string(OutcomeSuccess), outcome.Result, millis(now)); err != nil {
				return err
			}
		case OutcomeFailure:
			if job.Attempts < job.MaxAttempts {
				finalState = StatePending
				delay := cfg.Backoff.Next(job.Attempts, b.rnd)
				if err := b.transition(ctx, tx, job.ID, StateRunning, workerID, `
UPDATE queue_jobs SET state = $1, outcome = $2, error = $3,
  next_visible_at = $4, lease_deadline = NULL, updated_at = $5
WHERE id = $6 AND state = $7 AND worker_id = $8`,
					string(StatePending), string(OutcomeFailure), outcome.Error,
					millis(now.Add(delay)), millis(now)); err != nil {
					return err
				}
				return nil
			}
			finalState = StateFailure
			if err := b.transition(ctx, tx, job.ID, StateRunning, workerID, `
UPDATE queue_jobs SET state = $1, outcome = $2, error = $3,
  lease_deadline = NULL, updated_at = $4
WHERE id = $5 AND state = $6 AND worker_id = $7`,
				string(StateFailure), string(OutcomeFailure), outcome.Error, millis(now)); err != nil {
				return err
			}
		}

		if finalState.Terminal() {
			if hook := b.hooks[job.Queue]; hook != nil {
				job.State = finalState
				job.Result = outcome.Result
				job.Error = outcome.Error
				if err := hook(tx, job, outcome); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return b.dbErr(err)
	}
	b.watch.notify(jobID, finalState)
	if finalState.Terminal() {
		b.metrics.JobsCompleted.WithLabelValues(string(queue), string(outcome.Kind)).Inc()
		if b.onTerminal != nil {
			b.onTerminal(jobID, finalState)
		}
	}
	b.log.Info("job completed", map[string]any{
		"job_id": jobID, "queue": string(queue), "outcome": string(outcome.Kind), "state": string(finalState),
	})
	return nil
}

// transition applies a guarded UPDATE and fails with Gone if the guard
// no longer holds.
func (b *Broker) transition(ctx context.Context, tx *sql.Tx, id string, from State, worker string, query string, args ...any) error {
	args = append(args, id, string(from), worker)
	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return fmt.Errorf("%w: job %s moved concurrently", apperrors.ErrGone, id)
	}
	return nil
}

// Cancel moves any non-terminal job to Cancelled. Terminal jobs are left
// untouched; a running worker discovers the cancellation on its next
// heartbeat.
func (b *Broker) Cancel(ctx context.Context, jobID string) error {
	now := b.now()
	var cancelled bool
	var queue Name
	err := b.inTx(ctx, func(tx *sql.Tx) error {
		job, err := b.getTx(ctx, tx, jobID)
		if err != nil {
			return err
		}
		queue = job.Queue
		if job.State.Terminal() {
			return nil
		}
		res, err := tx.ExecContext(ctx, `
UPDATE queue_jobs SET state = $1, lease_deadline = NULL, updated_at = $2
WHERE id = $3 AND state IN ($4, $5)`,
			string(StateCancelled), millis(now), jobID, string(StatePending), string(StateRunning))
		if err != nil {
			return err
		}
		n, _ := res.RowsAffected()
		cancelled = n == 1
		return nil
	})
	if err != nil {
		return b.dbErr(err)
	}
	if cancelled {
		b.watch.notify(jobID, StateCancelled)
		b.metrics.JobsCancelled.WithLabelValues(string(queue)).Inc()
		if b.onTerminal != nil {
			b.onTerminal(jobID, StateCancelled)
		}
		b.log.Info("job cancelled", map[string]any{"job_id": jobID, "queue": string(queue)})
	}
	return nil
}

// ExpireSweep reclaims expired leases, enforces hard timeouts, expires
// past-deadline pending jobs, and prunes stale dedupe rows. It is called
// periodically by Run.
func (b *Broker) ExpireSweep(ctx context.Context) error {
	now := b.now()
	type change struct {
		id    string
		queue Name
		state State
	}
	var changes []change

	err := b.inTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
SELECT id, queue, attempts, max_attempts, started_at FROM queue_jobs
WHERE state = $1 AND lease_deadline IS NOT NULL AND lease_deadline < $2`,
			string(StateRunning), millis(now))
		if err != nil {
			return err
		}
		type lapsed struct {
			id          string
			queue       string
			attempts    int
			maxAttempts int
		}
		var all []lapsed
		for rows.Next() {
			var l lapsed
			var started sql.NullInt64
			if err := rows.Scan(&l.id, &l.queue, &l.attempts, &l.maxAttempts, &started); err != nil {
				rows.Close()
				return err
			}
			all = append(all, l)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		for _, l := range all {
			cfg := b.queues[Name(l.queue)].withDefaults()
			if l.attempts < l.maxAttempts {
				delay := cfg.Backoff.Next(l.attempts, b.rnd)
				res, err := tx.ExecContext(ctx, `
UPDATE queue_jobs SET state = $1, worker_id = '', lease_deadline = NULL,
  next_visible_at = $2, updated_at = $3
WHERE id = $4 AND state = $5`,
					string(StatePending), millis(now.Add(delay)), millis(now), l.id, string(StateRunning))
				if err != nil {
					return err
				}
				if n, _ := res.RowsAffected(); n == 1 {
					changes = append(changes, change{l.id, Name(l.queue), StatePending})
				}
			} else {
				res, err := tx.ExecContext(ctx, `
UPDATE queue_jobs SET state = $1, error = 'lease expired', lease_deadline = NULL, updated_at = $2
WHERE id = $3 AND state = $4`,
					string(StateFailure), millis(now), l.id, string(StateRunning))
				if err != nil {
					return err
				}
				if n, _ := res.RowsAffected(); n == 1 {
					changes = append(changes, change{l.id, Name(l.queue), StateFailure})
				}
			}
		}

		// Hard timeout: a Running stretch longer than the queue bound
		// fails regardless of heartbeats.
		for name, cfg := range b.queues {
			if cfg.HardTimeout <= 0 {
				continue
			}
			cutoff := millis(now.Add(-cfg.HardTimeout))
			rows, err := tx.QueryContext(ctx, `
SELECT id FROM queue_jobs
WHERE queue = $1 AND state = $2 AND started_at IS NOT NULL AND started_at < $3`,
				string(name), string(StateRunning), cutoff)
			if err != nil {
				return err
			}
			var ids []string
			for rows.Next() {
				var id string
				if err := rows.Scan(&id); err != nil {
					rows.Close()
					return err
				}
				ids = append(ids, id)
			}
			rows.Close()
			if err := rows.Err(); err != nil {
				return err
			}
			for _, id := range ids {
				res, err := tx.ExecContext(ctx, `
UPDATE queue_jobs SET state = $1, error = 'timeout', lease_deadline = NULL, updated_at = $2
WHERE id = $3 AND state = $4`,
					string(StateFailure), millis(now), id, string(StateRunning))
				if err != nil {
					return err
				}
				if n, _ := res.RowsAffected(); n == 1 {
					changes = append(changes, change{id, name, StateFailure})
				}
			}
		}

		// Pending jobs past their submit deadline expire.
		rows2, err := tx.QueryContext(ctx, `
SELECT id, queue FROM queue_jobs
WHERE state = $1 AND deadline IS NOT NULL AND deadline < $2`,
			string(StatePending), millis(now))
		if err != nil {
			return err
		}
		type pd struct{ id, queue string }
		var pds []pd
		for rows2.Next() {
			var p pd
			if err := rows2.Scan(&p.id, &p.queue); err != nil {
				rows2.Close()
				return err
			}
			pds = append(pds, p)
		}
		rows2.Close()
		if err := rows2.Err(); err != nil {
			return err
		}
		for _, p := range pds {
			res, err := tx.ExecContext(ctx, `
UPDATE queue_jobs SET state = $1, updated_at = $2 WHERE id = $3 AND state = $4`,
				string(StateExpired), millis(now), p.id, string(StatePending))
			if err != nil {
				return err
			}
			if n, _ := res.RowsAffected(); n == 1 {
				changes = append(changes, change{p.id, Name(p.queue), StateExpired})
			}
		}

		_, err = tx.ExecContext(ctx, `DELETE FROM queue_dedupe WHERE expires_at <= $1`, millis(now))
		return err
	})
	if err != nil {
		return b.dbErr(err)
	}

	for _, c := range changes {
		b.watch.notify(c.id, c.state)
		if c.state.Terminal() && b.onTerminal != nil {
			b.onTerminal(c.id, c.state)
		}
		switch c.state {
		case StatePending:
			b.metrics.JobsExpired.WithLabelValues(string(c.queue)).Inc()
			b.log.Warn("lease expired, job requeued", map[string]any{"job_id": c.id, "queue": string(c.queue)})
		case StateFailure:
			b.metrics.JobsCompleted.WithLabelValues(string(c.queue), "failure").Inc()
			b.log.Warn("job failed by sweep", map[string]any{"job_id": c.id, "queue": string(c.queue)})
		case StateExpired:
			b.log.Info("queued job expired", map[string]any{"job_id": c.id, "queue": string(c.queue)})
		}
	}
	return nil
}

// Run drives the expire sweep until ctx is done.
func (b *Broker) Run(ctx context.Context, every time.Duration) {
	if every <= 0 {
		every = time.Second
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := b.ExpireSweep(ctx); err != nil {
				b.log.Error("expire sweep failed", map[string]any{"error": err})
			}
		}
	}
}

// Get loads one job.
func (b *Broker) Get(ctx context.Context, jobID string) (Job, error) {
	var job Job
	err := b.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		job, err = b.getTx(ctx, tx, jobID)
		return err
	})
	if err != nil {
		return Job{}, b.dbErr(err)
	}
	return job, nil
}

// Stats counts jobs by state for one queue.
func (b *Broker) Stats(ctx context.Context, queue Name) (Stats, error) {
	rows, err := b.db.QueryContext(ctx,
		`SELECT state, COUNT(*) FROM queue_jobs WHERE queue = $1 GROUP BY state`, string(queue))
	if err != nil {
		return Stats{}, b.dbErr(err)
	}
	defer rows.Close()
	var s Stats
	for rows.Next() {
		var state string
		var n int64
		if err := rows.Scan(&state, &n); err != nil {
			return Stats{}, err
		}
		switch State(state) {
		case StatePending:
			s.Pending = n
		case StateRunning:
			s.Running = n
		case StateSuccess:
			s.Succeeded = n
		case StateFailure:
			s.Failed = n
		case StateCancelled:
			s.Cancelled = n
		case StateExpired:
			s.Expired = n
		}
	}
	return s, rows.Err()
}

// Watch returns a channel of state transitions for jobID plus a cancel
// func. The caller should read the current state with Get first.
func (b *Broker) Watch(jobID string) (<-chan State, func()) {
	return b.watch.subscribe(jobID)
}

func (b *Broker) getTx(ctx context.Context, tx *sql.Tx, jobID string) (Job, error) {
	row := tx.QueryRowContext(ctx, `
SELECT id, queue, payload, dedupe_key, state, attempts, max_attempts,
       next_visible_at, lease_deadline, deadline, started_at,
       worker_id, outcome, result, error, created_at, updated_at
FROM queue_jobs WHERE id = $1`, jobID)

	var j Job
	var queue, state, outcome string
	var nextVisible, createdAt, updatedAt int64
	var leaseDeadline, deadline, startedAt sql.NullInt64
	var result []byte
	err := row.Scan(&j.ID, &queue, &j.Payload, &j.DedupeKey, &state, &j.Attempts, &j.MaxAttempts,
		&nextVisible, &leaseDeadline, &deadline, &startedAt,
		&j.WorkerID, &outcome, &result, &j.Error, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Job{}, fmt.Errorf("%w: job %s", apperrors.ErrNotFound, jobID)
	}
	if err != nil {
		return Job{}, err
	}
	j.Queue = Name(queue)
	j.State = State(state)
	j.Outcome = OutcomeKind(outcome)
	j.Result = result
	j.NextVisibleAt = fromMillis(nextVisible)
	j.CreatedAt = fromMillis(createdAt)
	j.UpdatedAt = fromMillis(updatedAt)
	if leaseDeadline.Valid {
		t := fromMillis(leaseDeadline.Int64)
		j.LeaseDeadline = &t
	}
	if deadline.Valid {
		t := fromMillis(deadline.Int64)
		j.Deadline = &t
	}
	if startedAt.Valid {
		t := fromMillis(startedAt.Int64)
		j.StartedAt = &t
	}
	return j, nil
}

func (b *Broker) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// dbErr wraps unclassified database failures as transient; classified
// errors pass through.
func (b *Broker) dbErr(err error) error {
	if err == nil {
		return nil
	}
	var e *apperrors.E
	if errors.As(err, &e) ||
		errors.Is(err, apperrors.ErrGone) || errors.Is(err, apperrors.ErrLeaseConflict) ||
		errors.Is(err, apperrors.ErrNotFound) || errors.Is(err, ErrEmpty) {
		return err
	}
	return apperrors.New(apperrors.DependencyDown, fmt.Errorf("%w: %v", apperrors.ErrTransient, err))
}

func millis(t time.Time) int64 { return t.UnixMilli() }

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }
