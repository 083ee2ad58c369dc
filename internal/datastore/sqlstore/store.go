// Package sqlstore is a SQLite datastore.Datastore shared by every node that
// opens the same database file. Watches are long polls driven by the
// injected clock. The store also serves membership leases.
package sqlstore

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/ChuLiYu/falcon-scheduler/internal/clock"
	"github.com/ChuLiYu/falcon-scheduler/internal/coordination"
	"github.com/ChuLiYu/falcon-scheduler/internal/datastore"
	"github.com/ChuLiYu/falcon-scheduler/internal/sharding"
	"github.com/ChuLiYu/falcon-scheduler/pkg/types"
)

//go:embed migrations.sql
var migrationsFS embed.FS

// Config configures a Store.
type Config struct {
	Path         string
	PollInterval time.Duration
	BusyTimeout  time.Duration
	Clock        clock.Clock
	Logger       *slog.Logger
}

// Store is a SQLite backed datastore.
type Store struct {
	db    *sql.DB
	clock clock.Clock
	log   *slog.Logger
	poll  time.Duration

	mu       sync.Mutex
	watches  map[int]*poller
	watchSeq int
	timer    clock.Timer
	closed   bool
	polling  sync.WaitGroup
}

var (
	_ datastore.Datastore      = (*Store)(nil)
	_ coordination.MemberStore = (*Store)(nil)
)

// Open opens (and migrates) the database at cfg.Path.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlstore: path is required")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	if cfg.BusyTimeout <= 0 {
		cfg.BusyTimeout = 5 * time.Second
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// one connection serializes transactions
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	_, _ = db.ExecContext(ctx, fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	_, _ = db.ExecContext(ctx, "PRAGMA journal_mode = WAL")
	_, _ = db.ExecContext(ctx, "PRAGMA synchronous = NORMAL")

	s := &Store{
		db:      db,
		clock:   cfg.Clock,
		log:     cfg.Logger.With("component", "sqlstore"),
		poll:    cfg.PollInterval,
		watches: make(map[int]*poller),
	}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

// ============================================================================
// Encoding helpers
// ============================================================================

func nanos(t time.Time) int64 { return t.UnixNano() }

func fromNanos(n int64) time.Time { return time.Unix(0, n).UTC() }

func nullNanos(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixNano()
}

type scanner interface {
	Scan(dest ...any) error
}

const docColumns = "definition, job_status, shards"

func scanDoc(row scanner) (types.JobDocument, error) {
	var def, status, shards string
	if err := row.Scan(&def, &status, &shards); err != nil {
		return types.JobDocument{}, err
	}
	return decodeDoc(def, status, shards)
}

func decodeDoc(def, status, shards string) (types.JobDocument, error) {
	var doc types.JobDocument
	if err := json.Unmarshal([]byte(def), &doc.Definition); err != nil {
		return doc, fmt.Errorf("decode definition: %w", err)
	}
	if err := json.Unmarshal([]byte(status), &doc.Status); err != nil {
		return doc, fmt.Errorf("decode status: %w", err)
	}
	if err := json.Unmarshal([]byte(shards), &doc.Shards); err != nil {
		return doc, fmt.Errorf("decode shards: %w", err)
	}
	doc.Definition.ScheduledAt = doc.Definition.ScheduledAt.UTC()
	return doc, nil
}

func scanDocs(rows *sql.Rows) ([]types.JobDocument, error) {
	defer rows.Close()
	var out []types.JobDocument
	for rows.Next() {
		doc, err := scanDoc(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, doc)
	}
	return out, rows.Err()
}

const rateLimitColumns = "seq, job_id, key, scheduled_at, satisfied_at, shards"

func scanRateLimit(row scanner) (int64, types.RateLimit, error) {
	var (
		seq       int64
		rl        types.RateLimit
		jobID     string
		at        int64
		satisfied sql.NullInt64
		shards    string
	)
	if err := row.Scan(&seq, &jobID, &rl.Key, &at, &satisfied, &shards); err != nil {
		return 0, rl, err
	}
	rl.JobID = types.JobID(jobID)
	rl.ScheduledAt = fromNanos(at)
	if satisfied.Valid {
		t := fromNanos(satisfied.Int64)
		rl.SatisfiedAt = &t
	}
	if err := json.Unmarshal([]byte(shards), &rl.Shards); err != nil {
		return 0, rl, fmt.Errorf("decode shards: %w", err)
	}
	return seq, rl, nil
}

// shardClause restricts column (a job id) to the given shards.
func shardClause(column string, shards *types.ShardsToListenTo) (string, []any) {
	if shards == nil {
		return "", nil
	}
	idx := shards.Indexes()
	if len(idx) == 0 {
		return " AND 0", nil
	}
	args := make([]any, len(idx))
	for i, v := range idx {
		args[i] = v
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(idx)), ",")
	return fmt.Sprintf(" AND %s IN (SELECT job_id FROM job_shards WHERE shard IN (%s))", column, placeholders), args
}

func cursorClause(c *datastore.Cursor) (string, []any) {
	if c == nil {
		return "", nil
	}
	at := nanos(c.ScheduledAt)
	return " AND (scheduled_at > ? OR (scheduled_at = ? AND id > ?))", []any{at, at, string(c.ID)}
}

func (s *Store) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// ============================================================================
// Registration and reads
// ============================================================================

func (s *Store) Schedule(ctx context.Context, args datastore.ScheduleArgs, shardFn sharding.Func) (types.JobID, error) {
	if err := args.Validate(); err != nil {
		return "", err
	}
	if s.isClosed() {
		return "", datastore.ErrClosed
	}
	id := args.ID
	if id == "" {
		id = types.JobID(uuid.NewString())
	}
	shards, err := datastore.ShardsForSchedule(id, shardFn)
	if err != nil {
		return "", err
	}
	if args.Request.Method == "" {
		args.Request.Method = "POST"
	}
	now := s.clock.Now()
	def := types.JobDefinition{ID: id, ScheduledAt: args.ScheduledAt.UTC(), Request: args.Request}
	status := types.NewRegisteredStatus(now)

	defJSON, err := json.Marshal(def)
	if err != nil {
		return "", err
	}
	statusJSON, err := json.Marshal(status)
	if err != nil {
		return "", err
	}
	shardsJSON, err := json.Marshal(shards)
	if err != nil {
		return "", err
	}

	err = s.tx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO jobs(id, status, scheduled_at, registered_at, definition, job_status, shards)
			 VALUES(?,?,?,?,?,?,?)`,
			string(id), string(types.StatusRegistered), nanos(def.ScheduledAt), nanos(now),
			string(defJSON), string(statusJSON), string(shardsJSON))
		if err != nil {
			if strings.Contains(err.Error(), "UNIQUE") {
				return fmt.Errorf("%w: %s", datastore.ErrDuplicateJob, id)
			}
			return err
		}
		for _, shard := range shards {
			if _, err := tx.ExecContext(ctx, `INSERT INTO job_shards(shard, job_id) VALUES(?,?)`, shard, string(id)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

func (s *Store) GetRegisteredJobsByScheduledAt(ctx context.Context, q datastore.RegisteredQuery) ([]types.JobDocument, error) {
	if s.isClosed() {
		return nil, datastore.ErrClosed
	}
	query := `SELECT ` + docColumns + ` FROM jobs WHERE status = ? AND scheduled_at < ?`
	args := []any{string(types.StatusRegistered), nanos(q.MaxScheduledAt)}
	if q.MinScheduledAt != nil {
		query += " AND scheduled_at >= ?"
		args = append(args, nanos(*q.MinScheduledAt))
	}
	return s.selectDocs(ctx, query, args, q.After, q.Shards, q.Limit)
}

func (s *Store) GetJobsInQueue(ctx context.Context, q datastore.QueueQuery) ([]types.JobDocument, error) {
	if s.isClosed() {
		return nil, datastore.ErrClosed
	}
	query := `SELECT ` + docColumns + ` FROM jobs WHERE status = ?`
	return s.selectDocs(ctx, query, []any{string(types.StatusQueued)}, q.After, q.Shards, q.Limit)
}

func (s *Store) selectDocs(ctx context.Context, query string, args []any, after *datastore.Cursor,
	shards *types.ShardsToListenTo, limit int) ([]types.JobDocument, error) {
	clause, cargs := cursorClause(after)
	query += clause
	args = append(args, cargs...)
	clause, sargs := shardClause("id", shards)
	query += clause
	args = append(args, sargs...)
	query += " ORDER BY scheduled_at, id"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return scanDocs(rows)
}

func (s *Store) GetRunningJobsStartedBefore(ctx context.Context, before time.Time, limit int,
	shards *types.ShardsToListenTo) ([]types.JobDocument, error) {
	query := `SELECT ` + docColumns + ` FROM jobs WHERE status = ? AND started_at < ?`
	args := []any{string(types.StatusRunning), nanos(before)}
	clause, sargs := shardClause("id", shards)
	query += clause + " ORDER BY started_at, id"
	args = append(args, sargs...)
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return scanDocs(rows)
}

func (s *Store) Get(ctx context.Context, id types.JobID) (types.JobDocument, error) {
	doc, err := scanDoc(s.db.QueryRowContext(ctx, `SELECT `+docColumns+` FROM jobs WHERE id = ?`, string(id)))
	if errors.Is(err, sql.ErrNoRows) {
		return doc, fmt.Errorf("%w: %s", datastore.ErrNotFound, id)
	}
	return doc, err
}

func (s *Store) CountByStatus(ctx context.Context) (map[types.StatusValue]int, error) {
	counts := make(map[types.StatusValue]int, len(types.AllStatuses))
	for _, v := range types.AllStatuses {
		counts[v] = 0
	}
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[types.StatusValue(status)] = n
	}
	return counts, rows.Err()
}

// ============================================================================
// Transitions
// ============================================================================

func (s *Store) tx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// lockDoc reads the current document inside tx.
func lockDoc(ctx context.Context, tx *sql.Tx, id types.JobID) (types.JobDocument, error) {
	doc, err := scanDoc(tx.QueryRowContext(ctx, `SELECT `+docColumns+` FROM jobs WHERE id = ?`, string(id)))
	if errors.Is(err, sql.ErrNoRows) {
		return doc, fmt.Errorf("%w: %s", datastore.ErrNotFound, id)
	}
	return doc, err
}

func writeStatus(ctx context.Context, tx *sql.Tx, id types.JobID, status types.JobStatus) error {
	statusJSON, err := json.Marshal(status)
	if err != nil {
		return err
	}
	query := `UPDATE jobs SET status = ?, job_status = ?, started_at = ?`
	args := []any{string(status.Value), string(statusJSON), nullNanos(status.StartedAt)}
	if status.Value == types.StatusQueued {
		query += `, queued_seq = (SELECT COALESCE(MAX(queued_seq), 0) + 1 FROM jobs)`
	}
	query += ` WHERE id = ?`
	args = append(args, string(id))
	_, err = tx.ExecContext(ctx, query, args...)
	return err
}

func (s *Store) QueueJobs(ctx context.Context, jobs []types.JobDocument) error {
	if s.isClosed() {
		return datastore.ErrClosed
	}
	var errs []error
	for _, job := range jobs {
		err := s.tx(ctx, func(tx *sql.Tx) error {
			doc, err := lockDoc(ctx, tx, job.ID())
			if err != nil {
				return err
			}
			if err := datastore.CheckStatus(doc.ID(), doc.Status.Value, types.StatusRegistered); err != nil {
				return err
			}
			next, err := doc.Status.Queued(s.clock.Now())
			if err != nil {
				return err
			}
			return writeStatus(ctx, tx, doc.ID(), next)
		})
		if err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *Store) MarkRateLimited(ctx context.Context, job types.JobDocument, keys []string) error {
	if len(keys) == 0 {
		return fmt.Errorf("%w: no rate-limit keys", datastore.ErrInvalidArgument)
	}
	if s.isClosed() {
		return datastore.ErrClosed
	}
	return s.tx(ctx, func(tx *sql.Tx) error {
		doc, err := lockDoc(ctx, tx, job.ID())
		if err != nil {
			return err
		}
		if err := datastore.CheckStatus(doc.ID(), doc.Status.Value, types.StatusRegistered); err != nil {
			return err
		}
		next, err := doc.Status.RateLimited(s.clock.Now())
		if err != nil {
			return err
		}
		if err := writeStatus(ctx, tx, doc.ID(), next); err != nil {
			return err
		}
		shardsJSON, err := json.Marshal(doc.Shards)
		if err != nil {
			return err
		}
		for _, key := range keys {
			_, err := tx.ExecContext(ctx,
				`INSERT INTO rate_limits(job_id, key, scheduled_at, shards) VALUES(?,?,?,?)
				 ON CONFLICT(job_id, key) DO UPDATE SET satisfied_at = NULL`,
				string(doc.ID()), key, nanos(doc.Definition.ScheduledAt), string(shardsJSON))
			if err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) MarkRateLimitSatisfied(ctx context.Context, rl types.RateLimit) (bool, error) {
	if s.isClosed() {
		return false, datastore.ErrClosed
	}
	queued := false
	err := s.tx(ctx, func(tx *sql.Tx) error {
		doc, err := lockDoc(ctx, tx, rl.JobID)
		if err != nil {
			return err
		}
		if err := datastore.CheckStatus(doc.ID(), doc.Status.Value, types.StatusRateLimited); err != nil {
			return err
		}
		now := s.clock.Now()
		res, err := tx.ExecContext(ctx,
			`UPDATE rate_limits SET satisfied_at = COALESCE(satisfied_at, ?) WHERE job_id = ? AND key = ?`,
			nanos(now), string(rl.JobID), rl.Key)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("%w: rate limit %s", datastore.ErrNotFound, rl.ID())
		}

		var open int
		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM rate_limits WHERE job_id = ? AND satisfied_at IS NULL`,
			string(rl.JobID)).Scan(&open); err != nil {
			return err
		}
		if open > 0 {
			return nil
		}
		next, err := doc.Status.Queued(now)
		if err != nil {
			return err
		}
		if err := writeStatus(ctx, tx, doc.ID(), next); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM rate_limits WHERE job_id = ?`, string(rl.JobID)); err != nil {
			return err
		}
		queued = true
		return nil
	})
	return queued, err
}

func (s *Store) MarkJobAsRunning(ctx context.Context, id types.JobID, status types.JobStatus) error {
	return s.replaceStatus(ctx, id, status, types.StatusRunning, types.StatusQueued)
}

func (s *Store) MarkJobAsComplete(ctx context.Context, id types.JobID, lastStatus, status types.JobStatus) error {
	return s.replaceStatus(ctx, id, status, types.StatusCompleted, lastStatus.Value)
}

func (s *Store) MarkJobAsDead(ctx context.Context, id types.JobID, status types.JobStatus) error {
	return s.replaceStatus(ctx, id, status, types.StatusDead, types.StatusRunning)
}

func (s *Store) replaceStatus(ctx context.Context, id types.JobID, status types.JobStatus, want, expected types.StatusValue) error {
	if status.Value != want {
		return fmt.Errorf("%w: status %s, want %s", datastore.ErrInvalidArgument, status.Value, want)
	}
	if s.isClosed() {
		return datastore.ErrClosed
	}
	return s.tx(ctx, func(tx *sql.Tx) error {
		doc, err := lockDoc(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := datastore.CheckStatus(id, doc.Status.Value, expected); err != nil {
			return err
		}
		if !types.CanTransition(doc.Status.Value, want) {
			return fmt.Errorf("%w: %s -> %s", types.ErrInvalidTransition, doc.Status.Value, want)
		}
		return writeStatus(ctx, tx, id, status)
	})
}

func (s *Store) Cancel(ctx context.Context, id types.JobID) error {
	if s.isClosed() {
		return datastore.ErrClosed
	}
	return s.tx(ctx, func(tx *sql.Tx) error {
		doc, err := lockDoc(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := datastore.CheckStatus(id, doc.Status.Value, types.StatusRegistered, types.StatusRateLimited); err != nil {
			return err
		}
		for _, q := range []string{
			`DELETE FROM rate_limits WHERE job_id = ?`,
			`DELETE FROM job_shards WHERE job_id = ?`,
			`DELETE FROM jobs WHERE id = ?`,
		} {
			if _, err := tx.ExecContext(ctx, q, string(id)); err != nil {
				return err
			}
		}
		return nil
	})
}

// Close stops polling and closes the database. Idempotent.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.watches = map[int]*poller{}
	s.mu.Unlock()

	s.polling.Wait()
	return s.db.Close()
}

// ============================================================================
// coordination.MemberStore
// ============================================================================

func (s *Store) Register(ctx context.Context, expiresAt time.Time) (string, error) {
	var name string
	err := s.tx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `INSERT INTO members(expires_at) VALUES(?)`, nanos(expiresAt))
		if err != nil {
			return err
		}
		seq, err := res.LastInsertId()
		if err != nil {
			return err
		}
		name = fmt.Sprintf("member-%010d", seq)
		_, err = tx.ExecContext(ctx, `UPDATE members SET name = ? WHERE seq = ?`, name, seq)
		return err
	})
	return name, err
}

func (s *Store) Renew(ctx context.Context, name string, expiresAt time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE members SET expires_at = ? WHERE name = ? AND expires_at > ?`,
		nanos(expiresAt), name, nanos(s.clock.Now()))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM members WHERE name = ?`, name)
		return coordination.ErrLeaseExpired
	}
	return nil
}

func (s *Store) LiveMembers(ctx context.Context, now time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name FROM members WHERE expires_at > ? ORDER BY name`, nanos(now))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		out = append(out, name)
	}
	return out, rows.Err()
}

func (s *Store) Release(ctx context.Context, name string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM members WHERE name = ?`, name)
	return err
}
