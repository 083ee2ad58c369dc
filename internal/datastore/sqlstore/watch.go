package sqlstore

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/ChuLiYu/falcon-scheduler/internal/datastore"
	"github.com/ChuLiYu/falcon-scheduler/internal/stream"
	"github.com/ChuLiYu/falcon-scheduler/pkg/types"
)

// poller is one long-poll watch. check runs on every tick; it queries past
// the watch's watermark and delivers what it finds.
type poller struct {
	active atomic.Bool
	check  func(ctx context.Context) error
}

func (s *Store) addWatch(p *poller) (stream.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, datastore.ErrClosed
	}
	s.watchSeq++
	id := s.watchSeq
	p.active.Store(true)
	s.watches[id] = p
	if s.timer == nil {
		s.timer = s.clock.AfterFunc(s.poll, s.tick)
	}
	return stream.Func(func() {
		p.active.Store(false)
		s.mu.Lock()
		delete(s.watches, id)
		s.mu.Unlock()
	}), nil
}

// tick runs every watch once and re-arms while watches remain.
func (s *Store) tick() {
	s.mu.Lock()
	s.timer = nil
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.polling.Add(1)
	watches := make([]*poller, 0, len(s.watches))
	for _, p := range s.watches {
		watches = append(watches, p)
	}
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	for _, p := range watches {
		if !p.active.Load() {
			continue
		}
		if err := p.check(ctx); err != nil {
			s.log.Warn("watch poll failed", "error", err)
		}
	}
	cancel()
	s.polling.Done()

	s.mu.Lock()
	if !s.closed && len(s.watches) > 0 && s.timer == nil {
		s.timer = s.clock.AfterFunc(s.poll, s.tick)
	}
	s.mu.Unlock()
}

func (s *Store) WaitForRegisteredJobsByRegisteredAt(maxNotice time.Duration, shards *types.ShardsToListenTo,
	fn func([]types.JobDocument)) (stream.Subscription, error) {
	if s.isClosed() {
		return nil, datastore.ErrClosed
	}
	var last int64
	if err := s.db.QueryRow(`SELECT COALESCE(MAX(seq), 0) FROM jobs`).Scan(&last); err != nil {
		return nil, err
	}
	p := &poller{}
	p.check = func(ctx context.Context) error {
		query := `SELECT seq, ` + docColumns + ` FROM jobs
			WHERE seq > ? AND status = ? AND scheduled_at - registered_at < ?`
		args := []any{last, string(types.StatusRegistered), maxNotice.Nanoseconds()}
		clause, sargs := shardClause("id", shards)
		query += clause + " ORDER BY seq"
		args = append(args, sargs...)

		docs, maxSeq, err := s.querySeqDocs(ctx, query, args)
		if err != nil {
			return err
		}
		if maxSeq > last {
			last = maxSeq
		}
		if len(docs) > 0 && p.active.Load() {
			fn(docs)
		}
		return nil
	}
	return s.addWatch(p)
}

func (s *Store) WaitForNextJobsInQueue(shards *types.ShardsToListenTo, fn func([]types.JobDocument)) (stream.Subscription, error) {
	var last int64
	p := &poller{}
	p.check = func(ctx context.Context) error {
		query := `SELECT queued_seq, ` + docColumns + ` FROM jobs WHERE status = ? AND queued_seq > ?`
		args := []any{string(types.StatusQueued), last}
		clause, sargs := shardClause("id", shards)
		query += clause + " ORDER BY queued_seq"
		args = append(args, sargs...)

		docs, maxSeq, err := s.querySeqDocs(ctx, query, args)
		if err != nil {
			return err
		}
		if maxSeq > last {
			last = maxSeq
		}
		if len(docs) > 0 && p.active.Load() {
			fn(docs)
		}
		return nil
	}
	return s.addWatch(p)
}

func (s *Store) WaitForRateLimits(shards *types.ShardsToListenTo, fn func([]types.RateLimit)) (stream.Subscription, error) {
	var last int64
	p := &poller{}
	p.check = func(ctx context.Context) error {
		query := `SELECT ` + rateLimitColumns + ` FROM rate_limits WHERE seq > ? AND satisfied_at IS NULL`
		args := []any{last}
		clause, sargs := shardClause("job_id", shards)
		query += clause + " ORDER BY seq"
		args = append(args, sargs...)

		rows, err := s.db.QueryContext(ctx, query, args...)
		if err != nil {
			return err
		}
		var out []types.RateLimit
		for rows.Next() {
			seq, rl, err := scanRateLimit(rows)
			if err != nil {
				rows.Close()
				return err
			}
			if seq > last {
				last = seq
			}
			out = append(out, rl)
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return err
		}
		if len(out) > 0 && p.active.Load() {
			fn(out)
		}
		return nil
	}
	return s.addWatch(p)
}

// querySeqDocs scans (seq, docColumns...) rows and returns the highest seq.
func (s *Store) querySeqDocs(ctx context.Context, query string, args []any) ([]types.JobDocument, int64, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var (
		out    []types.JobDocument
		maxSeq int64
	)
	for rows.Next() {
		var seq int64
		var def, status, shards string
		if err := rows.Scan(&seq, &def, &status, &shards); err != nil {
			return nil, 0, err
		}
		doc, err := decodeDoc(def, status, shards)
		if err != nil {
			return nil, 0, err
		}
		if seq > maxSeq {
			maxSeq = seq
		}
		out = append(out, doc)
	}
	return out, maxSeq, rows.Err()
}
