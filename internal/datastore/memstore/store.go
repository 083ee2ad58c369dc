// ============================================================================
// Falcon Scheduler MemStore - 記憶體資料庫
// ============================================================================
//
// Package: internal/datastore/memstore
// File: store.go
// Purpose: In-memory Datastore with push watches, used by tests, local
//          development and single node deployments.
//
// Storage:
//   jobs        map[JobID]*JobDocument   every job, status drives the bucket
//   rateLimits  map[RateLimit.ID()]*RateLimit
//   leases      map[name]expiresAt       coordination.MemberStore
//
// Transactions:
//   One mutex guards all maps, so every method is a transaction. Watch
//   callbacks are collected while the lock is held and delivered after it
//   is released, which lets a callback write back into the store.
//
// Persistence:
//   With SnapshotPath set the store loads the snapshot on New and writes
//   it on Save and Close (see internal/snapshot).
//
// ============================================================================

package memstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/ChuLiYu/falcon-scheduler/internal/clock"
	"github.com/ChuLiYu/falcon-scheduler/internal/coordination"
	"github.com/ChuLiYu/falcon-scheduler/internal/datastore"
	"github.com/ChuLiYu/falcon-scheduler/internal/sharding"
	"github.com/ChuLiYu/falcon-scheduler/internal/snapshot"
	"github.com/ChuLiYu/falcon-scheduler/internal/stream"
	"github.com/ChuLiYu/falcon-scheduler/pkg/types"
)

// Config configures a Store.
type Config struct {
	Clock        clock.Clock
	Logger       *slog.Logger
	SnapshotPath string // empty disables persistence
}

// Store is an in-memory datastore.Datastore and coordination.MemberStore.
type Store struct {
	clock    clock.Clock
	log      *slog.Logger
	snapshot *snapshot.Manager

	mu         sync.Mutex
	jobs       map[types.JobID]*types.JobDocument
	rateLimits map[string]*types.RateLimit
	leases     map[string]time.Time
	leaseSeq   int64
	watchSeq   int
	notice     map[int]*noticeWatch
	queue      map[int]*docWatch
	limits     map[int]*limitWatch
	closed     bool
}

var (
	_ datastore.Datastore      = (*Store)(nil)
	_ coordination.MemberStore = (*Store)(nil)
)

type watch struct {
	shards *types.ShardsToListenTo
	active atomic.Bool
}

type noticeWatch struct {
	watch
	maxNotice time.Duration
	fn        func([]types.JobDocument)
}

type docWatch struct {
	watch
	fn func([]types.JobDocument)
}

type limitWatch struct {
	watch
	fn func([]types.RateLimit)
}

// delivery is a callback bound to its payload, run after unlocking.
type delivery func()

func run(ds []delivery) {
	for _, d := range ds {
		d()
	}
}

// New creates a store, restoring the snapshot when one is configured.
func New(cfg Config) (*Store, error) {
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	s := &Store{
		clock:      cfg.Clock,
		log:        cfg.Logger.With("component", "memstore"),
		jobs:       make(map[types.JobID]*types.JobDocument),
		rateLimits: make(map[string]*types.RateLimit),
		leases:     make(map[string]time.Time),
		notice:     make(map[int]*noticeWatch),
		queue:      make(map[int]*docWatch),
		limits:     make(map[int]*limitWatch),
	}
	if cfg.SnapshotPath != "" {
		s.snapshot = snapshot.NewManager(cfg.SnapshotPath)
		data, err := s.snapshot.Load()
		if err != nil {
			return nil, fmt.Errorf("load snapshot: %w", err)
		}
		for i := range data.Jobs {
			doc := data.Jobs[i]
			s.jobs[doc.ID()] = &doc
		}
		for i := range data.RateLimits {
			rl := data.RateLimits[i]
			s.rateLimits[rl.ID()] = &rl
		}
		if len(data.Jobs) > 0 {
			s.log.Info("snapshot restored", "path", cfg.SnapshotPath, "jobs", len(data.Jobs),
				"rateLimits", len(data.RateLimits))
		}
	}
	return s, nil
}

// ============================================================================
// Registration
// ============================================================================

func (s *Store) Schedule(_ context.Context, args datastore.ScheduleArgs, shardFn sharding.Func) (types.JobID, error) {
	if err := args.Validate(); err != nil {
		return "", err
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

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return "", datastore.ErrClosed
	}
	if _, exists := s.jobs[id]; exists {
		s.mu.Unlock()
		return "", fmt.Errorf("%w: %s", datastore.ErrDuplicateJob, id)
	}
	doc := &types.JobDocument{
		Definition: types.JobDefinition{ID: id, ScheduledAt: args.ScheduledAt, Request: args.Request},
		Status:     types.NewRegisteredStatus(s.clock.Now()),
		Shards:     shards,
	}
	s.jobs[id] = doc

	var ds []delivery
	for _, w := range s.notice {
		if datastore.IsShortNotice(*doc, w.maxNotice) && w.shards.Matches(doc.Shards) {
			ds = append(ds, deliverDocs(&w.watch, w.fn, []types.JobDocument{*doc}))
		}
	}
	s.mu.Unlock()

	run(ds)
	return id, nil
}

func deliverDocs(w *watch, fn func([]types.JobDocument), docs []types.JobDocument) delivery {
	return func() {
		if w.active.Load() {
			fn(docs)
		}
	}
}

func deliverLimits(w *watch, fn func([]types.RateLimit), rls []types.RateLimit) delivery {
	return func() {
		if w.active.Load() {
			fn(rls)
		}
	}
}

// ============================================================================
// Reads
// ============================================================================

func (s *Store) GetRegisteredJobsByScheduledAt(_ context.Context, q datastore.RegisteredQuery) ([]types.JobDocument, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, datastore.ErrClosed
	}
	return s.selectLocked(q.Limit, func(doc *types.JobDocument) bool {
		return doc.Status.Value == types.StatusRegistered && q.Admits(*doc)
	}), nil
}

func (s *Store) GetJobsInQueue(_ context.Context, q datastore.QueueQuery) ([]types.JobDocument, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, datastore.ErrClosed
	}
	return s.selectLocked(q.Limit, func(doc *types.JobDocument) bool {
		return doc.Status.Value == types.StatusQueued && q.After.After(*doc) && q.Shards.Matches(doc.Shards)
	}), nil
}

// selectLocked returns matching documents ordered by (scheduledAt, id).
func (s *Store) selectLocked(limit int, match func(*types.JobDocument) bool) []types.JobDocument {
	var out []types.JobDocument
	for _, doc := range s.jobs {
		if match(doc) {
			out = append(out, *doc)
		}
	}
	sort.Slice(out, func(i, j int) bool { return datastore.Less(out[i], out[j]) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (s *Store) GetRunningJobsStartedBefore(_ context.Context, before time.Time, limit int,
	shards *types.ShardsToListenTo) ([]types.JobDocument, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []types.JobDocument
	for _, doc := range s.jobs {
		st := doc.Status
		if st.Value == types.StatusRunning && st.StartedAt != nil && st.StartedAt.Before(before) &&
			shards.Matches(doc.Shards) {
			out = append(out, *doc)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Status.StartedAt.Before(*out[j].Status.StartedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) Get(_ context.Context, id types.JobID) (types.JobDocument, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.jobs[id]
	if !ok {
		return types.JobDocument{}, fmt.Errorf("%w: %s", datastore.ErrNotFound, id)
	}
	return *doc, nil
}

func (s *Store) CountByStatus(context.Context) (map[types.StatusValue]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	counts := make(map[types.StatusValue]int, len(types.AllStatuses))
	for _, v := range types.AllStatuses {
		counts[v] = 0
	}
	for _, doc := range s.jobs {
		counts[doc.Status.Value]++
	}
	return counts, nil
}

// RateLimitsFor returns the rows of a job, ordered by key.
func (s *Store) RateLimitsFor(id types.JobID) []types.RateLimit {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []types.RateLimit
	for _, rl := range s.rateLimits {
		if rl.JobID == id {
			out = append(out, *rl)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// ============================================================================
// Watches
// ============================================================================

func (s *Store) WaitForRegisteredJobsByRegisteredAt(maxNotice time.Duration, shards *types.ShardsToListenTo,
	fn func([]types.JobDocument)) (stream.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, datastore.ErrClosed
	}
	id := s.nextWatchLocked()
	w := &noticeWatch{watch: watch{shards: shards}, maxNotice: maxNotice, fn: fn}
	w.active.Store(true)
	s.notice[id] = w
	return s.unsubscribe(&w.watch, func() { delete(s.notice, id) }), nil
}

func (s *Store) WaitForNextJobsInQueue(shards *types.ShardsToListenTo, fn func([]types.JobDocument)) (stream.Subscription, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, datastore.ErrClosed
	}
	id := s.nextWatchLocked()
	w := &docWatch{watch: watch{shards: shards}, fn: fn}
	w.active.Store(true)
	s.queue[id] = w
	current := s.selectLocked(0, func(doc *types.JobDocument) bool {
		return doc.Status.Value == types.StatusQueued && shards.Matches(doc.Shards)
	})
	s.mu.Unlock()

	if len(current) > 0 {
		deliverDocs(&w.watch, fn, current)()
	}
	return s.unsubscribe(&w.watch, func() { delete(s.queue, id) }), nil
}

func (s *Store) WaitForRateLimits(shards *types.ShardsToListenTo, fn func([]types.RateLimit)) (stream.Subscription, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, datastore.ErrClosed
	}
	id := s.nextWatchLocked()
	w := &limitWatch{watch: watch{shards: shards}, fn: fn}
	w.active.Store(true)
	s.limits[id] = w
	var current []types.RateLimit
	for _, rl := range s.rateLimits {
		if !rl.Satisfied() && shards.Matches(rl.Shards) {
			current = append(current, *rl)
		}
	}
	s.mu.Unlock()

	sort.Slice(current, func(i, j int) bool { return current[i].ID() < current[j].ID() })
	if len(current) > 0 {
		deliverLimits(&w.watch, fn, current)()
	}
	return s.unsubscribe(&w.watch, func() { delete(s.limits, id) }), nil
}

func (s *Store) nextWatchLocked() int {
	s.watchSeq++
	return s.watchSeq
}

func (s *Store) unsubscribe(w *watch, remove func()) stream.Subscription {
	return stream.Func(func() {
		w.active.Store(false)
		s.mu.Lock()
		remove()
		s.mu.Unlock()
	})
}

// queuedDeliveriesLocked notifies queue watchers about newly queued docs.
func (s *Store) queuedDeliveriesLocked(docs []types.JobDocument) []delivery {
	var ds []delivery
	for _, w := range s.queue {
		var mine []types.JobDocument
		for _, doc := range docs {
			if w.shards.Matches(doc.Shards) {
				mine = append(mine, doc)
			}
		}
		if len(mine) > 0 {
			ds = append(ds, deliverDocs(&w.watch, w.fn, mine))
		}
	}
	return ds
}

// ============================================================================
// Transitions
// ============================================================================

// lookupLocked returns the stored document or ErrNotFound.
func (s *Store) lookupLocked(id types.JobID) (*types.JobDocument, error) {
	if s.closed {
		return nil, datastore.ErrClosed
	}
	doc, ok := s.jobs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", datastore.ErrNotFound, id)
	}
	return doc, nil
}

func (s *Store) QueueJobs(_ context.Context, jobs []types.JobDocument) error {
	var errs []error
	var queued []types.JobDocument

	s.mu.Lock()
	now := s.clock.Now()
	for _, job := range jobs {
		doc, err := s.lookupLocked(job.ID())
		if err == nil {
			err = datastore.CheckStatus(doc.ID(), doc.Status.Value, types.StatusRegistered)
		}
		if err != nil {
			errs = append(errs, err)
			continue
		}
		next, err := doc.Status.Queued(now)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		doc.Status = next
		queued = append(queued, *doc)
	}
	ds := s.queuedDeliveriesLocked(queued)
	s.mu.Unlock()

	run(ds)
	return errors.Join(errs...)
}

func (s *Store) MarkRateLimited(_ context.Context, job types.JobDocument, keys []string) error {
	if len(keys) == 0 {
		return fmt.Errorf("%w: no rate-limit keys", datastore.ErrInvalidArgument)
	}

	s.mu.Lock()
	doc, err := s.lookupLocked(job.ID())
	if err == nil {
		err = datastore.CheckStatus(doc.ID(), doc.Status.Value, types.StatusRegistered)
	}
	if err != nil {
		s.mu.Unlock()
		return err
	}
	next, err := doc.Status.RateLimited(s.clock.Now())
	if err != nil {
		s.mu.Unlock()
		return err
	}
	doc.Status = next

	created := make([]types.RateLimit, 0, len(keys))
	for _, key := range keys {
		rl := types.RateLimit{
			Key:         key,
			JobID:       doc.ID(),
			ScheduledAt: doc.Definition.ScheduledAt,
			Shards:      doc.Shards,
		}
		s.rateLimits[rl.ID()] = &rl
		created = append(created, rl)
	}
	var ds []delivery
	for _, w := range s.limits {
		if w.shards.Matches(doc.Shards) {
			ds = append(ds, deliverLimits(&w.watch, w.fn, created))
		}
	}
	s.mu.Unlock()

	run(ds)
	return nil
}

func (s *Store) MarkRateLimitSatisfied(_ context.Context, rl types.RateLimit) (bool, error) {
	s.mu.Lock()
	doc, err := s.lookupLocked(rl.JobID)
	if err == nil {
		err = datastore.CheckStatus(doc.ID(), doc.Status.Value, types.StatusRateLimited)
	}
	if err != nil {
		s.mu.Unlock()
		return false, err
	}
	row, ok := s.rateLimits[rl.ID()]
	if !ok {
		s.mu.Unlock()
		return false, fmt.Errorf("%w: rate limit %s", datastore.ErrNotFound, rl.ID())
	}
	now := s.clock.Now()
	if !row.Satisfied() {
		row.SatisfiedAt = &now
	}

	var rows []string
	for id, other := range s.rateLimits {
		if other.JobID != doc.ID() {
			continue
		}
		if !other.Satisfied() {
			s.mu.Unlock()
			return false, nil
		}
		rows = append(rows, id)
	}

	next, err := doc.Status.Queued(now)
	if err != nil {
		s.mu.Unlock()
		return false, err
	}
	doc.Status = next
	for _, id := range rows {
		delete(s.rateLimits, id)
	}
	ds := s.queuedDeliveriesLocked([]types.JobDocument{*doc})
	s.mu.Unlock()

	run(ds)
	return true, nil
}

func (s *Store) MarkJobAsRunning(_ context.Context, id types.JobID, status types.JobStatus) error {
	return s.replaceStatus(id, status, types.StatusRunning, types.StatusQueued)
}

func (s *Store) MarkJobAsComplete(_ context.Context, id types.JobID, lastStatus, status types.JobStatus) error {
	return s.replaceStatus(id, status, types.StatusCompleted, lastStatus.Value)
}

func (s *Store) MarkJobAsDead(_ context.Context, id types.JobID, status types.JobStatus) error {
	return s.replaceStatus(id, status, types.StatusDead, types.StatusRunning)
}

// replaceStatus stores status when the current status is expected.
func (s *Store) replaceStatus(id types.JobID, status types.JobStatus, want, expected types.StatusValue) error {
	if status.Value != want {
		return fmt.Errorf("%w: status %s, want %s", datastore.ErrInvalidArgument, status.Value, want)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.lookupLocked(id)
	if err != nil {
		return err
	}
	if err := datastore.CheckStatus(id, doc.Status.Value, expected); err != nil {
		return err
	}
	if !types.CanTransition(doc.Status.Value, want) {
		return fmt.Errorf("%w: %s -> %s", types.ErrInvalidTransition, doc.Status.Value, want)
	}
	doc.Status = status
	return nil
}

func (s *Store) Cancel(_ context.Context, id types.JobID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.lookupLocked(id)
	if err != nil {
		return err
	}
	if err := datastore.CheckStatus(id, doc.Status.Value, types.StatusRegistered, types.StatusRateLimited); err != nil {
		return err
	}
	delete(s.jobs, id)
	for key, rl := range s.rateLimits {
		if rl.JobID == id {
			delete(s.rateLimits, key)
		}
	}
	return nil
}

// ============================================================================
// Persistence and lifecycle
// ============================================================================

// Save writes the snapshot. It is a no-op without a SnapshotPath.
func (s *Store) Save() error {
	if s.snapshot == nil {
		return nil
	}
	s.mu.Lock()
	data := snapshot.Data{TakenAt: s.clock.Now()}
	for _, doc := range s.jobs {
		data.Jobs = append(data.Jobs, *doc)
	}
	for _, rl := range s.rateLimits {
		data.RateLimits = append(data.RateLimits, *rl)
	}
	s.mu.Unlock()

	sort.Slice(data.Jobs, func(i, j int) bool { return datastore.Less(data.Jobs[i], data.Jobs[j]) })
	sort.Slice(data.RateLimits, func(i, j int) bool { return data.RateLimits[i].ID() < data.RateLimits[j].ID() })
	return s.snapshot.Write(data)
}

// Close drops every watch and saves the snapshot. Idempotent.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	for _, w := range s.notice {
		w.active.Store(false)
	}
	for _, w := range s.queue {
		w.active.Store(false)
	}
	for _, w := range s.limits {
		w.active.Store(false)
	}
	s.notice, s.queue, s.limits = map[int]*noticeWatch{}, map[int]*docWatch{}, map[int]*limitWatch{}
	s.mu.Unlock()

	if err := s.Save(); err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	return nil
}

// ============================================================================
// coordination.MemberStore
// ============================================================================

func (s *Store) Register(_ context.Context, expiresAt time.Time) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.leaseSeq++
	name := fmt.Sprintf("member-%010d", s.leaseSeq)
	s.leases[name] = expiresAt
	return name, nil
}

func (s *Store) Renew(_ context.Context, name string, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.leases[name]
	if !ok || !current.After(s.clock.Now()) {
		delete(s.leases, name)
		return coordination.ErrLeaseExpired
	}
	s.leases[name] = expiresAt
	return nil
}

func (s *Store) LiveMembers(_ context.Context, now time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for name, exp := range s.leases {
		if exp.After(now) {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (s *Store) Release(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.leases, name)
	return nil
}
