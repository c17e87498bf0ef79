// Package downloadtest provides in-memory implementations of the download
// interfaces for tests.
package downloadtest

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/vidstash/backend/internal/download"
)

// Store is an in-memory download.Store with the same transition rules as
// the SQL repository.
type Store struct {
	mu     sync.Mutex
	nextID int64
	jobs   map[int64]*download.Job
	Now    func() time.Time
}

func NewStore() *Store {
	return &Store{jobs: make(map[int64]*download.Job), Now: time.Now}
}

func clone(j *download.Job) *download.Job {
	c := *j
	return &c
}

func (s *Store) Create(ctx context.Context, job *download.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	job.ID = s.nextID
	job.Status = download.StatusPending
	job.Progress = 0
	job.CreatedAt = s.Now().UTC()
	s.jobs[job.ID] = clone(job)
	return nil
}

// Put stores job as-is, for arranging fixtures in a given state.
func (s *Store) Put(job *download.Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if job.ID == 0 {
		s.nextID++
		job.ID = s.nextID
	} else if job.ID > s.nextID {
		s.nextID = job.ID
	}
	s.jobs[job.ID] = clone(job)
}

func (s *Store) Get(ctx context.Context, id int64) (*download.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, download.ErrJobNotFound
	}
	return clone(j), nil
}

func (s *Store) filter(keep func(*download.Job) bool) []*download.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []*download.Job{}
	for _, j := range s.jobs {
		if keep(j) {
			out = append(out, clone(j))
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ID > out[b].ID })
	return out
}

func (s *Store) ListByUser(ctx context.Context, userID string) ([]*download.Job, error) {
	return s.filter(func(j *download.Job) bool { return j.UserID == userID }), nil
}

func (s *Store) ListAll(ctx context.Context) ([]*download.Job, error) {
	return s.filter(func(*download.Job) bool { return true }), nil
}

func (s *Store) ListByStatus(ctx context.Context, status download.Status) ([]*download.Job, error) {
	jobs := s.filter(func(j *download.Job) bool { return j.Status == status })
	sort.Slice(jobs, func(a, b int) bool { return jobs[a].ID < jobs[b].ID })
	return jobs, nil
}

func (s *Store) ListExpired(ctx context.Context, status download.Status, cutoff time.Time) ([]*download.Job, error) {
	return s.filter(func(j *download.Job) bool {
		return j.Status == status && j.CompletedAt != nil && j.CompletedAt.Before(cutoff)
	}), nil
}

func (s *Store) transition(id int64, next download.Status, apply func(*download.Job)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return download.ErrJobNotFound
	}
	if !j.Status.CanTransition(next) {
		return fmt.Errorf("%w: %s -> %s", download.ErrInvalidTransition, j.Status, next)
	}
	j.Status = next
	apply(j)
	return nil
}

func (s *Store) MarkDownloading(ctx context.Context, id int64) error {
	return s.transition(id, download.StatusDownloading, func(*download.Job) {})
}

func (s *Store) SetMetadata(ctx context.Context, id int64, meta download.Metadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return download.ErrJobNotFound
	}
	if j.Status != download.StatusDownloading {
		return fmt.Errorf("%w: metadata on %s job", download.ErrInvalidTransition, j.Status)
	}
	setOnce := func(dst **string, v string) {
		if *dst == nil && v != "" {
			val := v
			*dst = &val
		}
	}
	setOnce(&j.Title, meta.Title)
	setOnce(&j.ThumbnailURL, meta.ThumbnailURL)
	setOnce(&j.Duration, meta.Duration)
	return nil
}

func (s *Store) Complete(ctx context.Context, id int64, filePath string, fileSize int64) error {
	return s.transition(id, download.StatusCompleted, func(j *download.Job) {
		now := s.Now().UTC()
		j.FilePath = &filePath
		j.FileSize = &fileSize
		j.Progress = 100
		j.CompletedAt = &now
	})
}

func (s *Store) Fail(ctx context.Context, id int64, message string) error {
	return s.transition(id, download.StatusFailed, func(j *download.Job) {
		now := s.Now().UTC()
		j.ErrorMessage = &message
		j.FilePath = nil
		j.FileSize = nil
		j.CompletedAt = &now
	})
}

func (s *Store) Delete(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[id]; !ok {
		return download.ErrJobNotFound
	}
	delete(s.jobs, id)
	return nil
}

// Ledger is an in-memory download.Ledger. A zero Quota means unlimited.
type Ledger struct {
	mu      sync.Mutex
	Quota   map[string]int64
	Records []download.TrafficRecord
	// AppendErr, when set, is returned by Append.
	AppendErr error
}

func NewLedger() *Ledger {
	return &Ledger{Quota: make(map[string]int64)}
}

func (l *Ledger) Remaining(ctx context.Context, userID string) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	quota, ok := l.Quota[userID]
	if !ok || quota <= 0 {
		return math.MaxInt64, nil
	}
	var used int64
	for _, r := range l.Records {
		if r.UserID == userID && r.Direction == download.DirectionFromSource {
			used += r.Bytes
		}
	}
	if used >= quota {
		return 0, nil
	}
	return quota - used, nil
}

func (l *Ledger) Append(ctx context.Context, rec *download.TrafficRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.AppendErr != nil {
		return l.AppendErr
	}
	rec.ID = int64(len(l.Records) + 1)
	rec.CreatedAt = time.Now().UTC()
	l.Records = append(l.Records, *rec)
	return nil
}

// Entries returns a copy of the recorded entries.
func (l *Ledger) Entries() []download.TrafficRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]download.TrafficRecord(nil), l.Records...)
}

// Notifier records every published event.
type Notifier struct {
	mu     sync.Mutex
	events []download.Event
}

func (n *Notifier) Publish(ctx context.Context, event download.Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if event.Job != nil {
		c := *event.Job
		event.Job = &c
	}
	n.events = append(n.events, event)
}

func (n *Notifier) Events() []download.Event {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]download.Event(nil), n.events...)
}
