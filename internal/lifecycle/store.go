package lifecycle

import (
	"errors"
	"sync"

	"github.com/cwygoda/dsaconvert/internal/domain"
)

// EventType names the kind of change a store Event reports.
type EventType string

const (
	EventCreated EventType = "created"
	EventUpdated EventType = "updated"
	EventRemoved EventType = "removed"
)

// Event carries a full snapshot of the job after the change.
type Event struct {
	Type EventType  `json:"type"`
	Job  domain.Job `json:"job"`
}

// errUnchanged makes update leave the job untouched without reporting a failure.
var errUnchanged = errors.New("unchanged")

type entry struct {
	job  domain.Job
	file domain.SourceFile
}

// Store is the ordered job collection. Reads are open to anyone; only the
// Manager mutates it.
type Store struct {
	mu      sync.RWMutex
	order   []string
	entries map[string]*entry

	subs    map[int]chan Event
	nextSub int
}

func newStore() *Store {
	return &Store{
		entries: make(map[string]*entry),
		subs:    make(map[int]chan Event),
	}
}

// Jobs returns every job in creation order.
func (s *Store) Jobs() []domain.Job {
	s.mu.RLock()
	defer s.mu.RUnlock()
	jobs := make([]domain.Job, 0, len(s.order))
	for _, id := range s.order {
		jobs = append(jobs, s.entries[id].job.Clone())
	}
	return jobs
}

// Get returns a copy of one job.
func (s *Store) Get(id string) (domain.Job, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[id]
	if !ok {
		return domain.Job{}, false
	}
	return e.job.Clone(), true
}

// Len returns the number of jobs.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.order)
}

// Subscribe registers an observer. Events are dropped for a subscriber whose
// buffer is full. The returned func unsubscribes and closes the channel.
func (s *Store) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan Event, buffer)

	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = ch
	s.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, id)
			s.mu.Unlock()
			close(ch)
		})
	}
}

// publish must be called with mu held so events follow mutation order.
func (s *Store) publish(t EventType, job domain.Job) {
	for _, ch := range s.subs {
		select {
		case ch <- Event{Type: t, Job: job.Clone()}:
		default:
		}
	}
}

func (s *Store) add(job domain.Job, file domain.SourceFile) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[job.ID] = &entry{job: job, file: file}
	s.order = append(s.order, job.ID)
	s.publish(EventCreated, job)
}

// update applies fn to the job under the lock. fn returning errUnchanged
// leaves the job as it was and is reported as a nil error with changed false.
func (s *Store) update(id string, fn func(j *domain.Job) error) (job domain.Job, changed bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return domain.Job{}, false, domain.ErrJobNotFound
	}
	next := e.job.Clone()
	if err := fn(&next); err != nil {
		if errors.Is(err, errUnchanged) {
			return e.job.Clone(), false, nil
		}
		return e.job.Clone(), false, err
	}
	e.job = next
	s.publish(EventUpdated, next)
	return next.Clone(), true, nil
}

func (s *Store) remove(id string) (domain.Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return domain.Job{}, false
	}
	delete(s.entries, id)
	for i, oid := range s.order {
		if oid == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	s.publish(EventRemoved, e.job)
	return e.job.Clone(), true
}

func (s *Store) file(id string) (domain.SourceFile, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[id]
	if !ok {
		return domain.SourceFile{}, false
	}
	return e.file, true
}

// ids returns the ids of jobs matching pred, in creation order.
func (s *Store) ids(pred func(domain.Job) bool) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []string
	for _, id := range s.order {
		if pred(s.entries[id].job) {
			out = append(out, id)
		}
	}
	return out
}
