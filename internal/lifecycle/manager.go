// Package lifecycle owns the job collection and drives each job through
// submission and status polling against the processing service.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/cwygoda/dsaconvert/internal/domain"
	"github.com/cwygoda/dsaconvert/internal/metrics"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	DefaultInterval     = time.Second
	DefaultMaxDuration  = 30 * time.Minute
	DefaultFailureLimit = 1

	maxBackoff     = 30 * time.Second
	cancelTimeout  = 5 * time.Second
	historyTimeout = 5 * time.Second
)

// Option configures a Manager.
type Option func(*Manager)

// WithInterval sets the delay between a poll response and the next request.
func WithInterval(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.interval = d
		}
	}
}

// WithMaxDuration bounds how long a job may stay processing. Zero disables the bound.
func WithMaxDuration(d time.Duration) Option {
	return func(m *Manager) {
		if d >= 0 {
			m.maxDuration = d
		}
	}
}

// WithFailureLimit sets how many consecutive failed polls fail the job.
func WithFailureLimit(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.failureLimit = n
		}
	}
}

// WithRemoteCancel controls whether removing a processing job asks the
// service to drop it.
func WithRemoteCancel(enabled bool) Option {
	return func(m *Manager) { m.cancelRemote = enabled }
}

// WithHistory records every job that reaches a terminal status.
func WithHistory(repo domain.HistoryRepository) Option {
	return func(m *Manager) { m.history = repo }
}

// Manager is the only writer of the job Store.
type Manager struct {
	store   *Store
	gateway domain.Gateway
	history domain.HistoryRepository
	log     *zerolog.Logger

	interval     time.Duration
	maxDuration  time.Duration
	failureLimit int
	cancelRemote bool

	ctx    context.Context
	stop   context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex
	polls  map[string]context.CancelFunc
	closed bool
}

// New creates a manager with an empty store.
func New(gateway domain.Gateway, log *zerolog.Logger, opts ...Option) *Manager {
	ctx, stop := context.WithCancel(context.Background())
	m := &Manager{
		store:        newStore(),
		gateway:      gateway,
		log:          log,
		interval:     DefaultInterval,
		maxDuration:  DefaultMaxDuration,
		failureLimit: DefaultFailureLimit,
		cancelRemote: true,
		ctx:          ctx,
		stop:         stop,
		polls:        make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Store returns the read side of the job collection.
func (m *Manager) Store() *Store { return m.store }

// Create adds a pending job for file at the end of the collection.
func (m *Manager) Create(file domain.SourceFile) domain.Job {
	now := time.Now().UTC()
	job := domain.Job{
		ID:         uuid.NewString(),
		SourceName: file.Name,
		SourcePath: file.Path(),
		Status:     domain.StatusPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	m.store.add(job, file)
	metrics.IncJobCreated()
	m.log.Info().Str("job_id", job.ID).Str("file", file.Name).Int("pages", file.PageCount).Msg("job created")
	return job.Clone()
}

// Submit hands a pending job to the processing service. The job becomes
// processing only once the service has accepted it; a failed submit moves it
// straight to error. The returned error describes the failure, which is also
// recorded on the job.
func (m *Manager) Submit(ctx context.Context, id string, cfg domain.ProcessingConfiguration) error {
	_, _, err := m.store.update(id, func(j *domain.Job) error {
		if !j.CanSubmit() {
			return domain.ErrNotPending
		}
		j.Submitting = true
		j.UpdatedAt = time.Now().UTC()
		return nil
	})
	if err != nil {
		return fmt.Errorf("submit %s: %w", id, err)
	}

	file, _ := m.store.file(id)
	log := m.log.With().Str("job_id", id).Str("file", file.Name).Logger()

	remoteID, submitErr := m.gateway.Submit(ctx, file, cfg)
	if submitErr != nil {
		job, changed, _ := m.store.update(id, func(j *domain.Job) error {
			j.Submitting = false
			j.Status = domain.StatusError
			j.Error = failureMessage(submitErr)
			j.UpdatedAt = time.Now().UTC()
			return nil
		})
		log.Error().Err(submitErr).Msg("submit failed")
		if changed {
			m.finish(job)
		}
		return fmt.Errorf("submit %s: %w", id, submitErr)
	}

	job, _, err := m.store.update(id, func(j *domain.Job) error {
		j.Submitting = false
		j.RemoteJobID = remoteID
		j.Status = domain.StatusProcessing
		j.Progress = 0
		j.UpdatedAt = time.Now().UTC()
		return nil
	})
	if err != nil {
		// removed while the submit was in flight
		log.Info().Str("remote_job_id", remoteID).Msg("job removed during submit")
		if m.cancelRemote {
			m.cancelRemoteJob(remoteID)
		}
		return fmt.Errorf("submit %s: %w", id, err)
	}
	metrics.IncJobTransition(string(job.Status))
	log.Info().Str("remote_job_id", remoteID).Msg("job accepted")

	m.startPoll(id, remoteID)
	return nil
}

// Remove deletes a job from the collection and stops its poll. Any poll
// response still in flight is discarded.
func (m *Manager) Remove(id string) error {
	job, ok := m.store.remove(id)
	if !ok {
		return domain.ErrJobNotFound
	}
	m.stopPoll(id)
	m.log.Info().Str("job_id", id).Str("status", string(job.Status)).Msg("job removed")

	if m.cancelRemote && job.Status == domain.StatusProcessing && job.RemoteJobID != "" {
		m.cancelRemoteJob(job.RemoteJobID)
	}
	return nil
}

// ClearCompleted removes every completed job and returns how many were removed.
func (m *Manager) ClearCompleted() int {
	ids := m.store.ids(func(j domain.Job) bool { return j.Status == domain.StatusCompleted })
	n := 0
	for _, id := range ids {
		if m.Remove(id) == nil {
			n++
		}
	}
	return n
}

// Close stops every poll and waits for in-flight work to return.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.stop()
	m.wg.Wait()
}

func (m *Manager) startPoll(id, remoteID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	ctx, cancel := context.WithCancel(m.ctx)
	m.polls[id] = cancel
	m.wg.Add(1)
	metrics.PollStarted()
	go m.poll(ctx, id, remoteID)
}

func (m *Manager) stopPoll(id string) {
	m.mu.Lock()
	cancel, ok := m.polls[id]
	delete(m.polls, id)
	m.mu.Unlock()
	if ok {
		cancel()
	}
}

// poll runs until the job is terminal, removed, or the manager closes.
// Each request is issued only after the previous response was merged.
func (m *Manager) poll(ctx context.Context, id, remoteID string) {
	defer m.wg.Done()
	defer metrics.PollStopped()
	defer m.stopPoll(id)

	log := m.log.With().Str("job_id", id).Str("remote_job_id", remoteID).Logger()
	started := time.Now()
	failures := 0

	timer := time.NewTimer(m.interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		if m.maxDuration > 0 && time.Since(started) > m.maxDuration {
			log.Warn().Dur("max_duration", m.maxDuration).Msg("poll deadline exceeded")
			m.fail(id, fmt.Sprintf("no final status after %s", m.maxDuration))
			return
		}

		snap, err := m.gateway.Status(ctx, remoteID)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			if domain.IsProtocol(err) {
				log.Error().Err(err).Msg("service returned an inconsistent job status")
				m.fail(id, err.Error())
				return
			}
			failures++
			if failures >= m.failureLimit {
				log.Error().Err(err).Int("failures", failures).Msg("poll failed")
				m.fail(id, failureMessage(err))
				return
			}
			delay := backoff(m.interval, failures)
			log.Warn().Err(err).Int("failures", failures).Dur("retry_in", delay).Msg("poll failed, retrying")
			timer.Reset(delay)
			continue
		}

		failures = 0
		if done := m.merge(id, snap); done {
			return
		}
		timer.Reset(m.interval)
	}
}

// merge applies a snapshot to a processing job and reports whether polling
// should stop. A job that was removed, or is no longer processing, is left
// alone.
func (m *Manager) merge(id string, snap *domain.JobSnapshot) bool {
	var prev domain.JobStatus
	job, changed, err := m.store.update(id, func(j *domain.Job) error {
		if !j.CanPoll() {
			return errUnchanged
		}
		prev = j.Status

		status := snap.Status
		if status == domain.StatusPending {
			status = domain.StatusProcessing
		}
		j.Status = status
		j.Progress = clampProgress(snap.Progress)
		j.Error = ""
		j.OutputFiles = nil
		switch status {
		case domain.StatusError:
			j.Error = snap.Error
			if j.Error == "" {
				j.Error = "processing failed without a reason"
			}
		case domain.StatusCompleted:
			j.OutputFiles = slices.Clone(snap.OutputFiles)
		}
		j.UpdatedAt = time.Now().UTC()
		return nil
	})
	if err != nil || !changed {
		return true
	}
	if job.Status.Terminal() {
		m.finish(job)
		return true
	}
	if prev != job.Status {
		metrics.IncJobTransition(string(job.Status))
	}
	return false
}

// fail moves a non-terminal job to error.
func (m *Manager) fail(id, msg string) {
	job, changed, _ := m.store.update(id, func(j *domain.Job) error {
		if j.Status.Terminal() {
			return errUnchanged
		}
		j.Status = domain.StatusError
		j.Error = msg
		j.OutputFiles = nil
		j.Submitting = false
		j.UpdatedAt = time.Now().UTC()
		return nil
	})
	if changed {
		m.finish(job)
	}
}

// finish runs once per job when it reaches a terminal status.
func (m *Manager) finish(job domain.Job) {
	metrics.IncJobTransition(string(job.Status))

	ev := m.log.Info()
	if job.Status == domain.StatusError {
		ev = m.log.Warn().Str("error", job.Error)
	}
	ev.Str("job_id", job.ID).Str("status", string(job.Status)).Strs("output_files", job.OutputFiles).Msg("job finished")

	if m.history == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), historyTimeout)
	defer cancel()
	if err := m.history.Record(ctx, job); err != nil {
		m.log.Error().Err(err).Str("job_id", job.ID).Msg("record history")
	}
}

// cancelRemoteJob asks the service to drop a job without blocking the caller.
func (m *Manager) cancelRemoteJob(remoteID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), cancelTimeout)
		defer cancel()
		if err := m.gateway.Cancel(ctx, remoteID); err != nil {
			m.log.Warn().Err(err).Str("remote_job_id", remoteID).Msg("remote cancel failed")
		}
	}()
}

func failureMessage(err error) string {
	if err == nil {
		return ""
	}
	if msg := err.Error(); msg != "" {
		return msg
	}
	return "unknown failure"
}

func clampProgress(p int) int {
	return min(max(p, 0), 100)
}

// backoff doubles the interval per consecutive failure, capped at maxBackoff.
func backoff(interval time.Duration, failures int) time.Duration {
	d := interval
	for i := 1; i < failures && d < maxBackoff; i++ {
		d *= 2
	}
	return min(d, maxBackoff)
}

// IsNotSubmittable reports whether err means the job was not in a state
// that allows submission.
func IsNotSubmittable(err error) bool {
	return errors.Is(err, domain.ErrNotPending) || errors.Is(err, domain.ErrJobNotFound)
}
