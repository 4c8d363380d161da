// Package orchestrator coordinates capture, batch submission and job
// management on behalf of the user interface.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/cwygoda/dsaconvert/internal/domain"
	"github.com/cwygoda/dsaconvert/internal/lifecycle"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// ErrServiceOffline is returned by Start when the processing service does
// not answer its health check.
var ErrServiceOffline = errors.New("processing service is offline")

// Source yields captured files.
type Source interface {
	Capture(ctx context.Context) ([]domain.SourceFile, error)
}

// Result counts what happened to the jobs of one batch.
type Result struct {
	Submitted int `json:"submitted"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
}

// Controller never mutates jobs itself; every change goes through the
// lifecycle manager.
type Controller struct {
	manager     *lifecycle.Manager
	gateway     domain.Gateway
	concurrency int
	log         *zerolog.Logger
}

// New creates a controller. concurrency bounds parallel submissions within
// a batch; values below 1 mean one at a time.
func New(manager *lifecycle.Manager, gateway domain.Gateway, concurrency int, log *zerolog.Logger) *Controller {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Controller{
		manager:     manager,
		gateway:     gateway,
		concurrency: concurrency,
		log:         log,
	}
}

// AddFiles creates one pending job per file in input order. It works while
// the service is offline.
func (c *Controller) AddFiles(files []domain.SourceFile) []domain.Job {
	jobs := make([]domain.Job, 0, len(files))
	for _, f := range files {
		jobs = append(jobs, c.manager.Create(f))
	}
	return jobs
}

// Import captures files from src and queues them. Files that could not be
// captured are reported in the error; the rest are still queued. A cancelled
// selection queues nothing and is not an error.
func (c *Controller) Import(ctx context.Context, src Source) ([]domain.Job, error) {
	files, err := src.Capture(ctx)
	jobs := c.AddFiles(files)
	if errors.Is(err, domain.ErrCaptureCancelled) {
		c.log.Debug().Msg("file selection cancelled")
		return jobs, nil
	}
	if err != nil {
		c.log.Warn().Err(err).Int("queued", len(jobs)).Msg("capture incomplete")
	}
	return jobs, err
}

// Start submits every pending job with cfg. The configuration is validated
// and copied first, so later changes by the caller do not affect the batch.
// Individual submission failures are recorded on the jobs, not returned.
func (c *Controller) Start(ctx context.Context, cfg domain.ProcessingConfiguration) (Result, error) {
	batch := cfg.Clone()
	if err := batch.Validate(); err != nil {
		return Result{}, err
	}

	if _, err := c.gateway.Health(ctx); err != nil {
		return Result{}, fmt.Errorf("%w: %w", ErrServiceOffline, err)
	}

	var ids []string
	for _, j := range c.manager.Store().Jobs() {
		if j.CanSubmit() {
			ids = append(ids, j.ID)
		}
	}
	c.log.Info().Int("jobs", len(ids)).Str("profile", batch.Profile.ID).Msg("starting batch")

	var (
		mu  sync.Mutex
		res Result
	)
	var g errgroup.Group
	g.SetLimit(c.concurrency)
	for _, id := range ids {
		g.Go(func() error {
			err := c.manager.Submit(ctx, id, batch)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				res.Submitted++
			case lifecycle.IsNotSubmittable(err):
				res.Skipped++
			default:
				res.Failed++
			}
			return nil
		})
	}
	_ = g.Wait()

	c.log.Info().Int("submitted", res.Submitted).Int("failed", res.Failed).Int("skipped", res.Skipped).Msg("batch dispatched")
	return res, nil
}

// Health reports the processing service's state.
func (c *Controller) Health(ctx context.Context) (*domain.Health, error) {
	return c.gateway.Health(ctx)
}

// Profiles returns the service's profile catalogue, or the built-in one when
// the service cannot be reached. remote reports which one was returned.
func (c *Controller) Profiles(ctx context.Context) (profiles []domain.Profile, remote bool) {
	profiles, err := c.gateway.Profiles(ctx)
	if err != nil || len(profiles) == 0 {
		if err != nil {
			c.log.Debug().Err(err).Msg("using built-in profiles")
		}
		return append([]domain.Profile(nil), domain.BuiltinProfiles...), false
	}
	return profiles, true
}

func (c *Controller) Remove(id string) error { return c.manager.Remove(id) }

func (c *Controller) ClearCompleted() int { return c.manager.ClearCompleted() }

func (c *Controller) Jobs() []domain.Job { return c.manager.Store().Jobs() }

func (c *Controller) Subscribe(buffer int) (<-chan lifecycle.Event, func()) {
	return c.manager.Store().Subscribe(buffer)
}
