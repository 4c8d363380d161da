package worker

import (
	"context"
	"errors"
	"time"

	"github.com/cwygoda/dsaconvert/internal/domain"
	"github.com/cwygoda/dsaconvert/internal/orchestrator"
	"github.com/rs/zerolog"
)

// ErrGaveUp is returned by Run when the service never came online within the
// allowed attempts.
var ErrGaveUp = errors.New("processing service did not come online")

// Starter starts a batch of pending jobs.
type Starter interface {
	Start(ctx context.Context, cfg domain.ProcessingConfiguration) (orchestrator.Result, error)
}

// Worker waits for the processing service and starts the queued batch once
// it answers.
type Worker struct {
	starter      Starter
	cfg          domain.ProcessingConfiguration
	pollInterval time.Duration
	maxAttempts  int
	log          *zerolog.Logger
}

// New creates a new worker. maxAttempts of zero retries until the context
// is cancelled.
func New(starter Starter, cfg domain.ProcessingConfiguration, pollInterval time.Duration, maxAttempts int, log *zerolog.Logger) *Worker {
	return &Worker{
		starter:      starter,
		cfg:          cfg.Clone(),
		pollInterval: pollInterval,
		maxAttempts:  maxAttempts,
		log:          log,
	}
}

// Run tries to start the batch immediately and then on every tick until it
// succeeds, fails for a reason other than the service being offline, or ctx
// is cancelled.
func (w *Worker) Run(ctx context.Context) (orchestrator.Result, error) {
	w.log.Info().Dur("interval", w.pollInterval).Msg("waiting for processing service")
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for attempt := 1; ; attempt++ {
		res, done, err := w.try(ctx)
		if done {
			return res, err
		}
		if w.maxAttempts > 0 && attempt >= w.maxAttempts {
			return orchestrator.Result{}, ErrGaveUp
		}

		select {
		case <-ctx.Done():
			w.log.Info().Msg("worker shutting down")
			return orchestrator.Result{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

// try reports done=false only when the service is offline.
func (w *Worker) try(ctx context.Context) (orchestrator.Result, bool, error) {
	res, err := w.starter.Start(ctx, w.cfg)
	if errors.Is(err, orchestrator.ErrServiceOffline) {
		w.log.Debug().Err(err).Msg("service offline, retrying")
		return res, false, nil
	}
	if err != nil {
		w.log.Error().Err(err).Msg("start batch")
		return res, true, err
	}
	w.log.Info().Int("submitted", res.Submitted).Int("failed", res.Failed).Msg("batch started")
	return res, true, nil
}
