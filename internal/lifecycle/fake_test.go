package lifecycle

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cwygoda/dsaconvert/internal/domain"
	"github.com/rs/zerolog"
)

type step struct {
	snap  *domain.JobSnapshot
	err   error
	delay time.Duration
}

func processing(p int) step {
	return step{snap: &domain.JobSnapshot{Status: domain.StatusProcessing, Progress: p}}
}

func completed(files ...string) step {
	return step{snap: &domain.JobSnapshot{Status: domain.StatusCompleted, Progress: 100, OutputFiles: files}}
}

func failed(msg string) step {
	return step{snap: &domain.JobSnapshot{Status: domain.StatusError, Error: msg}}
}

// fakeGateway implements domain.Gateway with scripted status sequences keyed
// by remote job id. The last step of a script repeats.
type fakeGateway struct {
	mu          sync.Mutex
	submitErr   map[string]error
	submitDelay time.Duration
	scripts     map[string][]step
	statusCalls map[string]int
	cancelled   []string

	// when set, Status signals entered and waits for release
	entered chan string
	release chan struct{}
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		submitErr:   make(map[string]error),
		scripts:     make(map[string][]step),
		statusCalls: make(map[string]int),
	}
}

func (g *fakeGateway) script(fileName string, steps ...step) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.scripts["r-"+fileName] = steps
}

func (g *fakeGateway) Health(ctx context.Context) (*domain.Health, error) {
	return &domain.Health{Status: "healthy"}, nil
}

func (g *fakeGateway) Profiles(ctx context.Context) ([]domain.Profile, error) {
	return domain.BuiltinProfiles, nil
}

func (g *fakeGateway) Submit(ctx context.Context, file domain.SourceFile, cfg domain.ProcessingConfiguration) (string, error) {
	g.mu.Lock()
	err := g.submitErr[file.Name]
	delay := g.submitDelay
	g.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}
	if err != nil {
		return "", err
	}
	return "r-" + file.Name, nil
}

func (g *fakeGateway) Status(ctx context.Context, remoteJobID string) (*domain.JobSnapshot, error) {
	if g.entered != nil {
		g.entered <- remoteJobID
		<-g.release
	}

	g.mu.Lock()
	n := g.statusCalls[remoteJobID]
	g.statusCalls[remoteJobID]++
	steps := g.scripts[remoteJobID]
	g.mu.Unlock()

	if len(steps) == 0 {
		return &domain.JobSnapshot{JobID: remoteJobID, Status: domain.StatusProcessing}, nil
	}
	s := steps[min(n, len(steps)-1)]
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	if s.err != nil {
		return nil, s.err
	}
	snap := *s.snap
	snap.JobID = remoteJobID
	return &snap, nil
}

func (g *fakeGateway) Cancel(ctx context.Context, remoteJobID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cancelled = append(g.cancelled, remoteJobID)
	return nil
}

func (g *fakeGateway) calls(remoteJobID string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.statusCalls[remoteJobID]
}

func (g *fakeGateway) cancelledIDs() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.cancelled...)
}

// fakeHistory implements domain.HistoryRepository.
type fakeHistory struct {
	mu   sync.Mutex
	jobs []domain.Job
}

func (h *fakeHistory) Record(ctx context.Context, job domain.Job) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.jobs = append(h.jobs, job)
	return nil
}

func (h *fakeHistory) List(ctx context.Context, limit int) ([]domain.Job, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]domain.Job(nil), h.jobs...), nil
}

func (h *fakeHistory) len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.jobs)
}

func newTestManager(t *testing.T, gw domain.Gateway, opts ...Option) *Manager {
	t.Helper()
	log := zerolog.Nop()
	opts = append([]Option{WithInterval(5 * time.Millisecond)}, opts...)
	m := New(gw, &log, opts...)
	t.Cleanup(m.Close)
	return m
}

func pdfFile(name string) domain.SourceFile {
	return domain.NewSourceFile(name, "/docs/"+name, "application/pdf", []byte("%PDF-1.4"))
}

func testConfig() domain.ProcessingConfiguration {
	return domain.ProcessingConfiguration{
		Profile:         domain.DefaultProfile(),
		OutputFormats:   []domain.OutputFormat{domain.FormatDOCX},
		OutputDirectory: "/out",
		OCRLanguage:     domain.OCRItalianEnglish,
	}
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func waitStatus(t *testing.T, m *Manager, id string, want domain.JobStatus) domain.Job {
	t.Helper()
	var job domain.Job
	waitFor(t, "status "+string(want), func() bool {
		j, ok := m.Store().Get(id)
		job = j
		return ok && j.Status == want
	})
	return job
}
