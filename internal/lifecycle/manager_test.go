package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cwygoda/dsaconvert/internal/domain"
)

func TestManager_Create(t *testing.T) {
	m := newTestManager(t, newFakeGateway())
	events, unsubscribe := m.Store().Subscribe(8)
	defer unsubscribe()

	a := m.Create(pdfFile("a.pdf"))
	b := m.Create(domain.NewSourceFile("dropped.pdf", "", "application/pdf", []byte("%PDF-")))

	if a.ID == "" || a.ID == b.ID {
		t.Fatalf("ids = %q, %q, want distinct non-empty", a.ID, b.ID)
	}
	if a.Status != domain.StatusPending || a.SourcePath != "/docs/a.pdf" {
		t.Errorf("a = %+v", a)
	}
	if b.SourcePath != "dropped.pdf" {
		t.Errorf("SourcePath without provenance = %q, want file name", b.SourcePath)
	}

	jobs := m.Store().Jobs()
	if len(jobs) != 2 || jobs[0].ID != a.ID || jobs[1].ID != b.ID {
		t.Errorf("Jobs() order = %v", jobs)
	}

	for _, want := range []string{a.ID, b.ID} {
		ev := <-events
		if ev.Type != EventCreated || ev.Job.ID != want {
			t.Errorf("event = %+v, want created %s", ev, want)
		}
	}
}

func TestManager_SubmitAndComplete(t *testing.T) {
	gw := newFakeGateway()
	gw.script("a.pdf", processing(10), processing(55), completed("a.docx"))
	hist := &fakeHistory{}
	m := newTestManager(t, gw, WithHistory(hist))

	events, unsubscribe := m.Store().Subscribe(64)
	defer unsubscribe()

	job := m.Create(pdfFile("a.pdf"))
	if err := m.Submit(context.Background(), job.ID, testConfig()); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	final := waitStatus(t, m, job.ID, domain.StatusCompleted)
	if len(final.OutputFiles) != 1 || final.OutputFiles[0] != "a.docx" {
		t.Errorf("OutputFiles = %v, want [a.docx]", final.OutputFiles)
	}
	if final.Error != "" {
		t.Errorf("Error = %q, want empty", final.Error)
	}
	if final.RemoteJobID != "r-a.pdf" || final.Progress != 100 {
		t.Errorf("final = %+v", final)
	}
	waitFor(t, "history record", func() bool { return hist.len() == 1 })

	// every observed status change follows the state machine, and the job
	// is never processing before it has a remote id
	prev := domain.StatusPending
	var progress []int
	for len(events) > 0 {
		ev := <-events
		if ev.Job.ID != job.ID {
			continue
		}
		s := ev.Job.Status
		if s != prev && !domain.CanTransition(prev, s) {
			t.Errorf("illegal transition %s -> %s", prev, s)
		}
		if s == domain.StatusProcessing {
			if ev.Job.RemoteJobID == "" {
				t.Error("processing without a remote job id")
			}
			progress = append(progress, ev.Job.Progress)
		}
		prev = s
	}
	if prev != domain.StatusCompleted {
		t.Errorf("last observed status = %s, want completed", prev)
	}
	if fmt.Sprint(progress) != "[0 10 55]" {
		t.Errorf("processing progress = %v, want [0 10 55]", progress)
	}
}

func TestManager_SubmitUnreachable(t *testing.T) {
	gw := newFakeGateway()
	gw.submitErr["a.pdf"] = &domain.UnreachableError{Op: "submit", Err: errors.New("connection refused")}
	m := newTestManager(t, gw)

	job := m.Create(pdfFile("a.pdf"))
	err := m.Submit(context.Background(), job.ID, testConfig())
	if !domain.IsUnreachable(err) {
		t.Fatalf("Submit() error = %v, want UnreachableError", err)
	}

	got, _ := m.Store().Get(job.ID)
	if got.Status != domain.StatusError {
		t.Fatalf("Status = %s, want error", got.Status)
	}
	if !strings.Contains(got.Error, "unreachable") {
		t.Errorf("Error = %q, want mention of unreachable", got.Error)
	}
	if got.Submitting || got.RemoteJobID != "" {
		t.Errorf("job = %+v", got)
	}

	time.Sleep(30 * time.Millisecond)
	if n := gw.calls("r-a.pdf"); n != 0 {
		t.Errorf("status calls = %d, want 0", n)
	}
}

func TestManager_SubmitRejected(t *testing.T) {
	gw := newFakeGateway()
	gw.submitErr["a.pdf"] = &domain.GatewayError{Op: "submit", StatusCode: 422, Message: "field required"}
	m := newTestManager(t, gw)

	job := m.Create(pdfFile("a.pdf"))
	_ = m.Submit(context.Background(), job.ID, testConfig())

	got, _ := m.Store().Get(job.ID)
	if got.Status != domain.StatusError || !strings.Contains(got.Error, "HTTP 422") {
		t.Errorf("job = %+v", got)
	}
}

func TestManager_SubmitNotPending(t *testing.T) {
	gw := newFakeGateway()
	m := newTestManager(t, gw)

	job := m.Create(pdfFile("a.pdf"))
	if err := m.Submit(context.Background(), job.ID, testConfig()); err != nil {
		t.Fatalf("first Submit() error = %v", err)
	}

	err := m.Submit(context.Background(), job.ID, testConfig())
	if !errors.Is(err, domain.ErrNotPending) {
		t.Errorf("second Submit() error = %v, want ErrNotPending", err)
	}
	if !IsNotSubmittable(err) {
		t.Error("IsNotSubmittable() = false")
	}

	err = m.Submit(context.Background(), "missing", testConfig())
	if !errors.Is(err, domain.ErrJobNotFound) {
		t.Errorf("Submit(missing) error = %v, want ErrJobNotFound", err)
	}
}

func TestManager_SubmittingIsVisible(t *testing.T) {
	gw := newFakeGateway()
	gw.submitDelay = 50 * time.Millisecond
	m := newTestManager(t, gw)

	job := m.Create(pdfFile("a.pdf"))
	done := make(chan error, 1)
	go func() { done <- m.Submit(context.Background(), job.ID, testConfig()) }()

	waitFor(t, "submitting flag", func() bool {
		j, _ := m.Store().Get(job.ID)
		return j.Submitting
	})
	j, _ := m.Store().Get(job.ID)
	if j.Status != domain.StatusPending {
		t.Errorf("Status while submitting = %s, want pending", j.Status)
	}
	if err := m.Submit(context.Background(), job.ID, testConfig()); !errors.Is(err, domain.ErrNotPending) {
		t.Errorf("concurrent Submit() error = %v, want ErrNotPending", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
}

func TestManager_RemoveDuringPoll(t *testing.T) {
	gw := newFakeGateway()
	gw.entered = make(chan string, 4)
	gw.release = make(chan struct{})
	gw.script("a.pdf", completed("a.docx"))
	m := newTestManager(t, gw)

	job := m.Create(pdfFile("a.pdf"))
	if err := m.Submit(context.Background(), job.ID, testConfig()); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	<-gw.entered
	if err := m.Remove(job.ID); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	close(gw.release)

	time.Sleep(30 * time.Millisecond)
	if _, ok := m.Store().Get(job.ID); ok {
		t.Fatal("job came back after removal")
	}
	if m.Store().Len() != 0 {
		t.Errorf("Len() = %d, want 0", m.Store().Len())
	}
	waitFor(t, "remote cancel", func() bool {
		ids := gw.cancelledIDs()
		return len(ids) == 1 && ids[0] == "r-a.pdf"
	})

	if err := m.Remove(job.ID); !errors.Is(err, domain.ErrJobNotFound) {
		t.Errorf("second Remove() error = %v, want ErrJobNotFound", err)
	}
}

func TestManager_RemoveWithoutRemoteCancel(t *testing.T) {
	gw := newFakeGateway()
	m := newTestManager(t, gw, WithRemoteCancel(false))

	job := m.Create(pdfFile("a.pdf"))
	if err := m.Submit(context.Background(), job.ID, testConfig()); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if err := m.Remove(job.ID); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	if ids := gw.cancelledIDs(); len(ids) != 0 {
		t.Errorf("cancelled = %v, want none", ids)
	}
}

func TestManager_PollOutcomes(t *testing.T) {
	unreachable := step{err: &domain.UnreachableError{Op: "status", Err: errors.New("timeout")}}

	tests := []struct {
		name       string
		opts       []Option
		steps      []step
		wantStatus domain.JobStatus
		wantError  string
	}{
		{
			name:       "remote error",
			steps:      []step{processing(20), failed("OCR failed")},
			wantStatus: domain.StatusError,
			wantError:  "OCR failed",
		},
		{
			name:       "remote error without message",
			steps:      []step{failed("")},
			wantStatus: domain.StatusError,
			wantError:  "processing failed",
		},
		{
			name:       "remote pending keeps polling",
			steps:      []step{{snap: &domain.JobSnapshot{Status: domain.StatusPending}}, completed("x.pdf")},
			wantStatus: domain.StatusCompleted,
		},
		{
			name:       "protocol error",
			steps:      []step{{err: &domain.ProtocolError{Op: "status", Reason: "service does not know job r-a.pdf"}}},
			wantStatus: domain.StatusError,
			wantError:  "protocol error",
		},
		{
			name:       "unreachable without retry budget",
			steps:      []step{unreachable, completed("a.docx")},
			wantStatus: domain.StatusError,
			wantError:  "unreachable",
		},
		{
			name:       "unreachable within retry budget",
			opts:       []Option{WithFailureLimit(3)},
			steps:      []step{unreachable, unreachable, completed("a.docx")},
			wantStatus: domain.StatusCompleted,
		},
		{
			name:       "poll deadline",
			opts:       []Option{WithMaxDuration(30 * time.Millisecond)},
			steps:      []step{processing(5)},
			wantStatus: domain.StatusError,
			wantError:  "no final status",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gw := newFakeGateway()
			gw.script("a.pdf", tt.steps...)
			m := newTestManager(t, gw, tt.opts...)

			job := m.Create(pdfFile("a.pdf"))
			if err := m.Submit(context.Background(), job.ID, testConfig()); err != nil {
				t.Fatalf("Submit() error = %v", err)
			}

			got := waitStatus(t, m, job.ID, tt.wantStatus)
			if tt.wantError != "" && !strings.Contains(got.Error, tt.wantError) {
				t.Errorf("Error = %q, want mention of %q", got.Error, tt.wantError)
			}
			if tt.wantStatus == domain.StatusError && len(got.OutputFiles) != 0 {
				t.Errorf("OutputFiles = %v on error job", got.OutputFiles)
			}
			if tt.wantStatus == domain.StatusCompleted && got.Error != "" {
				t.Errorf("Error = %q on completed job", got.Error)
			}

			// terminal jobs are not polled any more
			calls := gw.calls("r-a.pdf")
			time.Sleep(30 * time.Millisecond)
			if n := gw.calls("r-a.pdf"); n != calls {
				t.Errorf("status calls went from %d to %d after terminal state", calls, n)
			}
		})
	}
}

func TestManager_IndependentJobs(t *testing.T) {
	const n = 12
	gw := newFakeGateway()
	r := rand.New(rand.NewSource(1))
	want := make(map[string]domain.JobStatus)
	for i := range n {
		name := fmt.Sprintf("doc-%02d.pdf", i)
		d := time.Duration(r.Intn(8)) * time.Millisecond
		switch i % 3 {
		case 0:
			gw.script(name, step{snap: processing(40).snap, delay: d}, step{snap: completed(name + ".docx").snap, delay: d})
			want[name] = domain.StatusCompleted
		case 1:
			gw.script(name, step{snap: processing(30).snap, delay: d}, step{snap: failed("bad scan").snap, delay: d})
			want[name] = domain.StatusError
		case 2:
			gw.submitErr[name] = &domain.UnreachableError{Op: "submit", Err: errors.New("refused")}
			want[name] = domain.StatusError
		}
	}
	m := newTestManager(t, gw)

	var ids []string
	for i := range n {
		ids = append(ids, m.Create(pdfFile(fmt.Sprintf("doc-%02d.pdf", i))).ID)
	}

	var wg sync.WaitGroup
	for _, i := range r.Perm(n) {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_ = m.Submit(context.Background(), id, testConfig())
		}(ids[i])
	}
	wg.Wait()

	waitFor(t, "all jobs terminal", func() bool {
		for _, j := range m.Store().Jobs() {
			if !j.Status.Terminal() {
				return false
			}
		}
		return true
	})

	jobs := m.Store().Jobs()
	for i, j := range jobs {
		if j.ID != ids[i] {
			t.Errorf("order changed at %d", i)
		}
		if j.Status != want[j.SourceName] {
			t.Errorf("%s: status = %s, want %s", j.SourceName, j.Status, want[j.SourceName])
		}
		if j.Status == domain.StatusCompleted && (len(j.OutputFiles) != 1 || j.OutputFiles[0] != j.SourceName+".docx") {
			t.Errorf("%s: OutputFiles = %v", j.SourceName, j.OutputFiles)
		}
	}
}

func TestManager_ClearCompleted(t *testing.T) {
	gw := newFakeGateway()
	gw.script("done.pdf", completed("done.docx"))
	gw.submitErr["bad.pdf"] = errors.New("boom")
	m := newTestManager(t, gw)

	done := m.Create(pdfFile("done.pdf"))
	bad := m.Create(pdfFile("bad.pdf"))
	waiting := m.Create(pdfFile("waiting.pdf"))

	_ = m.Submit(context.Background(), done.ID, testConfig())
	_ = m.Submit(context.Background(), bad.ID, testConfig())
	waitStatus(t, m, done.ID, domain.StatusCompleted)

	if n := m.ClearCompleted(); n != 1 {
		t.Errorf("ClearCompleted() = %d, want 1", n)
	}
	jobs := m.Store().Jobs()
	if len(jobs) != 2 || jobs[0].ID != bad.ID || jobs[1].ID != waiting.ID {
		t.Errorf("remaining jobs = %v", jobs)
	}
	if ids := gw.cancelledIDs(); len(ids) != 0 {
		t.Errorf("completed job was cancelled remotely: %v", ids)
	}
}

func TestManager_Close(t *testing.T) {
	gw := newFakeGateway()
	m := newTestManager(t, gw)

	job := m.Create(pdfFile("a.pdf"))
	if err := m.Submit(context.Background(), job.ID, testConfig()); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	waitFor(t, "first poll", func() bool { return gw.calls("r-a.pdf") > 0 })

	m.Close()
	calls := gw.calls("r-a.pdf")
	time.Sleep(20 * time.Millisecond)
	if n := gw.calls("r-a.pdf"); n != calls {
		t.Errorf("status calls after Close went from %d to %d", calls, n)
	}
	got, _ := m.Store().Get(job.ID)
	if got.Status != domain.StatusProcessing {
		t.Errorf("Status = %s, want processing left as is", got.Status)
	}
}

func TestBackoff(t *testing.T) {
	tests := []struct {
		failures int
		want     time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{10, maxBackoff},
	}
	for _, tt := range tests {
		if got := backoff(time.Second, tt.failures); got != tt.want {
			t.Errorf("backoff(1s, %d) = %v, want %v", tt.failures, got, tt.want)
		}
	}
}

func TestClampProgress(t *testing.T) {
	for in, want := range map[int]int{-5: 0, 0: 0, 42: 42, 100: 100, 140: 100} {
		if got := clampProgress(in); got != want {
			t.Errorf("clampProgress(%d) = %d, want %d", in, got, want)
		}
	}
}
