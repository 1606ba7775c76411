package cron

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func noop(context.Context) error { return nil }

func TestValidateExpr(t *testing.T) {
	tests := []struct {
		expr    string
		wantErr bool
	}{
		{"0 */5 * * * *", false},
		{"* * * * * *", false},
		{"@every 1m", false},
		{"@hourly", false},
		{"*/5 * * * *", true}, // five fields: seconds are required
		{"not a schedule", true},
		{"", true},
	}
	for _, tt := range tests {
		err := ValidateExpr(tt.expr)
		if (err != nil) != tt.wantErr {
			t.Errorf("ValidateExpr(%q) error = %v, wantErr %v", tt.expr, err, tt.wantErr)
		}
	}
}

func TestService_AddAndListJobs(t *testing.T) {
	s := NewService(zerolog.Nop())

	job, err := s.AddJob("stats", "0 */5 * * * *", noop)
	if err != nil {
		t.Fatalf("AddJob error: %v", err)
	}
	if job.ID == "" {
		t.Error("job ID should not be empty")
	}
	if job.Name != "stats" {
		t.Errorf("name = %q, want stats", job.Name)
	}
	if !job.Enabled {
		t.Error("job should be enabled by default")
	}

	jobs := s.ListJobs()
	if len(jobs) != 1 {
		t.Fatalf("len(jobs) = %d, want 1", len(jobs))
	}
	if jobs[0].Expr != "0 */5 * * * *" {
		t.Errorf("expr = %q", jobs[0].Expr)
	}
}

func TestService_AddJob_Invalid(t *testing.T) {
	s := NewService(zerolog.Nop())
	if _, err := s.AddJob("bad", "nope", noop); err == nil {
		t.Error("expected error for invalid expression")
	}
	if _, err := s.AddJob("nil", "@hourly", nil); err == nil {
		t.Error("expected error for nil func")
	}
	if len(s.ListJobs()) != 0 {
		t.Error("invalid jobs must not be stored")
	}
}

func TestService_NextRun(t *testing.T) {
	s := NewService(zerolog.Nop())
	job, err := s.AddJob("stats", "@hourly", noop)
	if err != nil {
		t.Fatalf("AddJob error: %v", err)
	}
	if _, ok := s.NextRun(job.ID); ok {
		t.Error("job should have no next run before Start")
	}

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	next, ok := s.NextRun(job.ID)
	if !ok || next.IsZero() {
		t.Fatal("started job should have a next run")
	}
	if !next.After(time.Now()) {
		t.Errorf("next run %v should be in the future", next)
	}

	s.Stop()
	if _, ok := s.NextRun(job.ID); ok {
		t.Error("stopped service should report no next run")
	}
	if _, ok := s.NextRun("nonexistent"); ok {
		t.Error("unknown job should report no next run")
	}
}

func TestService_StartTwice(t *testing.T) {
	s := NewService(zerolog.Nop())
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	defer s.Stop()
	if err := s.Start(context.Background()); err == nil {
		t.Error("second Start should fail")
	}
}

func TestService_RunsJobs(t *testing.T) {
	s := NewService(zerolog.Nop())

	var runs atomic.Int32
	job, err := s.AddJob("tick", "* * * * * *", func(ctx context.Context) error {
		runs.Add(1)
		return nil
	})
	if err != nil {
		t.Fatalf("AddJob error: %v", err)
	}

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	defer s.Stop()

	waitFor(t, 3*time.Second, func() bool { return runs.Load() > 0 })
	waitFor(t, time.Second, func() bool {
		jobs := s.ListJobs()
		return len(jobs) == 1 && jobs[0].State.Runs > 0
	})

	got := s.ListJobs()[0]
	if got.ID != job.ID || got.State.LastStatus != "ok" {
		t.Errorf("state = %+v", got.State)
	}
}

func TestService_RecordsErrorsAndPanics(t *testing.T) {
	s := NewService(zerolog.Nop())
	failing, _ := s.AddJob("fail", "* * * * * *", func(context.Context) error {
		return errors.New("report failed")
	})
	panicking, _ := s.AddJob("panic", "* * * * * *", func(context.Context) error {
		panic("boom")
	})

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	defer s.Stop()

	state := func(id string) JobState {
		for _, j := range s.ListJobs() {
			if j.ID == id {
				return j.State
			}
		}
		return JobState{}
	}

	waitFor(t, 3*time.Second, func() bool {
		return state(failing.ID).Runs > 0 && state(panicking.ID).Runs > 0
	})
	if st := state(failing.ID); st.LastStatus != "error" || st.LastError != "report failed" {
		t.Errorf("failing state = %+v", st)
	}
	if st := state(panicking.ID); st.LastStatus != "error" || st.LastError != "job panic: boom" {
		t.Errorf("panicking state = %+v", st)
	}
}

func TestService_ParentCancelStops(t *testing.T) {
	s := NewService(zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())

	var sawCancel atomic.Bool
	s.AddJob("watch", "* * * * * *", func(jobCtx context.Context) error {
		<-jobCtx.Done()
		sawCancel.Store(true)
		return jobCtx.Err()
	})

	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	time.Sleep(1200 * time.Millisecond)
	cancel()

	waitFor(t, 6*time.Second, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.cron == nil
	})
	waitFor(t, time.Second, sawCancel.Load)
}

func TestService_StopWithoutStart(t *testing.T) {
	s := NewService(zerolog.Nop())
	s.Stop()
	s.Stop()
}
