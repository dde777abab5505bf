package scheduler

import (
	"errors"
	"testing"
	"time"

	"github.com/mtzanidakis/docpipe/internal/config"
)

type fakePruner struct {
	calls   int
	cutoffs []time.Time
	err     error
}

func (f *fakePruner) PruneTerminal(cutoff time.Time) int {
	f.calls++
	f.cutoffs = append(f.cutoffs, cutoff)
	return 2
}

func (f *fakePruner) PruneWorkflows(cutoff time.Time) (int64, error) {
	f.calls++
	return 3, f.err
}

type fakeEvents struct {
	topics []string
}

func (f *fakeEvents) PublishEvent(topic, _ string, _ any) error {
	f.topics = append(f.topics, topic)
	return nil
}

func TestNewRejectsInvalidSchedule(t *testing.T) {
	_, err := New(&fakePruner{}, nil, nil, config.MaintenanceConfig{Schedule: "every day"})
	if err == nil {
		t.Fatal("expected error for invalid schedule")
	}
}

func TestRunOnce(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	wf, rec, ev := &fakePruner{}, &fakePruner{}, &fakeEvents{}
	s, err := New(wf, rec, ev, config.MaintenanceConfig{Schedule: "0 3 * * *", Retention: 24 * time.Hour})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	s.now = func() time.Time { return now }

	r := s.RunOnce()
	if !r.Cutoff.Equal(now.Add(-24*time.Hour)) || r.Workflows != 2 || r.Records != 3 {
		t.Errorf("unexpected report %+v", r)
	}
	if len(ev.topics) != 1 || ev.topics[0] != "events.maintenance" {
		t.Errorf("events = %v", ev.topics)
	}
}

func TestRunOnceRecordError(t *testing.T) {
	wf, rec := &fakePruner{}, &fakePruner{err: errors.New("disk full")}
	s, _ := New(wf, rec, nil, config.MaintenanceConfig{Schedule: "* * * * *"})
	if r := s.RunOnce(); r.Workflows != 2 {
		t.Errorf("workflows pruned = %d", r.Workflows)
	}
}

func TestPollRunsWhenDue(t *testing.T) {
	now := time.Date(2026, 3, 1, 2, 58, 0, 0, time.UTC)
	wf := &fakePruner{}
	s, err := New(wf, nil, nil, config.MaintenanceConfig{Schedule: "0 3 * * *", Retention: time.Hour})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	s.now = func() time.Time { return now }

	if err := s.plan(now); err != nil {
		t.Fatalf("plan: %v", err)
	}
	want := time.Date(2026, 3, 1, 3, 0, 0, 0, time.UTC)
	if !s.next.Equal(want) {
		t.Fatalf("next = %v, want %v", s.next, want)
	}

	s.poll()
	if wf.calls != 0 {
		t.Fatal("ran before the scheduled time")
	}

	now = now.Add(3 * time.Minute)
	s.poll()
	if wf.calls != 1 {
		t.Fatalf("expected one run, got %d", wf.calls)
	}
	if !s.next.Equal(want.Add(24 * time.Hour)) {
		t.Errorf("next = %v after run", s.next)
	}
}
