package fanout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"reelforge/internal/generation"
	"reelforge/internal/session"
)

type clipBehavior struct {
	pollsToFinish int
	fail          bool
	startFailures int
}

type fakeClips struct {
	mu        sync.Mutex
	behaviors map[string]*clipBehavior
	polls     map[string]int
	active    int
	maxActive int
}

func newFakeClips() *fakeClips {
	return &fakeClips{
		behaviors: make(map[string]*clipBehavior),
		polls:     make(map[string]int),
	}
}

func (f *fakeClips) set(sceneID string, b clipBehavior) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.behaviors[sceneID] = &b
}

func (f *fakeClips) StartClip(ctx context.Context, req generation.ClipRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.behaviors[req.SceneID]
	if !ok {
		b = &clipBehavior{pollsToFinish: 1}
		f.behaviors[req.SceneID] = b
	}
	if b.startFailures > 0 {
		b.startFailures--
		return "", errors.New("dispatch refused")
	}
	f.active++
	if f.active > f.maxActive {
		f.maxActive = f.active
	}
	return "job-" + req.SceneID, nil
}

func (f *fakeClips) PollClip(ctx context.Context, jobID string) (generation.ClipPoll, error) {
	sceneID := jobID[len("job-"):]
	f.mu.Lock()
	defer f.mu.Unlock()
	b := f.behaviors[sceneID]
	f.polls[jobID]++
	done := f.polls[jobID] >= b.pollsToFinish

	if !done {
		progress := 100 * f.polls[jobID] / (b.pollsToFinish + 1)
		return generation.ClipPoll{Status: generation.JobRunning, Progress: progress}, nil
	}
	f.active--
	if b.fail {
		return generation.ClipPoll{Status: generation.JobFailed, Message: "synthesis rejected"}, nil
	}
	return generation.ClipPoll{Status: generation.JobSucceeded, Progress: 100, AssetURL: "https://cdn.test/" + sceneID + ".mp4"}, nil
}

type recordingSink struct {
	mu     sync.Mutex
	events []session.Event
}

func (s *recordingSink) Publish(evt session.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, evt)
}

func (s *recordingSink) snapshot() []session.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]session.Event(nil), s.events...)
}

func decodePayload(evt session.Event, target any) error {
	return json.Unmarshal(evt.Payload, target)
}

func makeTasks(n int) []Task {
	tasks := make([]Task, 0, n)
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("scene-%d", i)
		tasks = append(tasks, Task{ID: id, Request: generation.ClipRequest{SceneID: id}})
	}
	return tasks
}

func TestRunAllBoundedLatency(t *testing.T) {
	clips := newFakeClips()
	tasks := makeTasks(4)
	for _, task := range tasks {
		clips.set(task.ID, clipBehavior{pollsToFinish: 2})
	}

	interval := 20 * time.Millisecond
	start := time.Now()
	results := NewEngine(clips, nil).RunAll(context.Background(), "s1", tasks, Options{
		MaxConcurrency: 2,
		PollInterval:   interval,
		RetryCount:     0,
	}, &recordingSink{})
	elapsed := time.Since(start)

	for _, res := range results {
		if res.Status != session.ClipSucceeded {
			t.Fatalf("task %s status = %s", res.TaskID, res.Status)
		}
	}
	if clips.maxActive > 2 {
		t.Errorf("max concurrent tasks = %d, want <= 2", clips.maxActive)
	}
	// Serial execution would need 4 tasks * 2 polls per tick; two lanes
	// should roughly halve that.
	serial := time.Duration(len(tasks)*2) * interval
	if elapsed >= serial {
		t.Errorf("batch took %v, serial estimate is %v", elapsed, serial)
	}
}

func TestRunAllStartsAllWhenLimitExceedsTasks(t *testing.T) {
	clips := newFakeClips()
	tasks := makeTasks(3)
	for _, task := range tasks {
		clips.set(task.ID, clipBehavior{pollsToFinish: 3})
	}

	NewEngine(clips, nil).RunAll(context.Background(), "s1", tasks, Options{
		MaxConcurrency: 10,
		PollInterval:   5 * time.Millisecond,
	}, &recordingSink{})

	if clips.maxActive != len(tasks) {
		t.Errorf("max concurrent tasks = %d, want %d", clips.maxActive, len(tasks))
	}
}

func TestRunAllPartialFailure(t *testing.T) {
	clips := newFakeClips()
	tasks := makeTasks(5)
	clips.set("scene-3", clipBehavior{pollsToFinish: 1, fail: true})

	results := NewEngine(clips, nil).RunAll(context.Background(), "s1", tasks, Options{
		MaxConcurrency: 5,
		PollInterval:   5 * time.Millisecond,
	}, &recordingSink{})

	succeeded, failed := 0, 0
	for _, res := range results {
		switch res.Status {
		case session.ClipSucceeded:
			succeeded++
		case session.ClipFailed:
			failed++
			if res.TaskID != "scene-3" {
				t.Errorf("unexpected failure for %s", res.TaskID)
			}
			if res.Err == nil {
				t.Error("failed task carries no error")
			}
		}
	}
	if succeeded != 4 || failed != 1 {
		t.Fatalf("succeeded=%d failed=%d, want 4/1", succeeded, failed)
	}
}

func TestRunAllRetriesTransientDispatch(t *testing.T) {
	clips := newFakeClips()
	tasks := makeTasks(1)
	clips.set("scene-0", clipBehavior{pollsToFinish: 1, startFailures: 2})

	results := NewEngine(clips, nil).RunAll(context.Background(), "s1", tasks, Options{
		MaxConcurrency: 1,
		PollInterval:   5 * time.Millisecond,
		RetryCount:     2,
	}, &recordingSink{})

	if results[0].Status != session.ClipSucceeded {
		t.Fatalf("status = %s after retries, want succeeded", results[0].Status)
	}
}

func TestRunAllRetryBudgetExhausted(t *testing.T) {
	clips := newFakeClips()
	tasks := makeTasks(1)
	clips.set("scene-0", clipBehavior{pollsToFinish: 1, startFailures: 5})

	results := NewEngine(clips, nil).RunAll(context.Background(), "s1", tasks, Options{
		MaxConcurrency: 1,
		PollInterval:   5 * time.Millisecond,
		RetryCount:     1,
	}, &recordingSink{})

	if results[0].Status != session.ClipFailed {
		t.Fatalf("status = %s, want failed", results[0].Status)
	}
}

func TestRunAllProgressMonotonicPerTask(t *testing.T) {
	clips := newFakeClips()
	tasks := makeTasks(3)
	for _, task := range tasks {
		clips.set(task.ID, clipBehavior{pollsToFinish: 4})
	}
	sink := &recordingSink{}

	NewEngine(clips, nil).RunAll(context.Background(), "s1", tasks, Options{
		MaxConcurrency: 3,
		PollInterval:   5 * time.Millisecond,
	}, sink)

	last := make(map[string]int)
	for _, evt := range sink.snapshot() {
		var payload struct {
			Progress int `json:"progress"`
		}
		if err := decodePayload(evt, &payload); err != nil {
			t.Fatalf("decode payload: %v", err)
		}
		if payload.Progress < last[evt.SubjectRef] {
			t.Fatalf("progress for %s regressed from %d to %d", evt.SubjectRef, last[evt.SubjectRef], payload.Progress)
		}
		last[evt.SubjectRef] = payload.Progress
	}
}

func TestRunAllCancellation(t *testing.T) {
	clips := newFakeClips()
	tasks := makeTasks(2)
	for _, task := range tasks {
		clips.set(task.ID, clipBehavior{pollsToFinish: 1000})
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()

	results := NewEngine(clips, nil).RunAll(ctx, "s1", tasks, Options{
		MaxConcurrency: 2,
		PollInterval:   5 * time.Millisecond,
	}, &recordingSink{})

	for _, res := range results {
		if res.Status != session.ClipFailed {
			t.Errorf("task %s status = %s after cancel, want failed", res.TaskID, res.Status)
		}
	}
}
