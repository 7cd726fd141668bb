package orchestrator_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"reelforge/internal/background"
	"reelforge/internal/config"
	"reelforge/internal/fanout"
	"reelforge/internal/generation"
	"reelforge/internal/intent"
	"reelforge/internal/orchestrator"
	"reelforge/internal/services"
	"reelforge/internal/session"
	"reelforge/internal/stage"
	"reelforge/internal/store"
	"reelforge/internal/testsupport"
)

type scriptedExecutor struct {
	name    string
	mu      sync.Mutex
	calls   int
	inputs  []stage.Request
	execute func(req stage.Request) error
}

func (e *scriptedExecutor) Name() string { return e.name }

func (e *scriptedExecutor) Execute(ctx context.Context, req stage.Request) error {
	e.mu.Lock()
	e.calls++
	e.inputs = append(e.inputs, stage.Request{Feedback: req.Feedback, Subject: req.Subject})
	e.mu.Unlock()
	return e.execute(req)
}

func (e *scriptedExecutor) callCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

type fakeClipService struct {
	mu      sync.Mutex
	failing map[string]bool
	started map[string]int
	gate    chan struct{}
}

func newFakeClipService() *fakeClipService {
	return &fakeClipService{failing: make(map[string]bool), started: make(map[string]int)}
}

func (f *fakeClipService) failScene(sceneID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failing[sceneID] = true
}

func (f *fakeClipService) StartClip(ctx context.Context, req generation.ClipRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started[req.SceneID]++
	return "job-" + req.SceneID, nil
}

// holdPolls makes every PollClip block until the returned channel is
// closed, keeping the clip batch in flight.
func (f *fakeClipService) holdPolls() chan struct{} {
	gate := make(chan struct{})
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gate = gate
	return gate
}

func (f *fakeClipService) PollClip(ctx context.Context, jobID string) (generation.ClipPoll, error) {
	sceneID := jobID[len("job-"):]
	f.mu.Lock()
	gate := f.gate
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return generation.ClipPoll{}, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing[sceneID] {
		return generation.ClipPoll{Status: generation.JobFailed, Message: "synthesis rejected"}, nil
	}
	return generation.ClipPoll{Status: generation.JobSucceeded, Progress: 100, AssetURL: "https://cdn.test/" + sceneID + ".mp4"}, nil
}

type instantScorer struct{}

func (instantScorer) ScoreAsset(ctx context.Context, assetURL string) (generation.ScoreResult, error) {
	return generation.ScoreResult{Value: 0.7}, nil
}

type stuckScorer struct{}

func (stuckScorer) ScoreAsset(ctx context.Context, assetURL string) (generation.ScoreResult, error) {
	<-ctx.Done()
	return generation.ScoreResult{}, ctx.Err()
}

type stuckAssembler struct{}

func (stuckAssembler) Assemble(ctx context.Context, req generation.AssembleRequest) (string, error) {
	<-ctx.Done()
	return "", ctx.Err()
}

type instantAssembler struct{}

func (instantAssembler) Assemble(ctx context.Context, req generation.AssembleRequest) (string, error) {
	return "https://cdn.test/final.mp4", nil
}

type eventCollector struct {
	mu     sync.Mutex
	events []session.Event
}

func (c *eventCollector) Publish(evt session.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, evt)
}

func (c *eventCollector) count(kind session.EventType) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, evt := range c.events {
		if evt.Type == kind {
			n++
		}
	}
	return n
}

type fixture struct {
	cfg    *config.Config
	st     *store.Store
	sink   *eventCollector
	orch   *orchestrator.Orchestrator
	clips  *fakeClipService
	story  *scriptedExecutor
	refs   *scriptedExecutor
	scenes *scriptedExecutor
	runner *background.Runner
}

type fixtureOption func(*fixtureSetup)

type fixtureSetup struct {
	scorer    generation.ScoreService
	assembler generation.AssembleService
	cfgOpts   []testsupport.ConfigOption
}

func withStuckBackground() fixtureOption {
	return func(s *fixtureSetup) {
		s.scorer = stuckScorer{}
		s.assembler = stuckAssembler{}
	}
}

func withConfig(opts ...testsupport.ConfigOption) fixtureOption {
	return func(s *fixtureSetup) {
		s.cfgOpts = append(s.cfgOpts, opts...)
	}
}

func newFixture(t *testing.T, opts ...fixtureOption) *fixture {
	t.Helper()

	setup := &fixtureSetup{scorer: instantScorer{}, assembler: instantAssembler{}}
	for _, opt := range opts {
		opt(setup)
	}

	cfg := testsupport.NewConfig(t, setup.cfgOpts...)
	st := testsupport.MustOpenStore(t, cfg)
	sink := &eventCollector{}
	clips := newFakeClipService()

	story := &scriptedExecutor{name: "story", execute: func(req stage.Request) error {
		req.Session.Outputs.Story = fmt.Sprintf("story draft %s", req.Feedback)
		return nil
	}}
	refs := &scriptedExecutor{name: "references", execute: func(req stage.Request) error {
		req.Session.Outputs.Context = session.ConsistencyContext{Style: "cinematic", Product: "bottle"}
		req.Session.Outputs.References = []session.Reference{{ID: "r1", Subject: "bottle", AssetURL: "https://cdn.test/r1.png"}}
		return nil
	}}
	scenes := &scriptedExecutor{name: "scenes", execute: func(req stage.Request) error {
		if req.Subject != "" {
			for i := range req.Session.Outputs.Scenes {
				if req.Session.Outputs.Scenes[i].ID == req.Subject {
					req.Session.Outputs.Scenes[i].Description = "edited: " + req.Feedback
				}
			}
			return nil
		}
		req.Session.Outputs.Scenes = []session.Scene{
			{ID: "sc1", Index: 1, Title: "Hook", Description: "runner at dawn", Duration: 4},
			{ID: "sc2", Index: 2, Title: "Reveal", Description: "bottle close-up", Duration: 5},
		}
		return nil
	}}

	runner := background.NewRunner(cfg.Background, setup.scorer, setup.assembler, st, sink, nil)
	engine := fanout.NewEngine(clips, nil)
	classifier := intent.New(nil, nil)

	orch := orchestrator.New(cfg, st, sink, engine, runner, classifier, map[session.Stage]stage.Executor{
		session.StageStory:      story,
		session.StageReferences: refs,
		session.StageScenes:     scenes,
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	runner.Start(ctx)
	t.Cleanup(runner.Stop)
	if err := orch.Start(ctx); err != nil {
		t.Fatalf("orchestrator.Start: %v", err)
	}

	return &fixture{
		cfg:    cfg,
		st:     st,
		sink:   sink,
		orch:   orch,
		clips:  clips,
		story:  story,
		refs:   refs,
		scenes: scenes,
		runner: runner,
	}
}

func (f *fixture) waitFor(t *testing.T, sessionID string, pred func(*session.Session) bool) *session.Session {
	t.Helper()
	deadline := time.After(15 * time.Second)
	for {
		sess, err := f.st.LoadSnapshot(context.Background(), sessionID)
		if err != nil {
			t.Fatalf("LoadSnapshot: %v", err)
		}
		if sess != nil && pred(sess) {
			return sess
		}
		select {
		case <-deadline:
			at := "<missing>"
			if sess != nil {
				at = string(sess.Stage)
			}
			t.Fatalf("condition never met; session stage %s", at)
		case <-time.After(20 * time.Millisecond):
		}
	}
}

func (f *fixture) waitForEvent(t *testing.T, kind session.EventType) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for f.sink.count(kind) == 0 {
		select {
		case <-deadline:
			t.Fatalf("event %s never published", kind)
		case <-time.After(20 * time.Millisecond):
		}
	}
}

func awaitingCheckpoint(sess *session.Session) bool { return sess.Awaiting }

func terminal(sess *session.Session) bool { return sess.Stage.IsTerminal() }

func TestAutomatedRunCompletes(t *testing.T) {
	f := newFixture(t)

	id, err := f.orch.Submit(context.Background(), orchestrator.Request{Prompt: "advertise a reusable water bottle"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	sess := f.waitFor(t, id, terminal)
	if sess.Stage != session.StageCompleted {
		t.Fatalf("stage = %s (%s), want completed", sess.Stage, sess.Error)
	}
	if f.story.callCount() != 1 || f.refs.callCount() != 1 || f.scenes.callCount() != 1 {
		t.Errorf("executor calls = %d/%d/%d, want 1/1/1",
			f.story.callCount(), f.refs.callCount(), f.scenes.callCount())
	}
	if len(sess.Outputs.Clips) != 2 {
		t.Fatalf("clips = %d, want 2", len(sess.Outputs.Clips))
	}
	for _, clip := range sess.Outputs.Clips {
		if clip.Status != session.ClipSucceeded {
			t.Errorf("clip %s status = %s", clip.SceneID, clip.Status)
		}
	}
}

func TestSubmitReturnsBeforeStagesRun(t *testing.T) {
	f := newFixture(t)

	start := time.Now()
	id, err := f.orch.Submit(context.Background(), orchestrator.Request{Prompt: "advertise a lamp"})
	if err != nil {
		t.Fatal(err)
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("Submit took %v, should acknowledge immediately", elapsed)
	}
	f.waitFor(t, id, terminal)
}

func TestSubmitRejectsEmptyPrompt(t *testing.T) {
	f := newFixture(t)
	if _, err := f.orch.Submit(context.Background(), orchestrator.Request{}); err == nil {
		t.Fatal("empty prompt accepted")
	}
}

func TestInteractiveRunParksAtCheckpoints(t *testing.T) {
	f := newFixture(t)

	id, err := f.orch.Submit(context.Background(), orchestrator.Request{
		Prompt:      "advertise trail shoes",
		Interactive: true,
	})
	if err != nil {
		t.Fatal(err)
	}

	parked := f.waitFor(t, id, awaitingCheckpoint)
	if parked.Stage != session.StageStory {
		t.Fatalf("first checkpoint at %s, want story", parked.Stage)
	}

	if err := f.orch.HandleFeedback(context.Background(), id, "looks good"); err != nil {
		t.Fatalf("approve story: %v", err)
	}

	parked = f.waitFor(t, id, func(s *session.Session) bool {
		return s.Awaiting && s.Stage == session.StageScenes
	})

	if err := f.orch.HandleFeedback(context.Background(), id, "approve"); err != nil {
		t.Fatalf("approve scenes: %v", err)
	}

	sess := f.waitFor(t, id, terminal)
	if sess.Stage != session.StageCompleted {
		t.Fatalf("stage = %s (%s)", sess.Stage, sess.Error)
	}
}

func TestDuplicateApproveAdvancesOnce(t *testing.T) {
	f := newFixture(t)

	id, err := f.orch.Submit(context.Background(), orchestrator.Request{
		Prompt:      "advertise a kettle",
		Interactive: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	f.waitFor(t, id, awaitingCheckpoint)

	parked, err := f.st.LoadSnapshot(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}

	// Two deliveries of the same approval race on the version check. The
	// loser either absorbs the directive as a no-op or reports a retryable
	// conflict; it must never advance the stage a second time.
	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			errs[n] = f.orch.ApplyDirective(context.Background(), parked.Clone(), session.Approve())
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for i, applyErr := range errs {
		if applyErr == nil {
			succeeded++
			continue
		}
		if !services.IsRetryable(applyErr) {
			t.Errorf("ApplyDirective %d: permanent error %v", i, applyErr)
		}
	}
	if succeeded == 0 {
		t.Fatal("neither directive delivery succeeded")
	}

	sess := f.waitFor(t, id, func(s *session.Session) bool {
		return s.Awaiting && s.Stage == session.StageScenes
	})
	if sess.Stage != session.StageScenes {
		t.Fatalf("stage = %s", sess.Stage)
	}
	if f.story.callCount() != 1 {
		t.Errorf("story executed %d times, duplicate approve must not re-run it", f.story.callCount())
	}
	if f.refs.callCount() != 1 {
		t.Errorf("references executed %d times, want 1", f.refs.callCount())
	}
}

func TestRefineIterationCapForcesAdvance(t *testing.T) {
	f := newFixture(t, withConfig(testsupport.WithRefineCap(2)))

	id, err := f.orch.Submit(context.Background(), orchestrator.Request{
		Prompt:      "advertise headphones",
		Interactive: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	f.waitFor(t, id, awaitingCheckpoint)

	// Two refines stay within the cap and re-park at story.
	for i := 0; i < 2; i++ {
		if err := f.orch.HandleFeedback(context.Background(), id, "please make the opening punchier and shorter"); err != nil {
			t.Fatalf("refine %d: %v", i+1, err)
		}
		parked := f.waitFor(t, id, awaitingCheckpoint)
		if parked.Stage != session.StageStory {
			t.Fatalf("refine %d parked at %s", i+1, parked.Stage)
		}
	}

	// The third refine exceeds the cap and must advance instead of failing.
	if err := f.orch.HandleFeedback(context.Background(), id, "tighten the middle section some more please"); err != nil {
		t.Fatalf("refine past cap: %v", err)
	}
	sess := f.waitFor(t, id, func(s *session.Session) bool {
		return s.Stage != session.StageStory
	})
	if sess.Stage == session.StageFailed {
		t.Fatalf("iteration cap failed the run: %s", sess.Error)
	}
	if f.story.callCount() != 3 {
		t.Errorf("story executed %d times, want 3 (initial + two refines)", f.story.callCount())
	}
}

func TestRefineFeedbackReachesExecutor(t *testing.T) {
	f := newFixture(t)

	id, err := f.orch.Submit(context.Background(), orchestrator.Request{
		Prompt:      "advertise a blender",
		Interactive: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	f.waitFor(t, id, awaitingCheckpoint)

	feedback := "mention the smoothie recipes in the opening"
	if err := f.orch.HandleFeedback(context.Background(), id, feedback); err != nil {
		t.Fatal(err)
	}
	f.waitFor(t, id, awaitingCheckpoint)

	f.story.mu.Lock()
	defer f.story.mu.Unlock()
	if len(f.story.inputs) != 2 {
		t.Fatalf("story inputs = %d, want 2", len(f.story.inputs))
	}
	if f.story.inputs[1].Feedback != feedback {
		t.Errorf("refine feedback = %q, want %q", f.story.inputs[1].Feedback, feedback)
	}
}

func TestEditSubjectRewritesOneSceneAndStaysParked(t *testing.T) {
	f := newFixture(t)

	id, err := f.orch.Submit(context.Background(), orchestrator.Request{
		Prompt:      "advertise a tent",
		Interactive: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	f.waitFor(t, id, awaitingCheckpoint)
	if err := f.orch.HandleFeedback(context.Background(), id, "approve"); err != nil {
		t.Fatal(err)
	}
	f.waitFor(t, id, func(s *session.Session) bool {
		return s.Awaiting && s.Stage == session.StageScenes
	})

	if err := f.orch.HandleFeedback(context.Background(), id, "edit scene 2: show the rainfly going on"); err != nil {
		t.Fatal(err)
	}

	sess := f.waitFor(t, id, func(s *session.Session) bool {
		scene, ok := s.SceneByID("sc2")
		return ok && scene.Description == "edited: show the rainfly going on"
	})
	if !sess.Awaiting || sess.Stage != session.StageScenes {
		t.Fatalf("session moved on after edit: stage=%s awaiting=%v", sess.Stage, sess.Awaiting)
	}
	scene, _ := sess.SceneByID("sc1")
	if scene.Description != "runner at dawn" {
		t.Errorf("untargeted scene mutated: %q", scene.Description)
	}
}

func TestPartialClipFailureStillCompletes(t *testing.T) {
	f := newFixture(t)
	f.clips.failScene("sc2")

	id, err := f.orch.Submit(context.Background(), orchestrator.Request{Prompt: "advertise a desk"})
	if err != nil {
		t.Fatal(err)
	}

	sess := f.waitFor(t, id, terminal)
	if sess.Stage != session.StageCompleted {
		t.Fatalf("stage = %s (%s), want completed despite one failed clip", sess.Stage, sess.Error)
	}
	failed := sess.FailedSceneIDs()
	if len(failed) != 1 || failed[0] != "sc2" {
		t.Fatalf("failed scenes = %v, want [sc2]", failed)
	}
}

func TestAllClipsFailingFailsRun(t *testing.T) {
	f := newFixture(t)
	f.clips.failScene("sc1")
	f.clips.failScene("sc2")

	id, err := f.orch.Submit(context.Background(), orchestrator.Request{Prompt: "advertise a chair"})
	if err != nil {
		t.Fatal(err)
	}

	sess := f.waitFor(t, id, terminal)
	if sess.Stage != session.StageFailed {
		t.Fatalf("stage = %s, want failed when no clip succeeds", sess.Stage)
	}
	if sess.Error == "" {
		t.Error("failed run carries no reason")
	}
}

func TestCompletionDoesNotWaitForBackground(t *testing.T) {
	f := newFixture(t, withStuckBackground())

	id, err := f.orch.Submit(context.Background(), orchestrator.Request{Prompt: "advertise a bike"})
	if err != nil {
		t.Fatal(err)
	}

	sess := f.waitFor(t, id, terminal)
	if sess.Stage != session.StageCompleted {
		t.Fatalf("stage = %s (%s); stuck scoring must not gate completion", sess.Stage, sess.Error)
	}
	if len(sess.Outputs.Scores) != 0 {
		t.Errorf("scores appeared despite a scorer that never returns: %v", sess.Outputs.Scores)
	}

	// The completed transition announces the run itself; assembly that never
	// finishes must not be the only source of run_complete.
	f.waitForEvent(t, session.EventRunComplete)
}

func TestCompletionSurvivesConcurrentScoreWrite(t *testing.T) {
	f := newFixture(t, withStuckBackground())
	gate := f.clips.holdPolls()

	id, err := f.orch.Submit(context.Background(), orchestrator.Request{Prompt: "advertise a watch"})
	if err != nil {
		t.Fatal(err)
	}
	f.waitFor(t, id, func(s *session.Session) bool {
		return s.Stage == session.StageVideos
	})

	// A score landing mid-batch bumps the version the drive loop is holding,
	// so the completion update loses the version check and must reload.
	if err := f.st.WriteScore(context.Background(), id, "sc1", session.Score{Available: true, Value: 0.9}); err != nil {
		t.Fatalf("WriteScore: %v", err)
	}
	close(gate)

	sess := f.waitFor(t, id, terminal)
	if sess.Stage != session.StageCompleted {
		t.Fatalf("stage = %s (%s), want completed despite the version race", sess.Stage, sess.Error)
	}
	if len(sess.Outputs.Clips) != 2 {
		t.Fatalf("clips = %d, want 2", len(sess.Outputs.Clips))
	}
	if score, ok := sess.Outputs.Scores["sc1"]; !ok || !score.Available {
		t.Errorf("concurrent score lost during completion: %v", sess.Outputs.Scores)
	}
}

func TestStageFailureAfterRetriesFailsRun(t *testing.T) {
	f := newFixture(t)
	f.refs.execute = func(req stage.Request) error {
		return errors.New("image service down")
	}

	id, err := f.orch.Submit(context.Background(), orchestrator.Request{Prompt: "advertise a stove"})
	if err != nil {
		t.Fatal(err)
	}

	sess := f.waitFor(t, id, terminal)
	if sess.Stage != session.StageFailed {
		t.Fatalf("stage = %s, want failed", sess.Stage)
	}
	if f.refs.callCount() < 2 {
		t.Errorf("references attempted %d times, want retries before failing", f.refs.callCount())
	}
}

func TestParkedSessionSurvivesRestart(t *testing.T) {
	f := newFixture(t)

	id, err := f.orch.Submit(context.Background(), orchestrator.Request{
		Prompt:      "advertise a jacket",
		Interactive: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	f.waitFor(t, id, awaitingCheckpoint)
	storyCalls := f.story.callCount()

	// A fresh orchestrator over the same store stands in for a daemon
	// restart. The parked session must stay parked, then resume from its
	// checkpoint without re-running the story stage.
	engine := fanout.NewEngine(f.clips, nil)
	classifier := intent.New(nil, nil)
	restarted := orchestrator.New(f.cfg, f.st, f.sink, engine, f.runner, classifier, map[session.Stage]stage.Executor{
		session.StageStory:      f.story,
		session.StageReferences: f.refs,
		session.StageScenes:     f.scenes,
	}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	if err := restarted.Start(ctx); err != nil {
		t.Fatal(err)
	}

	sess, err := f.st.LoadSnapshot(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	if !sess.Awaiting || sess.Stage != session.StageStory {
		t.Fatalf("restart disturbed the parked session: stage=%s awaiting=%v", sess.Stage, sess.Awaiting)
	}

	if err := restarted.HandleFeedback(context.Background(), id, "approve"); err != nil {
		t.Fatal(err)
	}
	f.waitFor(t, id, func(s *session.Session) bool {
		return s.Awaiting && s.Stage == session.StageScenes
	})
	if f.story.callCount() != storyCalls {
		t.Errorf("story re-ran across restart: %d -> %d", storyCalls, f.story.callCount())
	}
}

func TestRetryClipsRepairsFailedScenes(t *testing.T) {
	f := newFixture(t)
	f.clips.failScene("sc2")

	id, err := f.orch.Submit(context.Background(), orchestrator.Request{Prompt: "advertise a grill"})
	if err != nil {
		t.Fatal(err)
	}
	f.waitFor(t, id, terminal)

	f.clips.mu.Lock()
	delete(f.clips.failing, "sc2")
	f.clips.mu.Unlock()

	if err := f.orch.RetryClips(context.Background(), id); err != nil {
		t.Fatalf("RetryClips: %v", err)
	}

	sess := f.waitFor(t, id, func(s *session.Session) bool {
		clip, ok := s.ClipFor("sc2")
		return ok && clip.Status == session.ClipSucceeded
	})
	if sess.Stage != session.StageCompleted {
		t.Errorf("retry changed stage to %s", sess.Stage)
	}
}
