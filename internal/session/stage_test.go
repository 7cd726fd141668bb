package session

import "testing"

func TestStageNext(t *testing.T) {
	cases := []struct {
		current Stage
		want    Stage
	}{
		{StagePending, StageStory},
		{StageStory, StageReferences},
		{StageReferences, StageScenes},
		{StageScenes, StageVideos},
		{StageVideos, StageCompleted},
		{StageCompleted, StageCompleted},
		{StageFailed, StageFailed},
	}
	for _, tc := range cases {
		if got := tc.current.Next(); got != tc.want {
			t.Errorf("%s.Next() = %s, want %s", tc.current, got, tc.want)
		}
	}
}

func TestStageForwardOnly(t *testing.T) {
	if StageScenes.CanAdvanceTo(StageStory) {
		t.Error("stage regressed from scenes to story")
	}
	if StageStory.CanAdvanceTo(StageVideos) {
		t.Error("stage skipped from story to videos")
	}
	if !StageStory.CanAdvanceTo(StageReferences) {
		t.Error("story should advance to references")
	}
	if !StageVideos.CanAdvanceTo(StageFailed) {
		t.Error("any non-terminal stage should reach failed")
	}
	if StageCompleted.CanAdvanceTo(StageFailed) {
		t.Error("completed is terminal and must not transition")
	}
	if StageFailed.CanAdvanceTo(StageStory) {
		t.Error("failed is terminal and must not transition")
	}
}

func TestStageCheckpoints(t *testing.T) {
	for _, stage := range AllStages() {
		want := stage == StageStory || stage == StageScenes
		if got := stage.HasCheckpoint(); got != want {
			t.Errorf("%s.HasCheckpoint() = %v, want %v", stage, got, want)
		}
	}
}

func TestParseStage(t *testing.T) {
	if stage, ok := ParseStage(" Videos "); !ok || stage != StageVideos {
		t.Errorf("ParseStage(Videos) = %q, %v", stage, ok)
	}
	if _, ok := ParseStage("rendering"); ok {
		t.Error("ParseStage accepted unknown stage")
	}
}

func TestSessionCloneIsolation(t *testing.T) {
	sess := &Session{
		ID:    "s1",
		Stage: StageScenes,
		Outputs: Outputs{
			Scenes: []Scene{{ID: "sc1", Title: "Opening"}},
			Scores: map[string]Score{"sc1": {Available: true, Value: 0.9}},
		},
	}
	cp := sess.Clone()
	cp.Outputs.Scenes[0].Title = "Changed"
	cp.Outputs.Scores["sc1"] = Score{Available: false}

	if sess.Outputs.Scenes[0].Title != "Opening" {
		t.Error("clone shares scene slice with original")
	}
	if !sess.Outputs.Scores["sc1"].Available {
		t.Error("clone shares score map with original")
	}
}

func TestSetFailed(t *testing.T) {
	sess := &Session{Stage: StageVideos, Awaiting: true}
	sess.SetFailed(StageVideos, "no clips were generated")
	if sess.Stage != StageFailed {
		t.Fatalf("stage = %s, want failed", sess.Stage)
	}
	if sess.Awaiting {
		t.Error("failed session still awaiting")
	}
	if sess.Error != "Videos: no clips were generated" {
		t.Errorf("error = %q", sess.Error)
	}
}
