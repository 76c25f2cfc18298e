package simulate_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"storyloom/internal/catalog"
	"storyloom/internal/stage"
	"storyloom/internal/stage/simulate"
)

func adventure() catalog.StoryAdventurePayload {
	return catalog.StoryAdventurePayload{
		Character:     catalog.Character{Name: "Pip", Type: "fox", ImageURL: "https://images.example/pip.png"},
		AdventureType: "treasure hunt",
	}
}

func TestOutputsFeedResultAssembly(t *testing.T) {
	exec := simulate.New(simulate.WithBaseURL("https://cdn.example/"))
	tpl, err := catalog.Default().Template(catalog.StoryAdventure)
	if err != nil {
		t.Fatalf("Template: %v", err)
	}

	prior := make(map[string]json.RawMessage)
	for _, step := range tpl.Steps {
		for i := 0; i < step.Items(); i++ {
			req := stage.Request{JobID: 7, JobType: tpl.JobType, Stage: step.Stage, Payload: adventure(), Prior: prior}
			if step.IsFanOut() {
				idx := i
				req.Item = &idx
			}
			out, err := exec.Execute(context.Background(), req)
			if err != nil {
				t.Fatalf("Execute(%s): %v", req.Label(), err)
			}
			prior[req.Label()] = out
		}
	}

	raw, err := catalog.Assemble(tpl, prior)
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	var book catalog.BookResult
	if err := json.Unmarshal(raw, &book); err != nil {
		t.Fatalf("decode book: %v", err)
	}
	if len(book.SceneURLs) != 5 || book.SceneURLs[4] != "https://cdn.example/jobs/7/scene-4.png" {
		t.Fatalf("unexpected scenes %v", book.SceneURLs)
	}
	if len(book.AudioURLs) != 5 || book.PDFURL != "https://cdn.example/jobs/7/book.pdf" {
		t.Fatalf("unexpected audio %v / pdf %q", book.AudioURLs, book.PDFURL)
	}
	var story struct {
		Title string `json:"title"`
	}
	if err := json.Unmarshal(book.Story, &story); err != nil || story.Title != "Pip And The Treasure Hunt" {
		t.Fatalf("unexpected story %s", book.Story)
	}
}

func TestFailTimesScriptsFailures(t *testing.T) {
	exec := simulate.New(
		simulate.FailTimes("scene_creation[1]", 2, stage.KindUpstream),
		simulate.FailTimes("pdf_creation", -1, stage.KindValidation),
	)
	idx := 1
	scene := stage.Request{Stage: catalog.StageSceneCreation, Item: &idx}
	for attempt := 1; attempt <= 2; attempt++ {
		_, err := exec.Execute(context.Background(), scene)
		if stage.Classify(err) != stage.KindUpstream {
			t.Fatalf("attempt %d: expected upstream failure, got %v", attempt, err)
		}
	}
	if _, err := exec.Execute(context.Background(), scene); err != nil {
		t.Fatalf("third attempt should succeed: %v", err)
	}
	if exec.Calls("scene_creation[1]") != 3 {
		t.Fatalf("expected 3 calls, got %d", exec.Calls("scene_creation[1]"))
	}

	for i := 0; i < 3; i++ {
		if _, err := exec.Execute(context.Background(), stage.Request{Stage: catalog.StagePDFCreation}); !stage.IsPermanent(err) {
			t.Fatalf("expected permanent failure, got %v", err)
		}
	}
	if exec.TotalCalls() != 6 {
		t.Fatalf("expected 6 calls, got %d", exec.TotalCalls())
	}
}

func TestDelayReportsProgressAndHonorsCancellation(t *testing.T) {
	exec := simulate.New(simulate.WithDelay(20 * time.Millisecond))

	var progress []int
	_, err := exec.Execute(context.Background(), stage.Request{
		Stage:    "A",
		Progress: func(p int) { progress = append(progress, p) },
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(progress) != 4 || progress[3] != 100 {
		t.Fatalf("unexpected progress %v", progress)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := exec.Execute(ctx, stage.Request{Stage: "A"}); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
