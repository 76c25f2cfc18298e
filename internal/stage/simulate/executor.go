// Package simulate provides a deterministic stage.Executor for local runs and
// tests. Outputs mimic the generation service closely enough for result
// assembly, and failures can be scripted per stage item.
package simulate

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"storyloom/internal/catalog"
	"storyloom/internal/stage"
)

const defaultBaseURL = "sim://storyloom"

// Executor fakes the generation service.
type Executor struct {
	baseURL string
	delay   time.Duration

	mu       sync.Mutex
	calls    map[string]int
	failures map[string]*failure
	hook     func(stage.Request)
}

type failure struct {
	remaining int
	kind      stage.Kind
	message   string
}

var _ stage.Executor = (*Executor)(nil)

// Option configures an Executor.
type Option func(*Executor)

// WithDelay makes every call take d, reporting progress along the way.
func WithDelay(d time.Duration) Option {
	return func(e *Executor) {
		if d > 0 {
			e.delay = d
		}
	}
}

// WithBaseURL sets the prefix of generated asset URLs.
func WithBaseURL(base string) Option {
	return func(e *Executor) {
		if base = strings.TrimRight(strings.TrimSpace(base), "/"); base != "" {
			e.baseURL = base
		}
	}
}

// FailTimes makes the next n calls of label fail with kind. Label is "stage"
// or "stage[i]"; n < 0 fails forever.
func FailTimes(label string, n int, kind stage.Kind) Option {
	return func(e *Executor) {
		e.failures[label] = &failure{remaining: n, kind: kind, message: fmt.Sprintf("simulated %s failure", kind)}
	}
}

// WithHook runs fn at the start of every call, before any scripted failure.
func WithHook(fn func(stage.Request)) Option {
	return func(e *Executor) {
		e.hook = fn
	}
}

// New returns a simulated executor.
func New(opts ...Option) *Executor {
	e := &Executor{
		baseURL:  defaultBaseURL,
		calls:    make(map[string]int),
		failures: make(map[string]*failure),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Calls reports how often label was executed.
func (e *Executor) Calls(label string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls[label]
}

// TotalCalls reports the number of calls across all stages.
func (e *Executor) TotalCalls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	total := 0
	for _, n := range e.calls {
		total += n
	}
	return total
}

// Execute implements stage.Executor.
func (e *Executor) Execute(ctx context.Context, req stage.Request) (json.RawMessage, error) {
	label := req.Label()
	if e.hook != nil {
		e.hook(req)
	}
	if err := e.record(label, req); err != nil {
		return nil, err
	}
	if err := e.wait(ctx, req); err != nil {
		return nil, err
	}
	out, err := json.Marshal(e.output(req))
	if err != nil {
		return nil, stage.NewError(stage.KindValidation, req, "encode simulated result", err)
	}
	return out, nil
}

func (e *Executor) record(label string, req stage.Request) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls[label]++
	f, ok := e.failures[label]
	if !ok || f.remaining == 0 {
		return nil
	}
	if f.remaining > 0 {
		f.remaining--
	}
	return stage.NewError(f.kind, req, f.message, nil)
}

func (e *Executor) wait(ctx context.Context, req stage.Request) error {
	if e.delay <= 0 {
		req.ReportProgress(100)
		return ctx.Err()
	}
	const steps = 4
	tick := e.delay / steps
	for i := 1; i <= steps; i++ {
		timer := time.NewTimer(tick)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		req.ReportProgress(i * 100 / steps)
	}
	return nil
}

func (e *Executor) asset(req stage.Request, name string) string {
	return fmt.Sprintf("%s/jobs/%d/%s", e.baseURL, req.JobID, name)
}

func (e *Executor) output(req stage.Request) any {
	character := characterOf(req.Payload)
	switch req.Stage {
	case catalog.StageCharacterExtraction:
		return map[string]any{
			"character_name": character.Name,
			"character_type": character.Type,
			"image_url":      character.ImageURL,
		}
	case catalog.StageEnhancement:
		return map[string]any{
			"enhanced_images": []string{e.asset(req, "character-enhanced.png")},
		}
	case catalog.StageStoryGeneration:
		return map[string]any{
			"title": storyTitle(req.Payload, character),
			"pages": []string{
				fmt.Sprintf("%s wakes up ready for adventure.", character.Name),
				fmt.Sprintf("%s finds the way home.", character.Name),
			},
		}
	case catalog.StageSceneCreation:
		return map[string]any{
			"scene":     req.ItemIndex(),
			"image_url": e.asset(req, fmt.Sprintf("scene-%d.png", req.ItemIndex())),
		}
	case catalog.StageConsistencyValidation:
		scene := catalog.ResultKey(catalog.StageSceneCreation, req.ItemIndex(), true)
		var prior struct {
			ImageURL string `json:"image_url"`
		}
		_ = json.Unmarshal(req.Prior[scene], &prior)
		return map[string]any{
			"scene":      req.ItemIndex(),
			"image_url":  prior.ImageURL,
			"consistent": true,
		}
	case catalog.StageAudioGeneration:
		urls := make([]string, 0, len(req.Prior))
		for i := 0; ; i++ {
			if _, ok := req.Prior[catalog.ResultKey(catalog.StageSceneCreation, i, true)]; !ok {
				break
			}
			urls = append(urls, e.asset(req, fmt.Sprintf("narration-%d.mp3", i)))
		}
		return map[string]any{"audio_urls": urls}
	case catalog.StagePDFCreation:
		return map[string]any{"pdf_url": e.asset(req, "book.pdf")}
	default:
		return map[string]any{"stage": req.Stage, "item": req.ItemIndex(), "ok": true}
	}
}

func characterOf(payload catalog.Payload) catalog.Character {
	switch p := payload.(type) {
	case catalog.StoryAdventurePayload:
		return p.Character
	case catalog.InteractiveSearchPayload:
		return p.Character
	default:
		return catalog.Character{Name: "Friend", Type: "character"}
	}
}

// storyTitle builds a title-cased book title. Casers are stateful, so one is
// created per call.
func storyTitle(payload catalog.Payload, character catalog.Character) string {
	caser := cases.Title(language.English)
	if p, ok := payload.(catalog.StoryAdventurePayload); ok {
		if strings.TrimSpace(p.StoryTitle) != "" {
			return p.StoryTitle
		}
		return caser.String(fmt.Sprintf("%s and the %s", character.Name, p.AdventureType))
	}
	return caser.String(character.Name + "'s story")
}
