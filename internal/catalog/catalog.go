package catalog

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// JobType names a member of the closed set of book-generation jobs.
type JobType string

const (
	InteractiveSearch JobType = "interactive_search"
	StoryAdventure    JobType = "story_adventure"
)

// Stage names shared by the built-in templates.
const (
	StageCharacterExtraction   = "character_extraction"
	StageEnhancement           = "enhancement"
	StageStoryGeneration       = "story_generation"
	StageSceneCreation         = "scene_creation"
	StageConsistencyValidation = "consistency_validation"
	StageAudioGeneration       = "audio_generation"
	StagePDFCreation           = "pdf_creation"
)

var (
	// ErrUnknownJobType reports a job type absent from the catalog.
	ErrUnknownJobType = errors.New("unknown job type")
	// ErrInvalidPayload reports a payload that failed schema validation or decoding.
	ErrInvalidPayload = errors.New("invalid payload")
)

// Step is one position in a stage graph. FanOut == 0 means a single stage;
// FanOut > 0 runs that many indexed items of the same stage concurrently.
type Step struct {
	Stage  string `json:"stage"`
	FanOut int    `json:"fan_out,omitempty"`
}

// Single returns a non-fan-out step.
func Single(stage string) Step { return Step{Stage: stage} }

// FanOut returns a step that runs n items of stage in parallel.
func FanOut(stage string, n int) Step { return Step{Stage: stage, FanOut: n} }

// IsFanOut reports whether the step is a fan-out group.
func (s Step) IsFanOut() bool { return s.FanOut > 0 }

// Items returns the number of stage records the step produces.
func (s Step) Items() int {
	if s.FanOut > 0 {
		return s.FanOut
	}
	return 1
}

// String renders the step as "stage" or "fanout(stage, n)".
func (s Step) String() string {
	if s.IsFanOut() {
		return fmt.Sprintf("fanout(%s, %d)", s.Stage, s.FanOut)
	}
	return s.Stage
}

// Template is the ordered stage graph of a job type.
type Template struct {
	JobType JobType `json:"job_type"`
	Steps   []Step  `json:"steps"`
}

// Validate checks that the template is runnable.
func (t Template) Validate() error {
	if strings.TrimSpace(string(t.JobType)) == "" {
		return errors.New("template job type is required")
	}
	if len(t.Steps) == 0 {
		return fmt.Errorf("template %s has no steps", t.JobType)
	}
	seen := make(map[string]struct{}, len(t.Steps))
	for i, step := range t.Steps {
		if strings.TrimSpace(step.Stage) == "" {
			return fmt.Errorf("template %s step %d has no stage name", t.JobType, i)
		}
		if step.FanOut < 0 {
			return fmt.Errorf("template %s step %s has negative fan-out", t.JobType, step.Stage)
		}
		if _, ok := seen[step.Stage]; ok {
			return fmt.Errorf("template %s repeats stage %s", t.JobType, step.Stage)
		}
		seen[step.Stage] = struct{}{}
	}
	return nil
}

// Step returns the step for stage, if present.
func (t Template) Step(stage string) (Step, bool) {
	for _, step := range t.Steps {
		if step.Stage == stage {
			return step, true
		}
	}
	return Step{}, false
}

// TotalRecords returns the number of stage records a fully completed job holds.
func (t Template) TotalRecords() int {
	total := 0
	for _, step := range t.Steps {
		total += step.Items()
	}
	return total
}

// String renders the graph as "a -> fanout(b, 2) -> c".
func (t Template) String() string {
	parts := make([]string, len(t.Steps))
	for i, step := range t.Steps {
		parts[i] = step.String()
	}
	return strings.Join(parts, " -> ")
}

// Entry binds a template to its payload handling.
type Entry struct {
	Template Template
	// Schema validates the raw payload before decoding. Nil skips validation.
	Schema *jsonschema.Schema
	// Decode builds the typed payload variant from validated JSON.
	Decode func(raw json.RawMessage) (Payload, error)
}

// Catalog maps job types to their entries. It is immutable after construction.
type Catalog struct {
	entries map[JobType]Entry
}

// New builds a catalog from entries. Entries without a decoder use
// DecodeGeneric.
func New(entries ...Entry) (*Catalog, error) {
	c := &Catalog{entries: make(map[JobType]Entry, len(entries))}
	for _, entry := range entries {
		if err := entry.Template.Validate(); err != nil {
			return nil, err
		}
		jobType := entry.Template.JobType
		if _, dup := c.entries[jobType]; dup {
			return nil, fmt.Errorf("duplicate catalog entry %s", jobType)
		}
		if entry.Decode == nil {
			entry.Decode = func(raw json.RawMessage) (Payload, error) {
				return DecodeGeneric(jobType, raw)
			}
		}
		c.entries[jobType] = entry
	}
	return c, nil
}

// MustNew is New for static catalogs; it panics on an invalid entry.
func MustNew(entries ...Entry) *Catalog {
	c, err := New(entries...)
	if err != nil {
		panic(err)
	}
	return c
}

var defaultCatalog = sync.OnceValue(func() *Catalog {
	return MustNew(
		Entry{
			Template: Template{
				JobType: InteractiveSearch,
				Steps: []Step{
					Single(StageCharacterExtraction),
					Single(StageEnhancement),
					FanOut(StageSceneCreation, 2),
					FanOut(StageConsistencyValidation, 2),
					Single(StagePDFCreation),
				},
			},
			Schema: mustCompileSchema("interactive_search.json"),
			Decode: decodeInteractiveSearch,
		},
		Entry{
			Template: Template{
				JobType: StoryAdventure,
				Steps: []Step{
					Single(StageCharacterExtraction),
					Single(StageEnhancement),
					Single(StageStoryGeneration),
					FanOut(StageSceneCreation, 5),
					FanOut(StageConsistencyValidation, 5),
					Single(StageAudioGeneration),
					Single(StagePDFCreation),
				},
			},
			Schema: mustCompileSchema("story_adventure.json"),
			Decode: decodeStoryAdventure,
		},
	)
})

// Default returns the built-in catalog of book-generation job types.
func Default() *Catalog {
	return defaultCatalog()
}

// Lookup returns the entry for jobType.
func (c *Catalog) Lookup(jobType JobType) (Entry, bool) {
	if c == nil {
		return Entry{}, false
	}
	entry, ok := c.entries[jobType]
	return entry, ok
}

// Template returns the stage graph for jobType.
func (c *Catalog) Template(jobType JobType) (Template, error) {
	entry, ok := c.Lookup(jobType)
	if !ok {
		return Template{}, fmt.Errorf("%w: %q", ErrUnknownJobType, jobType)
	}
	return entry.Template, nil
}

// Types lists the catalog's job types in name order.
func (c *Catalog) Types() []JobType {
	if c == nil {
		return nil
	}
	types := make([]JobType, 0, len(c.entries))
	for jobType := range c.entries {
		types = append(types, jobType)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}

// DecodePayload validates raw against the job type's schema and decodes it
// into the typed variant. Failures wrap ErrInvalidPayload or ErrUnknownJobType.
func (c *Catalog) DecodePayload(jobType JobType, raw json.RawMessage) (Payload, error) {
	entry, ok := c.Lookup(jobType)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownJobType, jobType)
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrInvalidPayload)
	}
	if entry.Schema != nil {
		var doc any
		if err := json.Unmarshal(raw, &doc); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		if err := entry.Schema.Validate(doc); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
	}
	payload, err := entry.Decode(raw)
	if err != nil {
		if errors.Is(err, ErrInvalidPayload) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return payload, nil
}
