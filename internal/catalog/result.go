package catalog

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// ResultKey names a stage output in the prior-results map: "stage" for a
// single step, "stage[i]" for a fan-out item.
func ResultKey(stage string, item int, fanOut bool) string {
	if !fanOut {
		return stage
	}
	return stage + "[" + strconv.Itoa(item) + "]"
}

// BookResult is the assembled output of a completed book job.
type BookResult struct {
	JobType         JobType                    `json:"job_type"`
	Character       json.RawMessage            `json:"character,omitempty"`
	EnhancedImages  json.RawMessage            `json:"enhanced_images,omitempty"`
	Story           json.RawMessage            `json:"story,omitempty"`
	SceneURLs       []string                   `json:"scene_urls,omitempty"`
	ValidatedScenes []json.RawMessage          `json:"validated_scenes,omitempty"`
	AudioURLs       []string                   `json:"audio_urls,omitempty"`
	PDFURL          string                     `json:"pdf_url,omitempty"`
	Stages          map[string]json.RawMessage `json:"stages"`
}

// Assemble builds the job result from the per-stage outputs of a completed
// graph. Fan-out outputs are emitted in item order.
func Assemble(tpl Template, prior map[string]json.RawMessage) (json.RawMessage, error) {
	result := BookResult{
		JobType: tpl.JobType,
		Stages:  make(map[string]json.RawMessage, len(prior)),
	}
	for key, raw := range prior {
		result.Stages[key] = raw
	}

	for _, step := range tpl.Steps {
		switch step.Stage {
		case StageCharacterExtraction:
			result.Character = prior[step.Stage]
		case StageEnhancement:
			result.EnhancedImages = prior[step.Stage]
		case StageStoryGeneration:
			result.Story = prior[step.Stage]
		case StageSceneCreation:
			for i := 0; i < step.Items(); i++ {
				raw := prior[ResultKey(step.Stage, i, step.IsFanOut())]
				if url := stringField(raw, "image_url"); url != "" {
					result.SceneURLs = append(result.SceneURLs, url)
				}
			}
		case StageConsistencyValidation:
			for i := 0; i < step.Items(); i++ {
				if raw, ok := prior[ResultKey(step.Stage, i, step.IsFanOut())]; ok {
					result.ValidatedScenes = append(result.ValidatedScenes, raw)
				}
			}
		case StageAudioGeneration:
			result.AudioURLs = stringSlice(prior[step.Stage], "audio_urls")
		case StagePDFCreation:
			result.PDFURL = stringField(prior[step.Stage], "pdf_url")
		}
	}

	out, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("marshal book result: %w", err)
	}
	return out, nil
}

// stringField reads key from a JSON object, or the value itself when raw is a
// bare JSON string.
func stringField(raw json.RawMessage, key string) string {
	if len(raw) == 0 {
		return ""
	}
	var direct string
	if err := json.Unmarshal(raw, &direct); err == nil {
		return strings.TrimSpace(direct)
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return ""
	}
	var value string
	if err := json.Unmarshal(obj[key], &value); err != nil {
		return ""
	}
	return strings.TrimSpace(value)
}

func stringSlice(raw json.RawMessage, key string) []string {
	if len(raw) == 0 {
		return nil
	}
	var direct []string
	if err := json.Unmarshal(raw, &direct); err == nil {
		return direct
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil
	}
	var values []string
	if err := json.Unmarshal(obj[key], &values); err != nil {
		return nil
	}
	return values
}
