package catalog_test

import (
	"encoding/json"
	"errors"
	"testing"

	"storyloom/internal/catalog"
)

func TestDefaultTemplates(t *testing.T) {
	cat := catalog.Default()

	tests := []struct {
		jobType catalog.JobType
		graph   string
		records int
	}{
		{
			jobType: catalog.InteractiveSearch,
			graph:   "character_extraction -> enhancement -> fanout(scene_creation, 2) -> fanout(consistency_validation, 2) -> pdf_creation",
			records: 7,
		},
		{
			jobType: catalog.StoryAdventure,
			graph:   "character_extraction -> enhancement -> story_generation -> fanout(scene_creation, 5) -> fanout(consistency_validation, 5) -> audio_generation -> pdf_creation",
			records: 14,
		},
	}
	for _, tc := range tests {
		tpl, err := cat.Template(tc.jobType)
		if err != nil {
			t.Fatalf("Template(%s): %v", tc.jobType, err)
		}
		if got := tpl.String(); got != tc.graph {
			t.Fatalf("%s graph = %q, want %q", tc.jobType, got, tc.graph)
		}
		if got := tpl.TotalRecords(); got != tc.records {
			t.Fatalf("%s records = %d, want %d", tc.jobType, got, tc.records)
		}
	}

	if got := cat.Types(); len(got) != 2 || got[0] != catalog.InteractiveSearch || got[1] != catalog.StoryAdventure {
		t.Fatalf("unexpected types %v", got)
	}
}

func TestUnknownJobType(t *testing.T) {
	cat := catalog.Default()
	if _, err := cat.Template("comic_strip"); !errors.Is(err, catalog.ErrUnknownJobType) {
		t.Fatalf("expected ErrUnknownJobType, got %v", err)
	}
	if _, err := cat.DecodePayload("comic_strip", json.RawMessage(`{}`)); !errors.Is(err, catalog.ErrUnknownJobType) {
		t.Fatalf("expected ErrUnknownJobType, got %v", err)
	}
}

func TestDecodePayload(t *testing.T) {
	cat := catalog.Default()

	tests := []struct {
		name    string
		jobType catalog.JobType
		raw     string
		wantErr bool
	}{
		{
			name:    "interactive minimal",
			jobType: catalog.InteractiveSearch,
			raw:     `{"character_name":"Pip","character_type":"fox","character_image_url":"https://img/pip.png"}`,
		},
		{
			name:    "interactive missing image",
			jobType: catalog.InteractiveSearch,
			raw:     `{"character_name":"Pip","character_type":"fox"}`,
			wantErr: true,
		},
		{
			name:    "interactive unknown field",
			jobType: catalog.InteractiveSearch,
			raw:     `{"character_name":"Pip","character_type":"fox","character_image_url":"u","color":"red"}`,
			wantErr: true,
		},
		{
			name:    "interactive bad age group",
			jobType: catalog.InteractiveSearch,
			raw:     `{"character_name":"Pip","character_type":"fox","character_image_url":"u","age_group":"adult"}`,
			wantErr: true,
		},
		{
			name:    "adventure complete",
			jobType: catalog.StoryAdventure,
			raw:     `{"character_name":"Pip","character_type":"fox","character_image_url":"u","special_ability":"flight","age_group":"7-10","story_world":"forest","adventure_type":"quest","occasion_theme":"birthday"}`,
		},
		{
			name:    "adventure missing adventure type",
			jobType: catalog.StoryAdventure,
			raw:     `{"character_name":"Pip","character_type":"fox","character_image_url":"u","special_ability":"flight","age_group":"7-10","story_world":"forest"}`,
			wantErr: true,
		},
		{
			name:    "not an object",
			jobType: catalog.StoryAdventure,
			raw:     `["Pip"]`,
			wantErr: true,
		},
		{
			name:    "trailing data",
			jobType: catalog.InteractiveSearch,
			raw:     `{"character_name":"Pip","character_type":"fox","character_image_url":"u"} {}`,
			wantErr: true,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			payload, err := cat.DecodePayload(tc.jobType, json.RawMessage(tc.raw))
			if tc.wantErr {
				if !errors.Is(err, catalog.ErrInvalidPayload) {
					t.Fatalf("expected ErrInvalidPayload, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("DecodePayload: %v", err)
			}
			if payload.JobType() != tc.jobType {
				t.Fatalf("payload type %s, want %s", payload.JobType(), tc.jobType)
			}
		})
	}
}

func TestDecodePayloadTypedVariant(t *testing.T) {
	raw := json.RawMessage(`{"character_name":"Pip","character_type":"fox","character_image_url":"u","special_ability":"flight","age_group":"3-6","story_world":"sea","adventure_type":"rescue"}`)
	payload, err := catalog.Default().DecodePayload(catalog.StoryAdventure, raw)
	if err != nil {
		t.Fatalf("DecodePayload: %v", err)
	}
	adventure, ok := payload.(catalog.StoryAdventurePayload)
	if !ok {
		t.Fatalf("expected StoryAdventurePayload, got %T", payload)
	}
	if adventure.Name != "Pip" || adventure.AdventureType != "rescue" || adventure.AgeGroup != "3-6" {
		t.Fatalf("unexpected payload %+v", adventure)
	}
}

func TestCustomCatalog(t *testing.T) {
	cat, err := catalog.New(catalog.Entry{
		Template: catalog.Template{
			JobType: "test_graph",
			Steps:   []catalog.Step{catalog.Single("A"), catalog.FanOut("B", 2), catalog.Single("C")},
		},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	payload, err := cat.DecodePayload("test_graph", json.RawMessage(`{"anything":1}`))
	if err != nil {
		t.Fatalf("DecodePayload: %v", err)
	}
	generic, ok := payload.(catalog.GenericPayload)
	if !ok || generic.Fields["anything"] != float64(1) {
		t.Fatalf("unexpected generic payload %#v", payload)
	}
}

func TestTemplateValidation(t *testing.T) {
	tests := []struct {
		name string
		tpl  catalog.Template
	}{
		{"missing job type", catalog.Template{Steps: []catalog.Step{catalog.Single("A")}}},
		{"no steps", catalog.Template{JobType: "x"}},
		{"blank stage", catalog.Template{JobType: "x", Steps: []catalog.Step{catalog.Single(" ")}}},
		{"negative fan-out", catalog.Template{JobType: "x", Steps: []catalog.Step{{Stage: "A", FanOut: -1}}}},
		{"duplicate stage", catalog.Template{JobType: "x", Steps: []catalog.Step{catalog.Single("A"), catalog.FanOut("A", 2)}}},
	}
	for _, tc := range tests {
		if _, err := catalog.New(catalog.Entry{Template: tc.tpl}); err == nil {
			t.Fatalf("%s: expected error", tc.name)
		}
	}
}

func TestAssembleOrdersFanOutOutputs(t *testing.T) {
	tpl, err := catalog.Default().Template(catalog.InteractiveSearch)
	if err != nil {
		t.Fatalf("Template: %v", err)
	}
	prior := map[string]json.RawMessage{
		"character_extraction":      json.RawMessage(`{"name":"Pip"}`),
		"enhancement":               json.RawMessage(`{"images":["e1"]}`),
		"scene_creation[1]":         json.RawMessage(`{"image_url":"scene-1"}`),
		"scene_creation[0]":         json.RawMessage(`"scene-0"`),
		"consistency_validation[0]": json.RawMessage(`{"ok":true}`),
		"consistency_validation[1]": json.RawMessage(`{"ok":false}`),
		"pdf_creation":              json.RawMessage(`{"pdf_url":"book.pdf"}`),
	}

	raw, err := catalog.Assemble(tpl, prior)
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	var result catalog.BookResult
	if err := json.Unmarshal(raw, &result); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if len(result.SceneURLs) != 2 || result.SceneURLs[0] != "scene-0" || result.SceneURLs[1] != "scene-1" {
		t.Fatalf("unexpected scene urls %v", result.SceneURLs)
	}
	if len(result.ValidatedScenes) != 2 || string(result.ValidatedScenes[1]) != `{"ok":false}` {
		t.Fatalf("unexpected validated scenes %s", result.ValidatedScenes)
	}
	if result.PDFURL != "book.pdf" {
		t.Fatalf("pdf url = %q", result.PDFURL)
	}
	if result.Story != nil || result.AudioURLs != nil {
		t.Fatalf("interactive search should not carry story or audio: %+v", result)
	}
	if len(result.Stages) != len(prior) {
		t.Fatalf("expected %d raw stage outputs, got %d", len(prior), len(result.Stages))
	}
}

func TestResultKey(t *testing.T) {
	if got := catalog.ResultKey("pdf_creation", 0, false); got != "pdf_creation" {
		t.Fatalf("single key = %q", got)
	}
	if got := catalog.ResultKey("scene_creation", 3, true); got != "scene_creation[3]" {
		t.Fatalf("fan-out key = %q", got)
	}
}
