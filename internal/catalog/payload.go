package catalog

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// Payload is the typed, validated input of a job. Each job type owns one
// variant.
type Payload interface {
	JobType() JobType
}

// Character holds the fields every book payload shares.
type Character struct {
	Name     string `json:"character_name"`
	Type     string `json:"character_type"`
	ImageURL string `json:"character_image_url"`
}

// InteractiveSearchPayload drives the short character-search book.
type InteractiveSearchPayload struct {
	Character
	SpecialAbility string `json:"special_ability,omitempty"`
	AgeGroup       string `json:"age_group,omitempty"`
	StoryWorld     string `json:"story_world,omitempty"`
	StoryTitle     string `json:"story_title,omitempty"`
}

func (InteractiveSearchPayload) JobType() JobType { return InteractiveSearch }

// StoryAdventurePayload drives the full narrated adventure book.
type StoryAdventurePayload struct {
	Character
	SpecialAbility string `json:"special_ability"`
	AgeGroup       string `json:"age_group"`
	StoryWorld     string `json:"story_world"`
	AdventureType  string `json:"adventure_type"`
	OccasionTheme  string `json:"occasion_theme,omitempty"`
	StoryTitle     string `json:"story_title,omitempty"`
}

func (StoryAdventurePayload) JobType() JobType { return StoryAdventure }

// GenericPayload carries the payload of a job type registered without a
// typed decoder.
type GenericPayload struct {
	Type   JobType
	Fields map[string]any
}

func (p GenericPayload) JobType() JobType { return p.Type }

// MarshalJSON emits the payload fields.
func (p GenericPayload) MarshalJSON() ([]byte, error) {
	if p.Fields == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(p.Fields)
}

// DecodeGeneric decodes any JSON object into a GenericPayload.
func DecodeGeneric(jobType JobType, raw json.RawMessage) (Payload, error) {
	fields := map[string]any{}
	if err := strictDecode(raw, &fields); err != nil {
		return nil, err
	}
	return GenericPayload{Type: jobType, Fields: fields}, nil
}

func decodeInteractiveSearch(raw json.RawMessage) (Payload, error) {
	var p InteractiveSearchPayload
	if err := strictDecode(raw, &p); err != nil {
		return nil, err
	}
	if err := p.Character.validate(); err != nil {
		return nil, err
	}
	return p, nil
}

func decodeStoryAdventure(raw json.RawMessage) (Payload, error) {
	var p StoryAdventurePayload
	if err := strictDecode(raw, &p); err != nil {
		return nil, err
	}
	if err := p.Character.validate(); err != nil {
		return nil, err
	}
	if p.AdventureType == "" {
		return nil, fmt.Errorf("%w: adventure_type is required", ErrInvalidPayload)
	}
	return p, nil
}

func (c Character) validate() error {
	switch {
	case c.Name == "":
		return fmt.Errorf("%w: character_name is required", ErrInvalidPayload)
	case c.Type == "":
		return fmt.Errorf("%w: character_type is required", ErrInvalidPayload)
	case c.ImageURL == "":
		return fmt.Errorf("%w: character_image_url is required", ErrInvalidPayload)
	}
	return nil
}

// strictDecode rejects unknown fields and trailing data.
func strictDecode(raw json.RawMessage, dst any) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: trailing data after payload", ErrInvalidPayload)
	}
	return nil
}
