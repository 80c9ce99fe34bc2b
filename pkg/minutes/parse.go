package minutes

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"minutesai/pkg/domain"
)

var ErrNoJSON = errors.New("response is not a JSON object")

var expectedKeys = []string{"title", "date", "participants", "agenda", "keyPoints", "decisions", "actionItems", "nextSteps"}

type payload struct {
	Title        domain.StringList     `json:"title"`
	Date         domain.StringList     `json:"date"`
	Participants domain.StringList     `json:"participants"`
	Agenda       domain.StringList     `json:"agenda"`
	KeyPoints    domain.StringList     `json:"keyPoints"`
	Decisions    domain.StringList     `json:"decisions"`
	ActionItems  domain.ActionItemList `json:"actionItems"`
	NextSteps    domain.StringList     `json:"nextSteps"`
}

// Parse extracts minutes from a model response. It tolerates code fences,
// prose around the object, and string-vs-list drift in field shapes.
func Parse(raw string) (domain.Minutes, error) {
	text := stripFences(strings.TrimSpace(raw))
	if text == "" {
		return domain.Minutes{}, ErrNoJSON
	}
	obj, err := decodeObject(text)
	if err != nil {
		start := strings.Index(text, "{")
		end := strings.LastIndex(text, "}")
		if start < 0 || end <= start {
			return domain.Minutes{}, ErrNoJSON
		}
		obj, err = decodeObject(text[start : end+1])
		if err != nil {
			return domain.Minutes{}, err
		}
	}
	if !hasAnyKey(obj) {
		return domain.Minutes{}, fmt.Errorf("response has none of the keys %s", strings.Join(expectedKeys, ", "))
	}
	data, err := json.Marshal(obj)
	if err != nil {
		return domain.Minutes{}, err
	}
	var p payload
	if err := json.Unmarshal(data, &p); err != nil {
		return domain.Minutes{}, fmt.Errorf("decode minutes: %w", err)
	}
	return domain.Minutes{
		Title:        strings.Join(p.Title, " "),
		Date:         strings.Join(p.Date, " "),
		Participants: p.Participants,
		Agenda:       p.Agenda,
		KeyPoints:    p.KeyPoints,
		Decisions:    p.Decisions,
		ActionItems:  p.ActionItems,
		NextSteps:    p.NextSteps,
	}, nil
}

// Degraded wraps an unparseable response so the raw text survives for
// manual inspection.
func Degraded(raw string, cause error) domain.Minutes {
	msg := "failed to parse minutes"
	if cause != nil {
		msg = msg + ": " + cause.Error()
	}
	return domain.Minutes{Error: msg, RawResponse: raw}
}

func decodeObject(text string) (map[string]json.RawMessage, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal([]byte(text), &obj); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoJSON, err)
	}
	if obj == nil {
		return nil, ErrNoJSON
	}
	return obj, nil
}

func hasAnyKey(obj map[string]json.RawMessage) bool {
	for _, k := range expectedKeys {
		if _, ok := obj[k]; ok {
			return true
		}
	}
	return false
}

func stripFences(text string) string {
	if !strings.HasPrefix(text, "```") {
		return text
	}
	text = strings.TrimPrefix(text, "```")
	if nl := strings.IndexByte(text, '\n'); nl >= 0 {
		text = text[nl+1:]
	} else {
		text = strings.TrimPrefix(text, "json")
	}
	text = strings.TrimSpace(text)
	return strings.TrimSpace(strings.TrimSuffix(text, "```"))
}
