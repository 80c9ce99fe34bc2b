package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// StringList decodes from a JSON array of strings, a single string, or an
// array of arbitrary values (objects are flattened to "key: value" text).
// Models asked for strict JSON still drift between these shapes.
type StringList []string

func (l *StringList) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*l = nil
		return nil
	}
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*l = flattenList(raw)
	return nil
}

func flattenList(raw any) StringList {
	switch v := raw.(type) {
	case nil:
		return nil
	case []any:
		out := make(StringList, 0, len(v))
		for _, item := range v {
			if text := flattenValue(item); text != "" {
				out = append(out, text)
			}
		}
		return out
	default:
		if text := flattenValue(v); text != "" {
			return StringList{text}
		}
		return nil
	}
}

func flattenValue(raw any) string {
	switch v := raw.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(v)
	case map[string]any:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			if text := flattenValue(v[k]); text != "" {
				parts = append(parts, k+": "+text)
			}
		}
		return strings.Join(parts, "; ")
	case []any:
		return strings.Join(flattenList(v), ", ")
	default:
		return strings.TrimSpace(fmt.Sprint(v))
	}
}

// ActionItem is one follow-up task from the meeting.
type ActionItem struct {
	Task  string `json:"task"`
	Owner string `json:"owner,omitempty"`
	Due   string `json:"due,omitempty"`
}

func (a *ActionItem) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*a = actionItemFrom(raw)
	return nil
}

// ActionItemList accepts an array of objects or strings, or one string.
type ActionItemList []ActionItem

func (l *ActionItemList) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*l = nil
		return nil
	}
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	items, ok := raw.([]any)
	if !ok {
		items = []any{raw}
	}
	out := make(ActionItemList, 0, len(items))
	for _, item := range items {
		if a := actionItemFrom(item); a.Task != "" {
			out = append(out, a)
		}
	}
	*l = out
	return nil
}

var (
	taskKeys  = []string{"task", "item", "action", "description", "title", "text"}
	ownerKeys = []string{"owner", "assignee", "assignedTo", "responsible", "who"}
	dueKeys   = []string{"due", "dueDate", "deadline", "when"}
)

func actionItemFrom(raw any) ActionItem {
	obj, ok := raw.(map[string]any)
	if !ok {
		return ActionItem{Task: flattenValue(raw)}
	}
	item := ActionItem{
		Task:  firstField(obj, taskKeys),
		Owner: firstField(obj, ownerKeys),
		Due:   firstField(obj, dueKeys),
	}
	if item.Task == "" {
		item.Task = flattenValue(obj)
	}
	return item
}

func firstField(obj map[string]any, keys []string) string {
	for _, k := range keys {
		if v, ok := obj[k]; ok {
			if text := flattenValue(v); text != "" {
				return text
			}
		}
	}
	return ""
}
