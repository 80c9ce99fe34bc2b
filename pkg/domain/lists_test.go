package domain

import (
	"encoding/json"
	"reflect"
	"testing"
)

func TestStringListAcceptsStringOrArray(t *testing.T) {
	var out struct {
		A StringList `json:"a"`
		B StringList `json:"b"`
		C StringList `json:"c"`
		D StringList `json:"d"`
	}
	payload := `{"a":"single","b":["x"," y ",""],"c":[{"who":"Ann","note":"late"}],"d":null}`
	if err := json.Unmarshal([]byte(payload), &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !reflect.DeepEqual(out.A, StringList{"single"}) {
		t.Fatalf("unexpected a: %#v", out.A)
	}
	if !reflect.DeepEqual(out.B, StringList{"x", "y"}) {
		t.Fatalf("unexpected b: %#v", out.B)
	}
	if !reflect.DeepEqual(out.C, StringList{"note: late; who: Ann"}) {
		t.Fatalf("unexpected c: %#v", out.C)
	}
	if out.D != nil {
		t.Fatalf("expected nil d, got %#v", out.D)
	}
}

func TestActionItemListShapes(t *testing.T) {
	var items ActionItemList
	payload := `[
		"Send the deck",
		{"task":"Book room","owner":"Ann","due":"Friday"},
		{"description":"Draft budget","assignee":"Bo","deadline":"2026-02-01"},
		{}
	]`
	if err := json.Unmarshal([]byte(payload), &items); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	want := ActionItemList{
		{Task: "Send the deck"},
		{Task: "Book room", Owner: "Ann", Due: "Friday"},
		{Task: "Draft budget", Owner: "Bo", Due: "2026-02-01"},
	}
	if !reflect.DeepEqual(items, want) {
		t.Fatalf("unexpected items:\n got %#v\nwant %#v", items, want)
	}

	var single ActionItemList
	if err := json.Unmarshal([]byte(`"Follow up"`), &single); err != nil {
		t.Fatalf("unmarshal single: %v", err)
	}
	if len(single) != 1 || single[0].Task != "Follow up" {
		t.Fatalf("unexpected single: %#v", single)
	}
}
