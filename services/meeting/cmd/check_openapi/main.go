package main

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
	"minutesai/pkg/domain"
	"minutesai/pkg/queue"
	"minutesai/services/meeting/internal/app"
)

type openAPIDoc struct {
	Paths      map[string]map[string]yaml.Node `yaml:"paths"`
	Components struct {
		Schemas map[string]schema `yaml:"schemas"`
	} `yaml:"components"`
}

type schema struct {
	Type       string            `yaml:"type"`
	Ref        string            `yaml:"$ref"`
	Properties map[string]schema `yaml:"properties"`
	Required   []string          `yaml:"required"`
	Items      *schema           `yaml:"items"`
	Enum       []string          `yaml:"enum"`
}

// routes served by the meeting server.
var routes = []string{
	"GET /healthz",
	"GET /metrics",
	"POST /sessions",
	"GET /sessions/current",
	"DELETE /sessions/current",
	"POST /sessions/current/acquired",
	"POST /sessions/current/capture-error",
	"POST /sessions/current/chunks",
	"POST /sessions/current/stop",
	"POST /sessions/current/recover",
	"POST /sessions/current/upload",
	"POST /sessions/current/process",
	"GET /jobs/{id}",
	"GET /meetings",
	"GET /meetings/{id}",
	"PATCH /meetings/{id}",
	"DELETE /meetings/{id}",
	"GET /meetings/{id}/minutes",
	"GET /meetings/{id}/minutes.html",
}

func main() {
	if len(os.Args) != 2 {
		fmt.Fprintf(os.Stderr, "usage: %s <meeting-openapi.yaml>\n", os.Args[0])
		os.Exit(2)
	}
	doc, err := loadDoc(os.Args[1])
	if err != nil {
		exitErr(err)
	}
	if err := check(doc); err != nil {
		exitErr(err)
	}
	fmt.Println("OpenAPI consistency check passed.")
}

func loadDoc(path string) (openAPIDoc, error) {
	var doc openAPIDoc
	raw, err := os.ReadFile(path)
	if err != nil {
		return doc, fmt.Errorf("read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return doc, fmt.Errorf("parse %s: %w", path, err)
	}
	return doc, nil
}

func check(doc openAPIDoc) error {
	if err := checkRoutes(doc); err != nil {
		return err
	}
	errResp, err := getSchema(doc, "ErrorResponse")
	if err != nil {
		return err
	}
	if err := validateErrorResponse(errResp); err != nil {
		return err
	}

	kinds := []string{
		string(app.KindCapture), string(app.KindValidation), string(app.KindTranscription),
		string(app.KindSummarization), string(app.KindPersistence),
	}
	enums := []struct {
		schema, property string
		want             []string
	}{
		{"ErrorResponse", "kind", kinds},
		{"ErrorInfo", "kind", kinds},
		{"Session", "state", []string{
			string(app.StateIdle), string(app.StateAcquiring), string(app.StateRecording),
			string(app.StateStopped), string(app.StateError),
		}},
		{"Meeting", "status", []string{
			string(domain.StatusDraft), string(domain.StatusCompleted),
			string(domain.StatusCompletedPartial), string(domain.StatusFailed),
		}},
		{"Job", "status", []string{queue.StatusQueued, queue.StatusProcessing, queue.StatusDone, queue.StatusFailed}},
	}
	for _, e := range enums {
		s, err := getSchema(doc, e.schema)
		if err != nil {
			return err
		}
		if err := ensureEnum(e.schema+"."+e.property, s.Properties[e.property], e.want); err != nil {
			return err
		}
	}

	minutes, err := getSchema(doc, "Minutes")
	if err != nil {
		return err
	}
	required := makeSet(minutes.Required)
	for _, field := range []string{"title", "date", "participants", "agenda", "keyPoints", "decisions", "actionItems", "nextSteps"} {
		if !required[field] {
			return fmt.Errorf("Minutes.required must include %q", field)
		}
	}
	if items := minutes.Properties["actionItems"].Items; items == nil || strings.TrimSpace(items.Ref) != "#/components/schemas/ActionItem" {
		return errors.New("Minutes.actionItems.items must reference ActionItem")
	}
	return nil
}

func checkRoutes(doc openAPIDoc) error {
	var missing []string
	for _, route := range routes {
		method, path, _ := strings.Cut(route, " ")
		if _, ok := doc.Paths[path][strings.ToLower(method)]; !ok {
			missing = append(missing, route)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("paths missing operations: %s", strings.Join(missing, ", "))
	}
	return nil
}

func getSchema(doc openAPIDoc, name string) (schema, error) {
	if doc.Components.Schemas == nil {
		return schema{}, errors.New("components.schemas missing")
	}
	s, ok := doc.Components.Schemas[name]
	if !ok {
		return schema{}, fmt.Errorf("schema %q missing", name)
	}
	return s, nil
}

func validateErrorResponse(s schema) error {
	if s.Type != "object" {
		return errors.New("ErrorResponse must be object")
	}
	required := makeSet(s.Required)
	for _, field := range []string{"error", "code"} {
		if !required[field] {
			return fmt.Errorf("ErrorResponse.required must include %q", field)
		}
	}
	for field, typ := range map[string]string{
		"error":     "string",
		"code":      "string",
		"kind":      "string",
		"retryable": "boolean",
		"requestId": "string",
	} {
		prop, ok := s.Properties[field]
		if !ok || prop.Type != typ {
			return fmt.Errorf("ErrorResponse.%s must be %s", field, typ)
		}
	}
	return nil
}

func ensureEnum(name string, prop schema, want []string) error {
	got := append([]string(nil), prop.Enum...)
	want = append([]string(nil), want...)
	sort.Strings(got)
	sort.Strings(want)
	if strings.Join(got, ",") != strings.Join(want, ",") {
		return fmt.Errorf("%s enum mismatch: %v vs %v", name, got, want)
	}
	return nil
}

func makeSet(items []string) map[string]bool {
	out := make(map[string]bool, len(items))
	for _, item := range items {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		out[item] = true
	}
	return out
}

func exitErr(err error) {
	fmt.Fprintln(os.Stderr, err.Error())
	os.Exit(1)
}
