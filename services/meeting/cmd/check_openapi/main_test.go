package main

import (
	"strings"
	"testing"
)

const docPath = "../../../../api/meeting-openapi.yaml"

func TestMeetingDocPasses(t *testing.T) {
	doc, err := loadDoc(docPath)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := check(doc); err != nil {
		t.Fatalf("check: %v", err)
	}
}

func TestCheckReportsMissingRoute(t *testing.T) {
	doc, err := loadDoc(docPath)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	delete(doc.Paths["/meetings/{id}"], "patch")
	err = check(doc)
	if err == nil || !strings.Contains(err.Error(), "PATCH /meetings/{id}") {
		t.Fatalf("expected missing route error, got %v", err)
	}
}

func TestCheckReportsEnumDrift(t *testing.T) {
	doc, err := loadDoc(docPath)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	meeting := doc.Components.Schemas["Meeting"]
	status := meeting.Properties["status"]
	status.Enum = []string{"draft", "completed"}
	meeting.Properties["status"] = status
	doc.Components.Schemas["Meeting"] = meeting
	err = check(doc)
	if err == nil || !strings.Contains(err.Error(), "Meeting.status") {
		t.Fatalf("expected enum error, got %v", err)
	}
}

func TestValidateErrorResponseTypes(t *testing.T) {
	s := schema{
		Type:     "object",
		Required: []string{"error", "code"},
		Properties: map[string]schema{
			"error":     {Type: "string"},
			"code":      {Type: "string"},
			"kind":      {Type: "string"},
			"retryable": {Type: "string"},
			"requestId": {Type: "string"},
		},
	}
	if err := validateErrorResponse(s); err == nil || !strings.Contains(err.Error(), "retryable") {
		t.Fatalf("expected retryable type error, got %v", err)
	}
}
