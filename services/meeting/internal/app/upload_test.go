package app

import (
	"errors"
	"strings"
	"testing"
)

func TestValidateUploadRejectsLargeFile(t *testing.T) {
	_, err := ValidateUpload("allhands.mp3", "audio/mpeg", 150<<20)
	if !errors.Is(err, ErrAudioTooLarge) {
		t.Fatalf("expected ErrAudioTooLarge, got %v", err)
	}
	if KindOf(err) != KindValidation {
		t.Fatalf("expected validation kind, got %q", KindOf(err))
	}
	if !strings.Contains(err.Error(), "100 MB") {
		t.Fatalf("expected limit in message, got %q", err.Error())
	}
}

func TestValidateUploadAcceptsLimit(t *testing.T) {
	if _, err := ValidateUpload("a.wav", "audio/wav", MaxUploadBytes); err != nil {
		t.Fatalf("expected file at the limit to pass, got %v", err)
	}
}

func TestValidateUploadNormalizesType(t *testing.T) {
	cases := []struct {
		name        string
		filename    string
		contentType string
		want        string
	}{
		{name: "codec params", filename: "rec", contentType: "audio/webm;codecs=opus", want: "audio/webm"},
		{name: "upper case", filename: "rec", contentType: "Audio/MPEG", want: "audio/mpeg"},
		{name: "extension fallback", filename: "Call.M4A", contentType: "application/octet-stream", want: "audio/mp4"},
		{name: "missing type", filename: "call.flac", contentType: "", want: "audio/flac"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ValidateUpload(tc.filename, tc.contentType, 10)
			if err != nil {
				t.Fatalf("validate: %v", err)
			}
			if got != tc.want {
				t.Fatalf("expected %q, got %q", tc.want, got)
			}
		})
	}
}

func TestValidateUploadRejectsUnsupportedType(t *testing.T) {
	_, err := ValidateUpload("notes.txt", "text/plain", 10)
	if !errors.Is(err, ErrUnsupportedAudio) {
		t.Fatalf("expected ErrUnsupportedAudio, got %v", err)
	}
}

func TestValidateUploadRejectsEmptyFile(t *testing.T) {
	_, err := ValidateUpload("a.mp3", "audio/mpeg", 0)
	if !errors.Is(err, ErrNoAudio) {
		t.Fatalf("expected ErrNoAudio, got %v", err)
	}
}
