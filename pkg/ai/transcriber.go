package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"

	"minutesai/pkg/domain"
)

// ErrEmptyAudio is returned before any request is made for empty input.
var ErrEmptyAudio = errors.New("audio is empty")

// Transcriber turns recorded audio into plain text.
type Transcriber interface {
	Transcribe(ctx context.Context, audio domain.Audio) (string, error)
}

// OpenAICompatTranscriber calls an OpenAI-compatible /v1/audio/transcriptions endpoint.
type OpenAICompatTranscriber struct {
	baseURL    string
	apiKey     string
	model      string
	language   string
	httpClient *http.Client
}

// NewOpenAICompatTranscriber builds a Transcriber. baseURL includes the /v1 prefix.
func NewOpenAICompatTranscriber(baseURL, apiKey, model, language string) *OpenAICompatTranscriber {
	return &OpenAICompatTranscriber{
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		apiKey:     strings.TrimSpace(apiKey),
		model:      strings.TrimSpace(model),
		language:   strings.TrimSpace(language),
		httpClient: &http.Client{},
	}
}

// Transcribe uploads the audio as multipart form data and returns the text.
func (t *OpenAICompatTranscriber) Transcribe(ctx context.Context, audio domain.Audio) (string, error) {
	if audio.Size() == 0 {
		return "", ErrEmptyAudio
	}
	if t.model == "" {
		return "", fmt.Errorf("transcription model required")
	}

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	if err := writer.WriteField("model", t.model); err != nil {
		return "", err
	}
	if err := writer.WriteField("response_format", "json"); err != nil {
		return "", err
	}
	if t.language != "" {
		if err := writer.WriteField("language", t.language); err != nil {
			return "", err
		}
	}
	part, err := writer.CreatePart(filePartHeader(audioFilename(audio), audio.MimeType))
	if err != nil {
		return "", err
	}
	if _, err := part.Write(audio.Data); err != nil {
		return "", err
	}
	if err := writer.Close(); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+"/audio/transcriptions", body)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	if t.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+t.apiKey)
	}

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("transcription request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return "", decodeOAIError(resp)
	}

	var out struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("transcription decode: %w", err)
	}
	return strings.TrimSpace(out.Text), nil
}

func filePartHeader(filename, contentType string) textproto.MIMEHeader {
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	return textproto.MIMEHeader{
		"Content-Disposition": {mime.FormatMediaType("form-data", map[string]string{"name": "file", "filename": filename})},
		"Content-Type":        {contentType},
	}
}

func audioFilename(audio domain.Audio) string {
	if name := strings.TrimSpace(audio.Filename); name != "" {
		return name
	}
	return "audio." + AudioExtension(audio.MimeType)
}

// AudioExtension maps an audio MIME type to a file extension.
func AudioExtension(mimeType string) string {
	base, _, err := mime.ParseMediaType(mimeType)
	if err != nil {
		base = strings.TrimSpace(strings.ToLower(mimeType))
	}
	switch base {
	case "audio/webm", "video/webm":
		return "webm"
	case "audio/mpeg", "audio/mp3":
		return "mp3"
	case "audio/wav", "audio/x-wav", "audio/wave":
		return "wav"
	case "audio/ogg":
		return "ogg"
	case "audio/mp4", "audio/x-m4a", "audio/m4a":
		return "m4a"
	case "audio/aac":
		return "aac"
	case "audio/flac", "audio/x-flac":
		return "flac"
	}
	if exts, err := mime.ExtensionsByType(base); err == nil && len(exts) > 0 {
		return strings.TrimPrefix(exts[0], ".")
	}
	return "bin"
}
