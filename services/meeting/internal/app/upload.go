package app

import (
	"fmt"
	"mime"
	"path/filepath"
	"strings"
)

// MaxUploadBytes caps a single uploaded recording.
const MaxUploadBytes int64 = 100 << 20

var allowedAudioTypes = map[string]struct{}{
	"audio/mpeg":   {},
	"audio/mp3":    {},
	"audio/wav":    {},
	"audio/x-wav":  {},
	"audio/wave":   {},
	"audio/webm":   {},
	"audio/ogg":    {},
	"audio/mp4":    {},
	"audio/x-m4a":  {},
	"audio/m4a":    {},
	"audio/aac":    {},
	"audio/flac":   {},
	"audio/x-flac": {},
}

// audioByExtension covers extensions the platform MIME table may not know.
var audioByExtension = map[string]string{
	".mp3":  "audio/mpeg",
	".wav":  "audio/wav",
	".webm": "audio/webm",
	".ogg":  "audio/ogg",
	".oga":  "audio/ogg",
	".m4a":  "audio/mp4",
	".mp4":  "audio/mp4",
	".aac":  "audio/aac",
	".flac": "audio/flac",
}

// ValidateUpload checks an uploaded file before anything is read or sent.
// It returns the normalized MIME type.
func ValidateUpload(filename, contentType string, size int64) (string, error) {
	if size > MaxUploadBytes {
		return "", newError(KindValidation, fmt.Errorf("%w: %s exceeds the 100 MB limit", ErrAudioTooLarge, formatSize(size)))
	}
	if size == 0 {
		return "", newError(KindValidation, fmt.Errorf("%w: file is empty", ErrNoAudio))
	}
	mimeType := normalizeMime(contentType)
	if mimeType == "" || mimeType == "application/octet-stream" {
		ext := strings.ToLower(filepath.Ext(filename))
		if byExt, ok := audioByExtension[ext]; ok {
			mimeType = byExt
		} else {
			mimeType = normalizeMime(mime.TypeByExtension(ext))
		}
	}
	if _, ok := allowedAudioTypes[mimeType]; !ok {
		if mimeType == "" {
			mimeType = "unknown"
		}
		return "", newError(KindValidation, fmt.Errorf("%w: %s", ErrUnsupportedAudio, mimeType))
	}
	return mimeType, nil
}

func normalizeMime(contentType string) string {
	if contentType == "" {
		return ""
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(contentType))
	}
	return strings.ToLower(mediaType)
}

func formatSize(n int64) string {
	return fmt.Sprintf("%.1f MB", float64(n)/(1<<20))
}
