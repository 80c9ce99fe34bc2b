// Package minutes builds the summarization prompt, parses model output into
// structured minutes, and renders minutes for export.
package minutes

import (
	"fmt"
	"strings"
)

// SystemPrompt instructs the model to emit the minutes schema and nothing else.
const SystemPrompt = `You are an assistant that writes meeting minutes.
Respond with a single JSON object and no other text, using exactly these keys:
  "title": string,
  "date": string,
  "participants": array of strings,
  "agenda": array of strings,
  "keyPoints": array of strings,
  "decisions": array of strings,
  "actionItems": array of objects with "task", "owner" and "due" strings,
  "nextSteps": array of strings.
Use an empty string or empty array when the transcript gives no information.
Do not invent participants or decisions that are not in the transcript.`

// UserPrompt embeds the title and transcript in the request message.
func UserPrompt(title, transcript string) string {
	title = strings.TrimSpace(title)
	if title == "" {
		title = "Untitled meeting"
	}
	return fmt.Sprintf(`Create structured meeting minutes for the meeting titled %q.
Return strict JSON with keys title, date, participants, agenda, keyPoints, decisions, actionItems, nextSteps.

Transcript:
"""
%s
"""`, title, strings.TrimSpace(transcript))
}
