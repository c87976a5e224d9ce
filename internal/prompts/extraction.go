package prompts

import (
	"fmt"
	"strings"
)

// memoryExtractionTemplate is the prompt sent to extract durable facts
// about the athlete from a finished conversation. The format verbs are
// the note limit, the already-known notes and the transcript.
const memoryExtractionTemplate = `Extract durable facts about the athlete from this coaching conversation that would be useful in future sessions. Focus on:
- Injuries, pain and physical limitations
- Training schedule and availability
- Goals and target events
- Equipment access and preferences
- Dislikes and exercises to avoid

Rules:
- Only facts stated or clearly confirmed by the athlete. No advice, no guesses.
- One fact per note, written in third person, under 25 words.
- Skip anything already known (listed below).
- At most %d notes.

Valid categories: injury, schedule, goal, equipment, preference

Return JSON only. Examples:

{"notes": [
  {"category": "injury", "text": "Has an L4-L5 disc issue; avoids heavy spinal loading"},
  {"category": "schedule", "text": "Trains Monday, Wednesday and Friday mornings"}
]}

If nothing is worth remembering:
{"notes": []}

Already known:
%s

Conversation:
%s

JSON:`

// MemoryExtractionPrompt returns the fully interpolated prompt for
// post-session memory extraction.
func MemoryExtractionPrompt(maxNotes int, known []string, transcript string) string {
	knownText := "(nothing)"
	if len(known) > 0 {
		knownText = "- " + strings.Join(known, "\n- ")
	}
	return fmt.Sprintf(memoryExtractionTemplate, maxNotes, knownText, transcript)
}
