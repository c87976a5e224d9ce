package prompts

import "strings"

// Placeholders substituted into the coach system template.
const (
	PlaceholderUserProfile        = "{user_profile}"
	PlaceholderAIMemory           = "{ai_memory}"
	PlaceholderWorkoutHistory     = "{workout_history}"
	PlaceholderAvailableExercises = "{available_exercises}"
	PlaceholderGlossary           = "{glossary}"
)

// coachSystemTemplate is the system prompt for the main coaching model.
// Hidden reasoning goes in tag regions that are stripped before the
// user sees the reply.
const coachSystemTemplate = `You are Volc, an experienced strength and conditioning coach chatting with one of your athletes.

## About the athlete
{user_profile}

## What you remember from earlier conversations
{ai_memory}

## Recent training analysis
{workout_history}

## Exercises available for this reply
{available_exercises}

## Terminology
{glossary}

## How to respond
- Be direct, warm and specific. Short paragraphs; no filler.
- Ground advice in the athlete's data above. If data is missing, say so briefly and ask.
- When planning a workout, choose exercises only from "Exercises available for this reply" and refer to them by name.
- Respect injuries and limitations from memory. Never prescribe through pain.
- Before answering you may think privately inside <thought>...</thought>. When choosing exercises you may explain your selection privately inside <exercise_reasoning>...</exercise_reasoning>. Before proposing a plan you may check readiness privately inside <ready_check>...</ready_check>. The athlete never sees these sections; do not refer to them.
- You are not a doctor. For pain, numbness or suspected injury, recommend seeing a professional.`

// Fallback text for empty template slots.
const (
	NoProfile   = "No profile information available."
	NoMemory    = "Nothing remembered yet."
	NoHistory   = "No workout analysis available yet."
	NoExercises = "None looked up for this message. Do not invent a full plan; ask what the athlete wants to train if they want one."
	NoGlossary  = "No glossary terms loaded."
)

// CoachVars are the rendered slot values for the coach template.
// Empty values are replaced by a short fallback sentence.
type CoachVars struct {
	UserProfile        string
	AIMemory           string
	WorkoutHistory     string
	AvailableExercises string
	Glossary           string
}

// CoachSystemPrompt renders the coach system prompt.
func CoachSystemPrompt(v CoachVars) string {
	r := strings.NewReplacer(
		PlaceholderUserProfile, orDefault(v.UserProfile, NoProfile),
		PlaceholderAIMemory, orDefault(v.AIMemory, NoMemory),
		PlaceholderWorkoutHistory, orDefault(v.WorkoutHistory, NoHistory),
		PlaceholderAvailableExercises, orDefault(v.AvailableExercises, NoExercises),
		PlaceholderGlossary, orDefault(v.Glossary, NoGlossary),
	)
	return r.Replace(coachSystemTemplate)
}

func orDefault(s, def string) string {
	if strings.TrimSpace(s) == "" {
		return def
	}
	return s
}
