package coach

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/d00mkeeps/volc-sub001/internal/prompts"
	"github.com/d00mkeeps/volc-sub001/internal/store"
	"github.com/d00mkeeps/volc-sub001/internal/tools"
	"github.com/d00mkeeps/volc-sub001/internal/usercontext"
)

// promptVars renders the template slots from the shared context and
// this turn's tool results. A nil context yields empty slots.
func promptVars(uc *usercontext.Context, exercises []tools.ExerciseRecord) prompts.CoachVars {
	var v prompts.CoachVars
	if uc != nil {
		if uc.HasProfile {
			v.UserProfile = renderProfile(uc.Profile)
			v.AIMemory = renderMemory(uc.Profile.AIMemory)
		}
		if uc.HasBundle {
			v.WorkoutHistory = renderBundle(uc.Bundle)
		}
		v.Glossary = renderGlossary(uc.GlossaryTerms)
	}
	v.AvailableExercises = renderExercises(exercises)
	return v
}

func renderProfile(p *store.Profile) string {
	var sb strings.Builder
	if name := strings.TrimSpace(p.FirstName + " " + p.LastName); name != "" {
		fmt.Fprintf(&sb, "Name: %s\n", name)
	}
	if p.Goals != "" {
		fmt.Fprintf(&sb, "Goals: %s\n", p.Goals)
	}
	if p.TrainingHistory != "" {
		fmt.Fprintf(&sb, "Training background: %s\n", p.TrainingHistory)
	}
	units := "metric (kg, km)"
	if p.IsImperial {
		units = "imperial (lb, miles)"
	}
	fmt.Fprintf(&sb, "Preferred units: %s", units)
	return sb.String()
}

// renderMemory lists remembered notes. Unreadable memory renders as
// empty rather than failing the turn.
func renderMemory(raw json.RawMessage) string {
	mem, err := store.ParseAIMemory(raw)
	if err != nil || len(mem.Notes) == 0 {
		return ""
	}
	lines := make([]string, 0, len(mem.Notes))
	for _, n := range mem.Notes {
		lines = append(lines, "- "+n.Text)
	}
	return strings.Join(lines, "\n")
}

func renderBundle(b *store.Bundle) string {
	if len(b.WorkoutData) == 0 {
		return ""
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, b.WorkoutData); err != nil {
		return string(b.WorkoutData)
	}
	if b.CreatedAt.IsZero() {
		return buf.String()
	}
	return fmt.Sprintf("As of %s:\n%s", b.CreatedAt.Format("2006-01-02"), buf.String())
}

func renderGlossary(terms []store.GlossaryTerm) string {
	lines := make([]string, 0, len(terms))
	for _, t := range terms {
		if t.Term == "" {
			continue
		}
		lines = append(lines, fmt.Sprintf("%s: %s", t.Term, t.Definition))
	}
	return strings.Join(lines, "\n")
}

func renderExercises(exercises []tools.ExerciseRecord) string {
	if len(exercises) == 0 {
		return ""
	}
	data, err := json.Marshal(exercises)
	if err != nil {
		return ""
	}
	return string(data)
}

// mergeExercises concatenates tool results, dropping repeated ids and
// keeping first-seen order.
func mergeExercises(results []tools.Result) []tools.ExerciseRecord {
	seen := make(map[string]bool)
	var out []tools.ExerciseRecord
	for _, r := range results {
		for _, ex := range r.Exercises {
			if seen[ex.ID] {
				continue
			}
			seen[ex.ID] = true
			out = append(out, ex)
		}
	}
	return out
}
