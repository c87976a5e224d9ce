// Package tools defines the closed set of catalogue tools the coach can
// use, the selector that decides which to call, and the executor that
// resolves calls against the exercise catalogue.
package tools

import (
	"fmt"
	"strings"
)

// Tool names as exposed to models.
const (
	NameStrengthExercises = "get_strength_exercises"
	NameCardioExercises   = "get_cardio_exercises"
)

// Call is a parsed tool call. The concrete types are
// [StrengthExercisesCall] and [CardioExercisesCall]; the set is closed.
type Call interface {
	// ToolName returns the model-facing tool name.
	ToolName() string
	// Args returns the call's arguments in wire form.
	Args() map[string]any

	isCall()
}

// StrengthExercisesCall finds strength exercises for muscle groups.
// Equipment and ExperienceLevel are accepted but not used to narrow
// results.
type StrengthExercisesCall struct {
	MuscleGroups    []string
	Equipment       []string
	ExperienceLevel string
}

// ToolName implements [Call].
func (StrengthExercisesCall) ToolName() string { return NameStrengthExercises }

// Args implements [Call].
func (c StrengthExercisesCall) Args() map[string]any {
	args := map[string]any{"muscle_groups": c.MuscleGroups}
	if len(c.Equipment) > 0 {
		args["equipment"] = c.Equipment
	}
	if c.ExperienceLevel != "" {
		args["experience_level"] = c.ExperienceLevel
	}
	return args
}

func (StrengthExercisesCall) isCall() {}

// CardioExercisesCall lists cardio exercises. Equipment is accepted
// but not used to narrow results.
type CardioExercisesCall struct {
	Equipment []string
}

// ToolName implements [Call].
func (CardioExercisesCall) ToolName() string { return NameCardioExercises }

// Args implements [Call].
func (c CardioExercisesCall) Args() map[string]any {
	args := map[string]any{}
	if len(c.Equipment) > 0 {
		args["equipment"] = c.Equipment
	}
	return args
}

func (CardioExercisesCall) isCall() {}

// ParseCall converts a model tool call into a [Call]. Unknown names
// return [*ErrToolUnavailable]; malformed arguments wrap
// [ErrInvalidArguments].
func ParseCall(name string, args map[string]any) (Call, error) {
	switch name {
	case NameStrengthExercises:
		groups, err := stringList(args, "muscle_groups")
		if err != nil {
			return nil, err
		}
		if len(groups) == 0 {
			return nil, fmt.Errorf("%s: muscle_groups is required: %w", name, ErrInvalidArguments)
		}
		equipment, err := stringList(args, "equipment")
		if err != nil {
			return nil, err
		}
		level, _ := args["experience_level"].(string)
		return StrengthExercisesCall{
			MuscleGroups:    groups,
			Equipment:       equipment,
			ExperienceLevel: strings.TrimSpace(level),
		}, nil

	case NameCardioExercises:
		equipment, err := stringList(args, "equipment")
		if err != nil {
			return nil, err
		}
		return CardioExercisesCall{Equipment: equipment}, nil

	default:
		return nil, &ErrToolUnavailable{ToolName: name}
	}
}

// stringList reads a list-of-strings argument. A bare string is
// accepted as a one-element list; empty entries are dropped.
func stringList(args map[string]any, key string) ([]string, error) {
	v, ok := args[key]
	if !ok || v == nil {
		return nil, nil
	}
	var raw []string
	switch vv := v.(type) {
	case string:
		raw = []string{vv}
	case []string:
		raw = vv
	case []any:
		for _, item := range vv {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("%s: expected strings, got %T: %w", key, item, ErrInvalidArguments)
			}
			raw = append(raw, s)
		}
	default:
		return nil, fmt.Errorf("%s: expected list, got %T: %w", key, v, ErrInvalidArguments)
	}
	out := raw[:0:0]
	for _, s := range raw {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out, nil
}

// Definitions returns the tool schemas in OpenAI function format.
func Definitions() []map[string]any {
	stringArray := func(desc string) map[string]any {
		return map[string]any{
			"type":        "array",
			"items":       map[string]any{"type": "string"},
			"description": desc,
		}
	}
	return []map[string]any{
		{
			"type": "function",
			"function": map[string]any{
				"name":        NameStrengthExercises,
				"description": "Find strength exercises in the catalogue that train the given muscle groups. Use only when planning a new workout that needs specific exercises.",
				"parameters": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"muscle_groups": stringArray("Muscle groups to train, e.g. chest, quadriceps, lats"),
						"equipment":     stringArray("Equipment the user has available"),
						"experience_level": map[string]any{
							"type":        "string",
							"enum":        []string{"beginner", "intermediate", "advanced"},
							"description": "The user's training experience",
						},
					},
					"required": []string{"muscle_groups"},
				},
			},
		},
		{
			"type": "function",
			"function": map[string]any{
				"name":        NameCardioExercises,
				"description": "List cardio exercises from the catalogue. Use only when planning a new workout that includes cardio.",
				"parameters": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"equipment": stringArray("Equipment the user has available"),
					},
				},
			},
		},
	}
}
