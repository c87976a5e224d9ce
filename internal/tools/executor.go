package tools

import (
	"context"
	"log/slog"
	"strings"

	"github.com/d00mkeeps/volc-sub001/internal/store"
)

// Catalogue provides the exercise definitions tools resolve against.
type Catalogue interface {
	GetAll(ctx context.Context) ([]store.Exercise, error)
}

// ExerciseRecord is the condensed form of an exercise handed to the
// model. It deliberately has no description.
type ExerciseRecord struct {
	ID               string   `json:"id"`
	Name             string   `json:"name"`
	PrimaryMuscles   []string `json:"primary_muscles"`
	SecondaryMuscles []string `json:"secondary_muscles,omitempty"`
	Equipment        []string `json:"equipment,omitempty"`
	MovementPattern  string   `json:"movement_pattern,omitempty"`
}

func condense(e store.Exercise) ExerciseRecord {
	return ExerciseRecord{
		ID:               e.ID,
		Name:             e.StandardName,
		PrimaryMuscles:   e.PrimaryMuscles,
		SecondaryMuscles: e.SecondaryMuscles,
		Equipment:        e.Equipment,
		MovementPattern:  e.MovementPattern,
	}
}

// Result is the outcome of one executed call.
type Result struct {
	Call      Call
	Exercises []ExerciseRecord
	Err       error
}

// Executor resolves calls against the catalogue.
type Executor struct {
	catalogue Catalogue
	logger    *slog.Logger
}

// NewExecutor creates an executor.
func NewExecutor(catalogue Catalogue, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{catalogue: catalogue, logger: logger.With("component", "tools")}
}

// Execute runs one call. Results keep the catalogue's order. Failures
// are returned as [*ExecutionError].
func (e *Executor) Execute(ctx context.Context, call Call) ([]ExerciseRecord, error) {
	all, err := e.catalogue.GetAll(ctx)
	if err != nil {
		return nil, &ExecutionError{Tool: call.ToolName(), Err: err}
	}

	switch c := call.(type) {
	case StrengthExercisesCall:
		if len(c.Equipment) > 0 || c.ExperienceLevel != "" {
			e.logger.Debug("equipment and experience filters not applied",
				"equipment", c.Equipment,
				"experience_level", c.ExperienceLevel,
			)
		}
		return strengthExercises(all, c.MuscleGroups), nil

	case CardioExercisesCall:
		if len(c.Equipment) > 0 {
			e.logger.Debug("equipment filter not applied", "equipment", c.Equipment)
		}
		return cardioExercises(all), nil

	default:
		return nil, &ExecutionError{Tool: call.ToolName(), Err: &ErrToolUnavailable{ToolName: call.ToolName()}}
	}
}

// ExecuteAll runs calls in order and returns one result per call.
func (e *Executor) ExecuteAll(ctx context.Context, calls []Call) []Result {
	results := make([]Result, 0, len(calls))
	for _, call := range calls {
		ex, err := e.Execute(ctx, call)
		if err != nil {
			e.logger.Warn("tool execution failed", "tool", call.ToolName(), "error", err)
		}
		results = append(results, Result{Call: call, Exercises: ex, Err: err})
	}
	return results
}

// normalize lowercases a muscle token and collapses whitespace.
func normalize(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// strengthExercises returns exercises whose primary muscles include
// any of groups.
func strengthExercises(all []store.Exercise, groups []string) []ExerciseRecord {
	want := make(map[string]bool, len(groups))
	for _, g := range groups {
		if n := normalize(g); n != "" {
			want[n] = true
		}
	}

	var out []ExerciseRecord
	for _, ex := range all {
		if isCardio(ex) {
			continue
		}
		for _, m := range ex.PrimaryMuscles {
			if want[normalize(m)] {
				out = append(out, condense(ex))
				break
			}
		}
	}
	return out
}

func cardioExercises(all []store.Exercise) []ExerciseRecord {
	var out []ExerciseRecord
	for _, ex := range all {
		if isCardio(ex) {
			out = append(out, condense(ex))
		}
	}
	return out
}

// isCardio reports whether an exercise is cardio by movement pattern
// or primary muscle.
func isCardio(ex store.Exercise) bool {
	if strings.Contains(normalize(ex.MovementPattern), "cardio") {
		return true
	}
	for _, m := range ex.PrimaryMuscles {
		switch normalize(m) {
		case "cardio", "cardiovascular", "cardiovascular system":
			return true
		}
	}
	return false
}
