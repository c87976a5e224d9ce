// Package prompts contains all LLM prompt templates used by the coach.
//
// Prompt text is Go code rather than config files because it is program logic:
// templates are interpolated here, benefit from compile-time embedding, and can
// be validated by tests. User-facing configuration lives in config.yaml; this
// package holds the instructions we send to models (the coach system prompt,
// tool selection, memory extraction).
//
// Convention: each prompt category gets its own file (coach.go, selector.go,
// extraction.go) with an exported function that accepts the dynamic parts and
// returns the fully interpolated prompt string.
package prompts
