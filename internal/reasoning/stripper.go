// Package reasoning removes hidden reasoning regions such as
// <thought>…</thought> from streamed model output.
package reasoning

import "strings"

// DefaultTags are the region names hidden from users.
var DefaultTags = []string{"thought", "ready_check", "exercise_reasoning"}

// Stripper is a streaming filter. Feed chunks to Write in order and
// call Flush at end of stream. The concatenated output equals the
// concatenated input with every <tag>…</tag> region removed, however
// the input was split. Regions do not nest. A Stripper is not safe
// for concurrent use.
type Stripper struct {
	opens  []string
	closes []string

	// buf holds at most one tag literal's worth of undecided text.
	buf strings.Builder
	// inside is the closing literal being searched for, or "" when
	// outside any region.
	inside string
}

// New creates a Stripper for the given tag names. With no names,
// [DefaultTags] are used.
func New(tags ...string) *Stripper {
	if len(tags) == 0 {
		tags = DefaultTags
	}
	s := &Stripper{}
	for _, t := range tags {
		if t == "" {
			continue
		}
		s.opens = append(s.opens, "<"+t+">")
		s.closes = append(s.closes, "</"+t+">")
	}
	return s
}

// Write consumes a chunk and returns the text now known to be visible.
func (s *Stripper) Write(chunk string) string {
	if chunk == "" {
		return ""
	}
	s.buf.WriteString(chunk)
	pending := s.buf.String()
	s.buf.Reset()

	var out strings.Builder
	for {
		if s.inside == "" {
			i, tag := s.earliestOpen(pending)
			if i < 0 {
				keep := longestPartial(pending, s.opens)
				out.WriteString(pending[:len(pending)-keep])
				pending = pending[len(pending)-keep:]
				break
			}
			out.WriteString(pending[:i])
			pending = pending[i+len(s.opens[tag]):]
			s.inside = s.closes[tag]
			continue
		}

		j := strings.Index(pending, s.inside)
		if j < 0 {
			keep := longestPartial(pending, []string{s.inside})
			pending = pending[len(pending)-keep:]
			break
		}
		pending = pending[j+len(s.inside):]
		s.inside = ""
	}

	s.buf.WriteString(pending)
	return out.String()
}

// Flush ends the stream. Buffered visible text is returned; text in
// an unclosed region is discarded. The Stripper is reset for reuse.
func (s *Stripper) Flush() string {
	rest := s.buf.String()
	s.buf.Reset()
	if s.inside != "" {
		s.inside = ""
		return ""
	}
	return rest
}

// Hidden reports whether the stream is currently inside a region.
func (s *Stripper) Hidden() bool {
	return s.inside != ""
}

// earliestOpen returns the position and index of the first opening
// tag in text, or -1.
func (s *Stripper) earliestOpen(text string) (int, int) {
	best, tag := -1, -1
	for k, open := range s.opens {
		i := strings.Index(text, open)
		if i >= 0 && (best < 0 || i < best) {
			best, tag = i, k
		}
	}
	return best, tag
}

// longestPartial returns the length of the longest suffix of text that
// is a proper prefix of one of the literals.
func longestPartial(text string, literals []string) int {
	longest := 0
	for _, lit := range literals {
		n := min(len(lit)-1, len(text))
		for ; n > longest; n-- {
			if strings.HasSuffix(text, lit[:n]) {
				longest = n
				break
			}
		}
	}
	return longest
}

// Strip removes every region from a complete text.
func Strip(text string, tags ...string) string {
	s := New(tags...)
	return s.Write(text) + s.Flush()
}
