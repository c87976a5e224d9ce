package reasoning

import (
	"strings"
	"testing"
)

func feed(s *Stripper, chunks ...string) string {
	var out strings.Builder
	for _, c := range chunks {
		out.WriteString(s.Write(c))
	}
	out.WriteString(s.Flush())
	return out.String()
}

func TestStripSplitTag(t *testing.T) {
	got := feed(New(), "<thou", "ght>hidden</thought>visible")
	if got != "visible" {
		t.Errorf("got %q, want %q", got, "visible")
	}
}

var stripCases = []struct {
	name string
	in   string
	want string
}{
	{"plain", "Do three sets of ten.", "Do three sets of ten."},
	{"single region", "<thought>plan</thought>Squat today.", "Squat today."},
	{"middle region", "Hi <ready_check>ok?</ready_check>there", "Hi there"},
	{"multiple tags", "<thought>a</thought>A<exercise_reasoning>b</exercise_reasoning>B", "AB"},
	{"unclosed discarded", "Visible<thought>never closed", "Visible"},
	{"stray close kept", "a</thought>b", "a</thought>b"},
	{"unknown tag kept", "<b>bold</b>", "<b>bold</b>"},
	{"partial at end kept", "less than <thou", "less than <thou"},
	{"angle brackets", "3 < 5 and 5 > 3", "3 < 5 and 5 > 3"},
	{"nested treated flat", "<thought>x<thought>y</thought>z</thought>w", "z</thought>w"},
	{"mismatched close ignored", "<thought>x</ready_check>y</thought>z", "z"},
	{"adjacent regions", "<thought>1</thought><thought>2</thought>done", "done"},
	{"empty region", "a<thought></thought>b", "ab"},
	{"lookalike prefix", "<<thought>x</thought>", "<"},
	{"close lookalike inside", "<thought>a</though</thought>b", "b"},
}

func TestStripWholeText(t *testing.T) {
	for _, tt := range stripCases {
		t.Run(tt.name, func(t *testing.T) {
			if got := Strip(tt.in); got != tt.want {
				t.Errorf("Strip(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

// Output must not depend on where the input is split.
func TestStripChunkingInvariant(t *testing.T) {
	for _, tt := range stripCases {
		t.Run(tt.name, func(t *testing.T) {
			in := tt.in

			// Every single split point.
			for i := 0; i <= len(in); i++ {
				if got := feed(New(), in[:i], in[i:]); got != tt.want {
					t.Fatalf("split at %d: got %q, want %q", i, got, tt.want)
				}
			}

			// Every pair of split points.
			for i := 0; i <= len(in); i++ {
				for j := i; j <= len(in); j++ {
					if got := feed(New(), in[:i], in[i:j], in[j:]); got != tt.want {
						t.Fatalf("split at %d,%d: got %q, want %q", i, j, got, tt.want)
					}
				}
			}

			// One byte at a time.
			chunks := make([]string, len(in))
			for i := range in {
				chunks[i] = in[i : i+1]
			}
			if got := feed(New(), chunks...); got != tt.want {
				t.Fatalf("bytewise: got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestStripperBufferBounded(t *testing.T) {
	s := New()
	longest := len("</exercise_reasoning>")

	input := strings.Repeat("visible text <thought>hidden words</thought> ", 50)
	for i := 0; i < len(input); i += 7 {
		end := min(i+7, len(input))
		s.Write(input[i:end])
		if s.buf.Len() >= longest {
			t.Fatalf("buffer grew to %d bytes at offset %d", s.buf.Len(), i)
		}
	}
}

func TestStripperEmitsEagerly(t *testing.T) {
	s := New()
	if got := s.Write("Hello, "); got != "Hello, " {
		t.Errorf("plain text should pass through immediately, got %q", got)
	}
	if got := s.Write("<thought>"); got != "" || !s.Hidden() {
		t.Errorf("got %q hidden=%v", got, s.Hidden())
	}
	if got := s.Write("secret</thought>world"); got != "world" {
		t.Errorf("got %q", got)
	}
}

func TestStripperCustomTags(t *testing.T) {
	got := Strip("<scratch>x</scratch>y<thought>z</thought>", "scratch")
	if got != "y<thought>z</thought>" {
		t.Errorf("got %q", got)
	}
}

func TestFlushResets(t *testing.T) {
	s := New()
	s.Write("<thought>unfinished")
	if got := s.Flush(); got != "" {
		t.Errorf("flush inside region = %q", got)
	}
	if got := feed(s, "fresh"); got != "fresh" {
		t.Errorf("after reset got %q", got)
	}
}
