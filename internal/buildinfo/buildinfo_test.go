package buildinfo

import (
	"strings"
	"testing"
)

func TestInfoKeys(t *testing.T) {
	info := Info()
	for _, k := range []string{"version", "git_commit", "build_time", "go_version", "os", "arch", "uptime"} {
		if info[k] == "" {
			t.Errorf("Info()[%q] is empty", k)
		}
	}
}

func TestStampedValuesWin(t *testing.T) {
	oldCommit, oldTime := GitCommit, BuildTime
	t.Cleanup(func() { GitCommit, BuildTime = oldCommit, oldTime })

	GitCommit, BuildTime = "abc123", "2026-03-09T10:00:00Z"
	if got := Commit(); got != "abc123" {
		t.Errorf("Commit() = %q", got)
	}
	if got := Built(); got != "2026-03-09T10:00:00Z" {
		t.Errorf("Built() = %q", got)
	}
	if s := String(); !strings.Contains(s, "(abc123)") {
		t.Errorf("String() = %q", s)
	}
}

func TestUserAgent(t *testing.T) {
	if ua := UserAgent(); !strings.HasPrefix(ua, "volc/"+Version+" (") {
		t.Errorf("UserAgent() = %q", ua)
	}
}
