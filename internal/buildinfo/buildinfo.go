// Package buildinfo reports the running binary's version. Release builds
// stamp Version, GitCommit and BuildTime with -ldflags; development builds
// fall back to the VCS settings the Go toolchain embeds.
package buildinfo

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"sync"
	"time"
)

// Stamped with -ldflags "-X .../buildinfo.Version=...".
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

var (
	started = time.Now()

	vcsOnce     sync.Once
	vcsRevision string
	vcsTime     string
	vcsModified bool
)

func loadVCS() {
	vcsOnce.Do(func() {
		bi, ok := debug.ReadBuildInfo()
		if !ok {
			return
		}
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				vcsRevision = s.Value
			case "vcs.time":
				vcsTime = s.Value
			case "vcs.modified":
				vcsModified = s.Value == "true"
			}
		}
	})
}

// Commit returns the stamped commit, else the embedded VCS revision
// shortened to 12 characters with a "-dirty" suffix for modified trees.
func Commit() string {
	if GitCommit != "unknown" {
		return GitCommit
	}
	loadVCS()
	if vcsRevision == "" {
		return GitCommit
	}
	rev := vcsRevision
	if len(rev) > 12 {
		rev = rev[:12]
	}
	if vcsModified {
		rev += "-dirty"
	}
	return rev
}

// Built returns the stamped build time, else the embedded commit time.
func Built() string {
	if BuildTime != "unknown" {
		return BuildTime
	}
	loadVCS()
	if vcsTime == "" {
		return BuildTime
	}
	return vcsTime
}

// Info is served by GET /v1/version and printed by "volc version".
func Info() map[string]string {
	return map[string]string{
		"version":    Version,
		"git_commit": Commit(),
		"build_time": Built(),
		"go_version": runtime.Version(),
		"os":         runtime.GOOS,
		"arch":       runtime.GOARCH,
		"uptime":     Uptime().String(),
	}
}

// Uptime is the time since process start, truncated to seconds.
func Uptime() time.Duration {
	return time.Since(started).Truncate(time.Second)
}

// String returns a one-line summary for logs.
func String() string {
	return fmt.Sprintf("volc %s (%s) built %s", Version, Commit(), Built())
}

// UserAgent is sent on outbound HTTP requests.
func UserAgent() string {
	return fmt.Sprintf("volc/%s (%s/%s)", Version, runtime.GOOS, runtime.GOARCH)
}
