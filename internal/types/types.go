package types

import (
	"path/filepath"
	"strings"
)

// Suffixes appended to the final output path for intermediate files.
const (
	SilentSuffix = ".noaudio.mp4"
	MergedSuffix = ".merged.mp4"
)

// Job is the immutable parameter set of one lip-sync run.
type Job struct {
	Video string
	Audio string
	Out   string

	UnetConfig    string
	UnetCkpt      string
	Steps         int
	GuidanceScale float64
	DeepCache     bool

	// Reencode selects the variant that re-encodes the merged audio track
	// into a widely playable codec before writing Out.
	Reencode bool
}

// Artifacts are the temporary files a run creates next to the output.
// MergedVideo is empty unless the job re-encodes audio.
type Artifacts struct {
	SilentVideo string
	MergedVideo string
}

func ArtifactsFor(out string, reencode bool) Artifacts {
	a := Artifacts{SilentVideo: out + SilentSuffix}
	if reencode {
		a.MergedVideo = out + MergedSuffix
	}
	return a
}

// Paths lists the non-empty artifact paths in creation order.
func (a Artifacts) Paths() []string {
	var out []string
	for _, p := range []string{a.SilentVideo, a.MergedVideo} {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Overlaps reports whether path names one of the artifacts.
func (a Artifacts) Overlaps(path string) bool {
	for _, p := range a.Paths() {
		if SamePath(p, path) {
			return true
		}
	}
	return false
}

// SamePath compares two paths after making them absolute.
func SamePath(a, b string) bool {
	aa, err := filepath.Abs(a)
	if err != nil {
		return filepath.Clean(a) == filepath.Clean(b)
	}
	bb, err := filepath.Abs(b)
	if err != nil {
		return filepath.Clean(a) == filepath.Clean(b)
	}
	return aa == bb
}

// Command is one external process invocation.
type Command struct {
	Name string
	Args []string
	Dir  string
}

func (c Command) String() string {
	parts := make([]string, 0, len(c.Args)+1)
	parts = append(parts, quoteArg(c.Name))
	for _, a := range c.Args {
		parts = append(parts, quoteArg(a))
	}
	return strings.Join(parts, " ")
}

func quoteArg(s string) string {
	if s == "" {
		return "''"
	}
	if !strings.ContainsAny(s, " \t\n'\"\\$`*?[]{}()<>|&;#~") {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// Step is one stage of the planned run.
type Step struct {
	Stage   string
	Command Command
	Output  string
}
