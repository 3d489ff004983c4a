// Package version reports what binary is running.
package version

import (
	"fmt"
	"runtime/debug"
	"strconv"
)

// AppName is reported in logs, metrics, traces and the -V output.
const AppName = "formhub-edge"

// Set at build time via -ldflags "-X".
var (
	Version    = "dev"
	Commit     = "none"
	CommitDate string
	BuildDate  string
	BuildId    string
	GoVersion  string
	VCSDirty   *bool
)

type Info struct {
	AppName    string `json:"app"`
	Version    string `json:"version"`
	Commit     string `json:"commit"`
	CommitDate string `json:"commit_date"`
	BuildDate  string `json:"build_date"`
	BuildId    string `json:"build_id"`
	GoVersion  string `json:"go_version"`
	VCSDirty   *bool  `json:"vcs_dirty,omitempty"`
}

// Get returns the ldflags values, filled in from the toolchain's embedded
// build info where ldflags left them unset.
func Get() Info {
	out := Info{
		AppName:    AppName,
		Version:    Version,
		Commit:     Commit,
		CommitDate: CommitDate,
		BuildDate:  BuildDate,
		BuildId:    BuildId,
		GoVersion:  GoVersion,
		VCSDirty:   VCSDirty,
	}
	if bi, ok := debug.ReadBuildInfo(); ok {
		out.merge(bi)
	}
	return out
}

func (i *Info) merge(bi *debug.BuildInfo) {
	if bi.GoVersion != "" {
		i.GoVersion = bi.GoVersion
	}
	for _, s := range bi.Settings {
		if s.Value == "" {
			continue
		}
		switch s.Key {
		case "vcs.revision":
			if i.Commit == "none" {
				i.Commit = s.Value
			}
		case "vcs.time":
			i.CommitDate = s.Value
			if i.BuildDate == "" {
				i.BuildDate = s.Value
			}
		case "vcs.modified":
			if b, err := strconv.ParseBool(s.Value); err == nil {
				i.VCSDirty = &b
			}
		}
	}
}

// Dirty reports whether the build came from a modified tree; unknown is false.
func (i Info) Dirty() bool { return i.VCSDirty != nil && *i.VCSDirty }

// String is the one-line form printed by -V.
func (i Info) String() string {
	return fmt.Sprintf("%s %s (commit=%s, commit_date=%s, build_id=%s, build_date=%s, go=%s, dirty=%t)",
		i.AppName, i.Version, i.Commit, i.CommitDate, i.BuildId, i.BuildDate, i.GoVersion, i.Dirty())
}
