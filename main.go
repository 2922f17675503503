package main

import (
	"runtime/debug"

	"github.com/maren/divvy/cmd"
)

// Version is stamped by release builds:
//
//	go build -ldflags "-X main.Version=v1.2.3"
//
// Unstamped builds fall back to module or VCS build info.
var Version = "dev"

func main() {
	cmd.SetVersion(resolveVersion())
	cmd.Execute()
}

// resolveVersion picks the most specific version this binary knows about
// itself: the ldflags stamp, the module version go-install recorded, or
// the commit of a source build.
func resolveVersion() string {
	if Version != "" && Version != "dev" {
		return Version
	}
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return Version
	}
	if mv := info.Main.Version; mv != "" && mv != "(devel)" {
		return mv
	}
	if stamp := commitStamp(info); stamp != "" {
		return stamp
	}
	return Version
}

// commitStamp renders "devel+<commit>[+dirty]" from VCS build settings,
// or "" when the build carries none.
func commitStamp(info *debug.BuildInfo) string {
	var rev string
	dirty := false
	for _, s := range info.Settings {
		switch s.Key {
		case "vcs.revision":
			rev = s.Value
		case "vcs.modified":
			dirty = s.Value == "true"
		}
	}
	if rev == "" {
		return ""
	}
	if len(rev) > 12 {
		rev = rev[:12]
	}
	if dirty {
		return "devel+" + rev + "+dirty"
	}
	return "devel+" + rev
}
