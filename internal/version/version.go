// Package version holds the build version, set with ldflags:
//
//	go build -ldflags="-X github.com/costinm/wfd-sinks/internal/version.Version=v0.1.0"
//
// When unset, the VCS revision from the build info is used.
package version

import "runtime/debug"

var (
	Version = ""
	Commit  = ""
)

func init() {
	if Version == "" || Commit == "" {
		populateFromBuildInfo()
	}
	if Version == "" {
		Version = "dev"
	}
	if Commit == "" {
		Commit = "unknown"
	}
}

func populateFromBuildInfo() {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return
	}
	if Version == "" && info.Main.Version != "" && info.Main.Version != "(devel)" {
		Version = info.Main.Version
	}
	for _, s := range info.Settings {
		if s.Key == "vcs.revision" && Commit == "" {
			Commit = s.Value
			if len(Commit) > 7 {
				Commit = Commit[:7]
			}
		}
	}
}
