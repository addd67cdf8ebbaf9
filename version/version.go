// Package version exposes build metadata stamped in by the linker.
package version

import (
	"fmt"
	"runtime"
)

// Set with -ldflags "-X github.com/grovetools/ptyhost/version.Version=...".
var (
	Version   = "dev"
	Commit    = "none"
	Branch    = "unknown"
	BuildDate = "unknown"
)

// Info holds all the versioning information.
type Info struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	Branch    string `json:"branch"`
	BuildDate string `json:"buildDate"`
	GoVersion string `json:"goVersion"`
	Platform  string `json:"platform"`
}

// GetInfo returns the build metadata of the running binary.
func GetInfo() Info {
	return Info{
		Version:   Version,
		Commit:    Commit,
		Branch:    Branch,
		BuildDate: BuildDate,
		GoVersion: runtime.Version(),
		Platform:  fmt.Sprintf("%s/%s", runtime.GOOS, runtime.GOARCH),
	}
}

// UserAgent identifies ptyhost in requests to the registry and the daemon.
func UserAgent() string {
	return fmt.Sprintf("ptyhost/%s (%s/%s)", Version, runtime.GOOS, runtime.GOARCH)
}

func (i Info) String() string {
	return fmt.Sprintf(
		"Commit:\t\t%s\nBranch:\t\t%s\nBuild Date:\t%s\nGo Version:\t%s\nPlatform:\t%s",
		i.Commit, i.Branch, i.BuildDate, i.GoVersion, i.Platform,
	)
}
