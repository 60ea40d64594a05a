package core

import (
	"fmt"
	"runtime"
	"strings"

	"aruco_bridge/aruco"
)

// Build metadata, injected with
//
//	go build -ldflags "-X aruco_bridge/core.Version=$(git describe --tags --always)"
//
// Unset values stay "dev" and "unknown".
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// BuildInfo describes the running binary. The CLI prints it and the plugin
// logs it on init.
type BuildInfo struct {
	Version   string   `json:"version" yaml:"version"`
	BuildTime string   `json:"build_time" yaml:"build_time"`
	GitCommit string   `json:"git_commit" yaml:"git_commit"`
	GoVersion string   `json:"go_version" yaml:"go_version"`
	Platform  string   `json:"platform" yaml:"platform"`
	Backends  []string `json:"backends" yaml:"backends"`
}

// GetBuildInfo collects the injected metadata and the compiled-in detector
// backends.
func GetBuildInfo() BuildInfo {
	return BuildInfo{
		Version:   Version,
		BuildTime: BuildTime,
		GitCommit: GitCommit,
		GoVersion: runtime.Version(),
		Platform:  runtime.GOOS + "/" + runtime.GOARCH,
		Backends:  aruco.Backends(),
	}
}

// String formats the info on one line, e.g.
// "v1.2.0 (built 2026-01-15T10:30:00Z, commit abc1234, backends native)".
func (b BuildInfo) String() string {
	return fmt.Sprintf("%s (built %s, commit %s, backends %s)",
		b.Version, b.BuildTime, b.GitCommit, strings.Join(b.Backends, ","))
}

// BuildLdflags returns the -ldflags value that injects the given metadata.
// Empty arguments are skipped.
func BuildLdflags(version, buildTime, gitCommit string) string {
	var flags []string
	for _, kv := range [][2]string{{"Version", version}, {"BuildTime", buildTime}, {"GitCommit", gitCommit}} {
		if kv[1] != "" {
			flags = append(flags, "-X aruco_bridge/core."+kv[0]+"="+kv[1])
		}
	}
	return strings.Join(flags, " ")
}
