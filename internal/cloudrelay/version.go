package cloudrelay

import (
	"runtime"
	"runtime/debug"
	"time"
)

const serviceName = "cloud-relay"

// Set at link time: -ldflags "-X cloud-relay/internal/cloudrelay.Version=..."
var (
	Version   = "dev"
	Commit    = ""
	BuildDate = ""
)

type VersionInfo struct {
	Service   string `json:"service"`
	Version   string `json:"version"`
	Commit    string `json:"commit,omitempty"`
	BuildDate string `json:"build_date,omitempty"`
	GoVersion string `json:"go_version"`
}

type BuildInfo struct {
	VersionInfo
	Environment string    `json:"environment"`
	Timestamp   time.Time `json:"timestamp"`
}

// GetVersion reports the linked version, falling back to VCS stamps embedded
// by the Go toolchain.
func GetVersion() VersionInfo {
	info := VersionInfo{
		Service:   serviceName,
		Version:   Version,
		Commit:    Commit,
		BuildDate: BuildDate,
		GoVersion: runtime.Version(),
	}
	bi, ok := debug.ReadBuildInfo()
	if !ok {
		return info
	}
	if info.Version == "dev" && bi.Main.Version != "" && bi.Main.Version != "(devel)" {
		info.Version = bi.Main.Version
	}
	for _, s := range bi.Settings {
		switch s.Key {
		case "vcs.revision":
			if info.Commit == "" {
				info.Commit = s.Value
			}
		case "vcs.time":
			if info.BuildDate == "" {
				info.BuildDate = s.Value
			}
		}
	}
	return info
}

func GetBuildInfo(environment string, now time.Time) BuildInfo {
	return BuildInfo{
		VersionInfo: GetVersion(),
		Environment: environment,
		Timestamp:   now.UTC(),
	}
}
