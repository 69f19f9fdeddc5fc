// Package buildinfo holds build-time metadata injected with -ldflags.
package buildinfo

import (
	"runtime"
	"runtime/debug"
)

// UnknownValue is reported for metadata that was not injected.
const UnknownValue = "unknown"

// Set at build time:
//
//	go build -ldflags "-X github.com/sigscope/sigscope/internal/buildinfo.version=v1.2.0"
var (
	version   string
	buildDate string
)

// Info describes the running binary.
type Info struct {
	Version   string `json:"version"`
	BuildDate string `json:"build_date"`
	GoVersion string `json:"go_version"`
}

// Get returns the build metadata. Without injected values the module
// version recorded by the Go toolchain is used, if any.
func Get() Info {
	info := Info{
		Version:   version,
		BuildDate: buildDate,
		GoVersion: runtime.Version(),
	}
	if info.Version == "" {
		if bi, ok := debug.ReadBuildInfo(); ok && bi.Main.Version != "" && bi.Main.Version != "(devel)" {
			info.Version = bi.Main.Version
		}
	}
	if info.Version == "" {
		info.Version = UnknownValue
	}
	if info.BuildDate == "" {
		info.BuildDate = UnknownValue
	}
	return info
}

// String formats the metadata for --version output.
func (i Info) String() string {
	return i.Version + " (built " + i.BuildDate + ", " + i.GoVersion + ")"
}
