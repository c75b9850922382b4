package version

import "runtime/debug"

// Default values are overridden at build time via -ldflags.
var (
	buildVersion = "dev"
	builtAt      = ""
)

type Info struct {
	Version   string `json:"version"`
	BuiltAt   string `json:"built_at,omitempty"`
	GoVersion string `json:"go_version,omitempty"`
}

func BuildVersion() string {
	return buildVersion
}

func GetInfo() Info {
	info := Info{Version: buildVersion, BuiltAt: builtAt}
	if bi, ok := debug.ReadBuildInfo(); ok {
		info.GoVersion = bi.GoVersion
	}
	return info
}
