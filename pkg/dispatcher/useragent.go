package dispatcher

import (
	_ "embed" // Used to embed version for use with user agent
	"fmt"
	"runtime/debug"
	"strings"
)

var (
	//go:embed version.txt
	version string
)

const appName = "tesla-command"

// buildUserAgent returns app (or the default application name) followed by the release version
// and, for development builds, the VCS revision.
func buildUserAgent(app string) string {
	if app != "" {
		return app
	}
	agent := appName + "/" + strings.TrimSpace(version)
	build, ok := debug.ReadBuildInfo()
	if !ok {
		return agent
	}
	if build.Main.Version != "(devel)" && build.Main.Version != "" {
		return agent
	}
	for _, info := range build.Settings {
		if info.Key == "vcs.revision" {
			if len(info.Value) > 8 {
				return fmt.Sprintf("%s (%s)", agent, info.Value[0:8])
			}
			break
		}
	}
	return agent
}
