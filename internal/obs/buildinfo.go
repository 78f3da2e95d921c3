package obs

import (
	"runtime"
	"runtime/debug"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// BuildInfo identifies the running binary.
type BuildInfo struct {
	Version   string
	Commit    string
	GoVersion string
}

var (
	buildInfoOnce sync.Once

	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "homebase_build_info",
			Help: "Homebase access API build information.",
		},
		[]string{"version", "commit", "go_version"},
	)
)

// ReadBuildInfo resolves the commit from VCS stamping when it was not set
// at link time.
func ReadBuildInfo(version, commit string) BuildInfo {
	bi := BuildInfo{Version: version, Commit: commit, GoVersion: runtime.Version()}
	if bi.Commit != "" && bi.Commit != "dev" {
		return bi
	}
	if info, ok := debug.ReadBuildInfo(); ok {
		for _, s := range info.Settings {
			if s.Key == "vcs.revision" && s.Value != "" {
				bi.Commit = s.Value
			}
		}
	}
	if bi.Commit == "" {
		bi.Commit = "unknown"
	}
	return bi
}

// InitBuildInfo publishes homebase_build_info for the running binary.
func InitBuildInfo(version, commit string) BuildInfo {
	bi := ReadBuildInfo(version, commit)
	buildInfoOnce.Do(func() {
		prometheus.MustRegister(buildInfo)
	})
	buildInfo.WithLabelValues(bi.Version, bi.Commit, bi.GoVersion).Set(1)
	return bi
}
