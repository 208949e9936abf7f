package obs

import (
	"runtime"
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
	buildMu   sync.Mutex
	build     BuildInfo
	buildOnce sync.Once

	buildGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "rampart_build_info",
			Help: "Constant 1, labelled with the running build.",
		},
		[]string{"version", "commit", "goversion"},
	)
)

// InitBuildInfo records the build labels and exports them as rampart_build_info.
// Calling it again replaces the previous label set.
func InitBuildInfo(version, commit string) BuildInfo {
	buildOnce.Do(func() {
		prometheus.MustRegister(buildGauge)
	})
	info := BuildInfo{Version: version, Commit: commit, GoVersion: runtime.Version()}

	buildMu.Lock()
	defer buildMu.Unlock()
	if build != (BuildInfo{}) {
		buildGauge.DeleteLabelValues(build.Version, build.Commit, build.GoVersion)
	}
	build = info
	buildGauge.WithLabelValues(info.Version, info.Commit, info.GoVersion).Set(1)
	return info
}

// Build returns the labels set by the last InitBuildInfo.
func Build() BuildInfo {
	buildMu.Lock()
	defer buildMu.Unlock()
	return build
}
