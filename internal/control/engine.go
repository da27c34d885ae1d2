package control

import (
	"net/http"

	"github.com/lanikai/alohacast/internal/media"
	"github.com/lanikai/alohacast/internal/metrics"
	"github.com/lanikai/alohacast/internal/notify"
	"github.com/lanikai/alohacast/internal/upstream"
)

// Engine is the distribution engine driven by the control plane. It is
// implemented by alohacast.Coordinator.
type Engine interface {
	EnableUpstream(host string, port int, token string) error
	DisableUpstream() error
	UpstreamState() upstream.State
	Throughput() int
	AutoBitrate() bool
	SetAutoBitrate(enabled bool)

	EnableLocalDistribution(path string, port int, user, pass string) error
	DisableLocalDistribution() error
	LocalAddr() string
	ConsumerCount() int

	Resolution() (width, height int)
	SetResolution(width, height int) error
	Framerate() int
	SetFramerate(fps int) error
	VideoBitrate() int
	SetVideoBitrate(kbps int) error
	AudioBitrate() int
	SetAudioBitrate(kbps int) error
	InputMode() media.InputMode
	SetInputMode(m media.InputMode) error

	Subscribe(fn notify.Handler) (cancel func())
	Metrics() *metrics.Metrics
	MetricsHandler() http.Handler
}
