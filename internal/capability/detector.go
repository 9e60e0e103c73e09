// Package capability detects, once per session, which query features the
// account supports.
package capability

import (
	"context"
	"sync"
	"time"

	"github.com/dbsmedya/nrdiscovery/internal/logger"
	"github.com/dbsmedya/nrdiscovery/internal/metrics"
	"github.com/dbsmedya/nrdiscovery/internal/query"
)

const (
	// ConservativeMaxDuration is assumed when the probe fails.
	ConservativeMaxDuration = 30 * time.Second
	// MaxQueryDurationCap is the longest duration any account may run.
	MaxQueryDurationCap = 10 * time.Minute
)

// Capabilities describes the account's query limits.
type Capabilities struct {
	DataPlusEnabled  bool          `json:"dataPlusEnabled" yaml:"data_plus_enabled"`
	MaxQueryDuration time.Duration `json:"maxQueryDuration" yaml:"max_query_duration"`
	AsyncSupported   bool          `json:"asyncSupported" yaml:"async_supported"`
	// Fallback is true when the values are the conservative defaults.
	Fallback bool `json:"fallback" yaml:"fallback"`
}

// Conservative returns the capabilities assumed when detection fails.
func Conservative() Capabilities {
	return Capabilities{
		MaxQueryDuration: ConservativeMaxDuration,
		Fallback:         true,
	}
}

// Prober runs the capability probe.
type Prober interface {
	ProbeCapabilities(ctx context.Context, accountID int) (*query.CapabilityReport, error)
}

// Detector probes once and caches the answer, including a fallback.
type Detector struct {
	prober    Prober
	accountID int
	log       *logger.Logger
	metrics   *metrics.Metrics

	once sync.Once
	caps Capabilities
}

// NewDetector creates a Detector. A nil log falls back to the default logger.
func NewDetector(prober Prober, accountID int, log *logger.Logger, m *metrics.Metrics) *Detector {
	if log == nil {
		log = logger.NewDefault()
	}
	return &Detector{
		prober:    prober,
		accountID: accountID,
		log:       log,
		metrics:   m,
	}
}

// Detect returns the account's capabilities. Only the first call probes; a
// failed probe yields Conservative and is never retried.
func (d *Detector) Detect(ctx context.Context) Capabilities {
	d.once.Do(func() {
		d.caps = d.probe(ctx)
	})
	return d.caps
}

// Preset installs known capabilities without probing, used when resuming.
// It has no effect after the first Detect.
func (d *Detector) Preset(caps Capabilities) {
	d.once.Do(func() {
		d.caps = normalize(caps)
	})
}

func (d *Detector) probe(ctx context.Context) Capabilities {
	if d.prober == nil {
		d.metrics.CapabilityFallback()
		return Conservative()
	}

	report, err := d.prober.ProbeCapabilities(ctx, d.accountID)
	if err != nil || report == nil {
		d.log.Warnf("Capability probe failed, assuming conservative limits: %v", err)
		d.metrics.CapabilityFallback()
		return Conservative()
	}

	caps := normalize(Capabilities{
		DataPlusEnabled:  report.DataPlus,
		MaxQueryDuration: report.MaxQueryDuration,
		AsyncSupported:   report.Async,
	})
	d.log.Infow("Detected account capabilities",
		"data_plus", caps.DataPlusEnabled,
		"max_query_duration", caps.MaxQueryDuration,
		"async", caps.AsyncSupported)
	return caps
}

func normalize(caps Capabilities) Capabilities {
	if caps.MaxQueryDuration <= 0 {
		caps.MaxQueryDuration = ConservativeMaxDuration
	}
	if caps.MaxQueryDuration > MaxQueryDurationCap {
		caps.MaxQueryDuration = MaxQueryDurationCap
	}
	return caps
}
