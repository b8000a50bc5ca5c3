package firmware

import (
	"context"
	"log/slog"
	"regexp"
	"time"

	"github.com/thawkins/gcodekit5-sub006/config"
	"github.com/thawkins/gcodekit5-sub006/metric"
)

// Prober sends one probe command and collects every response line seen
// within the window. An empty command means "collect without sending", which
// captures startup banners. Probe must not consume lines meant for a
// running stream, so detection happens before streaming starts.
type Prober interface {
	Probe(ctx context.Context, command string, window time.Duration) ([]string, error)
}

// signature pairs a firmware family with the patterns that identify it in
// probe output. Order matters: g2core banners also contain "tinyg"-adjacent
// fields, so g2core is checked first.
type signature struct {
	controller ControllerType
	patterns   []*regexp.Regexp
}

var signatures = []signature{
	{
		controller: G2Core,
		patterns: []*regexp.Regexp{
			regexp.MustCompile(`(?i)\bg2core\b`),
			regexp.MustCompile(`"fb":\s*1\d\d\.`),
		},
	},
	{
		controller: TinyG,
		patterns: []*regexp.Regexp{
			regexp.MustCompile(`(?i)\btinyg\b`),
			regexp.MustCompile(`"fv":`),
		},
	},
	{
		controller: GRBL,
		patterns: []*regexp.Regexp{
			regexp.MustCompile(`^Grbl\s`),
			regexp.MustCompile(`\[VER:`),
		},
	},
}

// probeCommands are tried in order until a signature matches. The empty
// probe picks up the reset banner most controllers emit on connect; "$I"
// is the Grbl build query; the JSON query identifies the Synthetos family.
var probeCommands = []string{"", "$I", `{"fv":null}`}

// Detector identifies the connected controller by probing it and matching
// response lines against known firmware signatures.
type Detector struct {
	prober  Prober
	cfg     config.DetectionConfig
	logger  *slog.Logger
	metrics *metric.Metrics
}

// DetectorDeps carries the dependencies for NewDetector. Prober is required;
// Logger and Metrics may be nil.
type DetectorDeps struct {
	Prober  Prober
	Config  config.DetectionConfig
	Logger  *slog.Logger
	Metrics *metric.Metrics
}

func NewDetector(deps DetectorDeps) *Detector {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Detector{
		prober:  deps.Prober,
		cfg:     deps.Config,
		logger:  logger.With("component", "detector"),
		metrics: deps.Metrics,
	}
}

// Detect probes the controller and returns the capability table of whichever
// firmware family answers. Detection is bounded by the configured timeout;
// running out of time or probes yields the conservative Unknown table and a
// nil error, because an unidentified controller is still usable.
func (d *Detector) Detect(ctx context.Context) (Capabilities, error) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
	defer cancel()

	controller := Unknown
probing:
	for _, cmd := range probeCommands {
		lines, err := d.prober.Probe(ctx, cmd, d.cfg.Window)
		if err != nil {
			if ctx.Err() != nil {
				d.logger.Warn("detection timed out", "elapsed", time.Since(start))
				break probing
			}
			return Capabilities{}, err
		}
		if controller = match(lines); controller != Unknown {
			break probing
		}
	}

	if d.metrics != nil {
		d.metrics.RecordDetectDuration(controller.String(), time.Since(start))
	}
	d.logger.Info("controller detected",
		"controller", controller.String(),
		"elapsed", time.Since(start))

	return DefaultCapabilities(controller), nil
}

func match(lines []string) ControllerType {
	for _, sig := range signatures {
		for _, pattern := range sig.patterns {
			for _, line := range lines {
				if pattern.MatchString(line) {
					return sig.controller
				}
			}
		}
	}
	return Unknown
}
