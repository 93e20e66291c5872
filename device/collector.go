package device

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"time"
)

// ErrCollectionFailed is returned when characteristic collection fails.
var ErrCollectionFailed = errors.New("device characteristic collection failed")

// Collector gathers device characteristics from a source. The CLI uses a
// local collector for enrollment; server-side flows receive
// characteristics from the client and use a static collector.
type Collector interface {
	// Collect gathers characteristics from this source.
	Collect(ctx context.Context) (*Characteristics, error)

	// Name returns a human-readable name for this collector (e.g.,
	// "local", "static").
	Name() string
}

// CollectorError wraps a collection failure with the collector name.
type CollectorError struct {
	// Collector is the name of the collector that failed.
	Collector string
	// Err is the underlying error.
	Err error
}

// Error returns a formatted error string with the collector name.
func (e *CollectorError) Error() string {
	return fmt.Sprintf("collector %s: %v", e.Collector, e.Err)
}

// Unwrap returns the underlying error for error chain compatibility.
func (e *CollectorError) Unwrap() error {
	return e.Err
}

// MultiCollector composes multiple collectors and merges their results.
// It implements the Collector interface for consistent usage.
//
// Merge semantics:
//   - First non-empty value for each field wins
//   - Errors from individual collectors are aggregated via errors.Join()
//   - Returns merged result even if some collectors fail
type MultiCollector struct {
	collectors []Collector
}

// NewMultiCollector creates a new MultiCollector with the given collectors.
// Nil collectors are filtered out for convenience.
func NewMultiCollector(collectors ...Collector) *MultiCollector {
	filtered := make([]Collector, 0, len(collectors))
	for _, c := range collectors {
		if c != nil {
			filtered = append(filtered, c)
		}
	}
	return &MultiCollector{collectors: filtered}
}

// Name returns "multi" as the collector name.
func (m *MultiCollector) Name() string {
	return "multi"
}

// Collect gathers characteristics from all collectors and merges the
// results. First non-empty value for each field wins. Returns the merged
// result even if some collectors fail.
func (m *MultiCollector) Collect(ctx context.Context) (*Characteristics, error) {
	var (
		merged *Characteristics
		errs   []error
	)

	for _, c := range m.collectors {
		chars, err := c.Collect(ctx)
		if err != nil {
			errs = append(errs, &CollectorError{
				Collector: c.Name(),
				Err:       err,
			})
		}
		if chars != nil {
			merged = mergeCharacteristics(merged, chars)
		}
	}

	if merged == nil {
		return nil, errors.Join(append(errs, ErrCollectionFailed)...)
	}
	return merged, errors.Join(errs...)
}

// mergeCharacteristics merges two characteristic sets, first non-empty
// wins for each field. If base is nil, returns other.
func mergeCharacteristics(base, other *Characteristics) *Characteristics {
	if base == nil {
		return other
	}
	if other == nil {
		return base
	}

	if base.Canvas.Hash == "" {
		base.Canvas = other.Canvas
	}
	if base.WebGL.Renderer == "" && base.WebGL.Vendor == "" {
		base.WebGL = other.WebGL
	}
	if base.Audio.Hash == "" {
		base.Audio = other.Audio
	}
	if base.Screen.Width == 0 && base.Screen.Height == 0 {
		base.Screen = other.Screen
	}
	if base.System.Platform == "" {
		base.System.Platform = other.System.Platform
	}
	if base.System.Language == "" {
		base.System.Language = other.System.Language
	}
	if base.System.Timezone == "" {
		base.System.Timezone = other.System.Timezone
	}
	if base.System.UserAgent == "" {
		base.System.UserAgent = other.System.UserAgent
	}
	if base.System.CPUCores == 0 {
		base.System.CPUCores = other.System.CPUCores
	}

	return base
}

// StaticCollector returns a fixed characteristic set. Server-side flows
// wrap client-supplied characteristics in a StaticCollector so enrollment
// and validation share one entry point.
type StaticCollector struct {
	chars Characteristics
}

// NewStaticCollector creates a collector returning the given characteristics.
func NewStaticCollector(chars Characteristics) *StaticCollector {
	return &StaticCollector{chars: chars}
}

// Name returns "static" as the collector name.
func (s *StaticCollector) Name() string {
	return "static"
}

// Collect returns the fixed characteristics.
func (s *StaticCollector) Collect(_ context.Context) (*Characteristics, error) {
	chars := s.chars
	return &chars, nil
}

// LocalCollector gathers characteristics from the local machine. Canvas
// and audio hashes are derived from the hashed machine identity since a
// terminal has no rendering stack; platform facts come from the runtime.
type LocalCollector struct {
	// version is reported inside the user agent string.
	version string
}

// NewLocalCollector creates a collector for the local machine.
func NewLocalCollector(version string) *LocalCollector {
	return &LocalCollector{version: version}
}

// Name returns "local" as the collector name.
func (l *LocalCollector) Name() string {
	return "local"
}

// Collect derives characteristics for the local machine.
func (l *LocalCollector) Collect(ctx context.Context) (*Characteristics, error) {
	machineID, err := MachineIdentity()
	if err != nil {
		return nil, &CollectorError{Collector: l.Name(), Err: err}
	}

	now := time.Now()
	zone, _ := now.Zone()

	return &Characteristics{
		Canvas: CanvasCharacteristics{
			// Derived hash: stable per machine, no rendering stack here.
			Hash:       machineID[:32],
			Confidence: 100,
		},
		WebGL: WebGLCharacteristics{
			Renderer: "cli",
			Vendor:   runtime.GOOS,
			Version:  l.version,
		},
		Audio: AudioCharacteristics{
			Hash: machineID[32:],
		},
		Screen: ScreenCharacteristics{
			// Terminals report a nominal desktop geometry.
			Width:      1920,
			Height:     1080,
			PixelRatio: 1.0,
		},
		System: SystemCharacteristics{
			Platform:  runtime.GOOS + "/" + runtime.GOARCH,
			Language:  "en",
			Timezone:  zone,
			UserAgent: "citadel-cli/" + l.version,
			CPUCores:  runtime.NumCPU(),
		},
	}, nil
}
