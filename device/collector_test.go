package device

import (
	"context"
	stderrors "errors"
	"strings"
	"testing"
)

// stubCollector returns fixed characteristics or a fixed error.
type stubCollector struct {
	name  string
	chars *Characteristics
	err   error
}

func (s *stubCollector) Name() string { return s.name }

func (s *stubCollector) Collect(_ context.Context) (*Characteristics, error) {
	return s.chars, s.err
}

func TestMultiCollector_FirstNonEmptyWins(t *testing.T) {
	partial := testCharacteristics()
	partial.Audio.Hash = ""
	partial.System.Timezone = ""

	filler := testCharacteristics()
	filler.Audio.Hash = "filler-audio"
	filler.System.Timezone = "UTC"
	filler.Canvas.Hash = "filler-canvas"

	multi := NewMultiCollector(
		&stubCollector{name: "first", chars: &partial},
		&stubCollector{name: "second", chars: &filler},
	)

	merged, err := multi.Collect(context.Background())
	if err != nil {
		t.Fatalf("Collect() error = %v", err)
	}

	// Gaps are filled from the second collector.
	if merged.Audio.Hash != "filler-audio" {
		t.Errorf("Audio.Hash = %q, want %q", merged.Audio.Hash, "filler-audio")
	}
	if merged.System.Timezone != "UTC" {
		t.Errorf("System.Timezone = %q, want %q", merged.System.Timezone, "UTC")
	}
	// Populated fields from the first collector are kept.
	if merged.Canvas.Hash != partial.Canvas.Hash {
		t.Errorf("Canvas.Hash = %q, want %q", merged.Canvas.Hash, partial.Canvas.Hash)
	}
}

func TestMultiCollector_PartialFailure(t *testing.T) {
	chars := testCharacteristics()
	boom := stderrors.New("sensor offline")

	multi := NewMultiCollector(
		&stubCollector{name: "broken", err: boom},
		&stubCollector{name: "working", chars: &chars},
	)

	merged, err := multi.Collect(context.Background())
	if merged == nil {
		t.Fatal("Collect() = nil, want merged characteristics despite partial failure")
	}
	if err == nil {
		t.Fatal("Collect() error = nil, want aggregated failure")
	}

	var ce *CollectorError
	if !stderrors.As(err, &ce) {
		t.Fatalf("error %v does not wrap *CollectorError", err)
	}
	if ce.Collector != "broken" {
		t.Errorf("CollectorError.Collector = %q, want %q", ce.Collector, "broken")
	}
	if !stderrors.Is(err, boom) {
		t.Errorf("error %v does not wrap the underlying cause", err)
	}
}

func TestMultiCollector_AllFail(t *testing.T) {
	multi := NewMultiCollector(
		&stubCollector{name: "a", err: stderrors.New("a failed")},
		&stubCollector{name: "b", err: stderrors.New("b failed")},
	)

	merged, err := multi.Collect(context.Background())
	if merged != nil {
		t.Errorf("Collect() = %+v, want nil", merged)
	}
	if !stderrors.Is(err, ErrCollectionFailed) {
		t.Errorf("Collect() error = %v, want ErrCollectionFailed", err)
	}
}

func TestMultiCollector_FiltersNil(t *testing.T) {
	chars := testCharacteristics()
	multi := NewMultiCollector(nil, &stubCollector{name: "only", chars: &chars}, nil)

	merged, err := multi.Collect(context.Background())
	if err != nil {
		t.Fatalf("Collect() error = %v", err)
	}
	if merged == nil {
		t.Fatal("Collect() = nil, want characteristics")
	}
}

func TestStaticCollector(t *testing.T) {
	chars := testCharacteristics()
	static := NewStaticCollector(chars)

	if static.Name() != "static" {
		t.Errorf("Name() = %q, want %q", static.Name(), "static")
	}

	got, err := static.Collect(context.Background())
	if err != nil {
		t.Fatalf("Collect() error = %v", err)
	}
	if *got != chars {
		t.Errorf("Collect() = %+v, want %+v", got, chars)
	}

	// Callers get a copy, not a handle on the collector's state.
	got.Canvas.Hash = "mutated"
	second, err := static.Collect(context.Background())
	if err != nil {
		t.Fatalf("Collect() error = %v", err)
	}
	if second.Canvas.Hash != chars.Canvas.Hash {
		t.Error("Collect() result shares state across calls")
	}
}

func TestLocalCollector(t *testing.T) {
	local := NewLocalCollector("1.2.3")

	chars, err := local.Collect(context.Background())
	if err != nil {
		t.Skipf("machine identity unavailable: %v", err)
	}

	if err := chars.Validate(); err != nil {
		t.Errorf("collected characteristics invalid: %v", err)
	}
	if len(chars.Canvas.Hash) != 32 || len(chars.Audio.Hash) != 32 {
		t.Errorf("derived hash lengths = %d/%d, want 32/32",
			len(chars.Canvas.Hash), len(chars.Audio.Hash))
	}
	if !strings.Contains(chars.System.Platform, "/") {
		t.Errorf("Platform = %q, want os/arch form", chars.System.Platform)
	}
	if !strings.HasPrefix(chars.System.UserAgent, "citadel-cli/1.2.3") {
		t.Errorf("UserAgent = %q, want citadel-cli/1.2.3 prefix", chars.System.UserAgent)
	}
	if chars.System.CPUCores <= 0 {
		t.Errorf("CPUCores = %d, want positive", chars.System.CPUCores)
	}

	// The same machine always derives the same hashes.
	again, err := local.Collect(context.Background())
	if err != nil {
		t.Skipf("machine identity unavailable: %v", err)
	}
	if again.Canvas.Hash != chars.Canvas.Hash || again.Audio.Hash != chars.Audio.Hash {
		t.Error("derived hashes differ across collections on the same machine")
	}
}
