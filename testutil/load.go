//go:build loadtest

// Load generation for sustained-throughput tests against the decision
// path. Built only under the loadtest tag.
package testutil

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// LoadTestConfig configures a load test run.
type LoadTestConfig struct {
	// RequestsPerSecond is the target request rate.
	RequestsPerSecond int

	// Duration is how long to run the test. The total request budget is
	// RequestsPerSecond * Duration.
	Duration time.Duration

	// Workers is the number of concurrent worker goroutines.
	Workers int

	// Timeout bounds each request. Zero means requests run under the
	// test deadline only.
	Timeout time.Duration
}

// LoadTestResult contains the results of a load test run.
type LoadTestResult struct {
	TotalRequests int
	SuccessCount  int
	ErrorCount    int

	LatencyP50 time.Duration
	LatencyP95 time.Duration
	LatencyP99 time.Duration

	// Throughput is the achieved request rate in requests per second.
	Throughput float64

	// Duration is the measured wall time of the run.
	Duration time.Duration

	// Errors maps distinct error messages to their counts.
	Errors map[string]int
}

// SuccessRate returns the percentage of successful requests.
func (r LoadTestResult) SuccessRate() float64 {
	if r.TotalRequests == 0 {
		return 100.0
	}
	return float64(r.SuccessCount) / float64(r.TotalRequests) * 100.0
}

type workerTally struct {
	latencies []time.Duration
	errors    []error
}

// RunLoadTest drives requestFn at the configured rate until the request
// budget is spent or the test duration elapses, whichever comes first.
// Workers claim requests from a shared budget, so the rate holds across
// any worker count.
func RunLoadTest(ctx context.Context, cfg LoadTestConfig, requestFn func(ctx context.Context) error) LoadTestResult {
	budget := int64(cfg.RequestsPerSecond) * int64(cfg.Duration.Seconds())
	limiter := rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.RequestsPerSecond)

	testCtx, cancel := context.WithTimeout(ctx, cfg.Duration)
	defer cancel()

	var claimed atomic.Int64
	tallies := make([]workerTally, cfg.Workers)

	start := time.Now()
	var wg sync.WaitGroup
	for i := 0; i < cfg.Workers; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			var tally workerTally
			defer func() { tallies[slot] = tally }()

			for claimed.Add(1) <= budget {
				if err := limiter.Wait(testCtx); err != nil {
					return
				}

				reqCtx := testCtx
				var reqCancel context.CancelFunc
				if cfg.Timeout > 0 {
					reqCtx, reqCancel = context.WithTimeout(testCtx, cfg.Timeout)
				}
				begin := time.Now()
				err := requestFn(reqCtx)
				if reqCancel != nil {
					reqCancel()
				}

				if err != nil {
					tally.errors = append(tally.errors, err)
				} else {
					tally.latencies = append(tally.latencies, time.Since(begin))
				}
			}
		}(i)
	}
	wg.Wait()
	elapsed := time.Since(start)

	var latencies []time.Duration
	errorCounts := make(map[string]int)
	failed := 0
	for _, tally := range tallies {
		latencies = append(latencies, tally.latencies...)
		for _, err := range tally.errors {
			errorCounts[err.Error()]++
			failed++
		}
	}

	result := LoadTestResult{
		TotalRequests: len(latencies) + failed,
		SuccessCount:  len(latencies),
		ErrorCount:    failed,
		Duration:      elapsed,
		Errors:        errorCounts,
	}
	if len(latencies) > 0 {
		result.LatencyP50 = percentile(latencies, 50)
		result.LatencyP95 = percentile(latencies, 95)
		result.LatencyP99 = percentile(latencies, 99)
	}
	if elapsed > 0 {
		result.Throughput = float64(result.TotalRequests) / elapsed.Seconds()
	}
	return result
}

// percentile returns the pth percentile of samples with linear
// interpolation between ranks. p is in [0, 100].
func percentile(samples []time.Duration, p float64) time.Duration {
	if len(samples) == 0 {
		return 0
	}
	sorted := make([]time.Duration, len(samples))
	copy(sorted, samples)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	rank := (p / 100.0) * float64(len(sorted)-1)
	lower := int(rank)
	upper := lower + 1
	if upper >= len(sorted) {
		upper = len(sorted) - 1
	}
	weight := rank - float64(lower)
	return time.Duration(float64(sorted[lower])*(1-weight) + float64(sorted[upper])*weight)
}

// FormatLoadTestResult renders the result for test logs.
func FormatLoadTestResult(result LoadTestResult) string {
	s := fmt.Sprintf(`Load Test Results:
  Duration:     %v
  Requests:     %d total, %d success, %d errors (%.1f%% success rate)
  Throughput:   %.1f req/sec
  Latency:
    P50:        %v
    P95:        %v
    P99:        %v`,
		result.Duration.Round(time.Millisecond),
		result.TotalRequests,
		result.SuccessCount,
		result.ErrorCount,
		result.SuccessRate(),
		result.Throughput,
		result.LatencyP50.Round(time.Microsecond),
		result.LatencyP95.Round(time.Microsecond),
		result.LatencyP99.Round(time.Microsecond),
	)

	if len(result.Errors) > 0 {
		s += "\n  Errors:"
		for msg, count := range result.Errors {
			s += fmt.Sprintf("\n    %d x %s", count, msg)
		}
	}
	return s
}
