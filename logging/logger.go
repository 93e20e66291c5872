// Package logging provides structured logging for access decisions, session
// risk evaluations, threat detections, elevation grants, and break-glass
// events. It defines a Logger interface and implementations for JSON Lines
// output, signed output, and no-op logging.
package logging

import (
	"encoding/json"
	"io"
)

// Logger is implemented by sinks that record Citadel security events.
type Logger interface {
	// LogDecision logs an access decision entry.
	LogDecision(entry DecisionLogEntry)

	// LogSessionRisk logs a continuous-auth risk evaluation.
	LogSessionRisk(entry SessionRiskLogEntry)

	// LogThreat logs a threat prediction or automated response action.
	LogThreat(entry ThreatLogEntry)

	// LogElevation logs a JIT elevation lifecycle event.
	LogElevation(entry ElevationLogEntry)

	// LogBreakGlass logs a break-glass emergency access event.
	LogBreakGlass(entry BreakGlassLogEntry)
}

// JSONLogger implements Logger with JSON Lines output.
// Each entry is written as a single line of JSON suitable for log aggregation.
type JSONLogger struct {
	writer io.Writer
}

// NewJSONLogger creates a new JSONLogger that writes to the given writer.
func NewJSONLogger(w io.Writer) *JSONLogger {
	return &JSONLogger{writer: w}
}

func (l *JSONLogger) write(entry any) {
	data, err := json.Marshal(entry)
	if err != nil {
		return
	}
	l.writer.Write(data)
	l.writer.Write([]byte("\n"))
}

// LogDecision writes the entry as a single line of JSON.
func (l *JSONLogger) LogDecision(entry DecisionLogEntry) {
	l.write(entry)
}

// LogSessionRisk writes the risk entry as a single line of JSON.
func (l *JSONLogger) LogSessionRisk(entry SessionRiskLogEntry) {
	l.write(entry)
}

// LogThreat writes the threat entry as a single line of JSON.
func (l *JSONLogger) LogThreat(entry ThreatLogEntry) {
	l.write(entry)
}

// LogElevation writes the elevation entry as a single line of JSON.
func (l *JSONLogger) LogElevation(entry ElevationLogEntry) {
	l.write(entry)
}

// LogBreakGlass writes the break-glass entry as a single line of JSON.
func (l *JSONLogger) LogBreakGlass(entry BreakGlassLogEntry) {
	l.write(entry)
}

// NopLogger implements Logger but discards all entries.
// Useful for testing or when logging is disabled.
type NopLogger struct{}

// NewNopLogger creates a new NopLogger that discards all entries.
func NewNopLogger() *NopLogger {
	return &NopLogger{}
}

// LogDecision discards the entry.
func (l *NopLogger) LogDecision(entry DecisionLogEntry) {}

// LogSessionRisk discards the entry.
func (l *NopLogger) LogSessionRisk(entry SessionRiskLogEntry) {}

// LogThreat discards the entry.
func (l *NopLogger) LogThreat(entry ThreatLogEntry) {}

// LogElevation discards the entry.
func (l *NopLogger) LogElevation(entry ElevationLogEntry) {}

// LogBreakGlass discards the entry.
func (l *NopLogger) LogBreakGlass(entry BreakGlassLogEntry) {}
