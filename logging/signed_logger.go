package logging

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
)

// SignedLogger wraps JSON Lines output where each line is a SignedEntry
// carrying the original log entry and its HMAC-SHA256 signature. Signing
// failures fall back to unsigned output so security events are never lost
// to a misconfigured key.
type SignedLogger struct {
	writer io.Writer
	config *SignatureConfig
}

// NewSignedLogger creates a SignedLogger with the given writer and config.
// The config must have a valid secret key (at least 32 bytes).
func NewSignedLogger(w io.Writer, config *SignatureConfig) *SignedLogger {
	return &SignedLogger{
		writer: w,
		config: config,
	}
}

// LogDecision signs and writes a decision log entry.
func (l *SignedLogger) LogDecision(entry DecisionLogEntry) {
	l.writeSignedEntry(entry)
}

// LogSessionRisk signs and writes a session risk entry.
func (l *SignedLogger) LogSessionRisk(entry SessionRiskLogEntry) {
	l.writeSignedEntry(entry)
}

// LogThreat signs and writes a threat entry.
func (l *SignedLogger) LogThreat(entry ThreatLogEntry) {
	l.writeSignedEntry(entry)
}

// LogElevation signs and writes an elevation entry.
func (l *SignedLogger) LogElevation(entry ElevationLogEntry) {
	l.writeSignedEntry(entry)
}

// LogBreakGlass signs and writes a break-glass entry.
func (l *SignedLogger) LogBreakGlass(entry BreakGlassLogEntry) {
	l.writeSignedEntry(entry)
}

func (l *SignedLogger) writeSignedEntry(entry any) {
	signed, err := NewSignedEntry(entry, l.config)
	if err != nil {
		fmt.Fprintf(os.Stderr, "signing error: %v\n", err)
		l.writeFallback(entry)
		return
	}

	data, err := json.Marshal(signed)
	if err != nil {
		fmt.Fprintf(os.Stderr, "marshal error: %v\n", err)
		return
	}

	l.writer.Write(data)
	l.writer.Write([]byte("\n"))
}

// writeFallback writes an unsigned entry when signing fails.
func (l *SignedLogger) writeFallback(entry any) {
	data, err := json.Marshal(entry)
	if err != nil {
		return
	}
	l.writer.Write(data)
	l.writer.Write([]byte("\n"))
}
