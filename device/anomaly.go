package device

import (
	"fmt"
	"strings"
)

// Anomaly screen thresholds applied before accepting a registration.
const (
	// minCanvasConfidence is the lowest acceptable canvas confidence.
	minCanvasConfidence = 50
	// minScreenWidth and minScreenHeight define the smallest plausible
	// interactive display.
	minScreenWidth  = 1024
	minScreenHeight = 768
	// maxCPUCores is the highest plausible reported hardware concurrency.
	maxCPUCores = 32
)

// headlessMarkers identify automation and headless browser user agents.
var headlessMarkers = []string{
	"headless", "phantomjs", "selenium", "puppeteer", "playwright",
}

// ScreenAnomalies returns a warning per failed anomaly screen. An empty
// result means the characteristics look like a real interactive device.
// Any warning caps the initial trust score at AnomalousTrustCap.
func ScreenAnomalies(c Characteristics) []string {
	n := Normalize(c)
	var warnings []string

	if n.Canvas.Confidence < minCanvasConfidence {
		warnings = append(warnings, fmt.Sprintf("canvas confidence %d below %d", n.Canvas.Confidence, minCanvasConfidence))
	}
	if n.WebGL.Renderer == "" {
		warnings = append(warnings, "missing WebGL renderer")
	}
	if n.Screen.Width < minScreenWidth || n.Screen.Height < minScreenHeight {
		warnings = append(warnings, fmt.Sprintf("unusual resolution %dx%d", n.Screen.Width, n.Screen.Height))
	}
	if marker := headlessMarker(n.System.UserAgent); marker != "" {
		warnings = append(warnings, fmt.Sprintf("headless browser marker %q in user agent", marker))
	}
	if n.System.CPUCores > maxCPUCores {
		warnings = append(warnings, fmt.Sprintf("implausible CPU concurrency %d", n.System.CPUCores))
	}

	return warnings
}

func headlessMarker(userAgent string) string {
	for _, marker := range headlessMarkers {
		if strings.Contains(userAgent, marker) {
			return marker
		}
	}
	return ""
}
