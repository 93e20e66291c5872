package device

import "math"

// Component weights for the similarity aggregate. They sum to 1.0; the
// aggregate is reported in [0,100].
const (
	weightCanvas = 0.25
	weightWebGL  = 0.20
	weightAudio  = 0.15
	weightScreen = 0.20
	weightSystem = 0.20
)

// screenTolerancePx is the dimension slack that still counts as a partial
// screen match.
const screenTolerancePx = 100

// SimilarityBreakdown holds the per-component similarities in [0,1].
type SimilarityBreakdown struct {
	Canvas float64 `json:"canvas"`
	WebGL  float64 `json:"webgl"`
	Audio  float64 `json:"audio"`
	Screen float64 `json:"screen"`
	System float64 `json:"system"`
}

// Similarity computes the weighted similarity between two characteristic
// sets, in [0,100]. Inputs are normalized before comparison so casing and
// precision noise do not depress scores.
func Similarity(a, b Characteristics) (float64, SimilarityBreakdown) {
	na, nb := Normalize(a), Normalize(b)

	breakdown := SimilarityBreakdown{
		Canvas: equalityScore(na.Canvas.Hash, nb.Canvas.Hash),
		WebGL:  webglSimilarity(na.WebGL, nb.WebGL),
		Audio:  equalityScore(na.Audio.Hash, nb.Audio.Hash),
		Screen: screenSimilarity(na.Screen, nb.Screen),
		System: systemSimilarity(na.System, nb.System),
	}

	score := 100 * (weightCanvas*breakdown.Canvas +
		weightWebGL*breakdown.WebGL +
		weightAudio*breakdown.Audio +
		weightScreen*breakdown.Screen +
		weightSystem*breakdown.System)

	return score, breakdown
}

func equalityScore(a, b string) float64 {
	if a == b && a != "" {
		return 1.0
	}
	return 0.0
}

// webglSimilarity is the fraction of matching fields in
// {renderer, vendor, version}.
func webglSimilarity(a, b WebGLCharacteristics) float64 {
	matches := 0
	if a.Renderer == b.Renderer {
		matches++
	}
	if a.Vendor == b.Vendor {
		matches++
	}
	if a.Version == b.Version {
		matches++
	}
	return float64(matches) / 3.0
}

// screenSimilarity scores exact dimension matches 1.0, matches within
// ±100 px 0.8, everything else 0.
func screenSimilarity(a, b ScreenCharacteristics) float64 {
	if a.Width == b.Width && a.Height == b.Height {
		return 1.0
	}
	if math.Abs(float64(a.Width-b.Width)) <= screenTolerancePx &&
		math.Abs(float64(a.Height-b.Height)) <= screenTolerancePx {
		return 0.8
	}
	return 0.0
}

// systemSimilarity is the fraction of matching fields in
// {platform, language, timezone}.
func systemSimilarity(a, b SystemCharacteristics) float64 {
	matches := 0
	if a.Platform == b.Platform {
		matches++
	}
	if a.Language == b.Language {
		matches++
	}
	if a.Timezone == b.Timezone {
		matches++
	}
	return float64(matches) / 3.0
}
