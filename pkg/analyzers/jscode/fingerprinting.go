package jscode

import (
	"regexp"

	"github.com/exploopio/extrisk/pkg/shared/severity"
)

// FingerprintTechnique groups the API patterns of one browser
// fingerprinting method. A technique is counted once no matter how many
// of its patterns match.
type FingerprintTechnique struct {
	Name     string
	Severity severity.Level
	Points   float64
	Exprs    []string

	res []*regexp.Regexp
}

// DefaultFingerprintTechniques returns the fingerprinting technique table.
// Entropy-harvesting techniques (canvas, WebGL, audio) weigh more than
// passive property reads; none of them is conclusive on its own.
func DefaultFingerprintTechniques() []FingerprintTechnique {
	return []FingerprintTechnique{
		{
			Name:     "canvas",
			Severity: severity.Medium,
			Points:   15,
			Exprs: []string{
				`\.getContext\s*\(\s*["']2d["']`,
				`\.toDataURL\s*\(`,
				`\.getImageData\s*\(`,
			},
		},
		{
			Name:     "webgl",
			Severity: severity.Medium,
			Points:   15,
			Exprs: []string{
				`\.getContext\s*\(\s*["'](?:webgl|experimental-webgl)["']`,
				`UNMASKED_(?:VENDOR|RENDERER)_WEBGL`,
				`\.getSupportedExtensions\s*\(`,
			},
		},
		{
			Name:     "audio",
			Severity: severity.Medium,
			Points:   15,
			Exprs: []string{
				`(?:Audio|OfflineAudio)Context\s*\(`,
				`\.createOscillator\s*\(`,
				`\.createAnalyser\s*\(`,
				`\.getFloatFrequencyData\s*\(`,
			},
		},
		{
			Name:     "behavioral",
			Severity: severity.Medium,
			Points:   10,
			Exprs: []string{
				`performance\.(?:timing|now)`,
				`requestAnimationFrame\s*\(`,
			},
		},
		{
			Name:     "fonts",
			Severity: severity.Low,
			Points:   10,
			Exprs: []string{
				`\.measureText\s*\(`,
				`document\.fonts`,
				`offsetWidth[\s\S]{0,80}offsetHeight`,
			},
		},
		{
			Name:     "screen",
			Severity: severity.Low,
			Points:   5,
			Exprs: []string{
				`screen\.(?:width|height|availWidth|availHeight|colorDepth|pixelDepth)`,
				`devicePixelRatio`,
			},
		},
		{
			Name:     "timezone",
			Severity: severity.Low,
			Points:   5,
			Exprs: []string{
				`\.getTimezoneOffset\s*\(`,
				`Intl\.DateTimeFormat`,
			},
		},
		{
			Name:     "plugins",
			Severity: severity.Low,
			Points:   5,
			Exprs: []string{
				`navigator\.plugins`,
				`navigator\.mimeTypes`,
			},
		},
		{
			Name:     "hardware",
			Severity: severity.Low,
			Points:   5,
			Exprs: []string{
				`navigator\.(?:hardwareConcurrency|deviceMemory|maxTouchPoints)`,
				`\.getBattery\s*\(`,
			},
		},
	}
}

// fingerprintCombos are technique sets whose joint presence indicates
// deliberate device identification rather than incidental API use.
var fingerprintCombos = [][]string{
	{"canvas", "webgl", "audio"},
	{"canvas", "fonts", "screen"},
	{"canvas", "webgl", "behavioral"},
}
