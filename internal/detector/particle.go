package detector

import (
	"math"

	"github.com/albinoxes/betl-vision-solution/internal/store"
)

// Particle is one measured detection. Pixel sizes are truncated,
// millimetre sizes derive from the calibrated pixel density and the
// bounding-box correction factor.
type Particle struct {
	Conf      float64
	Box       [4]float64 // x1, y1, x2, y2
	WidthPx   int
	HeightPx  int
	WidthMM   int
	HeightMM  int
	MaxDMM    int
	VolumeEst float64
}

// Measure converts raw boxes into measured particles using the task's
// calibration settings.
func Measure(boxes []Box, set store.DetectorSettings) []Particle {
	particles := make([]Particle, 0, len(boxes))
	for _, b := range boxes {
		widthPx := b.X2 - b.X1
		heightPx := b.Y2 - b.Y1
		widthMM := int(widthPx / set.PixelsPerMM)
		heightMM := int(heightPx / set.PixelsPerMM)
		maxD := int(math.Round(math.Max(float64(widthMM), float64(heightMM)) * set.BBDimensionFactor))
		particles = append(particles, Particle{
			Conf:      b.Conf,
			Box:       [4]float64{b.X1, b.Y1, b.X2, b.Y2},
			WidthPx:   int(widthPx),
			HeightPx:  int(heightPx),
			WidthMM:   widthMM,
			HeightMM:  heightMM,
			MaxDMM:    maxD,
			VolumeEst: set.VolumeX * math.Pow(float64(maxD), set.VolumeExp),
		})
	}
	return particles
}

// Filter keeps the particles whose corrected diameter falls inside the
// inclusive [min, max] window.
func Filter(particles []Particle, minD, maxD float64) []Particle {
	kept := make([]Particle, 0, len(particles))
	for _, p := range particles {
		d := float64(p.MaxDMM)
		if d >= minD && d <= maxD {
			kept = append(kept, p)
		}
	}
	return kept
}
