package codec

import (
	"math"

	colorful "github.com/lucasb-eyer/go-colorful"
)

// ToColor converts the RGB channels of c. Alpha is not part of the colour.
func ToColor(c RGBA) colorful.Color {
	return colorful.Color{
		R: float64(c[0]) / 255.0,
		G: float64(c[1]) / 255.0,
		B: float64(c[2]) / 255.0,
	}
}

// FromColor builds an RGBA from col, taking alpha verbatim.
func FromColor(col colorful.Color, alpha int) RGBA {
	r, g, b := col.Clamped().RGB255()
	return RGBA{int(r), int(g), int(b), alpha}
}

// RGBToHSB returns hue (0-360) and saturation (0-100) of c. The brightness
// slot is the alpha channel, not the HSV value.
func RGBToHSB(c RGBA) (hue, saturation, brightness int) {
	h, s, _ := ToColor(c).Hsv()
	return int(math.Round(h)) % 360, int(math.Round(s * 100)), c[3]
}

// hueAngle folds hue into [0,360). colorful.Hsv yields black for exactly 360.
func hueAngle(hue int) float64 {
	return float64(((hue % 360) + 360) % 360)
}

// WithHue rotates the hue of c, keeping saturation, value and alpha. 360 is
// the same angle as 0.
func WithHue(c RGBA, hue int) RGBA {
	_, s, v := ToColor(c).Hsv()
	return FromColor(colorful.Hsv(hueAngle(hue), s, v), c[3])
}

// WithSaturation sets the HSV saturation (0-100) of c, keeping hue, value and alpha.
func WithSaturation(c RGBA, saturation int) RGBA {
	h, _, v := ToColor(c).Hsv()
	return FromColor(colorful.Hsv(h, float64(saturation)/100, v), c[3])
}
