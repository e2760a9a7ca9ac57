package codec

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodePadsAndTruncates(t *testing.T) {
	tests := []struct {
		name  string
		value string
		want  string
	}{
		{name: "short value is padded", value: "foobar", want: "foobar,,,,,,,,,,,,"},
		{name: "rgba value is padded", value: "12,23,34,45", want: "12,23,34,45,,,,,,,"},
		{name: "long value is cut", value: "foobarfoobarfoobarfoobar", want: "foobarfoobarfoobar"},
		{name: "empty value is all filler", value: "", want: ",,,,,,,,,,,,,,,,,,"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Encode(tt.value)
			assert.Len(t, got, Width)
			assert.Equal(t, tt.want, string(got))
		})
	}
}

func TestDecode(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{name: "valid frame is stripped", raw: "12,34,56,78,,,,,,,", want: "12,34,56,78"},
		{name: "garbage falls back to default", raw: "foobar,,,,", want: DefaultValue},
		{name: "empty buffer falls back to default", raw: "", want: DefaultValue},
		{name: "legacy on command", raw: "CLTMP 3200,100,,,,", want: "255,255,255,100"},
		{name: "legacy off command", raw: "CLTMP 3200,0,,,,,,", want: "255,255,255,0"},
		{name: "five fields are rejected", raw: "1,2,3,4,5", want: DefaultValue},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Decode([]byte(tt.raw)))
		})
	}
}

func TestRoundTripRandomRGBA(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 1000; i++ {
		c := RGBA{rng.Intn(256), rng.Intn(256), rng.Intn(256), rng.Intn(101)}
		raw := Encode(c.String())
		require.Len(t, raw, Width)
		require.Equal(t, c.String(), Decode(raw))

		parsed, ok := ParseRGBA(raw)
		require.True(t, ok)
		require.Equal(t, c, parsed)
	}
}

func TestDecodeRGBAFallback(t *testing.T) {
	// 17 bytes: short frame, dark
	assert.Equal(t, RGBA{255, 255, 255, 0}, DecodeRGBA([]byte("foobarbaz,,,,,,,,")))
	// 18 bytes: full frame, lit
	assert.Equal(t, RGBA{255, 255, 255, 100}, DecodeRGBA([]byte("foobarbaz,,,,,,,,,")))
	assert.Equal(t, RGBA{255, 255, 255, 0}, DecodeRGBA(Encode("CLTMP 3200,0")))
	assert.Equal(t, RGBA{12, 23, 34, 45}, DecodeRGBA([]byte("12,23,34,45,,,,,,,")))
}

func TestPowerHeuristicsMayDisagree(t *testing.T) {
	raw := []byte("foobarbaz,,,,,,,,")

	// Decode always lands on the lit default...
	assert.Equal(t, DefaultValue, Decode(raw))
	// ...while the lexical check reports the same frame as dark.
	assert.False(t, IsOn(raw))
	assert.Equal(t, 0, DecodeRGBA(raw)[3])
}

func TestIsOn(t *testing.T) {
	assert.True(t, IsOn([]byte("foobarbaz,,,,,,,,,")))
	assert.False(t, IsOn([]byte("foobarbaz,,,,,,,,")))
	assert.False(t, IsOn([]byte("MODE 7,0,,,,,,,,,,")))
	assert.True(t, IsOn([]byte("MODE 7,40,,,,,,,,,")))
}

func TestRGBToHSB(t *testing.T) {
	h, s, b := RGBToHSB(RGBA{12, 23, 34, 45})
	assert.Equal(t, 210, h)
	assert.Equal(t, 65, s)
	assert.Equal(t, 45, b)

	h, s, b = RGBToHSB(RGBA{255, 255, 255, 100})
	assert.Equal(t, 0, h)
	assert.Equal(t, 0, s)
	assert.Equal(t, 100, b)
}

func TestWithSaturationKeepsAlpha(t *testing.T) {
	assert.Equal(t, RGBA{255, 140, 140, 100}, WithSaturation(RGBA{255, 255, 255, 100}, 45))
	assert.Equal(t, RGBA{255, 140, 140, 12}, WithSaturation(RGBA{255, 255, 255, 12}, 45))
}

func TestWithHue(t *testing.T) {
	// white has no hue to rotate
	assert.Equal(t, RGBA{255, 255, 255, 100}, WithHue(RGBA{255, 255, 255, 100}, 12))
	assert.Equal(t, RGBA{0, 255, 0, 30}, WithHue(RGBA{255, 0, 0, 30}, 120))
}

func TestWithHueFullTurn(t *testing.T) {
	red := RGBA{255, 0, 0, 40}
	assert.Equal(t, red, WithHue(red, 360))
	assert.Equal(t, WithHue(red, 0), WithHue(red, 360))
	assert.Equal(t, WithHue(red, 120), WithHue(red, 480))
}

func TestParseRGB(t *testing.T) {
	r, g, b, ok := ParseRGB(" 12, 0,255 ")
	assert.True(t, ok)
	assert.Equal(t, []int{12, 0, 255}, []int{r, g, b})

	for _, bad := range []string{"", "1,2", "1,2,3,4", "a,b,c", "1000,0,0"} {
		_, _, _, ok := ParseRGB(bad)
		assert.False(t, ok, bad)
	}
}
