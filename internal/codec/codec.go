// Package codec converts between the bulb's fixed width ASCII wire frame and
// the colour values the rest of the agent works with. Everything here is pure.
package codec

import (
	"regexp"
	"strconv"
	"strings"
)

const (
	// Width is the exact size of a frame written to the control characteristic.
	Width = 18
	// Filler pads frames on the right.
	Filler = ','

	// DefaultValue is what an unreadable frame decodes to: full white, full brightness.
	DefaultValue = "255,255,255,100"

	// Factory firmware answers with colour temperature commands ("CLTMP 3200,100")
	// instead of an RGBA frame until the first colour has been written.
	legacyOnToken = "CLTMP 3200"
	legacyOnColor = "255,255,255"
)

var (
	rgbaPattern = regexp.MustCompile(`^(\d{1,3}),(\d{1,3}),(\d{1,3}),(\d{1,3})$`)
	rgbPattern  = regexp.MustCompile(`^\s*(\d{1,3})\s*,\s*(\d{1,3})\s*,\s*(\d{1,3})\s*$`)
)

// RGBA holds red, green, blue (0-255) and alpha (0-100) in that order.
type RGBA [4]int

// String renders the value as it travels on the wire, without padding.
func (c RGBA) String() string {
	parts := make([]string, len(c))
	for i, v := range c {
		parts[i] = strconv.Itoa(v)
	}
	return strings.Join(parts, ",")
}

// Strip removes trailing filler from a raw frame.
func Strip(raw []byte) string {
	return strings.TrimRight(string(raw), string(Filler))
}

func substituteLegacy(s string) string {
	return strings.Replace(s, legacyOnToken, legacyOnColor, 1)
}

// Decode returns the usable value held by raw. It never fails: a frame that
// is neither RGBA nor a legacy on/off command decodes to DefaultValue.
func Decode(raw []byte) string {
	s := Strip(raw)
	if rgbaPattern.MatchString(s) {
		return s
	}
	if l := substituteLegacy(s); rgbaPattern.MatchString(l) {
		return l
	}
	return DefaultValue
}

// Encode pads value to Width and truncates anything longer.
func Encode(value string) []byte {
	padded := value + strings.Repeat(string(Filler), Width)
	return []byte(padded[:Width])
}

// ParseRGBA extracts the four channels from raw. ok is false when raw holds
// neither an RGBA frame nor a legacy command.
func ParseRGBA(raw []byte) (c RGBA, ok bool) {
	m := rgbaPattern.FindStringSubmatch(substituteLegacy(Strip(raw)))
	if m == nil {
		return c, false
	}
	for i := range c {
		// groups are at most three digits, Atoi cannot fail
		c[i], _ = strconv.Atoi(m[i+1])
	}
	return c, true
}

// ParseRGB parses an "r,g,b" triple as sent by home automation front ends.
// Ranges are not checked.
func ParseRGB(s string) (r, g, b int, ok bool) {
	m := rgbPattern.FindStringSubmatch(s)
	if m == nil {
		return 0, 0, 0, false
	}
	r, _ = strconv.Atoi(m[1])
	g, _ = strconv.Atoi(m[2])
	b, _ = strconv.Atoi(m[3])
	return r, g, b, true
}

// DecodeRGBA is ParseRGBA with the unparseable case resolved: white, lit or
// dark depending on IsOn.
func DecodeRGBA(raw []byte) RGBA {
	if c, ok := ParseRGBA(raw); ok {
		return c
	}
	alpha := 0
	if IsOn(raw) {
		alpha = 100
	}
	return RGBA{255, 255, 255, alpha}
}

// IsOn is the lexical power heuristic for frames that do not parse. A short
// frame means the bulb did not report a full value and is treated as dark. A
// full frame is lit unless its trailing segment is a zero level (",0").
//
// This can disagree with Decode, which maps every unparseable frame to the lit
// DefaultValue.
func IsOn(raw []byte) bool {
	if len(raw) < Width {
		return false
	}
	s := Strip(raw)
	i := strings.LastIndexByte(s, Filler)
	if i < 0 {
		return true
	}
	level, err := strconv.Atoi(strings.TrimSpace(s[i+1:]))
	if err != nil {
		return true
	}
	return level > 0
}
