package core

import (
	"sync"

	"bolt-controller/internal/codec"

	colorful "github.com/lucasb-eyer/go-colorful"
)

// Field names used in ValidationError.
const (
	FieldRed        = "red"
	FieldGreen      = "green"
	FieldBlue       = "blue"
	FieldAlpha      = "alpha / brightness"
	FieldHue        = "hue"
	FieldSaturation = "saturation"
)

const (
	maxChannel = 255
	maxLevel   = 100
	maxHue     = 360
)

// State holds the last known wire frame of one bulb. Every colour property is
// derived from that frame on read; setters rewrite it through the codec.
type State struct {
	mu     sync.RWMutex
	buffer []byte

	// alpha to restore on SetPower(true); zero means none remembered
	lastAlpha int
}

// NewState creates a State with an empty frame.
func NewState() *State {
	return &State{buffer: []byte{}}
}

// Buffer returns a copy of the raw frame.
func (s *State) Buffer() []byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]byte(nil), s.buffer...)
}

// SetBuffer stores a frame as read from the device. It is kept verbatim,
// whatever its length.
func (s *State) SetBuffer(raw []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buffer = append([]byte(nil), raw...)
}

// Value is the decoded frame.
func (s *State) Value() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return codec.Decode(s.buffer)
}

// SetValue encodes value into a full width frame.
func (s *State) SetValue(value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buffer = codec.Encode(value)
}

// RGBA returns the four channels of the frame.
func (s *State) RGBA() codec.RGBA {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return codec.DecodeRGBA(s.buffer)
}

// SetRGBA validates every channel before writing any of them.
func (s *State) SetRGBA(c codec.RGBA) error {
	if err := validateRGBA(c); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writeRGBA(c)
	return nil
}

func validateRGBA(c codec.RGBA) error {
	if err := validate(FieldRed, c[0], maxChannel); err != nil {
		return err
	}
	if err := validate(FieldGreen, c[1], maxChannel); err != nil {
		return err
	}
	if err := validate(FieldBlue, c[2], maxChannel); err != nil {
		return err
	}
	return validate(FieldAlpha, c[3], maxLevel)
}

// writeRGBA requires the write lock.
func (s *State) writeRGBA(c codec.RGBA) {
	s.buffer = codec.Encode(c.String())
}

// setChannel is the read-modify-write behind the single channel setters.
func (s *State) setChannel(i int, field string, value, max int) error {
	if err := validate(field, value, max); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c := codec.DecodeRGBA(s.buffer)
	c[i] = value
	s.writeRGBA(c)
	return nil
}

func (s *State) Red() int   { return s.RGBA()[0] }
func (s *State) Green() int { return s.RGBA()[1] }
func (s *State) Blue() int  { return s.RGBA()[2] }
func (s *State) Alpha() int { return s.RGBA()[3] }

func (s *State) SetRed(v int) error   { return s.setChannel(0, FieldRed, v, maxChannel) }
func (s *State) SetGreen(v int) error { return s.setChannel(1, FieldGreen, v, maxChannel) }
func (s *State) SetBlue(v int) error  { return s.setChannel(2, FieldBlue, v, maxChannel) }
func (s *State) SetAlpha(v int) error { return s.setChannel(3, FieldAlpha, v, maxLevel) }

// Color returns the RGB part of the frame.
func (s *State) Color() colorful.Color {
	return codec.ToColor(s.RGBA())
}

// SetColor replaces the RGB channels with col. The current alpha is kept so
// brightness survives colour edits; use SetRGBA to change both at once.
func (s *State) SetColor(col colorful.Color) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := codec.FromColor(col, codec.DecodeRGBA(s.buffer)[3])
	if err := validateRGBA(c); err != nil {
		return err
	}
	s.writeRGBA(c)
	return nil
}

// Hue is the HSV hue of the RGB channels, 0-360.
func (s *State) Hue() int {
	h, _, _ := codec.RGBToHSB(s.RGBA())
	return h
}

// SetHue rotates the colour. Alpha is rewritten unchanged.
func (s *State) SetHue(hue int) error {
	if err := validate(FieldHue, hue, maxHue); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writeRGBA(codec.WithHue(codec.DecodeRGBA(s.buffer), hue))
	return nil
}

// Saturation is the HSV saturation of the RGB channels, 0-100.
func (s *State) Saturation() int {
	_, sat, _ := codec.RGBToHSB(s.RGBA())
	return sat
}

// SetSaturation changes the HSV saturation. Alpha is rewritten unchanged.
func (s *State) SetSaturation(saturation int) error {
	if err := validate(FieldSaturation, saturation, maxLevel); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writeRGBA(codec.WithSaturation(codec.DecodeRGBA(s.buffer), saturation))
	return nil
}

// Brightness is the alpha channel.
func (s *State) Brightness() int { return s.Alpha() }

// SetBrightness only touches the alpha channel.
func (s *State) SetBrightness(v int) error { return s.SetAlpha(v) }

// HSB returns hue, saturation and brightness.
func (s *State) HSB() [3]int {
	h, sat, b := codec.RGBToHSB(s.RGBA())
	return [3]int{h, sat, b}
}

// SetHSB validates all three components, then applies hue, saturation and
// brightness in that order as individual edits.
func (s *State) SetHSB(hsb [3]int) error {
	if err := validate(FieldHue, hsb[0], maxHue); err != nil {
		return err
	}
	if err := validate(FieldSaturation, hsb[1], maxLevel); err != nil {
		return err
	}
	if err := validate(FieldAlpha, hsb[2], maxLevel); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c := codec.WithHue(codec.DecodeRGBA(s.buffer), hsb[0])
	c = codec.WithSaturation(c, hsb[1])
	c[3] = hsb[2]
	s.writeRGBA(c)
	return nil
}

// Power reports whether the bulb is lit, i.e. alpha > 0.
func (s *State) Power() bool {
	return s.Alpha() > 0
}

// SetPower turns the bulb off by zeroing alpha, remembering the previous
// level, and back on by restoring it (full level when nothing is remembered).
func (s *State) SetPower(on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := codec.DecodeRGBA(s.buffer)
	switch {
	case !on && c[3] > 0:
		s.lastAlpha = c[3]
		c[3] = 0
	case on && c[3] == 0:
		c[3] = maxLevel
		if s.lastAlpha > 0 {
			c[3] = s.lastAlpha
		}
	}
	s.writeRGBA(c)
}

// Snapshot is a point in time copy of the derived values, used for events.
type Snapshot struct {
	Value      string     `json:"value"`
	RGBA       codec.RGBA `json:"rgba"`
	Hue        int        `json:"hue"`
	Saturation int        `json:"saturation"`
	Brightness int        `json:"brightness"`
	On         bool       `json:"on"`
}

// Clone returns a Snapshot of the current frame.
func (s *State) Clone() Snapshot {
	s.mu.RLock()
	raw := append([]byte(nil), s.buffer...)
	s.mu.RUnlock()

	c := codec.DecodeRGBA(raw)
	h, sat, b := codec.RGBToHSB(c)
	return Snapshot{
		Value:      codec.Decode(raw),
		RGBA:       c,
		Hue:        h,
		Saturation: sat,
		Brightness: b,
		On:         c[3] > 0,
	}
}
