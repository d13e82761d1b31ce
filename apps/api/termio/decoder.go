// Package termio converts raw terminal bytes into text chunks for the event
// stream.
package termio

import (
	"strings"
	"unicode/utf8"
)

// Decoder turns a byte stream into valid UTF-8 text chunks. Invalid sequences
// are replaced with U+FFFD and never fail the stream. A multi-byte sequence
// split across two reads is held back until its remaining bytes arrive instead
// of being replaced.
//
// A Decoder is owned by a single reader and is not safe for concurrent use.
type Decoder struct {
	pending []byte
}

// Decode returns the text for p plus any bytes held back from the previous call.
func (d *Decoder) Decode(p []byte) string {
	buf := make([]byte, 0, len(d.pending)+len(p))
	buf = append(buf, d.pending...)
	buf = append(buf, p...)

	cut := incompleteSuffix(buf)
	out := strings.ToValidUTF8(string(buf[:cut]), string(utf8.RuneError))
	d.pending = append(d.pending[:0], buf[cut:]...)
	return out
}

// Flush returns whatever is still held back, replacing it if incomplete.
func (d *Decoder) Flush() string {
	if len(d.pending) == 0 {
		return ""
	}
	out := strings.ToValidUTF8(string(d.pending), string(utf8.RuneError))
	d.pending = d.pending[:0]
	return out
}

// incompleteSuffix returns the index where a trailing, not yet complete UTF-8
// sequence starts, or len(b) when b ends on a rune boundary.
func incompleteSuffix(b []byte) int {
	for i := len(b) - 1; i >= 0 && i >= len(b)-utf8.UTFMax; i-- {
		if utf8.RuneStart(b[i]) {
			if !utf8.FullRune(b[i:]) {
				return i
			}
			break
		}
	}
	return len(b)
}
