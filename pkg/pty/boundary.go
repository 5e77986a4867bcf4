package pty

import "unicode/utf8"

// maxPending bounds how much output is held back waiting for the rest of a
// rune or escape sequence.
const maxPending = 64

// chunker holds back the tail of a read that would split a UTF-8 rune or an
// ANSI escape sequence and prepends it to the next read.
type chunker struct {
	pending []byte
}

// next returns the part of data (plus anything held back) that is safe to
// emit now. It may return an empty slice.
func (c *chunker) next(data []byte) []byte {
	buf := make([]byte, 0, len(c.pending)+len(data))
	buf = append(buf, c.pending...)
	buf = append(buf, data...)

	cut := safeBoundary(buf)
	if len(buf)-cut > maxPending {
		cut = len(buf)
	}
	c.pending = append(c.pending[:0], buf[cut:]...)
	return buf[:cut]
}

// flush returns whatever is still held back.
func (c *chunker) flush() []byte {
	rest := c.pending
	c.pending = nil
	return rest
}

// safeBoundary returns the length of the longest prefix of data that does not
// end inside a rune or an escape sequence.
func safeBoundary(data []byte) int {
	n := len(data)
	if n == 0 {
		return 0
	}

	cut := n
	for i := n - 1; i >= 0 && i >= n-utf8.UTFMax; i-- {
		if utf8.RuneStart(data[i]) {
			if !utf8.FullRune(data[i:]) {
				cut = i
			}
			break
		}
	}

	if esc := openEscape(data[:cut]); esc >= 0 {
		cut = esc
	}
	return cut
}

// openEscape returns the index of a trailing unterminated escape sequence,
// or -1.
func openEscape(data []byte) int {
	lo := len(data) - maxPending
	if lo < 0 {
		lo = 0
	}
	for i := len(data) - 1; i >= lo; i-- {
		if data[i] != 0x1b {
			continue
		}
		if escapeComplete(data[i:]) {
			return -1
		}
		return i
	}
	return -1
}

func escapeComplete(seq []byte) bool {
	if len(seq) < 2 {
		return false
	}
	switch seq[1] {
	case '[': // CSI ends with a final byte in 0x40-0x7e
		for _, b := range seq[2:] {
			if b >= 0x40 && b <= 0x7e {
				return true
			}
		}
		return false
	case ']': // OSC ends with BEL or ST
		for i := 2; i < len(seq); i++ {
			if seq[i] == 0x07 || hasST(seq, i) {
				return true
			}
		}
		return false
	case 'P', '^', '_':
		for i := 2; i < len(seq); i++ {
			if hasST(seq, i) {
				return true
			}
		}
		return false
	default:
		// ESC ( B and friends carry one intermediate byte
		if seq[1] >= 0x20 && seq[1] <= 0x2f {
			return len(seq) >= 3 && seq[2] >= 0x30 && seq[2] <= 0x7e
		}
		return true
	}
}

func hasST(seq []byte, i int) bool {
	return seq[i] == 0x1b && i+1 < len(seq) && seq[i+1] == '\\'
}
