package bio

import (
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/width"
)

// Sanitize decodes a byte slice that is nominally ASCII but may contain
// arbitrary bytes (NVMe Identify strings are space-padded ASCII but
// controllers are not required to honor that) through CodePage437 — the
// BIOS-era framebuffer font's native encoding — and narrows any fullwidth
// runes a sys_write caller might pass so they render as a single cell on
// a text-mode console. It never fails: CodePage437 assigns a rune to
// every byte value, so no byte is dropped or replaced. Bytes below 0x80,
// control characters included, pass through unchanged.
func Sanitize(b []byte) string {
	s, err := charmap.CodePage437.NewDecoder().String(string(b))
	if err != nil {
		s = string(b)
	}
	return width.Narrow.String(s)
}
