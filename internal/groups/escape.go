package groups

import "strings"

const hexDigits = "0123456789abcdef"

// Escape maps an arbitrary username to a label-safe form: lowercase ASCII
// letters and digits pass through, every other byte becomes "-" followed by
// its two-digit lowercase hex code. The mapping is stable and reversible, so
// distinct usernames never collide after escaping. It matches the escaping
// JupyterHub applies when deriving pod and home-directory names, which is
// what lets the home-directory query join on the escaped label.
func Escape(username string) string {
	var b strings.Builder
	b.Grow(len(username))
	for i := 0; i < len(username); i++ {
		c := username[i]
		if (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9') {
			b.WriteByte(c)
			continue
		}
		b.WriteByte('-')
		b.WriteByte(hexDigits[c>>4])
		b.WriteByte(hexDigits[c&0x0f])
	}
	return b.String()
}
