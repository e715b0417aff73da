package util

import (
	"path"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

const maxFilenameLen = 255

// MaxFilenameInput bounds a client-supplied filename before it is sanitised.
const MaxFilenameInput = 4096

// SanitizeFilename NFC-normalises name, strips any directory part and
// control characters, and bounds its length. It returns "" when nothing
// usable is left.
func SanitizeFilename(name string) string {
	name = norm.NFC.String(name)
	name = strings.ReplaceAll(name, `\`, "/")
	name = path.Base(strings.TrimSpace(name))
	if name == "." || name == "/" || name == ".." {
		return ""
	}
	name = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) || r == '"' {
			return -1
		}
		return r
	}, name)
	if len(name) > maxFilenameLen {
		cut := maxFilenameLen
		for cut > 0 && !utf8.RuneStart(name[cut]) {
			cut--
		}
		name = name[:cut]
	}
	return strings.TrimSpace(name)
}

// ASCIIFilename is the fallback for the plain filename= parameter of
// Content-Disposition.
func ASCIIFilename(name string) string {
	decomposed := norm.NFKD.String(name)
	var b strings.Builder
	for _, r := range decomposed {
		switch {
		case r > unicode.MaxASCII:
			if !unicode.Is(unicode.Mn, r) {
				b.WriteRune('_')
			}
		case r < 0x20 || r == '"' || r == '\\':
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}
