package source

import (
	"fmt"
	"runtime"
	"strings"
	"unicode"

	"github.com/google/uuid"
	"golang.org/x/text/unicode/norm"
)

// Platform selects the file-name convention names are sanitized for.
type Platform int

const (
	PlatformPOSIX Platform = iota
	PlatformWindows
	PlatformDarwin
)

func (p Platform) String() string {
	switch p {
	case PlatformWindows:
		return "windows"
	case PlatformDarwin:
		return "darwin"
	default:
		return "posix"
	}
}

// ParsePlatform parses "posix", "windows", "darwin" or "auto" (the host).
func ParsePlatform(s string) (Platform, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "posix", "linux", "unix":
		return PlatformPOSIX, nil
	case "windows":
		return PlatformWindows, nil
	case "darwin", "macos":
		return PlatformDarwin, nil
	case "auto", "":
		return HostPlatform(), nil
	default:
		return 0, fmt.Errorf("invalid platform %q: must be posix, windows, darwin, or auto", s)
	}
}

// HostPlatform returns the convention of the running OS.
func HostPlatform() Platform {
	switch runtime.GOOS {
	case "windows":
		return PlatformWindows
	case "darwin", "ios":
		return PlatformDarwin
	default:
		return PlatformPOSIX
	}
}

// Each table maps characters illegal under a convention to their full-width
// look-alikes. The replacements are themselves legal, which keeps Sanitize
// idempotent.
var (
	posixReplacer = strings.NewReplacer(
		"/", "／",
	)
	darwinReplacer = strings.NewReplacer(
		"/", "／",
		":", "：",
	)
	windowsReplacer = strings.NewReplacer(
		"<", "＜",
		">", "＞",
		":", "：",
		`"`, "＂",
		"/", "／",
		`\`, "＼",
		"|", "｜",
		"?", "？",
		"*", "＊",
	)
)

func replacerFor(p Platform) *strings.Replacer {
	switch p {
	case PlatformWindows:
		return windowsReplacer
	case PlatformDarwin:
		return darwinReplacer
	default:
		return posixReplacer
	}
}

// Sanitize makes name safe under the given convention. Illegal characters
// are swapped for full-width equivalents, control characters are dropped,
// the result is NFC-normalized and surrounding spaces are trimmed (plus
// trailing dots on Windows).
// A name that ends up empty, ".", or ".." is replaced by a random UUID.
// Sanitize(Sanitize(x, p), p) == Sanitize(x, p).
func Sanitize(name string, p Platform) string {
	name = replacerFor(p).Replace(name)

	name = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}

		return r
	}, name)

	// Normalize after dropping control characters so a combining mark
	// separated from its base by one composes on the first pass.
	name = norm.NFC.String(name)
	name = strings.TrimSpace(name)

	if p == PlatformWindows {
		// Any Unicode space, not just ASCII: a dot hiding U+3000 must not
		// leave it for the next pass.
		name = strings.TrimRightFunc(name, func(r rune) bool {
			return r == '.' || unicode.IsSpace(r)
		})
	}

	if name == "" || name == "." || name == ".." {
		return uuid.NewString()
	}

	return name
}
