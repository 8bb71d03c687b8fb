// Package version implements package version parsing, ordering and the
// constraint language used in dependency, conflict and provision entries.
//
// Versions follow pacman conventions: [epoch:]pkgver[-pkgrel]. Ordering
// compares the epoch numerically, then pkgver and pkgrel segment by segment,
// where numeric segments compare numerically and alphabetic segments
// lexically, and a numeric segment is always newer than an alphabetic one.
package version

import (
	"fmt"
	"strconv"
	"strings"
)

// Version is a parsed package version.
type Version struct {
	Epoch    int
	Upstream string
	Release  string
}

// Parse parses a version string. An empty string is rejected.
func Parse(s string) (Version, error) {
	raw := strings.TrimSpace(s)
	if raw == "" {
		return Version{}, fmt.Errorf("empty version")
	}
	if strings.ContainsAny(raw, " \t<>=,") {
		return Version{}, fmt.Errorf("invalid character in version %q", s)
	}

	var v Version
	if i := strings.IndexByte(raw, ':'); i >= 0 {
		epoch, err := strconv.Atoi(raw[:i])
		if err != nil || epoch < 0 {
			return Version{}, fmt.Errorf("invalid epoch in version %q", s)
		}
		v.Epoch = epoch
		raw = raw[i+1:]
	}
	if i := strings.LastIndexByte(raw, '-'); i >= 0 {
		v.Release = raw[i+1:]
		raw = raw[:i]
		if v.Release == "" {
			return Version{}, fmt.Errorf("empty release in version %q", s)
		}
	}
	if raw == "" {
		return Version{}, fmt.Errorf("empty upstream version in %q", s)
	}
	v.Upstream = raw
	return v, nil
}

// MustParse is like Parse but panics on error. Intended for tests and
// compile-time constants.
func MustParse(s string) Version {
	v, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return v
}

// String renders the version in canonical form.
func (v Version) String() string {
	var sb strings.Builder
	if v.Epoch > 0 {
		sb.WriteString(strconv.Itoa(v.Epoch))
		sb.WriteByte(':')
	}
	sb.WriteString(v.Upstream)
	if v.Release != "" {
		sb.WriteByte('-')
		sb.WriteString(v.Release)
	}
	return sb.String()
}

// IsZero reports whether v is the zero Version.
func (v Version) IsZero() bool {
	return v.Epoch == 0 && v.Upstream == "" && v.Release == ""
}

// Compare returns -1, 0 or 1 when v is older than, equal to or newer than w.
func (v Version) Compare(w Version) int {
	return v.compare(w, true)
}

// compare orders two versions. When withRelease is false the release parts
// are ignored, which is how a comparator written without a pkgrel matches.
func (v Version) compare(w Version, withRelease bool) int {
	if v.Epoch != w.Epoch {
		if v.Epoch < w.Epoch {
			return -1
		}
		return 1
	}
	if c := compareSegments(v.Upstream, w.Upstream); c != 0 {
		return c
	}
	if !withRelease || v.Release == "" || w.Release == "" {
		return 0
	}
	return compareSegments(v.Release, w.Release)
}

// compareSegments implements the rpmvercmp ordering used by pacman.
func compareSegments(a, b string) int {
	if a == b {
		return 0
	}
	for {
		a = strings.TrimLeftFunc(a, isSeparator)
		b = strings.TrimLeftFunc(b, isSeparator)
		if a == "" || b == "" {
			break
		}

		var segA, segB string
		numeric := isDigit(rune(a[0]))
		if numeric {
			segA, a = splitWhile(a, isDigit)
			segB, b = splitWhile(b, isDigit)
		} else {
			segA, a = splitWhile(a, isAlpha)
			segB, b = splitWhile(b, isAlpha)
		}

		// Segment types differ: numeric beats alphabetic.
		if segB == "" {
			if numeric {
				return 1
			}
			return -1
		}

		if numeric {
			segA = strings.TrimLeft(segA, "0")
			segB = strings.TrimLeft(segB, "0")
			if len(segA) != len(segB) {
				if len(segA) < len(segB) {
					return -1
				}
				return 1
			}
		}
		if c := strings.Compare(segA, segB); c != 0 {
			return c
		}
	}

	switch {
	case a == "" && b == "":
		return 0
	case a == "":
		// "1.0" < "1.0.1" but "1.0alpha" < "1.0".
		if isAlpha(rune(b[0])) {
			return 1
		}
		return -1
	default:
		if isAlpha(rune(a[0])) {
			return -1
		}
		return 1
	}
}

func splitWhile(s string, pred func(rune) bool) (string, string) {
	i := 0
	for i < len(s) && pred(rune(s[i])) {
		i++
	}
	return s[:i], s[i:]
}

func isDigit(r rune) bool { return r >= '0' && r <= '9' }

func isAlpha(r rune) bool { return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') }

func isSeparator(r rune) bool { return !isDigit(r) && !isAlpha(r) }

// MarshalText implements encoding.TextMarshaler.
func (v Version) MarshalText() ([]byte, error) {
	return []byte(v.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (v *Version) UnmarshalText(b []byte) error {
	parsed, err := Parse(string(b))
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}
