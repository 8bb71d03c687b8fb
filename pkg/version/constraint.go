package version

import (
	"fmt"
	"regexp"
	"strings"
)

// Op is a comparison operator.
type Op string

const (
	OpEQ Op = "="
	OpGE Op = ">="
	OpGT Op = ">"
	OpLE Op = "<="
	OpLT Op = "<"
)

// namePattern matches valid package and provision names.
var namePattern = regexp.MustCompile(`^[A-Za-z0-9@_+][A-Za-z0-9@._+-]*$`)

// ValidName reports whether s is a valid package name.
func ValidName(s string) bool {
	return namePattern.MatchString(s)
}

// Comparator is a single operator/version pair.
type Comparator struct {
	Op      Op
	Version Version
}

// Matches reports whether v satisfies the comparator. A comparator written
// without a release ignores the candidate's release.
func (c Comparator) Matches(v Version) bool {
	cmp := v.compare(c.Version, c.Version.Release != "")
	switch c.Op {
	case OpEQ:
		return cmp == 0
	case OpGE:
		return cmp >= 0
	case OpGT:
		return cmp > 0
	case OpLE:
		return cmp <= 0
	case OpLT:
		return cmp < 0
	default:
		return false
	}
}

func (c Comparator) String() string {
	return string(c.Op) + c.Version.String()
}

// Range is a conjunction of comparators. The empty range matches every
// version.
type Range []Comparator

// Any is the range that matches every version.
var Any = Range(nil)

// Matches reports whether v satisfies every comparator.
func (r Range) Matches(v Version) bool {
	for _, c := range r {
		if !c.Matches(v) {
			return false
		}
	}
	return true
}

// IsAny reports whether the range is unconstrained.
func (r Range) IsAny() bool {
	return len(r) == 0
}

func (r Range) String() string {
	if len(r) == 0 {
		return "*"
	}
	parts := make([]string, len(r))
	for i, c := range r {
		parts[i] = c.String()
	}
	return strings.Join(parts, ",")
}

// ParseRange parses a range expression: "", "*", "1.0" (exact), "=1.0",
// ">=1.0", or a comma separated conjunction such as ">=1.0,<2.0".
func ParseRange(s string) (Range, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == "*" {
		return Any, nil
	}

	var r Range
	for _, part := range strings.Split(s, ",") {
		part = strings.ReplaceAll(strings.TrimSpace(part), " ", "")
		if part == "" {
			return nil, fmt.Errorf("empty comparator in range %q", s)
		}
		c, err := parseComparator(part)
		if err != nil {
			return nil, fmt.Errorf("range %q: %w", s, err)
		}
		r = append(r, c)
	}
	return r, nil
}

func parseComparator(s string) (Comparator, error) {
	op := OpEQ
	for _, candidate := range []Op{OpGE, OpLE, OpGT, OpLT, OpEQ} {
		if strings.HasPrefix(s, string(candidate)) {
			op = candidate
			s = s[len(candidate):]
			break
		}
	}
	v, err := Parse(s)
	if err != nil {
		return Comparator{}, err
	}
	return Comparator{Op: op, Version: v}, nil
}

// Constraint names a package and the versions of it that are acceptable.
type Constraint struct {
	Name  string
	Range Range
}

// ParseConstraint parses pacman dependency syntax: "name", "name>=1.0",
// "name=1.0-2" or "name>=1.0,<2.0".
func ParseConstraint(s string) (Constraint, error) {
	s = strings.TrimSpace(s)
	i := strings.IndexAny(s, "<>=")
	name, expr := s, ""
	if i >= 0 {
		name, expr = strings.TrimSpace(s[:i]), s[i:]
	}
	if !ValidName(name) {
		return Constraint{}, fmt.Errorf("invalid package name in constraint %q", s)
	}
	r, err := ParseRange(expr)
	if err != nil {
		return Constraint{}, err
	}
	return Constraint{Name: name, Range: r}, nil
}

// MustParseConstraint is like ParseConstraint but panics on error.
func MustParseConstraint(s string) Constraint {
	c, err := ParseConstraint(s)
	if err != nil {
		panic(err)
	}
	return c
}

func (c Constraint) String() string {
	if c.Range.IsAny() {
		return c.Name
	}
	return c.Name + c.Range.String()
}

// Provision is a name a package answers to in addition to its own, with an
// optional version.
type Provision struct {
	Name    string
	Version Version
}

// ParseProvision parses "name" or "name=version".
func ParseProvision(s string) (Provision, error) {
	s = strings.TrimSpace(s)
	name, ver, found := strings.Cut(s, "=")
	if !ValidName(name) {
		return Provision{}, fmt.Errorf("invalid provision name in %q", s)
	}
	p := Provision{Name: name}
	if found {
		v, err := Parse(ver)
		if err != nil {
			return Provision{}, fmt.Errorf("provision %q: %w", s, err)
		}
		p.Version = v
	}
	return p, nil
}

// Satisfies reports whether the provision answers the constraint. An
// unversioned provision only satisfies an unversioned constraint.
func (p Provision) Satisfies(c Constraint) bool {
	if p.Name != c.Name {
		return false
	}
	if c.Range.IsAny() {
		return true
	}
	if p.Version.IsZero() {
		return false
	}
	return c.Range.Matches(p.Version)
}

func (p Provision) String() string {
	if p.Version.IsZero() {
		return p.Name
	}
	return p.Name + "=" + p.Version.String()
}
