package invalidation

import (
	"regexp"
	"strings"
)

// matcher selects keys for a rule or a pattern call. Exactly one of exact
// and re is set.
type matcher struct {
	exact string
	re    *regexp.Regexp
}

// IsGlob reports whether pattern uses glob wildcards.
func IsGlob(pattern string) bool {
	return strings.ContainsAny(pattern, "*?")
}

// GlobToRegexp translates a glob into an anchored expression. "*" matches
// any run of characters, "?" a single character, everything else literally.
func GlobToRegexp(glob string) (*regexp.Regexp, error) {
	var b strings.Builder
	b.WriteByte('^')
	for _, r := range glob {
		switch r {
		case '*':
			b.WriteString(".*")
		case '?':
			b.WriteByte('.')
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	b.WriteByte('$')
	return regexp.Compile(b.String())
}

func compilePattern(pattern string) (matcher, error) {
	if !IsGlob(pattern) {
		return matcher{exact: pattern}, nil
	}
	re, err := GlobToRegexp(pattern)
	if err != nil {
		return matcher{}, err
	}
	return matcher{re: re}, nil
}

func (m matcher) String() string {
	if m.re != nil {
		return m.re.String()
	}
	return m.exact
}
