// Package scrape extracts the credential pair a freshly deployed worker
// generates for itself. The worker's output shape is not contractually
// stable, so extraction is an ordered cascade of independent matchers and
// the first match wins.
package scrape

import "regexp"

// Credentials is the pair the deployed worker's panel is configured with.
type Credentials struct {
	UUID     string
	Password string
}

const uuidPattern = `[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}`

var (
	// UUID as a quoted key/value pair in inline script or config text.
	uuidInline = regexp.MustCompile(`['"]UUID['"]\s*[:=]\s*['"](` + uuidPattern + `)['"]`)
	// UUID as an HTML input value, attribute order either way.
	uuidInputNameFirst  = regexp.MustCompile(`<input[^>]*name=["']UUID["'][^>]*value=["'](` + uuidPattern + `)["']`)
	uuidInputValueFirst = regexp.MustCompile(`<input[^>]*value=["'](` + uuidPattern + `)["'][^>]*name=["']UUID["']`)

	passInline          = regexp.MustCompile(`['"]TR_[Pp][Aa][Ss][Ss]['"]\s*[:=]\s*['"]([A-Za-z0-9\-_.]{6,})['"]`)
	passInputNameFirst  = regexp.MustCompile(`<input[^>]*name=["']TR_[Pp][Aa][Ss][Ss]["'][^>]*value=["']([A-Za-z0-9\-_.]{6,})["']`)
	passInputValueFirst = regexp.MustCompile(`<input[^>]*value=["']([A-Za-z0-9\-_.]{6,})["'][^>]*name=["']TR_[Pp][Aa][Ss][Ss]["']`)
	// Loose label fallback: a known label followed by a bracketed value.
	passLabeled = regexp.MustCompile(`(?:Random Trojan Password|Trojan Password|[Pp]assword)[^\[\]]{0,64}\[\s*([A-Za-z0-9\-_.]{6,})\s*\]`)
)

type matcher func(text string) (string, bool)

func regexMatcher(re *regexp.Regexp) matcher {
	return func(text string) (string, bool) {
		m := re.FindStringSubmatch(text)
		if m == nil {
			return "", false
		}
		return m[1], true
	}
}

var uuidMatchers = []matcher{
	regexMatcher(uuidInline),
	regexMatcher(uuidInputNameFirst),
	regexMatcher(uuidInputValueFirst),
}

var passwordMatchers = []matcher{
	regexMatcher(passInline),
	regexMatcher(passInputNameFirst),
	regexMatcher(passInputValueFirst),
	regexMatcher(passLabeled),
}

func firstMatch(text string, matchers []matcher) (string, bool) {
	for _, m := range matchers {
		if v, ok := m(text); ok {
			return v, true
		}
	}
	return "", false
}

// Extract returns the credential pair found in text. A pair is returned only
// when both halves match; a lone UUID or a lone password is no match at all,
// so callers retry another candidate instead of fabricating the missing half.
func Extract(text string) (Credentials, bool) {
	uuid, ok := firstMatch(text, uuidMatchers)
	if !ok {
		return Credentials{}, false
	}
	pass, ok := firstMatch(text, passwordMatchers)
	if !ok {
		return Credentials{}, false
	}
	return Credentials{UUID: uuid, Password: pass}, true
}
