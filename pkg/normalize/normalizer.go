package normalize

import (
	"regexp"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Bullet replaces list markers in spoken text.
const Bullet = "•"

// maxPasses bounds the fixed-point loop in ToSpeakable.
const maxPasses = 8

var (
	imageRe    = regexp.MustCompile(`!\[[^\]]*\]\([^)]*\)`)
	fenceRe    = regexp.MustCompile("(?s)```.*?```")
	openFence  = regexp.MustCompile("(?s)```.*$")
	inlineRe   = regexp.MustCompile("`[^`\n]*`")
	headingRe  = regexp.MustCompile(`(?m)^[ \t]*#+[ \t]*(.*?)[ \t]*$`)
	bulletRe   = regexp.MustCompile(`(?m)^[ \t]*(?:[-*+]|\d+\.)[ \t]+`)
	linkRe     = regexp.MustCompile(`\[([^\]]*)\]\([^)]*\)`)
	htmlRe     = regexp.MustCompile(`<[^>]*>`)
	emphasisRe = regexp.MustCompile(`(\*\*|__)(.+?)(\*\*|__)`)
	spaceRe    = regexp.MustCompile(`\s+`)
)

// Config configures phrase replacements applied after markup is stripped.
type Config struct {
	Replacements map[string]string
}

type replacement struct {
	re *regexp.Regexp
	to string
}

// Normalizer reduces markdown to speakable plain text.
type Normalizer struct {
	replacements []replacement
}

// New builds a normalizer. A replacement whose target matches any source
// phrase, its own included, is ignored: it could feed another replacement on
// the next pass and repeated normalization would never settle.
func New(cfg Config) *Normalizer {
	keys := make([]string, 0, len(cfg.Replacements))
	for k := range cfg.Replacements {
		if strings.TrimSpace(k) == "" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if len(keys[i]) != len(keys[j]) {
			return len(keys[i]) > len(keys[j])
		}
		return keys[i] < keys[j]
	})
	sources := make([]*regexp.Regexp, len(keys))
	for i, k := range keys {
		sources[i] = phraseRegexp(k)
	}
	n := &Normalizer{}
	for i, k := range keys {
		to := cfg.Replacements[k]
		if matchesAny(sources, to) {
			continue
		}
		n.replacements = append(n.replacements, replacement{re: sources[i], to: to})
	}
	return n
}

func matchesAny(res []*regexp.Regexp, s string) bool {
	for _, re := range res {
		if re.MatchString(s) {
			return true
		}
	}
	return false
}

func (n *Normalizer) Name() string { return "text_normalizer" }

// ToSpeakable strips code, markdown syntax and HTML and collapses whitespace.
// Applying it to its own output returns the output unchanged.
func (n *Normalizer) ToSpeakable(markdown string) string {
	if strings.TrimSpace(markdown) == "" {
		return ""
	}
	s := markdown
	for i := 0; i < maxPasses; i++ {
		next := n.pass(s)
		if next == s {
			break
		}
		s = next
	}
	return s
}

func (n *Normalizer) pass(s string) string {
	s = imageRe.ReplaceAllString(s, " ")
	s = fenceRe.ReplaceAllString(s, " ")
	s = openFence.ReplaceAllString(s, " ")
	s = inlineRe.ReplaceAllString(s, " ")
	s = headingRe.ReplaceAllStringFunc(s, heading)
	s = bulletRe.ReplaceAllString(s, Bullet+" ")
	s = linkRe.ReplaceAllString(s, "$1")
	s = htmlRe.ReplaceAllString(s, " ")
	s = emphasisRe.ReplaceAllString(s, "$2")
	for _, r := range n.replacements {
		s = r.re.ReplaceAllLiteralString(s, r.to)
	}
	s = spaceRe.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}

func heading(line string) string {
	m := headingRe.FindStringSubmatch(line)
	if len(m) < 2 {
		return line
	}
	text := strings.TrimSpace(m[1])
	if text == "" {
		return ""
	}
	if strings.HasSuffix(text, ".") {
		return text + " "
	}
	return text + ". "
}

// phraseRegexp matches phrase case-insensitively, as a whole word where its
// edges are word characters.
func phraseRegexp(phrase string) *regexp.Regexp {
	pattern := regexp.QuoteMeta(phrase)
	if r, _ := utf8.DecodeRuneInString(phrase); isWord(r) {
		pattern = `\b` + pattern
	}
	if r, _ := utf8.DecodeLastRuneInString(phrase); isWord(r) {
		pattern += `\b`
	}
	return regexp.MustCompile(`(?i)` + pattern)
}

func isWord(r rune) bool {
	return r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r)
}
