package speech

import "strings"

// SplitSentences breaks a block into sentence-sized pieces for incremental
// synthesis. Pieces shorter than minLen are merged into the following one so
// that "Hi." or "1." never become their own unit.
func SplitSentences(text string, minLen int) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if minLen <= 0 {
		minLen = 8
	}
	var (
		out []string
		sb  strings.Builder
	)
	runes := []rune(text)
	for i, r := range runes {
		sb.WriteRune(r)
		next := rune(0)
		if i+1 < len(runes) {
			next = runes[i+1]
		}
		if !eosDetected(sb.String(), next) {
			continue
		}
		piece := strings.TrimSpace(sb.String())
		if len(piece) >= minLen {
			out = append(out, piece)
			sb.Reset()
		}
	}
	if rest := strings.TrimSpace(sb.String()); rest != "" {
		if len(rest) < minLen && len(out) > 0 {
			out[len(out)-1] += " " + rest
		} else {
			out = append(out, rest)
		}
	}
	return out
}

// eosDetected reports a sentence end: terminal punctuation or a newline
// followed by whitespace or the end of input.
func eosDetected(s string, next rune) bool {
	t := strings.TrimRight(s, " ")
	if t == "" {
		return false
	}
	if next != 0 && next != ' ' && next != '\n' && next != '\t' {
		return false
	}
	if strings.HasSuffix(t, "...") {
		return len(t) >= 12
	}
	last := t[len(t)-1]
	return last == '.' || last == '!' || last == '?' || last == '\n'
}
