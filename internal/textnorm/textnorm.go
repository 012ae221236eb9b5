// Package textnorm detects Unicode smuggling in LLM-bound text before the
// pattern layers run: zero-width characters, bidirectional overrides, tag
// characters, unsafe controls, and homoglyphs can all hide instructions from
// review or defeat regex matching. The scanner also produces a sanitized
// copy of the text with the dangerous characters stripped, which the L1
// matcher scans in addition to the raw input.
package textnorm

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/promptwall/promptwall/internal/rules"
)

// Finding is one detected smuggling indicator.
type Finding struct {
	Category    string // "zero-width", "bidi-override", "tag-char", "control-char", "homoglyph", "invalid-utf8"
	Description string
	Position    int // byte offset in the input
	Codepoint   string
	Severity    rules.Severity
}

// Result holds the output of a normalization scan.
type Result struct {
	Clean     bool
	Findings  []Finding
	Sanitized string
}

// Scan inspects text for Unicode smuggling indicators and returns findings
// plus a sanitized copy with dangerous characters removed.
func Scan(input string) Result {
	result := Result{Clean: true}
	var sanitized strings.Builder

	i := 0
	for i < len(input) {
		r, size := utf8.DecodeRuneInString(input[i:])

		if r == utf8.RuneError && size == 1 {
			result.Clean = false
			result.Findings = append(result.Findings, Finding{
				Category:    "invalid-utf8",
				Description: "invalid UTF-8 byte sequence",
				Position:    i,
				Codepoint:   fmt.Sprintf("0x%02X", input[i]),
				Severity:    rules.SeverityHigh,
			})
			i++
			continue
		}

		if f, found := classifyRune(r, i); found {
			result.Clean = false
			result.Findings = append(result.Findings, f)
			i += size
			continue
		}

		sanitized.WriteRune(r)
		i += size
	}

	result.Sanitized = sanitized.String()
	return result
}

// Detections folds the findings into at most one detection per category,
// suitable for the policy engine alongside L1 output.
func (r Result) Detections() []rules.Detection {
	if r.Clean {
		return nil
	}
	byCategory := map[string]*rules.Detection{}
	var order []string
	for _, f := range r.Findings {
		if d, ok := byCategory[f.Category]; ok {
			if f.Severity.Rank() > d.Severity.Rank() {
				d.Severity = f.Severity
			}
			continue
		}
		byCategory[f.Category] = &rules.Detection{
			RuleID:     "unicode-" + f.Category,
			Severity:   f.Severity,
			Confidence: 0.9,
			Layer:      rules.LayerNormalizer,
			Category:   "unicode_smuggling",
		}
		order = append(order, f.Category)
	}
	out := make([]rules.Detection, 0, len(order))
	for _, cat := range order {
		out = append(out, *byCategory[cat])
	}
	return out
}

func classifyRune(r rune, pos int) (Finding, bool) {
	cp := fmt.Sprintf("U+%04X", r)

	if isZeroWidth(r) {
		return Finding{
			Category:    "zero-width",
			Description: fmt.Sprintf("zero-width character %s can hide content from display", cp),
			Position:    pos,
			Codepoint:   cp,
			Severity:    rules.SeverityHigh,
		}, true
	}

	if isBidiOverride(r) {
		return Finding{
			Category:    "bidi-override",
			Description: fmt.Sprintf("bidirectional override %s can make displayed text differ from processed text", cp),
			Position:    pos,
			Codepoint:   cp,
			Severity:    rules.SeverityHigh,
		}, true
	}

	// Unicode tag characters (U+E0001–U+E007F) smuggle hidden metadata.
	if r >= 0xE0001 && r <= 0xE007F {
		return Finding{
			Category:    "tag-char",
			Description: fmt.Sprintf("Unicode tag character %s can smuggle hidden instructions", cp),
			Position:    pos,
			Codepoint:   cp,
			Severity:    rules.SeverityCritical,
		}, true
	}

	if isUnsafeControl(r) {
		return Finding{
			Category:    "control-char",
			Description: fmt.Sprintf("control character %s should not appear in prompt text", cp),
			Position:    pos,
			Codepoint:   cp,
			Severity:    rules.SeverityMedium,
		}, true
	}

	if confusable, ok := homoglyph(r); ok {
		return Finding{
			Category:    "homoglyph",
			Description: fmt.Sprintf("%s looks like Latin '%c', possible homoglyph evasion", cp, confusable),
			Position:    pos,
			Codepoint:   cp,
			Severity:    rules.SeverityLow,
		}, true
	}

	return Finding{}, false
}

func isZeroWidth(r rune) bool {
	switch r {
	case '\u200B', // ZERO WIDTH SPACE
		'\u200C', // ZERO WIDTH NON-JOINER
		'\u200D', // ZERO WIDTH JOINER
		'\uFEFF', // ZERO WIDTH NO-BREAK SPACE (BOM)
		'\u2060', // WORD JOINER
		'\u180E', // MONGOLIAN VOWEL SEPARATOR
		'\u200E', // LEFT-TO-RIGHT MARK
		'\u200F': // RIGHT-TO-LEFT MARK
		return true
	}
	return false
}

func isBidiOverride(r rune) bool {
	switch r {
	case '\u202A', // LEFT-TO-RIGHT EMBEDDING
		'\u202B', // RIGHT-TO-LEFT EMBEDDING
		'\u202C', // POP DIRECTIONAL FORMATTING
		'\u202D', // LEFT-TO-RIGHT OVERRIDE
		'\u202E', // RIGHT-TO-LEFT OVERRIDE
		'\u2066', // LEFT-TO-RIGHT ISOLATE
		'\u2067', // RIGHT-TO-LEFT ISOLATE
		'\u2068', // FIRST STRONG ISOLATE
		'\u2069': // POP DIRECTIONAL ISOLATE
		return true
	}
	return false
}

func isUnsafeControl(r rune) bool {
	if r == '\t' || r == '\n' || r == '\r' {
		return false
	}
	if r <= 0x1F || r == 0x7F {
		return true
	}
	// C1 controls
	if r >= 0x80 && r <= 0x9F {
		return true
	}
	return false
}

func homoglyph(r rune) (rune, bool) {
	if unicode.Is(unicode.Cyrillic, r) {
		if c, ok := cyrillicHomoglyphs[r]; ok {
			return c, true
		}
	}
	if unicode.Is(unicode.Greek, r) {
		if c, ok := greekHomoglyphs[r]; ok {
			return c, true
		}
	}
	return 0, false
}

// Cyrillic characters visually confusable with Latin letters.
var cyrillicHomoglyphs = map[rune]rune{
	'а': 'a', 'А': 'A', 'В': 'B', 'с': 'c', 'С': 'C', 'е': 'e', 'Е': 'E',
	'Н': 'H', 'і': 'i', 'І': 'I', 'К': 'K', 'М': 'M', 'о': 'o', 'О': 'O',
	'р': 'p', 'Р': 'P', 'Т': 'T', 'х': 'x', 'Х': 'X', 'у': 'y', 'У': 'Y',
}

// Greek characters visually confusable with Latin letters.
var greekHomoglyphs = map[rune]rune{
	'Α': 'A', 'Β': 'B', 'Ε': 'E', 'Η': 'H', 'Ι': 'I', 'Κ': 'K', 'Μ': 'M',
	'Ν': 'N', 'Ο': 'O', 'ο': 'o', 'Ρ': 'P', 'Τ': 'T', 'Χ': 'X', 'Υ': 'Y',
	'Ζ': 'Z',
}
