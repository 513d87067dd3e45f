package extract

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// Quality is the verdict of Assess.
type Quality struct {
	Low        bool    `json:"low"`
	Reason     string  `json:"reason"`
	Confidence float64 `json:"confidence"`
}

// Reasons reported by Assess.
const (
	ReasonTooShort       = "text_too_short"
	ReasonNonAlphabetic  = "mostly_non_alphabetic"
	ReasonRepetition     = "excessive_character_repetition"
	ReasonShortWords     = "gibberish_short_words"
	ReasonFailurePattern = "ocr_failure_pattern"
	ReasonSpecialChars   = "excessive_special_characters"
	ReasonPassed         = "passed_quality_checks"
)

var failurePatterns = []string{
	"qqqq", "wwww", "eeee", "rrrr", "tttt", "yyyy", // stuck keys
	"asdf", "qwer", "zxcv", // keyboard rows
	"0000", "1111", "2222", "3333",
}

// Assess flags text that looks like an OCR failure rather than a transcription.
// The first matching heuristic wins.
func Assess(text string) Quality {
	if utf8.RuneCountInString(strings.TrimSpace(text)) < 10 {
		return Quality{Low: true, Reason: ReasonTooShort, Confidence: 1.0}
	}

	total := utf8.RuneCountInString(text)
	var alpha, nonSpace, special int
	counts := make(map[rune]int)
	for _, r := range text {
		if r != ' ' {
			nonSpace++
		}
		if unicode.IsLetter(r) {
			alpha++
		}
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			counts[r]++
		} else if !unicode.IsSpace(r) {
			special++
		}
	}

	if nonSpace > 0 && float64(alpha)/float64(nonSpace) < 0.3 {
		return Quality{Low: true, Reason: ReasonNonAlphabetic, Confidence: 0.8}
	}

	maxRepeat := 0
	for _, n := range counts {
		maxRepeat = max(maxRepeat, n)
	}
	if float64(maxRepeat) > float64(total)*0.4 {
		return Quality{Low: true, Reason: ReasonRepetition, Confidence: 0.7}
	}

	if words := strings.Fields(text); len(words) > 0 {
		letters := 0
		for _, w := range words {
			letters += utf8.RuneCountInString(w)
		}
		if float64(letters)/float64(len(words)) < 2.0 {
			return Quality{Low: true, Reason: ReasonShortWords, Confidence: 0.6}
		}
	}

	lower := strings.ToLower(text)
	for _, p := range failurePatterns {
		if strings.Contains(lower, p) {
			return Quality{Low: true, Reason: ReasonFailurePattern, Confidence: 0.9}
		}
	}

	if float64(special)/float64(total) > 0.5 {
		return Quality{Low: true, Reason: ReasonSpecialChars, Confidence: 0.7}
	}

	return Quality{Reason: ReasonPassed, Confidence: 0.8}
}
