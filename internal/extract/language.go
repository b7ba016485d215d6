package extract

import (
	"strings"

	"github.com/pemistahl/lingua-go"
)

// minDetectRunes is the shortest text worth running detection on.
const minDetectRunes = 40

// DefaultLanguages are detected when no list is configured.
var DefaultLanguages = []string{"en", "fr", "de", "es", "it", "pt", "nl"}

// Detector guesses the ISO 639-1 language of captured text.
type Detector struct {
	detector lingua.LanguageDetector
}

// NewDetector builds a detector limited to the given ISO 639-1 codes.
// Unknown codes are ignored; fewer than two known codes yield nil.
func NewDetector(codes []string) *Detector {
	if len(codes) == 0 {
		codes = DefaultLanguages
	}
	langs := make([]lingua.Language, 0, len(codes))
	for _, code := range codes {
		lang := lingua.GetLanguageFromIsoCode639_1(lingua.GetIsoCode639_1FromValue(strings.ToUpper(code)))
		if lang != lingua.Unknown {
			langs = append(langs, lang)
		}
	}
	if len(langs) < 2 {
		return nil
	}
	return &Detector{
		detector: lingua.NewLanguageDetectorBuilder().
			FromLanguages(langs...).
			WithLowAccuracyMode().
			Build(),
	}
}

// Detect returns a lowercase ISO 639-1 code or "" when unsure.
func (d *Detector) Detect(text string) string {
	if d == nil || len([]rune(strings.TrimSpace(text))) < minDetectRunes {
		return ""
	}
	lang, ok := d.detector.DetectLanguageOf(text)
	if !ok {
		return ""
	}
	return strings.ToLower(lang.IsoCode639_1().String())
}
