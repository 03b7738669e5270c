package tokenizer

import "fmt"

// Reserved token strings.
const (
	TokenEndOfText         = "<|endoftext|>"
	TokenStartOfTranscript = "<|startoftranscript|>"
	TokenTranslate         = "<|translate|>"
	TokenTranscribe        = "<|transcribe|>"
	TokenStartOfLM         = "<|startoflm|>"
	TokenStartOfPrev       = "<|startofprev|>"
	TokenNoSpeech          = "<|nospeech|>"
	TokenNoCaptions        = "<|nocaptions|>"
	TokenNoTimestamps      = "<|notimestamps|>"
)

// TimestampCount is the number of timestamp tokens: 0.00s to 30.00s in
// 0.02s steps.
const TimestampCount = 1501

// TimestampResolution is the duration one timestamp step represents.
const TimestampResolution = 0.02

// Languages lists the language codes Whisper has tags for, in id order.
var Languages = []string{
	"en", "zh", "de", "es", "ru", "ko", "fr", "ja", "pt", "tr", "pl", "ca", "nl",
	"ar", "sv", "it", "id", "hi", "fi", "vi", "he", "uk", "el", "ms", "cs", "ro",
	"da", "hu", "ta", "no", "th", "ur", "hr", "bg", "lt", "la", "mi", "ml", "cy",
	"sk", "te", "fa", "lv", "bn", "sr", "az", "sl", "kn", "et", "mk", "br", "eu",
	"is", "hy", "ne", "mn", "bs", "kk", "sq", "sw", "gl", "mr", "pa", "si", "km",
	"sn", "yo", "so", "af", "oc", "ka", "be", "tg", "sd", "gu", "am", "yi", "lo",
	"uz", "fo", "ht", "ps", "tk", "nn", "mt", "sa", "lb", "my", "bo", "tl", "mg",
	"as", "tt", "haw", "ln", "ha", "ba", "jw", "su", "yue",
}

// LanguageToken returns the tag string for a language code.
func LanguageToken(code string) string {
	return fmt.Sprintf("<|%s|>", code)
}

// SpecialTokens is the single source of truth for reserved ids. Ids that a
// loaded tokenizer does not define are -1.
type SpecialTokens struct {
	EndOfText         int
	StartOfTranscript int
	Translate         int
	Transcribe        int
	StartOfLM         int
	StartOfPrev       int
	NoSpeech          int
	NoTimestamps      int
	TimestampBegin    int

	languages map[string]int
	codes     map[int]string
}

// IsSpecial reports whether id is a control token. Every reserved id sorts
// at or after end-of-text, so ordinary subwords are exactly the ids below it.
func (s *SpecialTokens) IsSpecial(id int) bool {
	return id >= s.EndOfText
}

// Language returns the id of a language tag.
func (s *SpecialTokens) Language(code string) (int, bool) {
	id, ok := s.languages[code]
	return id, ok
}

// LanguageCode returns the language code for a language tag id.
func (s *SpecialTokens) LanguageCode(id int) (string, bool) {
	code, ok := s.codes[id]
	return code, ok
}

// IsTimestamp reports whether id is a timestamp token.
func (s *SpecialTokens) IsTimestamp(id int) bool {
	return s.TimestampBegin >= 0 && id >= s.TimestampBegin && id < s.TimestampBegin+TimestampCount
}

// Timestamp returns the time in seconds a timestamp token encodes.
func (s *SpecialTokens) Timestamp(id int) (float64, bool) {
	if !s.IsTimestamp(id) {
		return 0, false
	}
	return float64(id-s.TimestampBegin) * TimestampResolution, true
}

func resolveSpecials(lookup func(string) (int, bool)) (SpecialTokens, error) {
	get := func(names ...string) int {
		for _, n := range names {
			if id, ok := lookup(n); ok {
				return id
			}
		}
		return -1
	}
	s := SpecialTokens{
		EndOfText:         get(TokenEndOfText),
		StartOfTranscript: get(TokenStartOfTranscript),
		Translate:         get(TokenTranslate),
		Transcribe:        get(TokenTranscribe),
		StartOfLM:         get(TokenStartOfLM),
		StartOfPrev:       get(TokenStartOfPrev),
		NoSpeech:          get(TokenNoSpeech, TokenNoCaptions),
		NoTimestamps:      get(TokenNoTimestamps),
		TimestampBegin:    -1,
		languages:         make(map[string]int),
		codes:             make(map[int]string),
	}
	if s.EndOfText < 0 {
		return s, fmt.Errorf("tokenizer: missing %s", TokenEndOfText)
	}
	if s.StartOfTranscript < 0 {
		return s, fmt.Errorf("tokenizer: missing %s", TokenStartOfTranscript)
	}
	if s.NoTimestamps >= 0 {
		s.TimestampBegin = s.NoTimestamps + 1
	}
	for _, code := range Languages {
		if id, ok := lookup(LanguageToken(code)); ok {
			s.languages[code] = id
			s.codes[id] = code
		}
	}
	return s, nil
}
