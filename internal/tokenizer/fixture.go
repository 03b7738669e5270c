package tokenizer

// NewFixture returns a small but complete vocabulary: every byte symbol,
// a handful of merges for "hello world", and the full control-token layout
// (end-of-text at 300, languages en/zh, timestamps from 310). It backs tests
// across packages and tiny demo models.
func NewFixture() *Vocabulary {
	vocab := make(map[string]int, 300)
	for b := 0; b < 256; b++ {
		vocab[string(byteEncoder[b])] = b
	}
	merges := [][2]string{
		{"h", "e"}, {"l", "l"}, {"he", "ll"}, {"hell", "o"},
		{"Ġ", "w"}, {"o", "r"}, {"Ġw", "or"}, {"l", "d"}, {"Ġwor", "ld"},
	}
	next := 256
	for _, m := range merges {
		tok := m[0] + m[1]
		if _, ok := vocab[tok]; !ok {
			vocab[tok] = next
			next++
		}
	}

	added := []AddedToken{
		{ID: 300, Content: TokenEndOfText, Special: true},
		{ID: 301, Content: TokenStartOfTranscript, Special: true},
		{ID: 302, Content: LanguageToken("en"), Special: true},
		{ID: 303, Content: LanguageToken("zh"), Special: true},
		{ID: 304, Content: TokenTranslate, Special: true},
		{ID: 305, Content: TokenTranscribe, Special: true},
		{ID: 306, Content: TokenStartOfLM, Special: true},
		{ID: 307, Content: TokenStartOfPrev, Special: true},
		{ID: 308, Content: TokenNoSpeech, Special: true},
		{ID: 309, Content: TokenNoTimestamps, Special: true},
	}
	v, err := New(vocab, merges, added)
	if err != nil {
		panic(err)
	}
	return v
}
