// Package tokenizer implements Whisper's byte-level BPE vocabulary and its
// reserved control tokens.
//
// A Vocabulary is immutable once built and safe for concurrent use. Special
// tokens are resolved once into SpecialTokens; both the decoding loop and
// detokenisation use SpecialTokens.IsSpecial so the reserved set is defined
// in exactly one place.
package tokenizer

import (
	"fmt"
	"math"
	"os"
	"strings"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog/log"

	apperrors "github.com/obiente/gowhisper/internal/errors"
)

// AddedToken is a token outside the BPE merge table.
type AddedToken struct {
	ID      int    `json:"id"`
	Content string `json:"content"`
	Special bool   `json:"special"`
}

// Vocabulary maps between text and token ids.
type Vocabulary struct {
	tokens   []string
	ids      map[string]int
	ranks    map[[2]string]int
	specials SpecialTokens
	size     int
}

// New builds a vocabulary from a BPE table, its merges in priority order and
// the added control tokens.
func New(vocab map[string]int, merges [][2]string, added []AddedToken) (*Vocabulary, error) {
	ids := make(map[string]int, len(vocab)+len(added))
	maxID := -1
	for tok, id := range vocab {
		if id < 0 {
			return nil, fmt.Errorf("tokenizer: negative id %d for %q", id, tok)
		}
		ids[tok] = id
		maxID = max(maxID, id)
	}
	reserved := make(map[string]bool, len(added))
	for _, a := range added {
		ids[a.Content] = a.ID
		maxID = max(maxID, a.ID)
		if a.Special {
			reserved[a.Content] = true
		}
	}

	specials, err := resolveSpecials(func(s string) (int, bool) {
		id, ok := ids[s]
		return id, ok
	})
	if err != nil {
		return nil, err
	}
	for tok, id := range ids {
		if reserved[tok] || tok == TokenEndOfText {
			if id < specials.EndOfText {
				return nil, fmt.Errorf("tokenizer: control token %q (%d) sorts before %s (%d)",
					tok, id, TokenEndOfText, specials.EndOfText)
			}
			continue
		}
		if specials.IsSpecial(id) {
			return nil, fmt.Errorf("tokenizer: subword %q (%d) collides with reserved ids", tok, id)
		}
	}

	tokens := make([]string, maxID+1)
	for tok, id := range ids {
		tokens[id] = tok
	}
	ranks := make(map[[2]string]int, len(merges))
	for i, m := range merges {
		if _, dup := ranks[m]; !dup {
			ranks[m] = i
		}
	}

	size := maxID + 1
	if specials.TimestampBegin >= 0 {
		size = max(size, specials.TimestampBegin+TimestampCount)
	}
	return &Vocabulary{
		tokens:   tokens,
		ids:      ids,
		ranks:    ranks,
		specials: specials,
		size:     size,
	}, nil
}

type tokenizerFile struct {
	AddedTokens []AddedToken `json:"added_tokens"`
	Model       struct {
		Type   string            `json:"type"`
		Vocab  map[string]int    `json:"vocab"`
		Merges []json.RawMessage `json:"merges"`
	} `json:"model"`
}

// LoadFile reads a HuggingFace tokenizer.json with a BPE model. Failures are
// ConfigLoadError: a missing tokenizer is a fatal startup condition.
func LoadFile(path string) (*Vocabulary, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, apperrors.ConfigLoad("tokenizer", err).WithDetail("path", path)
	}
	v, err := Parse(data)
	if err != nil {
		return nil, apperrors.ConfigLoad("tokenizer", err).WithDetail("path", path)
	}
	log.Info().
		Str("path", path).
		Int("size", v.Size()).
		Int("languages", len(v.specials.languages)).
		Msg("tokenizer: vocabulary loaded")
	return v, nil
}

// Parse decodes tokenizer.json contents.
func Parse(data []byte) (*Vocabulary, error) {
	var f tokenizerFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("tokenizer: decode json: %w", err)
	}
	if f.Model.Type != "" && f.Model.Type != "BPE" {
		return nil, fmt.Errorf("tokenizer: unsupported model type %q", f.Model.Type)
	}
	merges := make([][2]string, 0, len(f.Model.Merges))
	for i, raw := range f.Model.Merges {
		m, err := parseMerge(raw)
		if err != nil {
			return nil, fmt.Errorf("tokenizer: merge %d: %w", i, err)
		}
		merges = append(merges, m)
	}
	return New(f.Model.Vocab, merges, f.AddedTokens)
}

// parseMerge accepts both the "a b" and ["a", "b"] merge encodings.
func parseMerge(raw json.RawMessage) ([2]string, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		a, b, ok := strings.Cut(s, " ")
		if !ok {
			return [2]string{}, fmt.Errorf("malformed merge %q", s)
		}
		return [2]string{a, b}, nil
	}
	var pair []string
	if err := json.Unmarshal(raw, &pair); err != nil || len(pair) != 2 {
		return [2]string{}, fmt.Errorf("malformed merge %s", string(raw))
	}
	return [2]string{pair[0], pair[1]}, nil
}

// Size is one past the largest valid token id.
func (v *Vocabulary) Size() int { return v.size }

// Specials returns the reserved token ids.
func (v *Vocabulary) Specials() *SpecialTokens { return &v.specials }

// ID returns the id of an exact token string.
func (v *Vocabulary) ID(token string) (int, bool) {
	id, ok := v.ids[token]
	return id, ok
}

// Token returns the raw string of id, or "" when id has none.
func (v *Vocabulary) Token(id int) string {
	if id < 0 || id >= len(v.tokens) {
		return ""
	}
	return v.tokens[id]
}

// Encode converts text into subword ids. Control-token syntax in text is
// treated as ordinary characters.
func (v *Vocabulary) Encode(text string) ([]int, error) {
	var ids []int
	for _, word := range pretokenize(text) {
		for _, sym := range v.bpe(encodeBytes([]byte(word))) {
			id, ok := v.ids[sym]
			if !ok || v.specials.IsSpecial(id) {
				return nil, fmt.Errorf("tokenizer: %q has no token for %q", word, sym)
			}
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// bpe repeatedly merges the adjacent pair with the best rank.
func (v *Vocabulary) bpe(symbols []string) []string {
	for len(symbols) > 1 {
		best, bestRank := -1, math.MaxInt
		for i := 0; i+1 < len(symbols); i++ {
			if r, ok := v.ranks[[2]string{symbols[i], symbols[i+1]}]; ok && r < bestRank {
				best, bestRank = i, r
			}
		}
		if best < 0 {
			break
		}
		a, b := symbols[best], symbols[best+1]
		merged := make([]string, 0, len(symbols)-1)
		for i := 0; i < len(symbols); i++ {
			if i+1 < len(symbols) && symbols[i] == a && symbols[i+1] == b {
				merged = append(merged, a+b)
				i++
				continue
			}
			merged = append(merged, symbols[i])
		}
		symbols = merged
	}
	return symbols
}

// Decode drops control tokens and turns the remaining ids back into text.
// An id outside the vocabulary fails with UnknownTokenId.
func (v *Vocabulary) Decode(ids []int) (string, error) {
	var sb strings.Builder
	for _, id := range ids {
		if id < 0 || id >= v.size {
			return "", apperrors.UnknownTokenID(id, v.size)
		}
		if v.specials.IsSpecial(id) {
			continue
		}
		tok := v.Token(id)
		if tok == "" {
			return "", apperrors.UnknownTokenID(id, v.size)
		}
		sb.WriteString(tok)
	}
	return strings.ToValidUTF8(string(decodeSymbols(sb.String())), "�"), nil
}

// Segment is a span of text bracketed by timestamp tokens.
type Segment struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

// Segments splits a sequence decoded with timestamps into timed spans.
// Text before the first timestamp starts at 0; text after the last
// timestamp ends at the last timestamp seen.
func (v *Vocabulary) Segments(ids []int) ([]Segment, error) {
	var (
		segs  []Segment
		start float64
		open  []int
		last  float64
	)
	flush := func(end float64) error {
		if len(open) == 0 {
			return nil
		}
		text, err := v.Decode(open)
		if err != nil {
			return err
		}
		if text = strings.TrimSpace(text); text != "" {
			segs = append(segs, Segment{Start: start, End: end, Text: text})
		}
		open = open[:0]
		return nil
	}
	for _, id := range ids {
		if ts, ok := v.specials.Timestamp(id); ok {
			if err := flush(ts); err != nil {
				return nil, err
			}
			start, last = ts, ts
			continue
		}
		open = append(open, id)
	}
	if err := flush(last); err != nil {
		return nil, err
	}
	return segs, nil
}
