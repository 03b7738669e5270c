package tokenizer

import "unicode"

// pretokenize splits text the way the GPT-2 pattern does:
//
//	's|'t|'re|'ve|'m|'ll|'d| ?\p{L}+| ?\p{N}+| ?[^\s\p{L}\p{N}]+|\s+(?!\S)|\s+
//
// Go's regexp has no lookahead, so the pattern is scanned by hand.
func pretokenize(text string) []string {
	rs := []rune(text)
	n := len(rs)
	var out []string
	i := 0
	for i < n {
		r := rs[i]

		if r == '\'' {
			if l := contractionLen(rs[i+1:]); l > 0 {
				out = append(out, string(rs[i:i+1+l]))
				i += 1 + l
				continue
			}
		}

		start := i
		if r == ' ' && i+1 < n && !unicode.IsSpace(rs[i+1]) {
			i++
			r = rs[i]
		}
		if !unicode.IsSpace(r) {
			class := runeClass(r)
			for i < n && !unicode.IsSpace(rs[i]) && runeClass(rs[i]) == class {
				i++
			}
			out = append(out, string(rs[start:i]))
			continue
		}

		j := i
		for j < n && unicode.IsSpace(rs[j]) {
			j++
		}
		switch {
		case j == n:
			out = append(out, string(rs[i:j]))
			i = j
		case j-i > 1:
			// Leave the last space for the word that follows.
			out = append(out, string(rs[i:j-1]))
			i = j - 1
		default:
			out = append(out, string(rs[i:j]))
			i = j
		}
	}
	return out
}

const (
	classLetter = iota
	classNumber
	classOther
)

func runeClass(r rune) int {
	switch {
	case unicode.IsLetter(r):
		return classLetter
	case unicode.IsNumber(r):
		return classNumber
	default:
		return classOther
	}
}

func contractionLen(rest []rune) int {
	for _, c := range []string{"re", "ve", "ll", "s", "t", "m", "d"} {
		if len(rest) >= len(c) && string(rest[:len(c)]) == c {
			return len(c)
		}
	}
	return 0
}
