package tokenizer

// Byte-level BPE works on printable stand-ins for raw bytes: printable
// latin-1 bytes map to themselves, the rest are shifted above U+00FF.
var (
	byteEncoder [256]rune
	byteDecoder = make(map[rune]byte, 256)
)

func init() {
	n := 0
	for b := 0; b < 256; b++ {
		printable := (b >= '!' && b <= '~') || (b >= 0xA1 && b <= 0xAC) || (b >= 0xAE && b <= 0xFF)
		r := rune(b)
		if !printable {
			r = rune(256 + n)
			n++
		}
		byteEncoder[b] = r
		byteDecoder[r] = byte(b)
	}
}

// encodeBytes maps raw bytes to their byte-level unicode symbols.
func encodeBytes(b []byte) []string {
	out := make([]string, len(b))
	for i, c := range b {
		out[i] = string(byteEncoder[c])
	}
	return out
}

// decodeSymbols reverses encodeBytes. Runes outside the table are kept as
// their UTF-8 encoding.
func decodeSymbols(s string) []byte {
	out := make([]byte, 0, len(s))
	for _, r := range s {
		if b, ok := byteDecoder[r]; ok {
			out = append(out, b)
			continue
		}
		out = append(out, string(r)...)
	}
	return out
}
