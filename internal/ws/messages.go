package ws

import (
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/obiente/gowhisper/internal/tokenizer"
)

// Client message types.
const (
	msgPing      = "ping"
	msgStart     = "start"
	msgChunk     = "chunk"
	msgStop      = "stop"
	msgJoinRoom  = "join_room"
	msgLeaveRoom = "leave_room"
)

// clientMessage is the union of every control and chunk frame a client sends.
type clientMessage struct {
	Type string `json:"type"`
	TS   any    `json:"ts,omitempty"`

	// start
	Language  string `json:"language,omitempty"`
	ChannelID string `json:"channel_id,omitempty"`

	// chunk
	Data       string `json:"data,omitempty"`
	MimeType   string `json:"mime_type,omitempty"`
	SampleRate any    `json:"sample_rate,omitempty"`
	Sequence   int    `json:"sequence,omitempty"`

	// rooms
	RoomID    string `json:"room_id,omitempty"`
	PeerID    string `json:"peer_id,omitempty"`
	PeerLabel string `json:"peer_label,omitempty"`
}

func (m clientMessage) isPCM() bool {
	switch m.MimeType {
	case "audio/pcm", "audio/L16", "audio/pcm16":
		return true
	}
	return false
}

type transcriptMessage struct {
	Type      string              `json:"type"`
	RoomID    string              `json:"room_id,omitempty"`
	PeerID    string              `json:"peer_id,omitempty"`
	PeerLabel string              `json:"peer_label,omitempty"`
	ChannelID string              `json:"channel_id,omitempty"`
	Text      string              `json:"text"`
	FullText  string              `json:"fullText"`
	Language  string              `json:"language"`
	IsFinal   bool                `json:"isFinal"`
	Sequence  int                 `json:"sequence"`
	Segments  []tokenizer.Segment `json:"segments,omitempty"`
}

type errorMessage struct {
	Type   string `json:"type"`
	Code   string `json:"code,omitempty"`
	Detail string `json:"detail"`
}

type member struct {
	PeerID    string `json:"peer_id"`
	PeerLabel string `json:"peer_label"`
	ChannelID string `json:"channel_id"`
}

// asFloat accepts numbers and numeric strings, as browsers send both.
func asFloat(v any) float64 {
	switch x := v.(type) {
	case float64:
		return x
	case string:
		f, _ := strconv.ParseFloat(strings.TrimSpace(x), 64)
		return f
	default:
		return 0
	}
}

// delta is the text in full that the client has not seen yet.
func delta(prevFull, finalized, full string) string {
	switch {
	case prevFull != "" && strings.HasPrefix(full, prevFull):
		return strings.TrimSpace(strings.TrimPrefix(full, prevFull))
	case finalized != "" && strings.HasPrefix(full, finalized):
		return strings.TrimSpace(strings.TrimPrefix(full, finalized))
	default:
		return full
	}
}

var sentenceEndings = ".!?。！？♪*])"

// stabilizer marks the last complete sentence final once it has come back
// unchanged from consecutive passes.
type stabilizer struct {
	threshold int
	last      string
	count     int
	finalized string
}

func newStabilizer(threshold int) *stabilizer {
	return &stabilizer{threshold: max(threshold, 1)}
}

// observe feeds one pass of full text and returns the sentence to finalise,
// if any.
func (s *stabilizer) observe(full string) (string, bool) {
	end := strings.LastIndexAny(full, sentenceEndings)
	if end < 0 {
		s.last, s.count = "", 0
		return "", false
	}
	_, size := utf8.DecodeRuneInString(full[end:])
	sentence := full[:end+size]
	if sentence == s.finalized {
		return "", false
	}
	if sentence == s.last {
		s.count++
	} else {
		s.last, s.count = sentence, 1
	}
	if s.count < s.threshold {
		return "", false
	}
	s.finalized = sentence
	s.last, s.count = "", 0
	return sentence, true
}
