package ws

import (
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"github.com/obiente/gowhisper/internal/decoding"
	"github.com/obiente/gowhisper/internal/model"
	"github.com/obiente/gowhisper/internal/tensor"
	"github.com/obiente/gowhisper/internal/tokenizer"
	"github.com/obiente/gowhisper/internal/whisper"
)

func newTestEngine(t *testing.T) whisper.Engine {
	t.Helper()
	be := tensor.NewCPU()
	m, err := model.NewFixtureModel(be, 259)
	if err != nil {
		t.Fatalf("model: %v", err)
	}
	tr, err := whisper.NewTranscriber(m, tokenizer.NewFixture(), be, decoding.Options{Language: "en"})
	if err != nil {
		t.Fatalf("transcriber: %v", err)
	}
	return whisper.NewNativeEngine(tr, 800, 1280)
}

func dial(t *testing.T, srv *Server) *websocket.Conn {
	t.Helper()
	ts := httptest.NewServer(http.HandlerFunc(srv.Handle))
	t.Cleanup(ts.Close)
	url := "ws" + strings.TrimPrefix(ts.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("write: %v", err)
	}
}

// readUntil skips messages until one of type typ arrives.
func readUntil(t *testing.T, conn *websocket.Conn, typ string) map[string]any {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("waiting for %s: %v", typ, err)
		}
		var msg map[string]any
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatalf("decode %s: %v", data, err)
		}
		if msg["type"] == typ {
			return msg
		}
	}
}

func pcmChunk(samples int) string {
	return base64.StdEncoding.EncodeToString(make([]byte, 2*samples))
}

func TestHandle_ControlMessages(t *testing.T) {
	conn := dial(t, NewServer(newTestEngine(t)))

	send(t, conn, map[string]any{"type": "ping", "ts": 5})
	if pong := readUntil(t, conn, "pong"); pong["ts"] != float64(5) {
		t.Errorf("expected ts 5, got %v", pong["ts"])
	}

	send(t, conn, map[string]any{"type": "bogus"})
	if msg := readUntil(t, conn, "error"); msg["detail"] != "unknown message type" {
		t.Errorf("unexpected error %v", msg)
	}

	if err := conn.WriteMessage(websocket.TextMessage, []byte("{not json")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if msg := readUntil(t, conn, "error"); msg["detail"] != "invalid json" {
		t.Errorf("unexpected error %v", msg)
	}

	send(t, conn, map[string]any{"type": "start", "language": "zh"})
	started := readUntil(t, conn, "started")
	if started["language"] != "zh" || started["session_id"] == "" {
		t.Errorf("unexpected start ack %v", started)
	}

	send(t, conn, map[string]any{"type": "start", "language": "klingon"})
	if msg := readUntil(t, conn, "error"); msg["code"] != "INVALID_INPUT" {
		t.Errorf("expected INVALID_INPUT, got %v", msg)
	}

	send(t, conn, map[string]any{"type": "chunk", "data": "%%%"})
	if msg := readUntil(t, conn, "error"); msg["detail"] != "invalid base64 audio" {
		t.Errorf("unexpected error %v", msg)
	}

	send(t, conn, map[string]any{"type": "stop"})
	readUntil(t, conn, "stopped")
}

func TestHandle_LanguageIsPerSession(t *testing.T) {
	srv := NewServer(newTestEngine(t), WithPollInterval(5*time.Millisecond))
	zh, en := dial(t, srv), dial(t, srv)

	send(t, zh, map[string]any{"type": "start", "language": "zh"})
	readUntil(t, zh, "started")
	send(t, en, map[string]any{"type": "start"})
	if started := readUntil(t, en, "started"); started["language"] == "zh" {
		t.Errorf("expected the second session to keep its language, got %v", started)
	}

	for conn, want := range map[*websocket.Conn]string{zh: "zh", en: "en"} {
		send(t, conn, map[string]any{"type": "chunk", "mime_type": "audio/pcm16", "data": pcmChunk(1600)})
		if msg := readUntil(t, conn, "transcript"); msg["language"] != want {
			t.Errorf("expected language %s, got %v", want, msg["language"])
		}
	}
}

func TestHandle_StreamsTranscript(t *testing.T) {
	conn := dial(t, NewServer(newTestEngine(t), WithPollInterval(5*time.Millisecond)))

	send(t, conn, map[string]any{
		"type":        "chunk",
		"mime_type":   "audio/pcm16",
		"sample_rate": "16000",
		"sequence":    3,
		"data":        pcmChunk(1600),
	})
	msg := readUntil(t, conn, "transcript")
	if msg["fullText"] != "hellohellohellohello" {
		t.Errorf("unexpected transcript %v", msg)
	}
	if msg["text"] != msg["fullText"] {
		t.Errorf("expected first delta to be the full text, got %v", msg["text"])
	}
	if msg["language"] != "en" || msg["sequence"] != float64(3) || msg["isFinal"] != false {
		t.Errorf("unexpected transcript fields %v", msg)
	}

	send(t, conn, map[string]any{"type": "stop"})
	readUntil(t, conn, "stopped")
}

func TestHandle_RoomBroadcast(t *testing.T) {
	srv := NewServer(newTestEngine(t), WithPollInterval(5*time.Millisecond))
	speaker := dial(t, srv)
	listener := dial(t, srv)

	send(t, listener, map[string]any{"type": "join_room", "room_id": "r1", "peer_id": "listener"})
	readUntil(t, listener, "room_joined")
	send(t, speaker, map[string]any{"type": "join_room", "room_id": "r1", "peer_id": "speaker", "peer_label": "Ana"})
	joined := readUntil(t, speaker, "room_joined")
	if joined["peer_label"] != "Ana" {
		t.Errorf("unexpected join ack %v", joined)
	}

	send(t, speaker, map[string]any{"type": "chunk", "mime_type": "audio/pcm", "data": pcmChunk(1600)})
	msg := readUntil(t, listener, "room_transcript")
	if msg["room_id"] != "r1" || msg["peer_id"] != "speaker" || msg["fullText"] != "hellohellohellohello" {
		t.Errorf("unexpected room transcript %v", msg)
	}
}

func TestStabilizer(t *testing.T) {
	s := newStabilizer(2)
	if _, ok := s.observe("Hello there. and"); ok {
		t.Fatal("expected no final after one pass")
	}
	got, ok := s.observe("Hello there. and then")
	if !ok || got != "Hello there." {
		t.Fatalf("expected %q final, got %q %v", "Hello there.", got, ok)
	}
	if _, ok := s.observe("Hello there. and then"); ok {
		t.Error("expected finalised sentence not to repeat")
	}
	if _, ok := s.observe("no ending"); ok {
		t.Error("expected no final without a sentence ending")
	}
	if got, _ := newStabilizer(1).observe("你好。世界"); got != "你好。" {
		t.Errorf("expected multibyte ending kept, got %q", got)
	}
}

func TestDelta(t *testing.T) {
	tests := []struct {
		name, prev, finalized, full, want string
	}{
		{"first pass", "", "", "hello", "hello"},
		{"extends previous", "hello", "", "hello world", "world"},
		{"after final", "hi there", "Hello.", "Hello. again", "again"},
		{"rewritten", "hello", "", "jello", "jello"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := delta(tt.prev, tt.finalized, tt.full); got != tt.want {
				t.Errorf("expected %q, got %q", tt.want, got)
			}
		})
	}
}

func TestSampleBuffer(t *testing.T) {
	b := &sampleBuffer{limit: 10, discard: 4}
	b.append(make([]float32, 6))
	win := b.pending(100)
	if len(win.samples) != 6 || win.fresh != 6 {
		t.Fatalf("expected 6/6, got %d/%d", len(win.samples), win.fresh)
	}
	b.advance(win.end)
	if total := b.append(make([]float32, 6)); total != 8 {
		t.Errorf("expected 8 samples after trimming, got %d", total)
	}
	win = b.pending(5)
	if len(win.samples) != 5 || win.fresh != 6 {
		t.Errorf("expected 5/6, got %d/%d", len(win.samples), win.fresh)
	}
	b.advance(win.end)
	if win := b.pending(5); win.fresh != 0 {
		t.Errorf("expected nothing pending, got %d", win.fresh)
	}
}

func TestSampleBuffer_TrimBetweenPendingAndAdvance(t *testing.T) {
	b := &sampleBuffer{limit: 10, discard: 4}
	b.append(make([]float32, 8))
	win := b.pending(100)
	if win.fresh != 8 {
		t.Fatalf("expected 8 fresh, got %d", win.fresh)
	}

	// Audio arriving while the window is transcribed trims the front.
	b.append(make([]float32, 3))
	b.advance(win.end)

	if got := b.pending(100); got.fresh != 3 {
		t.Errorf("expected the 3 new samples pending, got %d", got.fresh)
	}
}

func TestAsFloat(t *testing.T) {
	tests := []struct {
		in   any
		want float64
	}{
		{float64(8000), 8000},
		{" 44100 ", 44100},
		{"abc", 0},
		{nil, 0},
	}
	for _, tt := range tests {
		if got := asFloat(tt.in); got != tt.want {
			t.Errorf("asFloat(%v): expected %g, got %g", tt.in, tt.want, got)
		}
	}
}
