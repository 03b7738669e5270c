package ws

import (
	"context"
	"encoding/base64"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/obiente/gowhisper/internal/audio"
	apperrors "github.com/obiente/gowhisper/internal/errors"
	"github.com/obiente/gowhisper/internal/tokenizer"
	"github.com/obiente/gowhisper/internal/whisper"
)

type session struct {
	id   string
	srv  *Server
	conn *websocket.Conn

	writeMu sync.Mutex

	mu       sync.Mutex
	engine   whisper.Engine
	language string
	meta     member
	roomID   string
	seq      int

	buf    *sampleBuffer
	cancel context.CancelFunc
	done   chan struct{}
}

func (s *session) send(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

func (s *session) sendError(err error, detail string) {
	msg := errorMessage{Type: "error", Detail: detail}
	if appErr, ok := apperrors.AsAppError(err); ok {
		msg.Code = string(appErr.Code)
		msg.Detail = appErr.Message
	}
	if werr := s.send(msg); werr != nil {
		log.Warn().Err(werr).Str("session", s.id).Msg("ws: failed to send error")
	}
}

func (s *session) currentEngine() whisper.Engine {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.engine
}

// handle processes one client message. It returns false when the session
// should end.
func (s *session) handle(ctx context.Context, msg clientMessage) bool {
	switch msg.Type {
	case msgPing:
		_ = s.send(map[string]any{"type": "pong", "ts": msg.TS})
	case msgStart:
		s.start(msg)
	case msgJoinRoom:
		if msg.RoomID == "" {
			break
		}
		s.mu.Lock()
		if msg.PeerID != "" {
			s.meta.PeerID = msg.PeerID
		}
		if msg.PeerLabel != "" {
			s.meta.PeerLabel = msg.PeerLabel
		}
		meta := s.meta
		prev := s.roomID
		s.roomID = msg.RoomID
		s.mu.Unlock()
		s.srv.rooms.leave(prev, s)
		_ = s.send(map[string]any{"type": "room_joined", "room_id": msg.RoomID, "peer_id": meta.PeerID, "peer_label": meta.PeerLabel})
		s.srv.rooms.join(msg.RoomID, s)
	case msgLeaveRoom:
		s.mu.Lock()
		room := s.roomID
		s.roomID = ""
		s.mu.Unlock()
		s.srv.rooms.leave(room, s)
		_ = s.send(map[string]any{"type": "room_left"})
	case msgChunk:
		s.chunk(ctx, msg)
	case msgStop:
		s.stopWorker()
		_ = s.send(map[string]any{"type": "stopped"})
		return false
	default:
		s.sendError(nil, "unknown message type")
	}
	return true
}

func (s *session) start(msg clientMessage) {
	s.mu.Lock()
	if msg.ChannelID != "" {
		s.meta.ChannelID = msg.ChannelID
	}
	s.mu.Unlock()

	if msg.Language != "" {
		if err := s.setLanguage(msg.Language); err != nil {
			s.sendError(err, "invalid language")
			return
		}
	}
	s.mu.Lock()
	lang := s.language
	s.mu.Unlock()
	log.Info().
		Str("session", s.id).
		Str("channel", msg.ChannelID).
		Str("language", lang).
		Msg("ws: session started")
	_ = s.send(map[string]any{"type": "started", "session_id": s.id, "language": lang})
}

func (s *session) setLanguage(lang string) error {
	next, err := s.srv.engine.WithLanguage(lang)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.engine, s.language = next, lang
	s.mu.Unlock()
	return nil
}

func (s *session) chunk(ctx context.Context, msg clientMessage) {
	if msg.Data == "" {
		return
	}
	raw, err := base64.StdEncoding.DecodeString(msg.Data)
	if err != nil {
		s.sendError(nil, "invalid base64 audio")
		return
	}

	var w audio.Waveform
	if msg.isPCM() {
		pcm, sr, derr := audio.DecodePCM16LEToFloat32(raw, int(asFloat(msg.SampleRate)))
		w, err = audio.Waveform{Samples: pcm, SampleRate: sr, Channels: 1}, derr
	} else {
		w, err = audio.DecodeWAV(raw)
	}
	if err != nil {
		log.Warn().Err(err).Str("session", s.id).Msg("ws: audio decode failed")
		s.sendError(nil, "decode audio failed")
		return
	}
	if w.SampleRate != audio.SampleRate || w.Channels != 1 {
		log.Debug().Int("sr", w.SampleRate).Int("channels", w.Channels).Msg("ws: conforming chunk to 16 kHz mono")
	}
	pcm := audio.Conform(w).Samples

	s.mu.Lock()
	s.seq = msg.Sequence
	s.mu.Unlock()

	if len(pcm) > 0 {
		total := s.buf.append(pcm)
		log.Debug().
			Str("session", s.id).
			Int("chunk_samples", len(pcm)).
			Int("total_samples", total).
			Msg("ws: audio chunk received")
	}
	s.startWorker(ctx)
}

func (s *session) startWorker(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done != nil {
		return
	}
	wctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.work(wctx, s.done)
}

func (s *session) stopWorker() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// work transcribes the trailing context window whenever at least one work
// window of new audio has arrived.
func (s *session) work(ctx context.Context, done chan struct{}) {
	defer close(done)
	log.Info().Str("session", s.id).Msg("ws: transcription worker started")
	defer log.Info().Str("session", s.id).Msg("ws: transcription worker stopped")

	ticker := time.NewTicker(s.srv.pollInterval)
	defer ticker.Stop()

	stable := newStabilizer(s.srv.stableThreshold)
	var fullTranscript string

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		engine := s.currentEngine()
		workWindow, contextSamples := engine.StreamingConfig()
		win := s.buf.pending(contextSamples)
		if win.fresh < workWindow {
			continue
		}

		var (
			segs []tokenizer.Segment
			lang string
		)
		err := engine.Stream(ctx, win.samples, func(seg tokenizer.Segment, l string) {
			segs = append(segs, seg)
			lang = l
		})
		s.buf.advance(win.end)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Warn().Err(err).Str("session", s.id).Msg("ws: stream failed")
			s.sendError(err, "transcription failed")
			continue
		}

		texts := make([]string, 0, len(segs))
		for _, seg := range segs {
			texts = append(texts, seg.Text)
		}
		full := strings.TrimSpace(strings.Join(texts, " "))
		if full == "" {
			continue
		}

		s.mu.Lock()
		if lang == "" {
			lang = s.language
		}
		msg := transcriptMessage{
			Type:      "transcript",
			Text:      delta(fullTranscript, stable.finalized, full),
			FullText:  full,
			Language:  lang,
			Sequence:  s.seq,
			Segments:  segs,
			ChannelID: s.meta.ChannelID,
		}
		room, meta := s.roomID, s.meta
		s.mu.Unlock()
		fullTranscript = full

		if sentence, ok := stable.observe(full); ok {
			msg.IsFinal = true
			msg.Text, msg.FullText = sentence, sentence
			log.Info().Str("session", s.id).Str("final_sentence", sentence).Msg("ws: sentence finalised")
		}
		if err := s.send(msg); err != nil {
			log.Warn().Err(err).Str("session", s.id).Msg("ws: failed to send transcript")
		}
		if room != "" {
			msg.Type = "room_transcript"
			msg.RoomID, msg.PeerID, msg.PeerLabel = room, meta.PeerID, meta.PeerLabel
			s.srv.rooms.broadcast(room, s, msg)
		}
	}
}
