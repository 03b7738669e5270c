// Package ws serves streaming transcription over websockets. Clients send
// base64 audio chunks; a per-session worker re-transcribes the trailing
// context window and pushes transcript deltas back.
package ws

import (
	"net/http"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/obiente/gowhisper/internal/whisper"
)

const (
	readWait  = 60 * time.Second
	writeWait = 10 * time.Second
)

type Server struct {
	engine   whisper.Engine
	upgrader websocket.Upgrader
	rooms    *rooms

	pollInterval    time.Duration
	stableThreshold int
}

// Option customises a Server.
type Option func(*Server)

// WithPollInterval sets how often session workers look for new audio.
func WithPollInterval(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.pollInterval = d
		}
	}
}

// WithStableThreshold sets how many identical passes finalise a sentence.
func WithStableThreshold(n int) Option {
	return func(s *Server) {
		if n > 0 {
			s.stableThreshold = n
		}
	}
}

func NewServer(engine whisper.Engine, opts ...Option) *Server {
	s := &Server{
		engine: engine,
		upgrader: websocket.Upgrader{
			CheckOrigin:     func(r *http.Request) bool { return true },
			ReadBufferSize:  1024 * 16,
			WriteBufferSize: 1024 * 16,
		},
		rooms:           newRooms(),
		pollInterval:    50 * time.Millisecond,
		stableThreshold: 2,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Server) Handle(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("ws: upgrade failed")
		return
	}
	defer conn.Close()

	sess := &session{
		id:     uuid.New().String(),
		srv:    s,
		conn:   conn,
		engine: s.engine,
		buf:    newSampleBuffer(),
	}
	sess.meta.PeerID = sess.id
	defer func() {
		sess.stopWorker()
		sess.mu.Lock()
		room := sess.roomID
		sess.mu.Unlock()
		s.rooms.leave(room, sess)
		log.Info().Str("session", sess.id).Msg("ws: session closed")
	}()

	_ = conn.SetReadDeadline(time.Now().Add(readWait))
	conn.SetPongHandler(func(string) error { return conn.SetReadDeadline(time.Now().Add(readWait)) })
	log.Info().Str("session", sess.id).Str("remote", r.RemoteAddr).Msg("ws: session opened")

	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Warn().Err(err).Str("session", sess.id).Msg("ws: read error")
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(readWait))
		if mt != websocket.TextMessage {
			continue
		}
		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			sess.sendError(nil, "invalid json")
			continue
		}
		if !sess.handle(r.Context(), msg) {
			return
		}
	}
}

// rooms fans transcripts out to the other sessions sharing a room id.
type rooms struct {
	mu      sync.RWMutex
	members map[string]map[*session]struct{}
}

func newRooms() *rooms {
	return &rooms{members: make(map[string]map[*session]struct{})}
}

func (r *rooms) join(room string, s *session) {
	if room == "" {
		return
	}
	r.mu.Lock()
	m := r.members[room]
	if m == nil {
		m = make(map[*session]struct{})
		r.members[room] = m
	}
	m[s] = struct{}{}
	r.mu.Unlock()
	r.roster(room)
}

func (r *rooms) leave(room string, s *session) {
	if room == "" || s == nil {
		return
	}
	r.mu.Lock()
	if m := r.members[room]; m != nil {
		delete(m, s)
		if len(m) == 0 {
			delete(r.members, room)
		}
	}
	r.mu.Unlock()
	r.roster(room)
}

func (r *rooms) peers(room string) []*session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*session, 0, len(r.members[room]))
	for s := range r.members[room] {
		out = append(out, s)
	}
	return out
}

// broadcast sends payload to everyone in room except the sender and other
// connections of the same peer.
func (r *rooms) broadcast(room string, sender *session, payload any) {
	sender.mu.Lock()
	senderPeer := sender.meta.PeerID
	sender.mu.Unlock()
	for _, p := range r.peers(room) {
		if p == sender {
			continue
		}
		p.mu.Lock()
		samePeer := senderPeer != "" && p.meta.PeerID == senderPeer
		p.mu.Unlock()
		if samePeer {
			continue
		}
		if err := p.send(payload); err != nil {
			log.Debug().Err(err).Str("session", p.id).Msg("ws: room broadcast failed")
		}
	}
}

func (r *rooms) roster(room string) {
	peers := r.peers(room)
	list := make([]member, 0, len(peers))
	for _, p := range peers {
		p.mu.Lock()
		list = append(list, p.meta)
		p.mu.Unlock()
	}
	payload := map[string]any{"type": "room_roster", "room_id": room, "members": list}
	for _, p := range peers {
		_ = p.send(payload)
	}
}
