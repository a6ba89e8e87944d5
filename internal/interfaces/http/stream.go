package http

import (
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/riskgate/riskgate/internal/gatekeeper"
)

// decisionStream fans admission decisions out to websocket subscribers.
// Slow consumers are dropped, not waited on; the decision path never blocks
// behind an observer.
type decisionStream struct {
	upgrader websocket.Upgrader
	log      zerolog.Logger

	mu    sync.Mutex
	conns map[*websocket.Conn]chan gatekeeper.Decision
}

func newDecisionStream(log zerolog.Logger) *decisionStream {
	return &decisionStream{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		log:   log.With().Str("component", "decision_stream").Logger(),
		conns: make(map[*websocket.Conn]chan gatekeeper.Decision),
	}
}

func (s *decisionStream) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	ch := make(chan gatekeeper.Decision, 64)
	s.mu.Lock()
	s.conns[conn] = ch
	s.mu.Unlock()

	go s.writeLoop(conn, ch)
	go s.readLoop(conn)
}

func (s *decisionStream) writeLoop(conn *websocket.Conn, ch chan gatekeeper.Decision) {
	defer s.drop(conn)
	for dec := range ch {
		if err := conn.WriteJSON(dec); err != nil {
			return
		}
	}
}

// readLoop drains control frames and detects disconnects.
func (s *decisionStream) readLoop(conn *websocket.Conn) {
	defer s.drop(conn)
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *decisionStream) drop(conn *websocket.Conn) {
	s.mu.Lock()
	if ch, ok := s.conns[conn]; ok {
		delete(s.conns, conn)
		close(ch)
	}
	s.mu.Unlock()
	_ = conn.Close()
}

func (s *decisionStream) broadcast(dec gatekeeper.Decision) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for conn, ch := range s.conns {
		select {
		case ch <- dec:
		default:
			// Full buffer: the subscriber is too slow, disconnect it.
			s.log.Warn().Msg("dropping slow decision-stream subscriber")
			delete(s.conns, conn)
			close(ch)
			_ = conn.Close()
		}
	}
}
