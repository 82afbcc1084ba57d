package netsync

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Relay fans every TICK packet out to the other connected sessions as REMOTE.
type Relay struct {
	log *log.Logger

	upgrader websocket.Upgrader

	mu    sync.Mutex
	peers map[string]*peer
}

type peer struct {
	conn *websocket.Conn
	out  chan []byte
}

func NewRelay(logger *log.Logger) *Relay {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Relay{
		log: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  16 * 1024,
			WriteBufferSize: 16 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // dev default
		},
		peers: map[string]*peer{},
	}
}

// Peers is the number of connected sessions.
func (s *Relay) Peers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.peers)
}

func (s *Relay) Handler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		session := s.handshake(conn)
		if session == "" {
			return
		}
		out := make(chan []byte, 64)
		me := &peer{conn: conn, out: out}
		s.mu.Lock()
		if old, ok := s.peers[session]; ok {
			// Newest connection wins; the old one is closed and must not
			// unregister its replacement on the way out.
			s.log.Printf("session %s reconnected; closing previous connection", session)
			_ = old.conn.Close()
		}
		s.peers[session] = me
		s.mu.Unlock()
		defer func() {
			s.mu.Lock()
			if s.peers[session] == me {
				delete(s.peers, session)
			}
			s.mu.Unlock()
			s.log.Printf("session %s left", session)
		}()

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		// Writer goroutine.
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case b := <-out:
					_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
					if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
						cancel()
						return
					}
				}
			}
		}()

		// Reader loop.
		for {
			_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			_, msg, err := conn.ReadMessage()
			if err != nil {
				break
			}
			var p Packet
			if err := json.Unmarshal(msg, &p); err != nil || p.Type != TypeTick || p.ProtocolVersion != Version {
				continue
			}
			b, err := json.Marshal(Remote{
				Type:            TypeRemote,
				ProtocolVersion: Version,
				From:            session,
				Tick:            p.Tick,
				Keys:            p.Keys,
				State:           p.State,
			})
			if err != nil {
				continue
			}
			s.broadcast(session, b)
		}
	}
}

func (s *Relay) handshake(conn *websocket.Conn) string {
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		return ""
	}
	var h Hello
	if err := json.Unmarshal(msg, &h); err != nil || h.Type != TypeHello {
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "expected HELLO"), time.Now().Add(time.Second))
		return ""
	}
	if h.ProtocolVersion != Version || h.Session == "" {
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "bad hello"), time.Now().Add(time.Second))
		return ""
	}
	s.log.Printf("session %s joined", h.Session)
	return h.Session
}

func (s *Relay) broadcast(from string, b []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, p := range s.peers {
		if id == from {
			continue
		}
		select {
		case p.out <- b:
		default:
			s.log.Printf("drop packet for slow session %s", id)
		}
	}
}
