package devbackend

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-stomp/stomp/v3/frame"
	"github.com/gorilla/websocket"
)

// SendHandler receives SEND frames addressed to application destinations.
type SendHandler func(storeID, destination string, body []byte)

// Broker is a minimal STOMP 1.2 broker speaking one frame per WebSocket
// message, the way SockJS-less Spring endpoints do.
type Broker struct {
	log      *slog.Logger
	upgrader websocket.Upgrader
	onSend   SendHandler

	mu       sync.Mutex
	sessions map[*session]struct{}
	msgSeq   atomic.Int64
	connects atomic.Int64
}

type session struct {
	id      string
	storeID string
	conn    *websocket.Conn
	send    chan []byte

	mu   sync.Mutex
	subs map[string]string // subscription id -> destination

	closeOnce sync.Once
	closed    chan struct{}
}

// NewBroker creates a broker. onSend may be nil.
func NewBroker(logger *slog.Logger, onSend SendHandler) *Broker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broker{
		log:    logger,
		onSend: onSend,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		sessions: make(map[*session]struct{}),
	}
}

// ServeHTTP upgrades the request and runs the session until it closes.
func (b *Broker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.log.Warn("websocket upgrade failed", "error", err)
		return
	}
	n := b.connects.Add(1)
	s := &session{
		id:      "session-" + strconv.FormatInt(n, 10),
		storeID: storeIDFrom(r.URL),
		conn:    conn,
		send:    make(chan []byte, 64),
		subs:    make(map[string]string),
		closed:  make(chan struct{}),
	}
	b.mu.Lock()
	b.sessions[s] = struct{}{}
	b.mu.Unlock()

	go b.writePump(s)
	b.readPump(s)
}

func storeIDFrom(u *url.URL) string {
	if u == nil {
		return ""
	}
	return u.Query().Get("storeId")
}

func (b *Broker) readPump(s *session) {
	defer b.drop(s)
	s.conn.SetReadLimit(64 * 1024)
	for {
		_, msg, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				b.log.Debug("stomp session read ended", "session", s.id, "error", err)
			}
			return
		}
		rd := frame.NewReader(bytes.NewReader(msg))
		for {
			f, err := rd.Read()
			if err != nil {
				if !errors.Is(err, io.EOF) {
					b.log.Warn("bad stomp frame", "session", s.id, "error", err)
					b.enqueue(s, frame.New(frame.ERROR, frame.Message, "malformed frame"))
				}
				break
			}
			if f == nil {
				continue // heart-beat
			}
			if !b.handle(s, f) {
				return
			}
		}
	}
}

// handle processes one client frame; it returns false when the session ends.
func (b *Broker) handle(s *session, f *frame.Frame) bool {
	switch f.Command {
	case frame.CONNECT, frame.STOMP:
		b.enqueue(s, frame.New(frame.CONNECTED,
			frame.Version, "1.2",
			frame.HeartBeat, "0,0",
			frame.Session, s.id,
			frame.Server, "printshell-devbackend"))
	case frame.SUBSCRIBE:
		s.mu.Lock()
		s.subs[f.Header.Get(frame.Id)] = f.Header.Get(frame.Destination)
		s.mu.Unlock()
	case frame.UNSUBSCRIBE:
		s.mu.Lock()
		delete(s.subs, f.Header.Get(frame.Id))
		s.mu.Unlock()
	case frame.SEND:
		if b.onSend != nil {
			b.onSend(s.storeID, f.Header.Get(frame.Destination), f.Body)
		}
	case frame.DISCONNECT:
		if rid := f.Header.Get(frame.Receipt); rid != "" {
			b.enqueue(s, frame.New(frame.RECEIPT, frame.ReceiptId, rid))
		}
		return false
	default:
		b.enqueue(s, frame.New(frame.ERROR, frame.Message, "unsupported command "+f.Command))
	}
	return true
}

func (b *Broker) writePump(s *session) {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		_ = s.conn.Close()
	}()
	for {
		select {
		case msg := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-s.closed:
			return
		}
	}
}

func (b *Broker) enqueue(s *session, f *frame.Frame) {
	var buf bytes.Buffer
	if err := frame.NewWriter(&buf).Write(f); err != nil {
		b.log.Warn("encode stomp frame", "error", err)
		return
	}
	select {
	case s.send <- buf.Bytes():
	case <-s.closed:
	default:
		b.log.Warn("stomp session send buffer full, dropping frame", "session", s.id)
	}
}

func (b *Broker) drop(s *session) {
	b.mu.Lock()
	delete(b.sessions, s)
	b.mu.Unlock()
	s.closeOnce.Do(func() { close(s.closed) })
	_ = s.conn.Close()
}

// Publish delivers body to every subscription on destination.
func (b *Broker) Publish(destination string, body []byte) {
	b.mu.Lock()
	sessions := make([]*session, 0, len(b.sessions))
	for s := range b.sessions {
		sessions = append(sessions, s)
	}
	b.mu.Unlock()

	for _, s := range sessions {
		s.mu.Lock()
		var ids []string
		for id, dest := range s.subs {
			if dest == destination {
				ids = append(ids, id)
			}
		}
		s.mu.Unlock()
		for _, id := range ids {
			f := frame.New(frame.MESSAGE,
				frame.Destination, destination,
				frame.Subscription, id,
				frame.MessageId, strconv.FormatInt(b.msgSeq.Add(1), 10),
				frame.ContentType, "application/json")
			f.Body = body
			b.enqueue(s, f)
		}
	}
}

// DropConnections abruptly closes every session without a DISCONNECT,
// which clients observe as an abnormal close.
func (b *Broker) DropConnections() {
	b.mu.Lock()
	sessions := make([]*session, 0, len(b.sessions))
	for s := range b.sessions {
		sessions = append(sessions, s)
	}
	b.mu.Unlock()
	for _, s := range sessions {
		_ = s.conn.UnderlyingConn().Close()
	}
}

// Subscriptions counts active subscriptions per destination across sessions.
func (b *Broker) Subscriptions() map[string]int {
	out := make(map[string]int)
	b.mu.Lock()
	defer b.mu.Unlock()
	for s := range b.sessions {
		s.mu.Lock()
		for _, dest := range s.subs {
			out[dest]++
		}
		s.mu.Unlock()
	}
	return out
}

// Sessions returns the number of open sessions.
func (b *Broker) Sessions() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.sessions)
}

// Connects returns how many sessions have ever been accepted.
func (b *Broker) Connects() int { return int(b.connects.Load()) }
