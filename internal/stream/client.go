// Package stream keeps a STOMP-over-WebSocket subscription to the backend
// alive across connection churn and relays parsed events onto the bus.
package stream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-stomp/stomp/v3/frame"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/loykin/printshell/internal/events"
	"github.com/loykin/printshell/internal/metrics"
	"github.com/loykin/printshell/internal/poll"
	"github.com/loykin/printshell/internal/tasks"
)

// ErrNotConnected is returned by sends while no connection is up. Nothing
// is queued.
var ErrNotConnected = errors.New("event stream not connected")

var errBackendNotReady = errors.New("backend not ready")

const (
	DefaultPath              = "/print-ws/websocket"
	DefaultReconnectDelay    = 5 * time.Second
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultStompHeartbeat    = 4 * time.Second

	connectTimeout = 10 * time.Second
	writeTimeout   = 10 * time.Second
)

// PortSource reports the port of the Ready backend.
type PortSource interface {
	ReadyPort() (int, bool)
}

// StoreIDSource supplies the tenant id; "" selects global-only topics.
type StoreIDSource interface {
	StoreID(ctx context.Context) (string, error)
}

// Config configures a Client.
type Config struct {
	Host              string        // default "localhost"
	Path              string        // STOMP endpoint
	ReconnectDelay    time.Duration // fixed delay between connection attempts
	HeartbeatInterval time.Duration // application heartbeat publish period
	StompHeartbeat    time.Duration // STOMP heart-beat offered in CONNECT; 0 disables
	Logger            *slog.Logger
	Events            events.Publisher
}

// Client maintains one logical subscription set over successive
// physical connections.
type Client struct {
	cfg    Config
	ports  PortSource
	stores StoreIDSource
	log    *slog.Logger

	mu   sync.Mutex
	conn *conn

	connected atomic.Bool
	sessions  atomic.Int64
}

// conn is one physical connection.
type conn struct {
	ws      *websocket.Conn
	storeID string
	topics  []string

	writeMu sync.Mutex
}

func New(ports PortSource, stores StoreIDSource, cfg Config) *Client {
	if cfg.Host == "" {
		cfg.Host = "localhost"
	}
	if cfg.Path == "" {
		cfg.Path = DefaultPath
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = DefaultReconnectDelay
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if cfg.StompHeartbeat < 0 {
		cfg.StompHeartbeat = 0
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Client{cfg: cfg, ports: ports, stores: stores, log: cfg.Logger.With("component", "stream")}
}

// Connected reports whether a connection is currently up.
func (c *Client) Connected() bool { return c.connected.Load() }

// Sessions returns how many connections have been established.
func (c *Client) Sessions() int { return int(c.sessions.Load()) }

// Topics returns the destinations subscribed on the current connection.
func (c *Client) Topics() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	return append([]string(nil), c.conn.topics...)
}

// Reconnect drops the current connection so the next attempt picks up a
// changed store id. It is a no-op while disconnected.
func (c *Client) Reconnect() {
	c.mu.Lock()
	cn := c.conn
	c.mu.Unlock()
	if cn != nil {
		c.log.Info("reconnecting event stream on request")
		_ = cn.ws.Close()
	}
}

// Run connects and reconnects until ctx is done. Connection loss is
// retried after ReconnectDelay without limit; a periodic heartbeat is
// published whenever a connection is up.
func (c *Client) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := poll.Until(ctx, poll.Options{
			Interval: c.cfg.ReconnectDelay,
			OnRetry: func(attempt int, err error) {
				if errors.Is(err, errBackendNotReady) {
					c.log.Debug("waiting for backend before connecting", "attempt", attempt)
					return
				}
				metrics.IncStreamReconnect()
				c.log.Info("event stream reconnecting", "attempt", attempt, "delay", c.cfg.ReconnectDelay, "error", err)
			},
		}, func(ctx context.Context, _ int) error {
			return c.session(ctx)
		})
		if ctx.Err() != nil {
			return nil
		}
		return err
	})
	g.Go(func() error {
		t := time.NewTicker(c.cfg.HeartbeatInterval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-t.C:
				if err := c.SendHeartbeat(); err != nil && !errors.Is(err, ErrNotConnected) {
					c.log.Warn("heartbeat publish failed", "error", err)
				}
			}
		}
	})
	return g.Wait()
}

// session runs one connection to completion. It returns ctx.Err() on
// shutdown and a non-nil error for anything that should be retried.
func (c *Client) session(ctx context.Context) error {
	port, ok := c.ports.ReadyPort()
	if !ok {
		return errBackendNotReady
	}
	storeID := ""
	if c.stores != nil {
		id, err := c.stores.StoreID(ctx)
		if err != nil {
			c.log.Warn("store id unavailable, subscribing to global topics only", "error", err)
		}
		storeID = id
	}
	if storeID == "" {
		c.log.Warn("no store id; store topics will not be subscribed")
	}

	u := url.URL{Scheme: "ws", Host: net.JoinHostPort(c.cfg.Host, strconv.Itoa(port)), Path: c.cfg.Path}
	if storeID != "" {
		u.RawQuery = url.Values{"storeId": {storeID}}.Encode()
	}
	dialer := websocket.Dialer{HandshakeTimeout: connectTimeout}
	ws, _, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", u.Redacted(), err)
	}
	cn := &conn{ws: ws, storeID: storeID}

	stop := context.AfterFunc(ctx, func() {
		_ = cn.write(frame.New(frame.DISCONNECT))
		_ = ws.Close()
	})
	defer stop()
	defer func() { _ = ws.Close() }()

	incoming, outgoing, err := c.handshake(cn)
	if err != nil {
		return err
	}

	// Every connection starts with a fresh, identical subscription set.
	topics := Topics(storeID)
	for i, topic := range topics {
		sub := frame.New(frame.SUBSCRIBE, frame.Id, "sub-"+strconv.Itoa(i), frame.Destination, topic, frame.Ack, "auto")
		if err := cn.write(sub); err != nil {
			return c.ended(ctx, fmt.Errorf("subscribe %s: %w", topic, err))
		}
	}
	cn.topics = topics
	c.log.Info("event stream subscribed", "topics", len(topics), "store_id", storeID)

	c.attach(cn)
	defer c.detach(cn)
	if err := c.SendHeartbeat(); err != nil {
		c.log.Warn("initial heartbeat failed", "error", err)
	}

	if outgoing > 0 {
		go c.beat(ctx, cn, outgoing)
	}
	return c.ended(ctx, c.readLoop(cn, incoming))
}

func (c *Client) ended(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err == nil {
		err = io.EOF
	}
	return fmt.Errorf("connection lost: %w", err)
}

// handshake sends CONNECT and waits for CONNECTED, returning the negotiated
// heart-beat periods (0 means none).
func (c *Client) handshake(cn *conn) (incoming, outgoing time.Duration, err error) {
	ms := strconv.FormatInt(c.cfg.StompHeartbeat.Milliseconds(), 10)
	connect := frame.New(frame.CONNECT,
		frame.AcceptVersion, "1.1,1.2",
		frame.Host, c.cfg.Host,
		frame.HeartBeat, ms+","+ms)
	if err := cn.write(connect); err != nil {
		return 0, 0, fmt.Errorf("send CONNECT: %w", err)
	}

	_ = cn.ws.SetReadDeadline(time.Now().Add(connectTimeout))
	_, msg, err := cn.ws.ReadMessage()
	if err != nil {
		return 0, 0, fmt.Errorf("await CONNECTED: %w", err)
	}
	_ = cn.ws.SetReadDeadline(time.Time{})
	f, err := frame.NewReader(bytes.NewReader(msg)).Read()
	if err != nil || f == nil {
		return 0, 0, fmt.Errorf("await CONNECTED: bad frame: %v", err)
	}
	switch f.Command {
	case frame.CONNECTED:
	case frame.ERROR:
		return 0, 0, fmt.Errorf("broker refused connection: %s", f.Header.Get(frame.Message))
	default:
		return 0, 0, fmt.Errorf("unexpected %s frame before CONNECTED", f.Command)
	}

	if hb := f.Header.Get(frame.HeartBeat); hb != "" && c.cfg.StompHeartbeat > 0 {
		sx, sy, perr := frame.ParseHeartBeat(hb)
		if perr != nil {
			c.log.Warn("ignoring bad heart-beat header", "value", hb, "error", perr)
		} else {
			if sy > 0 {
				outgoing = max(c.cfg.StompHeartbeat, sy)
			}
			if sx > 0 {
				incoming = max(c.cfg.StompHeartbeat, sx)
			}
		}
	}
	return incoming, outgoing, nil
}

func (c *Client) attach(cn *conn) {
	c.mu.Lock()
	c.conn = cn
	c.mu.Unlock()
	c.sessions.Add(1)
	c.connected.Store(true)
	metrics.SetStreamConnected(true)
	c.publish(events.ConnectionChanged, events.ConnectionPayload{Connected: true})
	c.log.Info("event stream connected", "store_id", cn.storeID)
}

func (c *Client) detach(cn *conn) {
	c.mu.Lock()
	if c.conn == cn {
		c.conn = nil
	}
	c.mu.Unlock()
	c.connected.Store(false)
	metrics.SetStreamConnected(false)
	c.publish(events.ConnectionChanged, events.ConnectionPayload{Connected: false})
	c.log.Info("event stream disconnected")
}

// beat sends STOMP EOL heart-beats until the connection fails.
func (c *Client) beat(ctx context.Context, cn *conn, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			cn.writeMu.Lock()
			_ = cn.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			err := cn.ws.WriteMessage(websocket.TextMessage, []byte("\n"))
			cn.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func (c *Client) readLoop(cn *conn, incoming time.Duration) error {
	for {
		if incoming > 0 {
			// tolerate one missed beat plus scheduling slack
			_ = cn.ws.SetReadDeadline(time.Now().Add(2*incoming + time.Second))
		}
		_, msg, err := cn.ws.ReadMessage()
		if err != nil {
			return err
		}
		rd := frame.NewReader(bytes.NewReader(msg))
		for {
			f, err := rd.Read()
			if err != nil {
				if !errors.Is(err, io.EOF) {
					metrics.IncStreamMalformed()
					c.log.Warn("dropping malformed frame", "error", err)
				}
				break
			}
			if f == nil {
				continue
			}
			switch f.Command {
			case frame.MESSAGE:
				c.dispatch(cn.storeID, f.Header.Get(frame.Destination), f.Body)
			case frame.ERROR:
				return fmt.Errorf("broker error: %s", f.Header.Get(frame.Message))
			case frame.RECEIPT:
			default:
				c.log.Debug("ignoring frame", "command", f.Command)
			}
		}
	}
}

// dispatch turns one MESSAGE body into a bus event. Malformed bodies are
// logged and dropped.
func (c *Client) dispatch(storeID, dest string, body []byte) {
	metrics.IncStreamMessage(dest)
	kind := classify(storeID, dest)
	if kind == kindUnknown || kind == kindHeartbeat {
		c.log.Debug("stream message", "destination", dest)
		return
	}

	var m map[string]any
	if err := json.Unmarshal(body, &m); err != nil || m == nil {
		metrics.IncStreamMalformed()
		c.log.Warn("dropping malformed stream message", "destination", dest, "error", err)
		return
	}

	switch kind {
	case kindTask:
		if tasks.Record(m).ID() == "" {
			metrics.IncStreamMalformed()
			c.log.Warn("dropping task message without taskId", "destination", dest)
			return
		}
		c.publish(events.TaskReceived, events.TaskPayload{Record: m})
	case kindStatus:
		rec := tasks.Record(m)
		id, status := rec.ID(), rec.Status()
		if id == "" || status == "" {
			c.log.Debug("status message without task id or status", "destination", dest)
			return
		}
		c.publish(events.TaskStatusChanged, events.StatusPayload{TaskID: id, Status: status})
	case kindError:
		c.log.Warn("backend reported print error", "info", m)
		c.publish(events.PrintError, events.ErrorPayload{Info: m})
	}
}

func (c *Client) publish(t events.EventType, payload any) {
	if c.cfg.Events != nil {
		c.cfg.Events.Publish(events.New(t, payload))
	}
}

// SendPrint publishes a print request. It fails with ErrNotConnected when
// offline.
func (c *Client) SendPrint(content, printerName string) error {
	body, err := json.Marshal(struct {
		Content     string `json:"content"`
		PrinterName string `json:"printerName,omitempty"`
	}{content, printerName})
	if err != nil {
		return err
	}
	return c.send(DestPrint, body)
}

// SendHeartbeat publishes an empty heartbeat.
func (c *Client) SendHeartbeat() error {
	return c.send(DestHeartbeat, []byte("{}"))
}

func (c *Client) send(dest string, body []byte) error {
	c.mu.Lock()
	cn := c.conn
	c.mu.Unlock()
	if cn == nil {
		return ErrNotConnected
	}
	f := frame.New(frame.SEND, frame.Destination, dest, frame.ContentType, "application/json")
	f.Body = body
	if err := cn.write(f); err != nil {
		return fmt.Errorf("send %s: %w", dest, err)
	}
	return nil
}

func (cn *conn) write(f *frame.Frame) error {
	var buf bytes.Buffer
	if err := frame.NewWriter(&buf).Write(f); err != nil {
		return err
	}
	cn.writeMu.Lock()
	defer cn.writeMu.Unlock()
	_ = cn.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return cn.ws.WriteMessage(websocket.TextMessage, buf.Bytes())
}
