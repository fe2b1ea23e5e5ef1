package avatar

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/harunnryd/murmur/pkg/errorsx"
	"github.com/harunnryd/murmur/pkg/logging"
	"github.com/harunnryd/murmur/pkg/redact"
	"github.com/harunnryd/murmur/pkg/speech"
)

// Message types exchanged with the avatar renderer.
const (
	TypeSpeak    = "speak"
	TypeAccepted = "accepted"
	TypeStarted  = "started"
	TypeEnded    = "ended"
	TypeError    = "error"
	TypePause    = "pause"
	TypeResume   = "resume"
	TypeStop     = "stop"
)

// Message is the single JSON envelope used in both directions.
type Message struct {
	Type    string `json:"type"`
	ID      string `json:"id,omitempty"`
	Text    string `json:"text,omitempty"`
	Audio   string `json:"audio,omitempty"`
	Emotion string `json:"emotion,omitempty"`
	Voice   string `json:"voice,omitempty"`
	OK      *bool  `json:"ok,omitempty"`
	Detail  string `json:"detail,omitempty"`
}

type Config struct {
	URL    string
	Header http.Header
	// DialTimeout bounds connection attempts made from Available.
	DialTimeout time.Duration
	// AcceptTimeout bounds how long Play waits for the renderer's answer.
	AcceptTimeout time.Duration
	// RedialInterval throttles reconnect attempts after a failure.
	RedialInterval time.Duration
	Logger         *slog.Logger
}

// Backend drives a remote avatar renderer over a websocket. A speak request
// only counts as accepted once the renderer acknowledges it; playback signals
// for that request are then routed to the channel Play returned.
type Backend struct {
	cfg    Config
	logger *slog.Logger

	mu         sync.Mutex
	conn       *connection
	lastDial   time.Time
	accepts    map[string]chan Message
	routes     map[string]*route
	current    string
	closed     bool
	dialFailed bool
}

type route struct {
	ctx context.Context
	ch  chan speech.Signal
}

type connection struct {
	ws     *websocket.Conn
	mu     sync.Mutex
	sendCh chan []byte
	closed bool
}

func (c *connection) enqueue(msg Message) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("avatar connection closed")
	}
	select {
	case c.sendCh <- b:
		return nil
	default:
		return errors.New("avatar send buffer full")
	}
}

func (c *connection) loop() {
	for msg := range c.sendCh {
		_ = c.ws.WriteMessage(websocket.TextMessage, msg)
	}
}

func (c *connection) close() error {
	c.mu.Lock()
	if !c.closed {
		c.closed = true
		close(c.sendCh)
	}
	c.mu.Unlock()
	return c.ws.Close()
}

func New(cfg Config) (*Backend, error) {
	if cfg.URL == "" {
		return nil, errors.New("avatar: url is required")
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 2 * time.Second
	}
	if cfg.AcceptTimeout <= 0 {
		cfg.AcceptTimeout = 3 * time.Second
	}
	if cfg.RedialInterval <= 0 {
		cfg.RedialInterval = 5 * time.Second
	}
	return &Backend{
		cfg:     cfg,
		logger:  logging.NewComponentLogger(cfg.Logger, "avatar_backend"),
		accepts: make(map[string]chan Message),
		routes:  make(map[string]*route),
	}, nil
}

func (b *Backend) Name() string { return "avatar" }

// Available reports whether the renderer is connected, dialling it if needed.
// Failed dials are retried at most once per RedialInterval.
func (b *Backend) Available() bool {
	_, err := b.connect()
	return err == nil
}

func (b *Backend) connect() (*connection, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, errors.New("avatar backend closed")
	}
	if b.conn != nil {
		c := b.conn
		b.mu.Unlock()
		return c, nil
	}
	if b.dialFailed && time.Since(b.lastDial) < b.cfg.RedialInterval {
		b.mu.Unlock()
		return nil, errors.New("avatar unavailable")
	}
	b.lastDial = time.Now()
	b.mu.Unlock()

	dialer := websocket.Dialer{Proxy: http.ProxyFromEnvironment, HandshakeTimeout: b.cfg.DialTimeout}
	ctx, cancel := context.WithTimeout(context.Background(), b.cfg.DialTimeout)
	defer cancel()
	ws, _, err := dialer.DialContext(ctx, b.cfg.URL, b.cfg.Header)

	b.mu.Lock()
	defer b.mu.Unlock()
	if err != nil {
		if !b.dialFailed {
			b.logger.Warn("avatar connect failed",
				slog.String("reason_code", string(errorsx.ReasonAvatarUnavailable)),
				slog.String("error", err.Error()))
		}
		b.dialFailed = true
		return nil, errorsx.Wrapf(errorsx.ReasonAvatarUnavailable, "avatar: dial: %w", err)
	}
	if b.closed || b.conn != nil {
		_ = ws.Close()
		if b.conn != nil {
			return b.conn, nil
		}
		return nil, errors.New("avatar backend closed")
	}
	c := &connection{ws: ws, sendCh: make(chan []byte, 64)}
	b.conn = c
	b.dialFailed = false
	go c.loop()
	go b.readLoop(c)
	b.logger.Info("avatar connected", slog.String("url", redact.URL(b.cfg.URL)))
	return c, nil
}

// Play sends the unit and waits for the renderer to accept it.
func (b *Backend) Play(ctx context.Context, req speech.PlayRequest) (<-chan speech.Signal, error) {
	c, err := b.connect()
	if err != nil {
		return nil, err
	}
	id := req.SessionID
	if id == "" {
		id = uuid.NewString()
	}
	accept := make(chan Message, 1)
	ch := make(chan speech.Signal, 4)

	b.mu.Lock()
	b.accepts[id] = accept
	b.routes[id] = &route{ctx: ctx, ch: ch}
	b.mu.Unlock()

	msg := Message{
		Type:    TypeSpeak,
		ID:      id,
		Text:    req.Text,
		Audio:   base64.StdEncoding.EncodeToString(req.Audio),
		Emotion: string(req.Emotion),
		Voice:   req.Voice,
	}
	if err := c.enqueue(msg); err != nil {
		b.forget(id)
		return nil, errorsx.Wrapf(errorsx.ReasonAvatarSend, "avatar: send: %w", err)
	}

	timer := time.NewTimer(b.cfg.AcceptTimeout)
	defer timer.Stop()
	select {
	case ans := <-accept:
		b.mu.Lock()
		delete(b.accepts, id)
		b.mu.Unlock()
		if ans.OK != nil && !*ans.OK {
			b.forget(id)
			return nil, errorsx.Wrapf(errorsx.ReasonAvatarRejected, "avatar: %w: %s", speech.ErrRejected, ans.Detail)
		}
	case <-timer.C:
		b.forget(id)
		return nil, errorsx.New(errorsx.ReasonAvatarRejected, "avatar: no answer to speak request")
	case <-ctx.Done():
		b.forget(id)
		return nil, ctx.Err()
	}

	// A session cancelled while waiting must not take current from a newer one.
	b.mu.Lock()
	if err := ctx.Err(); err != nil {
		delete(b.routes, id)
		b.mu.Unlock()
		_ = c.enqueue(Message{Type: TypeStop, ID: id})
		return nil, err
	}
	b.current = id
	b.mu.Unlock()
	b.logger.Debug("avatar accepted speech",
		slog.String("session_id", id),
		slog.String("emotion", msg.Emotion),
		slog.String("text", logging.Clip(redact.Text(req.Text), 80)))
	return ch, nil
}

func (b *Backend) Pause() error  { return b.command(TypePause) }
func (b *Backend) Resume() error { return b.command(TypeResume) }

func (b *Backend) Stop() error {
	err := b.command(TypeStop)
	b.mu.Lock()
	if b.current != "" {
		delete(b.routes, b.current)
		b.current = ""
	}
	b.mu.Unlock()
	return err
}

func (b *Backend) command(kind string) error {
	b.mu.Lock()
	c, id := b.conn, b.current
	b.mu.Unlock()
	if c == nil || id == "" {
		return nil
	}
	if err := c.enqueue(Message{Type: kind, ID: id}); err != nil {
		return errorsx.Wrapf(errorsx.ReasonAvatarSend, "avatar: %s: %w", kind, err)
	}
	return nil
}

// Close drops the connection. Open playbacks receive an error signal.
func (b *Backend) Close() error {
	b.mu.Lock()
	b.closed = true
	c := b.conn
	b.mu.Unlock()
	if c == nil {
		return nil
	}
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	return c.close()
}

func (b *Backend) forget(id string) {
	b.mu.Lock()
	delete(b.accepts, id)
	delete(b.routes, id)
	b.mu.Unlock()
}

func (b *Backend) readLoop(c *connection) {
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			b.dropConnection(c, err)
			return
		}
		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			b.logger.Warn("avatar message not json", slog.String("payload", logging.Clip(string(data), 120)))
			continue
		}
		b.handle(msg)
	}
}

func (b *Backend) handle(msg Message) {
	b.mu.Lock()
	switch msg.Type {
	case TypeAccepted:
		accept := b.accepts[msg.ID]
		b.mu.Unlock()
		if accept != nil {
			select {
			case accept <- msg:
			default:
			}
		}
		return
	case TypeStarted, TypeEnded, TypeError:
	default:
		b.mu.Unlock()
		b.logger.Debug("avatar message ignored", slog.String("type", msg.Type))
		return
	}

	r := b.routes[msg.ID]
	if msg.Type != TypeStarted {
		delete(b.routes, msg.ID)
		if b.current == msg.ID {
			b.current = ""
		}
	}
	b.mu.Unlock()
	if r == nil {
		b.logger.Debug("avatar signal for unknown playback", slog.String("session_id", msg.ID), slog.String("type", msg.Type))
		return
	}

	sig := speech.Signal{At: time.Now()}
	switch msg.Type {
	case TypeStarted:
		sig.Kind = speech.SignalStarted
	case TypeEnded:
		sig.Kind = speech.SignalEnded
	default:
		sig.Kind = speech.SignalError
		detail := msg.Detail
		if detail == "" {
			detail = "avatar playback failed"
		}
		sig.Err = errorsx.New(errorsx.ReasonAvatarPlayback, detail)
	}
	deliver(r, sig)
}

func (b *Backend) dropConnection(c *connection, err error) {
	b.mu.Lock()
	if b.conn == c {
		b.conn = nil
	}
	closed := b.closed
	routes := b.routes
	b.routes = make(map[string]*route)
	b.current = ""
	b.mu.Unlock()
	_ = c.close()

	if !closed {
		b.logger.Warn("avatar connection lost",
			slog.String("reason_code", string(errorsx.ReasonAvatarUnavailable)),
			slog.String("error", err.Error()))
	}
	for _, r := range routes {
		deliver(r, speech.Signal{
			Kind: speech.SignalError,
			Err:  errorsx.Wrapf(errorsx.ReasonAvatarUnavailable, "avatar: connection lost: %w", err),
			At:   time.Now(),
		})
	}
}

// deliver never blocks the read loop: the channel is buffered and a playback
// whose consumer is gone is skipped.
func deliver(r *route, sig speech.Signal) {
	if r.ctx.Err() != nil {
		return
	}
	select {
	case r.ch <- sig:
	default:
	}
}

var _ speech.Backend = (*Backend)(nil)
