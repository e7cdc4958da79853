package feed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"clubrotor/cmd/internal/ids"
	"clubrotor/cmd/internal/rotation"
	v1 "clubrotor/shared/contracts/feed/v1"

	"github.com/coder/websocket"
	"github.com/goccy/go-json"
	"golang.org/x/time/rate"
)

// Limits and defaults.
const (
	maxFrameBytes = 16 << 10 // 16 KiB

	defaultSendQueueSize = 64
	minSendQueueSize     = 16

	defaultWriteTimeout = 5 * time.Second
	defaultReadIdle     = 2 * time.Minute
	closeGrace          = 1 * time.Second

	defaultHeartbeatInterval = 25 * time.Second
	defaultHeartbeatTimeout  = 5 * time.Second
	maxPingFailures          = 3

	defaultRateEvents = 60
	defaultRateWindow = 10 * time.Second

	defaultMaxWatches = 16
)

// ClubChecker resolves club ids; watches of unknown clubs are rejected.
type ClubChecker interface {
	GetClub(ctx context.Context, clubID string) (rotation.Club, error)
}

// GatewayConfig tunes the gateway. Zero durations and sizes use defaults.
type GatewayConfig struct {
	AllowedOrigins    []string
	OriginRequired    bool
	WriteTimeout      time.Duration
	ReadIdleTimeout   time.Duration
	SendQueueSize     int
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	RateEvents        int
	RateWindow        time.Duration
	MaxWatches        int
}

func (c GatewayConfig) withDefaults() GatewayConfig {
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = defaultWriteTimeout
	}
	if c.ReadIdleTimeout <= 0 {
		c.ReadIdleTimeout = defaultReadIdle
	}
	if c.SendQueueSize <= 0 {
		c.SendQueueSize = defaultSendQueueSize
	}
	if c.SendQueueSize < minSendQueueSize {
		c.SendQueueSize = minSendQueueSize
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = defaultHeartbeatInterval
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = defaultHeartbeatTimeout
	}
	if c.RateEvents <= 0 {
		c.RateEvents = defaultRateEvents
	}
	if c.RateWindow <= 0 {
		c.RateWindow = defaultRateWindow
	}
	if c.MaxWatches <= 0 {
		c.MaxWatches = defaultMaxWatches
	}
	return c
}

// Gateway is the WebSocket entrypoint of the rotation feed.
//
// It enforces origin policy, subprotocol selection, rate limits and
// heartbeats, and subscribes sessions to clubs on the Hub.
type Gateway struct {
	log     *slog.Logger
	hub     *Hub
	clubs   ClubChecker
	metrics *Metrics
	cfg     GatewayConfig

	originPatterns []string
}

// NewGateway constructs a gateway. clubs may be nil to skip club validation.
func NewGateway(log *slog.Logger, hub *Hub, clubs ClubChecker, cfg GatewayConfig) *Gateway {
	if log == nil {
		log = slog.Default()
	}
	if hub == nil {
		hub = NewHub(log, nil)
	}
	cfg = cfg.withDefaults()
	return &Gateway{
		log:            log,
		hub:            hub,
		clubs:          clubs,
		metrics:        hub.metrics,
		cfg:            cfg,
		originPatterns: originPatterns(cfg.AllowedOrigins),
	}
}

// ServeHTTP upgrades the request and runs the session loop.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if err := enforceOrigin(r, g.cfg.OriginRequired, g.cfg.AllowedOrigins); err != nil {
		g.log.Info("ws.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:   []string{v1.Subprotocol},
		OriginPatterns: g.originPatterns,
	})
	if err != nil {
		g.log.Error("ws.accept.fail", "err", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	if sp := conn.Subprotocol(); sp != v1.Subprotocol {
		g.log.Info("ws.reject.subprotocol", "got", sp, "want", v1.Subprotocol)
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return
	}
	conn.SetReadLimit(maxFrameBytes)

	sessionID, err := ids.NewULID(time.Now().UTC())
	if err != nil {
		g.log.Error("ws.session_id.fail", "err", err)
		_ = conn.Close(websocket.StatusInternalError, "internal error")
		return
	}
	g.serve(r.Context(), conn, NewClient(sessionID, g.cfg.SendQueueSize))
}

type session struct {
	client  *Client
	greeted bool
	watched map[string]struct{}
}

func (g *Gateway) serve(parent context.Context, conn *websocket.Conn, client *Client) {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	g.metrics.sessionOpened()
	defer g.metrics.sessionClosed()

	sess := &session{client: client, watched: make(map[string]struct{})}

	var closeOnce sync.Once
	// Watches are dropped before the client is closed so publishers never
	// hold a client that is being torn down.
	shutdown := func(code websocket.StatusCode, reason string) {
		closeOnce.Do(func() {
			for clubID := range sess.watched {
				g.hub.Unwatch(clubID, client.SessionID)
			}
			client.Close()
			_ = conn.Close(code, reason)
			cancel()
		})
	}

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case env := <-client.Send:
				if err := writeEnvelope(ctx, conn, env, g.cfg.WriteTimeout); err != nil {
					g.log.Info("ws.write.fail", "session_id", client.SessionID, "close_status", websocket.CloseStatus(err), "err", err)
					shutdown(websocket.StatusAbnormalClosure, "write failed")
					return
				}
			}
		}
	}()

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)
		g.heartbeat(ctx, conn, client, shutdown)
	}()

	limiter := rate.NewLimiter(rate.Every(g.cfg.RateWindow/time.Duration(g.cfg.RateEvents)), g.cfg.RateEvents)

readLoop:
	for {
		readCtx, readCancel := context.WithTimeout(ctx, g.cfg.ReadIdleTimeout)
		env, err := readEnvelope(readCtx, conn)
		readCancel()

		if err != nil {
			switch classifyReadErr(err) {
			case readErrClose:
				shutdown(websocket.StatusNormalClosure, "peer closed")
				break readLoop
			case readErrCtxDone:
				shutdown(websocket.StatusNormalClosure, "context done")
				break readLoop
			case readErrConnClosed:
				shutdown(websocket.StatusAbnormalClosure, "conn closed")
				break readLoop
			case readErrBadJSON:
				g.trySendError(ctx, client, "bad_json", "invalid JSON")
				continue readLoop
			default:
				g.log.Info("ws.read.fail", "session_id", client.SessionID, "err", err)
				shutdown(websocket.StatusAbnormalClosure, "read failed")
				break readLoop
			}
		}

		if !limiter.Allow() {
			g.trySendError(ctx, client, "rate_limited", "too many events")
			shutdown(websocket.StatusPolicyViolation, "rate limited")
			break readLoop
		}

		if err := env.Validate(); err != nil {
			g.trySendError(ctx, client, "bad_envelope", err.Error())
			continue readLoop
		}

		switch env.Type {
		case v1.TypeHello:
			if err := g.onHello(ctx, sess); err != nil {
				g.trySendError(ctx, client, "hello_failed", err.Error())
				shutdown(websocket.StatusPolicyViolation, "hello failed")
				break readLoop
			}

		case v1.TypeClubWatch, v1.TypeClubUnwatch:
			if !sess.greeted {
				g.trySendError(ctx, client, "hello_required", "send hello first")
				continue readLoop
			}
			if err := g.onWatch(ctx, sess, env); err != nil {
				g.trySendError(ctx, client, "watch_failed", err.Error())
				continue readLoop
			}

		default:
			g.trySendError(ctx, client, "unsupported", fmt.Sprintf("unsupported type: %s", env.Type))
		}
	}

	shutdown(websocket.StatusNormalClosure, "bye")
	<-writerDone

	select {
	case <-heartbeatDone:
	case <-time.After(closeGrace):
	}
}

func (g *Gateway) heartbeat(ctx context.Context, conn *websocket.Conn, client *Client, shutdown func(websocket.StatusCode, string)) {
	t := time.NewTicker(g.cfg.HeartbeatInterval)
	defer t.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-client.Done():
			return
		case <-t.C:
			hbCtx, hbCancel := context.WithTimeout(ctx, g.cfg.HeartbeatTimeout)
			err := conn.Ping(hbCtx)
			hbCancel()

			if err != nil {
				failures++
				g.log.Info("ws.ping.fail", "session_id", client.SessionID, "failures", failures, "err", err)
				if failures >= maxPingFailures {
					shutdown(websocket.StatusGoingAway, "heartbeat failed")
					return
				}
				continue
			}
			failures = 0
		}
	}
}

func (g *Gateway) onHello(ctx context.Context, sess *session) error {
	payload, err := json.Marshal(v1.HelloAckPayload{SessionID: sess.client.SessionID})
	if err != nil {
		return err
	}
	if err := g.send(ctx, sess.client, v1.TypeHelloAck, "", payload); err != nil {
		return err
	}
	sess.greeted = true
	return nil
}

func (g *Gateway) onWatch(ctx context.Context, sess *session, env v1.Envelope) error {
	var p v1.ClubWatchPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}
	clubID := strings.TrimSpace(p.ClubID)
	if clubID == "" {
		return errors.New("missing club_id")
	}

	if env.Type == v1.TypeClubUnwatch {
		if _, ok := sess.watched[clubID]; ok {
			g.hub.Unwatch(clubID, sess.client.SessionID)
			delete(sess.watched, clubID)
		}
		return g.echoWatch(ctx, sess.client, env.Type, clubID)
	}

	if _, ok := sess.watched[clubID]; !ok {
		if len(sess.watched) >= g.cfg.MaxWatches {
			return fmt.Errorf("too many watched clubs: max=%d", g.cfg.MaxWatches)
		}
		if g.clubs != nil {
			if _, err := g.clubs.GetClub(ctx, clubID); err != nil {
				if errors.Is(err, rotation.ErrNotFound) {
					return errors.New("unknown club_id")
				}
				return errors.New("club lookup failed")
			}
		}
		g.hub.Watch(clubID, sess.client)
		sess.watched[clubID] = struct{}{}
	}
	return g.echoWatch(ctx, sess.client, env.Type, clubID)
}

func (g *Gateway) echoWatch(ctx context.Context, client *Client, typ, clubID string) error {
	payload, err := json.Marshal(v1.ClubWatchPayload{ClubID: clubID})
	if err != nil {
		return err
	}
	return g.send(ctx, client, typ, clubID, payload)
}

func (g *Gateway) send(ctx context.Context, client *Client, typ, clubID string, payload []byte) error {
	env, err := newEnvelope(typ, payload, time.Now().UTC())
	if err != nil {
		return err
	}
	env.ClubID = clubID
	if !enqueue(ctx, client, env) {
		return fmt.Errorf("backpressure: %s", typ)
	}
	return nil
}

func (g *Gateway) trySendError(ctx context.Context, client *Client, code, msg string) {
	payload, err := json.Marshal(v1.ErrorPayload{Code: code, Message: msg})
	if err != nil {
		return
	}
	_ = g.send(ctx, client, v1.TypeError, "", payload)
}

func enqueue(ctx context.Context, client *Client, env v1.Envelope) bool {
	select {
	case <-ctx.Done():
		return false
	case <-client.Done():
		return false
	case client.Send <- env:
		return true
	default:
		return false
	}
}
