// Package main provides a CI-friendly smoke test for the clubrotor rotation feed.
//
// Against a fresh dev server (CLUBROTOR_DEV_CLUBS=smoke:1) it validates:
//   - handshake + subprotocol selection
//   - hello/ack session establishment
//   - club_watch echo for two watchers
//   - enqueue over HTTP, then an on-demand rotation
//   - fanout of the rotation envelope to both watchers
package main

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	v1 "clubrotor/shared/contracts/feed/v1"

	"github.com/coder/websocket"
	"github.com/goccy/go-json"
)

const maxReadBytes = 1 << 20

type smokeClient struct {
	name      string
	conn      *websocket.Conn
	sessionID string

	inbox chan v1.Envelope
	errCh chan error
}

type rotateResponse struct {
	Outcome string `json:"outcome"`
	Active  *struct {
		ID          string    `json:"id"`
		ExternalRef string    `json:"external_ref"`
		WindowEnd   time.Time `json:"window_end"`
	} `json:"active"`
}

func main() {
	var (
		baseURL   = flag.String("url", "http://127.0.0.1:8080", "Server base URL")
		origin    = flag.String("origin", "http://localhost", "Origin header to send (browser-like WS handshake)")
		clubID    = flag.String("club", "smoke", "Club ID to watch and rotate")
		submitter = flag.String("submitter", "smoke-user", "Submitter ID for the suggestion")
		ref       = flag.String("ref", fmt.Sprintf("smoke-%d", time.Now().Unix()), "External ref to suggest")
		timeout   = flag.Duration("timeout", 7*time.Second, "Per-step timeout")
		verbose   = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	wsURL, err := feedURL(*baseURL)
	if err != nil {
		fatalf("invalid -url: %v", err)
	}
	if err := validateOrigin(*origin); err != nil {
		fatalf("invalid -origin: %v", err)
	}

	root := context.Background()

	a := mustConnect(root, "A", wsURL, *origin, *timeout)
	defer closeWS(a.conn)
	b := mustConnect(root, "B", wsURL, *origin, *timeout)
	defer closeWS(b.conn)

	if *verbose {
		fmt.Printf("connected: A=%s B=%s origin=%q\n", a.sessionID, b.sessionID, *origin)
	}

	mustWatch(root, a, *clubID, *timeout)
	mustWatch(root, b, *clubID, *timeout)

	httpc := &http.Client{Timeout: *timeout}
	mustEnqueue(httpc, *baseURL, *clubID, *submitter, *ref)

	rot := mustRotate(httpc, *baseURL, *clubID)
	if rot.Outcome != v1.OutcomeRotated || rot.Active == nil {
		fatalf("rotate: outcome=%q; the club's slot must be vacant or elapsed for the smoke run", rot.Outcome)
	}
	if rot.Active.ExternalRef != *ref {
		fatalf("rotate: promoted ref=%q want=%q (queue not empty before the run?)", rot.Active.ExternalRef, *ref)
	}

	for _, c := range []*smokeClient{a, b} {
		env := c.mustReadUntilType(root, v1.TypeRotation, *timeout)
		var p v1.RotationPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			fatalf("unmarshal rotation payload (%s): %v", c.name, err)
		}
		if p.ClubID != *clubID || p.Outcome != v1.OutcomeRotated || p.Active == nil || p.Active.ID != rot.Active.ID {
			fatalf("rotation mismatch (%s): %+v want active id=%s", c.name, p, rot.Active.ID)
		}
	}

	fmt.Printf("OK: A=%s B=%s club_id=%s active_id=%s window_end=%s\n",
		a.sessionID, b.sessionID, *clubID, rot.Active.ID, rot.Active.WindowEnd.Format(time.RFC3339))
}

func feedURL(base string) (string, error) {
	u, err := url.Parse(strings.TrimRight(strings.TrimSpace(base), "/"))
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return "", errors.New("missing host")
	}
	u.Path += "/ws"
	return u.String(), nil
}

func validateOrigin(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("origin must be http/https, got: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("origin missing host")
	}
	return nil
}

func mustConnect(parent context.Context, name, wsURL, origin string, stepTimeout time.Duration) *smokeClient {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	h := http.Header{}
	if strings.TrimSpace(origin) != "" {
		h.Set("Origin", origin)
	}

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		Subprotocols: []string{v1.Subprotocol},
		HTTPHeader:   h,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		fatalf("connect %s: %v", name, err)
	}
	if got := conn.Subprotocol(); got != v1.Subprotocol {
		fatalf("subprotocol mismatch: got=%q want=%q", got, v1.Subprotocol)
	}

	conn.SetReadLimit(maxReadBytes)

	c := &smokeClient{
		name:  name,
		conn:  conn,
		inbox: make(chan v1.Envelope, 64),
		errCh: make(chan error, 1),
	}
	c.startReadLoop()

	mustWrite(parent, conn, v1.Envelope{
		V:       v1.Version,
		Type:    v1.TypeHello,
		ID:      name + "-hello",
		TS:      time.Now().UTC(),
		Payload: mustJSON(v1.HelloPayload{}),
	}, stepTimeout)

	ack := c.mustReadUntilType(parent, v1.TypeHelloAck, stepTimeout)
	var p v1.HelloAckPayload
	if err := json.Unmarshal(ack.Payload, &p); err != nil {
		fatalf("unmarshal hello_ack payload (%s): %v", name, err)
	}
	if strings.TrimSpace(p.SessionID) == "" {
		fatalf("hello_ack missing session_id (%s)", name)
	}
	c.sessionID = p.SessionID
	return c
}

func mustWatch(parent context.Context, c *smokeClient, clubID string, stepTimeout time.Duration) {
	mustWrite(parent, c.conn, v1.Envelope{
		V:       v1.Version,
		Type:    v1.TypeClubWatch,
		ID:      c.name + "-watch",
		TS:      time.Now().UTC(),
		Payload: mustJSON(v1.ClubWatchPayload{ClubID: clubID}),
	}, stepTimeout)

	echo := c.mustReadUntilType(parent, v1.TypeClubWatch, stepTimeout)
	if echo.ClubID != clubID {
		fatalf("watch echo (%s): club_id=%q want=%q", c.name, echo.ClubID, clubID)
	}
}

func mustEnqueue(httpc *http.Client, base, clubID, submitter, ref string) {
	body := mustJSON(map[string]string{"external_ref": ref, "submitter_name": submitter})
	u := fmt.Sprintf("%s/clubs/%s/suggestions/%s", strings.TrimRight(base, "/"), url.PathEscape(clubID), url.PathEscape(submitter))
	req, err := http.NewRequest(http.MethodPut, u, bytes.NewReader(body))
	if err != nil {
		fatalf("enqueue request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	mustDo(httpc, req, http.StatusOK, nil)
}

func mustRotate(httpc *http.Client, base, clubID string) rotateResponse {
	u := fmt.Sprintf("%s/clubs/%s/rotate", strings.TrimRight(base, "/"), url.PathEscape(clubID))
	req, err := http.NewRequest(http.MethodPost, u, nil)
	if err != nil {
		fatalf("rotate request: %v", err)
	}
	var out rotateResponse
	mustDo(httpc, req, http.StatusOK, &out)
	return out
}

func mustDo(httpc *http.Client, req *http.Request, wantStatus int, out any) {
	resp, err := httpc.Do(req)
	if err != nil {
		fatalf("%s %s: %v", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxReadBytes))
	if err != nil {
		fatalf("%s %s: read body: %v", req.Method, req.URL.Path, err)
	}
	if resp.StatusCode != wantStatus {
		fatalf("%s %s: status=%d want=%d body=%s", req.Method, req.URL.Path, resp.StatusCode, wantStatus, raw)
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			fatalf("%s %s: decode: %v", req.Method, req.URL.Path, err)
		}
	}
}

func (c *smokeClient) startReadLoop() {
	go func() {
		defer close(c.inbox)

		for {
			_, data, err := c.conn.Read(context.Background())
			if err != nil {
				select {
				case c.errCh <- err:
				default:
				}
				return
			}

			var env v1.Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				select {
				case c.errCh <- fmt.Errorf("bad json: %w", err):
				default:
				}
				return
			}
			if err := env.Validate(); err != nil {
				select {
				case c.errCh <- fmt.Errorf("bad envelope: %w", err):
				default:
				}
				return
			}

			select {
			case c.inbox <- env:
			default:
				select {
				case c.errCh <- errors.New("inbox overflow: consumer too slow"):
				default:
				}
				return
			}
		}
	}()
}

func (c *smokeClient) mustReadUntilType(parent context.Context, wantType string, stepTimeout time.Duration) v1.Envelope {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			fatalf("timeout waiting for %q (%s): %v", wantType, c.name, ctx.Err())
		case err := <-c.errCh:
			fatalf("connection error while waiting for %q (%s): %v", wantType, c.name, err)
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed while waiting for %q (%s)", wantType, c.name)
			}
			if env.Type == wantType {
				return env
			}
			if env.Type == v1.TypeError {
				var ep v1.ErrorPayload
				_ = json.Unmarshal(env.Payload, &ep)
				fatalf("server error (%s): code=%q msg=%q", c.name, ep.Code, ep.Message)
			}
		}
	}
}

func mustWrite(parent context.Context, conn *websocket.Conn, env v1.Envelope, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		fatalf("marshal envelope: %v", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		fatalf("write failed: %v", err)
	}
}

func mustJSON(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

func closeWS(conn *websocket.Conn) {
	_ = conn.Close(websocket.StatusNormalClosure, "bye")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
