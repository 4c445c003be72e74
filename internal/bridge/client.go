package bridge

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"vtedge/internal/host"
	"vtedge/internal/worker"
)

// Client talks to a host over its control endpoints and websocket.
type Client struct {
	base   *url.URL
	http   *http.Client
	conn   *websocket.Conn
	frames chan host.Frame
	// done is closed by Close; stopped by readLoop on exit.
	done      chan struct{}
	stopped   chan struct{}
	closeOnce sync.Once

	writeMu sync.Mutex
	log     zerolog.Logger
}

// Dial opens the page websocket of the host at base.
func Dial(ctx context.Context, base string, log zerolog.Logger) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(base, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse host url: %w", err)
	}
	ws := *u
	switch u.Scheme {
	case "https":
		ws.Scheme = "wss"
	default:
		ws.Scheme = "ws"
	}
	ws.Path = u.Path + "/__sw/ws"

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, ws.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", ws.String(), err)
	}
	c := &Client{
		base:    u,
		http:    &http.Client{Timeout: 2 * time.Minute},
		conn:    conn,
		frames:  make(chan host.Frame, 64),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
		log:     log,
	}
	go c.readLoop()
	return c, nil
}

func (c *Client) Frames() <-chan host.Frame { return c.frames }

// Close drops the websocket. Frames is closed once the read loop exits,
// even if nobody drains it.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	return err
}

// Register registers scriptURL; its v parameter names the build.
func (c *Client) Register(ctx context.Context, scriptURL string) error {
	u, err := url.Parse(scriptURL)
	if err != nil {
		return err
	}
	q := url.Values{}
	if v := u.Query().Get("v"); v != "" {
		q.Set("v", v)
	}
	_, err = c.call(ctx, http.MethodPost, "/__sw/register", q, nil)
	return err
}

func (c *Client) Update(ctx context.Context) error {
	_, err := c.call(ctx, http.MethodPost, "/__sw/update", nil, nil)
	return err
}

func (c *Client) Info(ctx context.Context) (host.RegistrationInfo, error) {
	var info host.RegistrationInfo
	b, err := c.call(ctx, http.MethodGet, "/__sw/registration", nil, nil)
	if err != nil {
		return info, err
	}
	if err := sonic.Unmarshal(b, &info); err != nil {
		return info, fmt.Errorf("decode registration: %w", err)
	}
	return info, nil
}

// Post sends m to the worker in the target slot over the websocket.
func (c *Client) Post(ctx context.Context, target string, m worker.Inbound) error {
	data, err := worker.EncodeInbound(m)
	if err != nil {
		return err
	}
	b, err := host.Frame{Kind: host.KindPost, Target: target, Data: data}.Encode()
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	deadline := time.Now().Add(10 * time.Second)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = c.conn.SetWriteDeadline(deadline)
	return c.conn.WriteMessage(websocket.TextMessage, b)
}

func (c *Client) call(ctx context.Context, method, path string, q url.Values, body io.Reader) ([]byte, error) {
	u := *c.base
	u.Path = c.base.Path + path
	u.RawQuery = q.Encode()
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 300 {
		var e struct {
			Error string `json:"error"`
		}
		_ = sonic.Unmarshal(b, &e)
		return nil, fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, e.Error)
	}
	return b, nil
}

func (c *Client) readLoop() {
	defer close(c.stopped)
	defer close(c.frames)
	for {
		_, b, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Debug().Err(err).Msg("websocket closed")
			}
			return
		}
		f, err := host.DecodeFrame(b)
		if err != nil {
			c.log.Debug().Err(err).Msg("bad frame")
			continue
		}
		select {
		case c.frames <- f:
		case <-c.done:
			return
		}
	}
}
