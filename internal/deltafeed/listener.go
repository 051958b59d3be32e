package deltafeed

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/agentworkforce/threadsync/internal/restapi"
)

const (
	DefaultReconnectDelay = 5 * time.Second
	defaultDialTimeout    = 10 * time.Second
)

// Listener follows the server change feed and reports every event. It
// reconnects after ReconnectDelay until its context is done.
type Listener struct {
	URL            string
	Token          string
	HTTPClient     *http.Client
	ReconnectDelay time.Duration
	DialTimeout    time.Duration
	Logger         *zap.Logger
	// OnConnect runs after every successful dial, before any event. Callers
	// use it to catch up on changes missed while disconnected.
	OnConnect func()
	OnEvent   func(restapi.ChangeEvent)
}

// ChangesURL maps the REST base URL to its websocket change feed.
func ChangesURL(baseURL string) (string, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path += "/v1/changes"
	return u.String(), nil
}

func (l *Listener) Run(ctx context.Context) error {
	if l.URL == "" {
		return errors.New("deltafeed: url is required")
	}
	logger := l.logger()
	delay := l.ReconnectDelay
	if delay <= 0 {
		delay = DefaultReconnectDelay
	}
	for {
		err := l.listenOnce(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		logger.Info("change_feed_disconnected", zap.Duration("reconnect_in", delay), zap.Error(err))
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (l *Listener) listenOnce(ctx context.Context) error {
	dialTimeout := l.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = defaultDialTimeout
	}
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	header := http.Header{}
	header.Set("X-Correlation-Id", restapi.NewCorrelationID())
	if l.Token != "" {
		header.Set("Authorization", "Bearer "+l.Token)
	}
	opts := &websocket.DialOptions{HTTPClient: l.HTTPClient, HTTPHeader: header}
	conn, _, err := websocket.Dial(dialCtx, l.URL, opts)
	cancel()
	if err != nil {
		return fmt.Errorf("dial change feed: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	l.logger().Debug("change_feed_connected", zap.String("url", l.URL))
	if l.OnConnect != nil {
		l.OnConnect()
	}
	for {
		var event restapi.ChangeEvent
		if err := wsjson.Read(ctx, conn, &event); err != nil {
			return err
		}
		if l.OnEvent != nil {
			l.OnEvent(event)
		}
	}
}

func (l *Listener) logger() *zap.Logger {
	if l.Logger == nil {
		return zap.NewNop()
	}
	return l.Logger
}
