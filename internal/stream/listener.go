package stream

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"futures-engine/internal/gateway"
	"futures-engine/internal/monitor"
	"futures-engine/pkg/exchanges/binance/futures_usdt"
)

var log = logrus.WithField("component", "stream")

var (
	errRecycle          = errors.New("connection reached max age")
	errListenKeyExpired = errors.New("listen key expired")
)

// KeySource manages the listen key the stream URL is built from.
type KeySource interface {
	CreateListenKey(ctx context.Context) (string, error)
	KeepAliveListenKey(ctx context.Context, listenKey string) error
}

// Requester asks for a resynchronization.
type Requester interface {
	Request()
}

// ListenerConfig controls connection lifetime.
type ListenerConfig struct {
	BaseURL     string        // websocket root, the listen key is appended
	Keepalive   time.Duration // listen key refresh period
	MaxAge      time.Duration // a connection is recycled after this long
	ReadTimeout time.Duration // no frame, ping included, for this long drops the connection
	Backoff     gateway.Backoff
}

// Listener keeps one user data stream connection alive and feeds decoded
// order updates into the queue in arrival order.
type Listener struct {
	src     KeySource
	queue   *Queue
	resync  Requester
	metrics *monitor.SystemMetrics
	cfg     ListenerConfig
	dialer  *websocket.Dialer
}

// NewListener builds a listener. metrics may be nil.
func NewListener(src KeySource, queue *Queue, resync Requester, metrics *monitor.SystemMetrics, cfg ListenerConfig) *Listener {
	if cfg.Keepalive <= 0 {
		cfg.Keepalive = 30 * time.Minute
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = 23 * time.Hour
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 10 * time.Minute
	}
	if cfg.Backoff.Base <= 0 {
		cfg.Backoff = gateway.Backoff{Base: time.Second, Max: time.Minute}
	}
	cfg.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")
	return &Listener{
		src:     src,
		queue:   queue,
		resync:  resync,
		metrics: metrics,
		cfg:     cfg,
		dialer:  &websocket.Dialer{HandshakeTimeout: 15 * time.Second},
	}
}

// Run connects and reconnects until ctx is done. Every successful
// connection requests a resync to cover whatever was missed while down.
func (l *Listener) Run(ctx context.Context) error {
	attempt := 0
	for {
		connected, err := l.session(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if connected {
			attempt = 0
		}
		l.metrics.Inc(monitor.Reconnects)

		if errors.Is(err, errRecycle) || errors.Is(err, errListenKeyExpired) {
			log.WithError(err).Info("user stream reconnecting")
			continue
		}
		delay := l.cfg.Backoff.Delay(attempt)
		attempt++
		log.WithError(err).WithFields(logrus.Fields{"attempt": attempt, "retry_in": delay}).Warn("user stream disconnected")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

// session runs one connection to completion.
func (l *Listener) session(ctx context.Context) (bool, error) {
	key, err := l.src.CreateListenKey(ctx)
	if err != nil {
		return false, fmt.Errorf("create listen key: %w", err)
	}
	conn, _, err := l.dialer.DialContext(ctx, l.cfg.BaseURL+"/"+key, nil)
	if err != nil {
		return false, fmt.Errorf("dial user stream: %w", err)
	}

	sctx, cancel := context.WithTimeout(ctx, l.cfg.MaxAge)
	var wg sync.WaitGroup
	defer func() {
		cancel()
		wg.Wait()
	}()
	wg.Add(2)
	go func() {
		defer wg.Done()
		<-sctx.Done()
		conn.Close()
	}()
	go func() {
		defer wg.Done()
		l.keepAlive(sctx, key)
	}()

	conn.SetPingHandler(func(data string) error {
		_ = conn.SetReadDeadline(time.Now().Add(l.cfg.ReadTimeout))
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(5*time.Second))
	})

	log.Info("user stream connected")
	l.resync.Request()

	for {
		_ = conn.SetReadDeadline(time.Now().Add(l.cfg.ReadTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil && errors.Is(sctx.Err(), context.DeadlineExceeded) {
				return true, errRecycle
			}
			return true, fmt.Errorf("read user stream: %w", err)
		}

		ev, err := futures_usdt.DecodeUserEvent(msg)
		if err != nil {
			log.WithError(err).Warn("undecodable user stream message")
			continue
		}
		switch ev.Type {
		case futures_usdt.EventListenKeyExpired:
			return true, errListenKeyExpired
		case futures_usdt.EventOrderTradeUpdate:
			if err := l.queue.Push(ctx, *ev.Order); err != nil {
				return true, err
			}
		}
	}
}

func (l *Listener) keepAlive(ctx context.Context, key string) {
	ticker := time.NewTicker(l.cfg.Keepalive)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := l.src.KeepAliveListenKey(ctx, key); err != nil {
				log.WithError(err).Warn("listen key keepalive failed")
			}
		}
	}
}
