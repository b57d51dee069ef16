package reader

import (
	"context"
	"time"

	"github.com/gorilla/websocket"

	"walletwatch/logger"
)

const (
	defaultReconnectDelay = 5 * time.Second
	defaultKeepAlive      = 30 * time.Second
	defaultReadTimeout    = 90 * time.Second
)

type wsOptions struct {
	url            string
	reconnectDelay time.Duration
	pingInterval   time.Duration
	readTimeout    time.Duration
	// subscribe is sent after every (re)connect.
	subscribe []interface{}
	onConn    func(connected bool)
}

// runWebSocket keeps one connection alive until ctx is done, reconnecting
// after errors and resubscribing on every connect.
func runWebSocket(ctx context.Context, opts wsOptions, log *logger.Entry, handler func([]byte)) {
	if opts.reconnectDelay <= 0 {
		opts.reconnectDelay = defaultReconnectDelay
	}
	if opts.readTimeout <= 0 {
		opts.readTimeout = defaultReadTimeout
	}
	dialer := websocket.DefaultDialer
	for {
		if ctx.Err() != nil {
			return
		}

		conn, _, err := dialer.DialContext(ctx, opts.url, nil)
		if err != nil {
			log.WithError(err).WithField("url", opts.url).Warn("failed to connect to websocket")
			if waitForReconnect(ctx, opts.reconnectDelay) {
				return
			}
			continue
		}

		if err := subscribe(conn, opts.subscribe); err != nil {
			log.WithError(err).Warn("failed to subscribe, reconnecting")
			conn.Close()
			if waitForReconnect(ctx, opts.reconnectDelay) {
				return
			}
			continue
		}
		if opts.onConn != nil {
			opts.onConn(true)
		}

		pingCancel := startPingLoop(ctx, conn, opts.pingInterval, log)
		// unblock ReadMessage on shutdown
		stop := context.AfterFunc(ctx, func() { conn.Close() })

		if err := readMessages(conn, opts.readTimeout, handler); err != nil && ctx.Err() == nil {
			log.WithError(err).Warn("websocket read loop ended")
		}

		stop()
		pingCancel()
		if opts.onConn != nil {
			opts.onConn(false)
		}
		conn.Close()

		if waitForReconnect(ctx, opts.reconnectDelay) {
			return
		}
	}
}

func subscribe(conn *websocket.Conn, msgs []interface{}) error {
	for _, m := range msgs {
		if err := conn.WriteJSON(m); err != nil {
			return err
		}
	}
	return nil
}

func readMessages(conn *websocket.Conn, timeout time.Duration, handler func([]byte)) error {
	for {
		conn.SetReadDeadline(time.Now().Add(timeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		if handler != nil {
			handler(msg)
		}
	}
}

func waitForReconnect(ctx context.Context, delay time.Duration) bool {
	if delay <= 0 {
		delay = defaultReconnectDelay
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return true
	case <-timer.C:
		return false
	}
}

// startPingLoop sends the application-level {"method":"ping"} the server
// expects; it answers with a pong message on the "pong" channel.
func startPingLoop(ctx context.Context, conn *websocket.Conn, interval time.Duration, log *logger.Entry) context.CancelFunc {
	if interval <= 0 {
		interval = defaultKeepAlive
	}
	pingCtx, cancel := context.WithCancel(ctx)
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-pingCtx.Done():
				return
			case <-ticker.C:
				conn.SetWriteDeadline(time.Now().Add(time.Second))
				if err := conn.WriteJSON(map[string]string{"method": "ping"}); err != nil {
					log.WithError(err).Warn("failed to send websocket ping")
					cancel()
					return
				}
			}
		}
	}()
	return cancel
}
