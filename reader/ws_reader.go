package reader

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	appconfig "walletwatch/config"
	"walletwatch/internal/metrics"
	"walletwatch/logger"
	"walletwatch/models"
)

// EventSink accepts normalised events. SendEvent blocks until the event is
// queued or ctx is done.
type EventSink interface {
	SendEvent(ctx context.Context, ev models.Event) bool
}

// WSReader streams fills and order updates for watched wallets from the
// Hyperliquid websocket. Each wallet has its own connection so the wallet of
// every push is known and events stay in per-wallet order.
type WSReader struct {
	cfg     appconfig.WebSocketConfig
	wallets []string
	norm    *Normalizer
	out     EventSink

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
	log     *logger.Log

	connected atomic.Int64
	messages  atomic.Int64
	events    atomic.Int64
	dropped   atomic.Int64
}

func NewWSReader(cfg appconfig.WebSocketConfig, wallets []string, norm *Normalizer, out EventSink) *WSReader {
	return &WSReader{
		cfg:     cfg,
		wallets: wallets,
		norm:    norm,
		out:     out,
		log:     logger.GetLogger(),
	}
}

func (r *WSReader) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return fmt.Errorf("websocket reader already running")
	}
	if len(r.wallets) == 0 {
		r.mu.Unlock()
		return fmt.Errorf("no wallets configured for websocket reader")
	}
	r.running = true
	r.ctx, r.cancel = context.WithCancel(ctx)
	r.mu.Unlock()

	log := r.log.WithComponent("ws_reader").WithFields(logger.Fields{"operation": "start"})
	log.WithFields(logger.Fields{
		"url":     r.cfg.URL,
		"wallets": len(r.wallets),
	}).Info("starting websocket reader")

	for _, wallet := range r.wallets {
		r.wg.Add(1)
		go r.streamWallet(wallet)
	}
	return nil
}

// Stop closes every connection and waits for the wallet workers.
func (r *WSReader) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	cancel := r.cancel
	r.mu.Unlock()

	r.log.WithComponent("ws_reader").Info("stopping websocket reader")
	cancel()
	r.wg.Wait()
	r.log.WithComponent("ws_reader").WithFields(logger.Fields{"stats": r.Stats()}).Info("websocket reader stopped")
}

func (r *WSReader) streamWallet(wallet string) {
	defer r.wg.Done()

	log := r.log.WithComponent("ws_reader").WithWallet(wallet).WithField("worker", "wallet_stream")

	var subs []interface{}
	for _, s := range subscriptions(wallet) {
		subs = append(subs, s)
	}
	runWebSocket(r.ctx, wsOptions{
		url:            r.cfg.URL,
		reconnectDelay: r.cfg.ReconnectDelay,
		pingInterval:   r.cfg.PingInterval,
		readTimeout:    r.cfg.ReadTimeout,
		subscribe:      subs,
		onConn: func(up bool) {
			if up {
				r.connected.Add(1)
				log.Info("websocket connected and subscribed")
			} else {
				r.connected.Add(-1)
			}
		},
	}, log, func(msg []byte) {
		r.handleMessage(log, wallet, msg)
	})
}

func (r *WSReader) handleMessage(log *logger.Entry, wallet string, msg []byte) {
	r.messages.Add(1)
	logger.IncrementFeedRead("hyperliquid", len(msg))

	var env wsMessage
	if err := json.Unmarshal(msg, &env); err != nil {
		r.dropped.Add(1)
		metrics.EmitDropMetric(r.log, metrics.DropMetricFeedDecode, wallet, "", "decode")
		log.WithError(err).Debug("failed to decode websocket message")
		return
	}

	switch env.Channel {
	case channelUserFills:
		var data userFillsData
		if err := json.Unmarshal(env.Data, &data); err != nil {
			r.decodeFailed(log, wallet, env.Channel, err)
			return
		}
		// the first push replays recent history
		if data.IsSnapshot {
			log.WithField("fills", len(data.Fills)).Debug("skipping fill snapshot")
			return
		}
		for _, f := range data.Fills {
			ev, err := r.norm.fromFill(wallet, f)
			r.forward(log, ev, err)
		}
	case channelOrderUpdates:
		var updates []hlOrderUpdate
		if err := json.Unmarshal(env.Data, &updates); err != nil {
			r.decodeFailed(log, wallet, env.Channel, err)
			return
		}
		for _, u := range updates {
			ev, err := r.norm.fromOrderUpdate(wallet, u)
			r.forward(log, ev, err)
		}
	case "error":
		log.WithField("data", string(env.Data)).Warn("websocket error message")
	default:
		// subscriptionResponse, pong
	}
}

func (r *WSReader) decodeFailed(log *logger.Entry, wallet, channel string, err error) {
	r.dropped.Add(1)
	metrics.EmitDropMetric(r.log, metrics.DropMetricFeedDecode, wallet, "", channel)
	log.WithError(err).WithField("channel", channel).Warn("failed to decode channel payload")
}

func (r *WSReader) forward(log *logger.Entry, ev models.Event, err error) {
	if err != nil {
		r.dropped.Add(1)
		metrics.EmitDropMetric(r.log, metrics.DropMetricFeedDecode, ev.WalletAddress, ev.AssetSymbol, "normalize")
		log.WithError(err).Debug("dropping malformed feed record")
		return
	}
	ev, ok := r.norm.Normalize(ev)
	if !ok {
		return
	}
	if !r.out.SendEvent(r.ctx, ev) {
		log.WithField("event_id", ev.ID).Debug("reader stopping, event not queued")
		return
	}
	r.events.Add(1)
}

func (r *WSReader) Stats() map[string]int64 {
	return map[string]int64{
		"connections": r.connected.Load(),
		"messages":    r.messages.Load(),
		"events":      r.events.Load(),
		"dropped":     r.dropped.Load(),
	}
}
