package channel

import (
	"context"
	"sync"
	"time"

	"walletwatch/logger"
	"walletwatch/models"
)

type ChannelStats struct {
	EventsSent    int64
	AlertsSent    int64
	AlertsDropped int64
}

// Channels connects the feed readers to the pipeline (Events) and the
// pipeline to the dispatcher (Alerts).
type Channels struct {
	Events chan models.Event
	Alerts chan models.Alert

	stats      ChannelStats
	statsMutex sync.RWMutex
	log        *logger.Log

	eventsOnce sync.Once
	alertsOnce sync.Once
}

func NewChannels(eventBufferSize, alertBufferSize int) *Channels {
	log := logger.GetLogger()
	c := &Channels{
		Events: make(chan models.Event, eventBufferSize),
		Alerts: make(chan models.Alert, alertBufferSize),
		log:    log,
	}

	log.WithComponent("channels").WithFields(logger.Fields{
		"event_buffer_size": eventBufferSize,
		"alert_buffer_size": alertBufferSize,
	}).Info("channels initialized")

	return c
}

// SendEvent blocks until the event is queued or ctx is done. Events are never
// dropped silently: the caller learns about cancellation from the result.
func (c *Channels) SendEvent(ctx context.Context, ev models.Event) bool {
	select {
	case c.Events <- ev:
		c.statsMutex.Lock()
		c.stats.EventsSent++
		c.statsMutex.Unlock()
		return true
	case <-ctx.Done():
		return false
	}
}

// SendAlert queues an alert without blocking. A full buffer drops the alert
// and counts it.
func (c *Channels) SendAlert(alert models.Alert) bool {
	select {
	case c.Alerts <- alert:
		c.statsMutex.Lock()
		c.stats.AlertsSent++
		c.statsMutex.Unlock()
		return true
	default:
		c.statsMutex.Lock()
		c.stats.AlertsDropped++
		c.statsMutex.Unlock()
		return false
	}
}

// SendAlertWait blocks until the alert is queued or ctx is done. Used on the
// shutdown flush, when the dispatcher is still draining the channel.
func (c *Channels) SendAlertWait(ctx context.Context, alert models.Alert) bool {
	select {
	case c.Alerts <- alert:
		c.statsMutex.Lock()
		c.stats.AlertsSent++
		c.statsMutex.Unlock()
		return true
	case <-ctx.Done():
		c.statsMutex.Lock()
		c.stats.AlertsDropped++
		c.statsMutex.Unlock()
		return false
	}
}

// CloseEvents closes the event channel. Readers must be stopped first.
func (c *Channels) CloseEvents() {
	c.eventsOnce.Do(func() {
		close(c.Events)
		c.log.WithComponent("channels").Info("event channel closed")
	})
}

// CloseAlerts closes the alert channel. The pipeline must be stopped first.
func (c *Channels) CloseAlerts() {
	c.alertsOnce.Do(func() {
		close(c.Alerts)
		c.log.WithComponent("channels").Info("alert channel closed")
	})
}

func (c *Channels) Close() {
	c.CloseEvents()
	c.CloseAlerts()
}

func (c *Channels) GetStats() ChannelStats {
	c.statsMutex.RLock()
	defer c.statsMutex.RUnlock()
	return c.stats
}

func (c *Channels) StartMetricsReporting(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.logChannelStats()
			}
		}
	}()
}

func (c *Channels) logChannelStats() {
	stats := c.GetStats()
	c.log.WithComponent("channels").WithFields(logger.Fields{
		"events_sent":       stats.EventsSent,
		"alerts_sent":       stats.AlertsSent,
		"alerts_dropped":    stats.AlertsDropped,
		"event_channel_len": len(c.Events),
		"event_channel_cap": cap(c.Events),
		"alert_channel_len": len(c.Alerts),
		"alert_channel_cap": cap(c.Alerts),
	}).Info("channel statistics")
}
