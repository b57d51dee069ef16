package engine

import (
	"time"

	"walletwatch/internal/metrics"
	"walletwatch/logger"
	"walletwatch/models"
)

// Classifier assigns a tier to a USD notional.
type Classifier interface {
	Classify(value float64) models.Tier
}

// Limiter decides and records an emission for a key in one step.
type Limiter interface {
	Attempt(key models.RateLimitKey, now time.Time) bool
}

// Engine turns sealed groups into alerts. It holds no state of its own: the
// decision depends only on the group, the classifier and the limiter.
type Engine struct {
	classifier Classifier
	limiter    Limiter
	counters   *metrics.Counters
	log        *logger.Log
}

func New(classifier Classifier, limiter Limiter, counters *metrics.Counters) *Engine {
	return &Engine{
		classifier: classifier,
		limiter:    limiter,
		counters:   counters,
		log:        logger.GetLogger(),
	}
}

// Process moves a sealed group to its terminal state. An alert is returned
// only for OutcomeAlerted.
func (e *Engine) Process(g models.SealedGroup, now time.Time) (*models.Alert, models.Outcome) {
	tier := e.classifier.Classify(g.TotalUSDValue)
	if tier == models.BelowThreshold {
		e.counters.Inc(metrics.BelowThreshold)
		return nil, models.OutcomeBelowThreshold
	}

	key := models.RateLimitKey{Wallet: g.Key.Wallet, Asset: g.Key.Asset, Tier: tier}
	if !e.limiter.Attempt(key, now) {
		e.counters.Inc(metrics.AlertsSuppressed)
		e.log.WithComponent("engine").WithFields(logger.Fields{
			"key":       key.String(),
			"members":   g.MemberCount,
			"usd_value": g.TotalUSDValue,
		}).Debug("alert suppressed by rate limit")
		return nil, models.OutcomeRateLimited
	}

	alert := &models.Alert{
		ID:        models.AlertID(g),
		Group:     g,
		Tier:      tier,
		CreatedAt: now,
	}
	alert.Summary = Render(*alert, PlatformPlain)

	e.counters.Inc(metrics.AlertsEmitted)
	e.log.WithComponent("engine").WithWallet(g.Key.Wallet).WithAlert(alert.ID, tier.String()).WithFields(logger.Fields{
		"asset":     g.Key.Asset,
		"members":   g.MemberCount,
		"usd_value": g.TotalUSDValue,
	}).Info("alert emitted")
	return alert, models.OutcomeAlerted
}
