package processor

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"walletwatch/internal/aggregator"
	"walletwatch/internal/engine"
	"walletwatch/internal/metrics"
	"walletwatch/logger"
	"walletwatch/models"
)

const maxReplayLine = 1 << 20

// EventFilter normalises an event and reports whether it should be kept.
type EventFilter interface {
	Normalize(models.Event) (models.Event, bool)
}

// ReplayStats summarises one replay run.
type ReplayStats struct {
	Lines     int                    `json:"lines"`
	Events    int                    `json:"events"`
	Filtered  int                    `json:"filtered"`
	Malformed int                    `json:"malformed"`
	Outcomes  map[models.Outcome]int `json:"outcomes"`
}

// Replayer runs a recorded JSONL capture through aggregation and the engine
// on event time, so windows and cooldowns behave as they did when recorded.
// It is single threaded and deterministic for a given input.
type Replayer struct {
	agg      *aggregator.Aggregator
	engine   *engine.Engine
	filter   EventFilter
	counters *metrics.Counters
	log      *logger.Log
}

func NewReplayer(window time.Duration, eng *engine.Engine, filter EventFilter, counters *metrics.Counters) (*Replayer, error) {
	agg, err := aggregator.New(window)
	if err != nil {
		return nil, err
	}
	agg.OnOpen(func(models.AggregationKey) { counters.Inc(metrics.GroupsOpened) })
	agg.OnSeal(func(models.SealedGroup) { counters.Inc(metrics.GroupsSealed) })
	return &Replayer{agg: agg, engine: eng, filter: filter, counters: counters, log: logger.GetLogger()}, nil
}

// Run reads one JSON event per line. Blank lines and lines starting with #
// are skipped; malformed lines are counted and skipped. Every group still
// open at the end of the input is flushed at the last event time.
func (r *Replayer) Run(ctx context.Context, in io.Reader, emit func(models.Alert)) (ReplayStats, error) {
	log := r.log.WithComponent("replay")
	stats := ReplayStats{Outcomes: make(map[models.Outcome]int)}
	var now time.Time

	decide := func(groups []models.SealedGroup) {
		for _, g := range groups {
			alert, outcome := r.engine.Process(g, now)
			stats.Outcomes[outcome]++
			if alert != nil && emit != nil {
				emit(*alert)
			}
		}
	}

	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 64*1024), maxReplayLine)
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		stats.Lines++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		var ev models.Event
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			stats.Malformed++
			log.WithError(err).WithField("line", stats.Lines).Warn("skipping malformed replay line")
			continue
		}
		if r.filter != nil {
			var keep bool
			if ev, keep = r.filter.Normalize(ev); !keep {
				stats.Filtered++
				continue
			}
		}
		stats.Events++

		// the replay clock never runs backwards
		if ev.Timestamp.After(now) {
			now = ev.Timestamp
		}
		decide(r.agg.Sweep(now))

		sealed, err := r.agg.Ingest(ev, now)
		if err != nil {
			var dq *models.DataQualityError
			switch {
			case errors.As(err, &dq):
				r.counters.Inc(metrics.EventsDropped)
			case errors.Is(err, aggregator.ErrDuplicate):
				r.counters.Inc(metrics.EventsDuplicate)
			default:
				return stats, err
			}
			continue
		}
		if sealed != nil {
			decide([]models.SealedGroup{*sealed})
		}
	}
	if err := scanner.Err(); err != nil {
		return stats, fmt.Errorf("read replay input: %w", err)
	}

	decide(r.agg.Flush(now))
	log.WithFields(logger.Fields{
		"lines":     stats.Lines,
		"events":    stats.Events,
		"malformed": stats.Malformed,
		"outcomes":  stats.Outcomes,
	}).Info("replay finished")
	return stats, nil
}
