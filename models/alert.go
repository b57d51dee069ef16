package models

import (
	"strconv"
	"time"

	"github.com/google/uuid"
)

// alertNamespace seeds the UUIDv5 alert identities.
var alertNamespace = uuid.MustParse("6f1c2a54-3b7e-4c8a-9d51-2e0b7f6a9c13")

// Alert is the terminal object handed to the dispatcher. It is created once
// per sealed, non-suppressed group and never modified afterwards.
type Alert struct {
	ID         string      `json:"id"`
	Group      SealedGroup `json:"group"`
	Tier       Tier        `json:"tier"`
	Suppressed bool        `json:"suppressed"`
	Summary    string      `json:"summary"`
	CreatedAt  time.Time   `json:"created_at"`
}

// AlertID derives a stable identity from the sealed group so that downstream
// consumers can deduplicate redelivery.
func AlertID(g SealedGroup) string {
	name := g.Key.String() + "|" + g.First().ID + "|" + strconv.Itoa(g.MemberCount)
	return uuid.NewSHA1(alertNamespace, []byte(name)).String()
}

// Outcome is the terminal state of a sealed group.
type Outcome string

const (
	OutcomeAlerted        Outcome = "alerted"
	OutcomeBelowThreshold Outcome = "discarded_below_threshold"
	OutcomeRateLimited    Outcome = "discarded_rate_limited"
	// OutcomeUndelivered marks an alert the engine produced that could not be
	// handed to the dispatcher.
	OutcomeUndelivered Outcome = "undelivered"
)

// Discarded reports whether the group ended without an alert.
func (o Outcome) Discarded() bool {
	return o != OutcomeAlerted
}
