// Package fraud implements risk scoring for payment requests.
// Score is a pure function over the request and a history snapshot; it holds
// no mutable state and never touches storage, so every assessment is
// recomputable and auditable after the fact.
package fraud

import (
	"strings"
	"time"
)

// Actions a score maps to.
const (
	ActionAllow  = "allow"
	ActionReview = "review"
	ActionBlock  = "block"
)

// Config holds scoring weights and action thresholds. All values are
// product-tuned policy, injected from configuration rather than hard-coded.
type Config struct {
	BlockThreshold  int // score >= block -> block
	ReviewThreshold int // score >= review -> settlement withheld

	PatternWeight  int   // suspicious text in the description
	VelocityWeight int   // per transaction in the trailing window, once over VelocityMax
	AnomalyWeight  int   // amount far above the user's historical average
	GeoWeight      int   // request country differs from the usual one

	VelocityMax       int   // transactions in the window before velocity scores
	AnomalyMultiplier int64 // amount / historical average ratio that trips the anomaly signal
}

// DefaultConfig returns the default policy values.
func DefaultConfig() Config {
	return Config{
		BlockThreshold:    80,
		ReviewThreshold:   50,
		PatternWeight:     30,
		VelocityWeight:    10,
		AnomalyWeight:     40,
		GeoWeight:         25,
		VelocityMax:       5,
		AnomalyMultiplier: 10,
	}
}

// Request is the slice of a payment request the scorer looks at.
type Request struct {
	UserID      int64
	Amount      int64
	Currency    string
	Method      string
	Description string
	Country     string
}

// History is a snapshot of the user's recent ledger activity, assembled by
// the caller. A slightly stale snapshot is acceptable; the balance mutation
// itself stays strongly consistent elsewhere.
type History struct {
	VelocityCount int    // payments in the trailing velocity window
	AvgAmount     int64  // average completed amount over the history window
	UsualCountry  string // most frequent country on past payments
}

// Assessment is the scoring result. Reasons list every signal that fired.
type Assessment struct {
	RiskScore   int       `json:"risk_score"`
	Reasons     []string  `json:"reasons"`
	Action      string    `json:"action"`
	EvaluatedAt time.Time `json:"evaluated_at"`
}

// suspiciousTerms flag descriptions associated with abuse probes.
var suspiciousTerms = []string{
	"test transaction",
	"chargeback",
	"free coins",
	"admin credit",
	"script",
}

// Detector scores payment requests against a fixed policy.
type Detector struct {
	cfg Config
}

// NewDetector creates a Detector with the given policy.
func NewDetector(cfg Config) *Detector {
	return &Detector{cfg: cfg}
}

// Score evaluates a request against a history snapshot. Signals combine
// additively; the total is clamped to [0, 100].
func (d *Detector) Score(req Request, hist History, now time.Time) Assessment {
	score := 0
	var reasons []string

	if suspiciousDescription(req.Description) {
		score += d.cfg.PatternWeight
		reasons = append(reasons, "suspicious description pattern")
	}

	if d.cfg.VelocityMax > 0 && hist.VelocityCount >= d.cfg.VelocityMax {
		score += d.cfg.VelocityWeight * hist.VelocityCount
		reasons = append(reasons, "high transaction velocity")
	}

	if hist.AvgAmount > 0 && req.Amount >= hist.AvgAmount*d.cfg.AnomalyMultiplier {
		score += d.cfg.AnomalyWeight
		reasons = append(reasons, "amount anomaly vs history")
	}

	if req.Country != "" && hist.UsualCountry != "" && !strings.EqualFold(req.Country, hist.UsualCountry) {
		score += d.cfg.GeoWeight
		reasons = append(reasons, "geolocation inconsistency")
	}

	if score > 100 {
		score = 100
	}
	if score < 0 {
		score = 0
	}

	return Assessment{
		RiskScore:   score,
		Reasons:     reasons,
		Action:      d.action(score),
		EvaluatedAt: now,
	}
}

func (d *Detector) action(score int) string {
	switch {
	case score >= d.cfg.BlockThreshold:
		return ActionBlock
	case score >= d.cfg.ReviewThreshold:
		return ActionReview
	default:
		return ActionAllow
	}
}

func suspiciousDescription(desc string) bool {
	if desc == "" {
		return false
	}
	lower := strings.ToLower(desc)
	for _, term := range suspiciousTerms {
		if strings.Contains(lower, term) {
			return true
		}
	}
	return false
}
