// Property-based tests for the fraud detector.
package fraud

import (
	"testing"
	"time"

	"pgregory.net/rapid"
)

func drawRequest(t *rapid.T) Request {
	return Request{
		UserID:      rapid.Int64Range(1, 1000000).Draw(t, "userID"),
		Amount:      rapid.Int64Range(1, 10000000).Draw(t, "amount"),
		Currency:    rapid.SampledFrom([]string{"USD", "EUR", "NPR"}).Draw(t, "currency"),
		Method:      rapid.SampledFrom([]string{"stripe", "paypal", "esewa", "khalti"}).Draw(t, "method"),
		Description: rapid.StringN(0, 40, 80).Draw(t, "description"),
		Country:     rapid.SampledFrom([]string{"", "US", "NP", "DE", "IN"}).Draw(t, "country"),
	}
}

func drawHistory(t *rapid.T) History {
	return History{
		VelocityCount: rapid.IntRange(0, 50).Draw(t, "velocityCount"),
		AvgAmount:     rapid.Int64Range(0, 1000000).Draw(t, "avgAmount"),
		UsualCountry:  rapid.SampledFrom([]string{"", "US", "NP", "DE"}).Draw(t, "usualCountry"),
	}
}

// TestScoreBoundsProperty checks that every score lands in [0, 100].
func TestScoreBoundsProperty(t *testing.T) {
	d := NewDetector(DefaultConfig())
	rapid.Check(t, func(t *rapid.T) {
		a := d.Score(drawRequest(t), drawHistory(t), time.Now())
		if a.RiskScore < 0 || a.RiskScore > 100 {
			t.Fatalf("Score out of bounds: %d", a.RiskScore)
		}
	})
}

// TestScoreDeterministicProperty checks that scoring is a pure function:
// identical inputs always produce identical assessments.
func TestScoreDeterministicProperty(t *testing.T) {
	d := NewDetector(DefaultConfig())
	rapid.Check(t, func(t *rapid.T) {
		req := drawRequest(t)
		hist := drawHistory(t)
		now := time.Now()

		a1 := d.Score(req, hist, now)
		a2 := d.Score(req, hist, now)

		if a1.RiskScore != a2.RiskScore || a1.Action != a2.Action {
			t.Fatalf("Non-deterministic score: %+v vs %+v", a1, a2)
		}
		if len(a1.Reasons) != len(a2.Reasons) {
			t.Fatalf("Non-deterministic reasons: %v vs %v", a1.Reasons, a2.Reasons)
		}
	})
}

// TestActionMonotonicProperty checks that the action matches the configured
// thresholds for whatever score came out.
func TestActionMonotonicProperty(t *testing.T) {
	cfg := DefaultConfig()
	d := NewDetector(cfg)
	rapid.Check(t, func(t *rapid.T) {
		a := d.Score(drawRequest(t), drawHistory(t), time.Now())

		switch {
		case a.RiskScore >= cfg.BlockThreshold:
			if a.Action != ActionBlock {
				t.Fatalf("Score %d should block, got %s", a.RiskScore, a.Action)
			}
		case a.RiskScore >= cfg.ReviewThreshold:
			if a.Action != ActionReview {
				t.Fatalf("Score %d should review, got %s", a.RiskScore, a.Action)
			}
		default:
			if a.Action != ActionAllow {
				t.Fatalf("Score %d should allow, got %s", a.RiskScore, a.Action)
			}
		}
	})
}

// TestReasonsMatchScoreProperty checks that a nonzero score always names at
// least one reason and a zero score names none.
func TestReasonsMatchScoreProperty(t *testing.T) {
	d := NewDetector(DefaultConfig())
	rapid.Check(t, func(t *rapid.T) {
		a := d.Score(drawRequest(t), drawHistory(t), time.Now())

		if a.RiskScore > 0 && len(a.Reasons) == 0 {
			t.Fatalf("Score %d with no reasons", a.RiskScore)
		}
		if a.RiskScore == 0 && len(a.Reasons) != 0 {
			t.Fatalf("Zero score with reasons: %v", a.Reasons)
		}
	})
}
