// Package risk scores outbound transactions with deterministic weighted
// rules. Scoring is pure: no persistence, no network, injectable clock.
package risk

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/cryptanex/custodyguard/pkg/metrics"
)

// RiskLevel buckets a score.
type RiskLevel int

const (
	RiskLevelLow RiskLevel = iota
	RiskLevelMedium
	RiskLevelHigh
	RiskLevelCritical
)

func (r RiskLevel) String() string {
	switch r {
	case RiskLevelLow:
		return "low"
	case RiskLevelMedium:
		return "medium"
	case RiskLevelHigh:
		return "high"
	case RiskLevelCritical:
		return "critical"
	}
	return "unknown"
}

// Flag is one contributing rule hit, reported individually so every
// assessment is auditable.
type Flag struct {
	Name        string `json:"name"`
	Score       int    `json:"score"`
	Description string `json:"description"`
}

// Assessment is the scorer's verdict for one transaction.
type Assessment struct {
	Score int       `json:"score"`
	Level RiskLevel `json:"level"`
	Flags []Flag    `json:"flags"`
}

// Rule evaluates one signal; a nil return means the rule did not fire.
type Rule func(ctx context.Context, in Input) *Flag

// Input carries everything rules may inspect.
type Input struct {
	Address  string
	Amount   decimal.Decimal
	Metadata map[string]interface{}
	Now      time.Time
}

const (
	largeAmountThreshold = 10
	largeAmountScore     = 30
	unusualHourStart     = 2
	unusualHourEnd       = 5
	unusualHourScore     = 20
)

// largeTransaction fires for amounts above 10 human units.
func largeTransaction(ctx context.Context, in Input) *Flag {
	if in.Amount.GreaterThan(decimal.NewFromInt(largeAmountThreshold)) {
		return &Flag{
			Name:        "large_transaction",
			Score:       largeAmountScore,
			Description: "large transaction amount",
		}
	}
	return nil
}

// unusualTime fires between 02:00 and 05:59 local time.
func unusualTime(ctx context.Context, in Input) *Flag {
	hour := in.Now.Hour()
	if hour >= unusualHourStart && hour <= unusualHourEnd {
		return &Flag{
			Name:        "unusual_time",
			Score:       unusualHourScore,
			Description: "transaction at unusual time of day",
		}
	}
	return nil
}

// Scorer runs the rule set and buckets the summed score.
type Scorer struct {
	rules []Rule
	now   func() time.Time
}

// NewScorer builds the default rule set. Extra rules extend it.
func NewScorer(extra ...Rule) *Scorer {
	rules := []Rule{largeTransaction, unusualTime}
	rules = append(rules, extra...)
	return &Scorer{rules: rules, now: time.Now}
}

// Score assesses one transaction. Scores cap at 100; levels: >=70 critical,
// >50 high, >=30 medium, else low.
func (s *Scorer) Score(ctx context.Context, address string, amount decimal.Decimal, metadata map[string]interface{}) Assessment {
	in := Input{
		Address:  address,
		Amount:   amount,
		Metadata: metadata,
		Now:      s.now(),
	}

	total := 0
	var flags []Flag
	for _, rule := range s.rules {
		if flag := rule(ctx, in); flag != nil {
			flags = append(flags, *flag)
			total += flag.Score
		}
	}
	if total > 100 {
		total = 100
	}

	assessment := Assessment{Score: total, Level: levelFor(total), Flags: flags}
	metrics.RiskAssessments.WithLabelValues(assessment.Level.String()).Inc()
	return assessment
}

func levelFor(score int) RiskLevel {
	switch {
	case score >= 70:
		return RiskLevelCritical
	case score > 50:
		return RiskLevelHigh
	case score >= 30:
		return RiskLevelMedium
	default:
		return RiskLevelLow
	}
}
