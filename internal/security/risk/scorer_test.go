package risk

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scorerAt(hour int) *Scorer {
	s := NewScorer()
	s.now = func() time.Time {
		return time.Date(2025, 6, 1, hour, 30, 0, 0, time.UTC)
	}
	return s
}

func TestScoreLargeAmountAtUnusualHour(t *testing.T) {
	s := scorerAt(3)
	a := s.Score(context.Background(), "0xusera", decimal.NewFromInt(15), nil)

	assert.Equal(t, 50, a.Score)
	assert.Equal(t, RiskLevelMedium, a.Level)
	require.Len(t, a.Flags, 2)

	names := []string{a.Flags[0].Name, a.Flags[1].Name}
	assert.Contains(t, names, "large_transaction")
	assert.Contains(t, names, "unusual_time")
}

func TestScoreLargeAmountDaytime(t *testing.T) {
	s := scorerAt(14)
	a := s.Score(context.Background(), "0xusera", decimal.NewFromInt(15), nil)

	assert.Equal(t, 30, a.Score)
	assert.Equal(t, RiskLevelMedium, a.Level)
	require.Len(t, a.Flags, 1)
	assert.Equal(t, "large_transaction", a.Flags[0].Name)
}

func TestScoreSmallAmountDaytime(t *testing.T) {
	s := scorerAt(14)
	a := s.Score(context.Background(), "0xusera", decimal.NewFromInt(5), nil)

	assert.Equal(t, 0, a.Score)
	assert.Equal(t, RiskLevelLow, a.Level)
	assert.Empty(t, a.Flags)
}

func TestScoreHourBoundaries(t *testing.T) {
	small := decimal.NewFromInt(1)

	assert.Equal(t, 0, scorerAt(1).Score(context.Background(), "0xa", small, nil).Score)
	assert.Equal(t, 20, scorerAt(2).Score(context.Background(), "0xa", small, nil).Score)
	assert.Equal(t, 20, scorerAt(5).Score(context.Background(), "0xa", small, nil).Score)
	assert.Equal(t, 0, scorerAt(6).Score(context.Background(), "0xa", small, nil).Score)
}

func TestScoreAmountBoundary(t *testing.T) {
	s := scorerAt(14)

	// threshold is strictly greater than 10
	assert.Equal(t, 0, s.Score(context.Background(), "0xa", decimal.NewFromInt(10), nil).Score)
	assert.Equal(t, 30, s.Score(context.Background(), "0xa", decimal.NewFromFloat(10.01), nil).Score)
}

func TestLevelBuckets(t *testing.T) {
	assert.Equal(t, RiskLevelLow, levelFor(0))
	assert.Equal(t, RiskLevelLow, levelFor(29))
	assert.Equal(t, RiskLevelMedium, levelFor(30))
	assert.Equal(t, RiskLevelMedium, levelFor(50))
	assert.Equal(t, RiskLevelHigh, levelFor(51))
	assert.Equal(t, RiskLevelHigh, levelFor(69))
	assert.Equal(t, RiskLevelCritical, levelFor(70))
	assert.Equal(t, RiskLevelCritical, levelFor(100))
}

func TestExtraRulesExtendScoring(t *testing.T) {
	flagged := func(ctx context.Context, in Input) *Flag {
		return &Flag{Name: "sanctioned_counterparty", Score: 40, Description: "destination matches watchlist"}
	}
	s := NewScorer(flagged)
	s.now = func() time.Time { return time.Date(2025, 6, 1, 3, 0, 0, 0, time.UTC) }

	a := s.Score(context.Background(), "0xusera", decimal.NewFromInt(15), nil)
	assert.Equal(t, 90, a.Score)
	assert.Equal(t, RiskLevelCritical, a.Level)
	assert.Len(t, a.Flags, 3)
}

func TestScoreCapsAtHundred(t *testing.T) {
	big := func(ctx context.Context, in Input) *Flag {
		return &Flag{Name: "everything_wrong", Score: 200, Description: "stacked signals"}
	}
	s := NewScorer(big)
	a := s.Score(context.Background(), "0xusera", decimal.NewFromInt(1), nil)
	assert.Equal(t, 100, a.Score)
	assert.Equal(t, RiskLevelCritical, a.Level)
}

func TestLevelString(t *testing.T) {
	assert.Equal(t, "low", RiskLevelLow.String())
	assert.Equal(t, "medium", RiskLevelMedium.String())
	assert.Equal(t, "high", RiskLevelHigh.String())
	assert.Equal(t, "critical", RiskLevelCritical.String())
	assert.Equal(t, "unknown", RiskLevel(42).String())
}
