package pathology

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"
)

// Minutes of documentation time saved per processed case.
const minutesSavedPerCase = 8

// Revenue aggregates recovered revenue across verified cases. It also keeps
// the rolling per-day summary current as cases are verified.
type Revenue struct {
	store  Store
	logger zerolog.Logger
	now    func() time.Time
}

func NewRevenue(store Store, logger zerolog.Logger) *Revenue {
	return &Revenue{store: store, logger: logger, now: time.Now}
}

// SetClock replaces the time source.
func (r *Revenue) SetClock(now func() time.Time) { r.now = now }

// Summarize computes the dashboard figures from VERIFIED and EXPORTED cases.
func (r *Revenue) Summarize(ctx context.Context) (*SummaryView, error) {
	cases, err := r.store.List(ctx, "")
	if err != nil {
		return nil, persistence("list cases", err)
	}

	view := &SummaryView{CPTBreakdown: map[string]int{}}
	var total float64
	var auditSum int
	for _, c := range cases {
		if !c.Counted() {
			continue
		}
		view.TotalCasesProcessed++
		total += c.Recovery()
		auditSum += c.AuditDefenseScore
		if c.AuditDefenseScore >= AuditReadyThreshold {
			view.CasesAuditReady++
		}
		if key := c.UpgradeKey(); key != "" {
			view.CPTBreakdown[key]++
		}
	}

	n := view.TotalCasesProcessed
	if n > 0 {
		view.TotalRevenueRecovered = round(total, 2)
		view.AverageRecoveryPerCase = round(total/float64(n), 2)
		view.AverageAuditScore = round(float64(auditSum)/float64(n), 1)
		view.EfficiencyGainHours = round(float64(n*minutesSavedPerCase)/60, 1)
	}
	view.AnnualProjection = round(view.TotalRevenueRecovered*12, 2)
	view.EfficiencyMessage = fmt.Sprintf("Saving %.1f hours of documentation time", view.EfficiencyGainHours)
	return view, nil
}

// OnVerified folds a newly verified case into today's rolling summary using
// the caller's transaction.
func (r *Revenue) OnVerified(ctx context.Context, tx Store, c *Case) error {
	sum, err := tx.GetOrCreateDailySummary(ctx, DayOf(r.now()))
	if err != nil {
		return fmt.Errorf("load daily summary: %w", err)
	}
	if sum.CPTUpgradeBreakdown == nil {
		sum.CPTUpgradeBreakdown = map[string]int{}
	}

	prev := float64(sum.TotalCasesProcessed)
	sum.TotalCasesProcessed++
	n := float64(sum.TotalCasesProcessed)
	sum.TotalRevenueRecovered += c.Recovery()
	sum.AverageRecoveryPerCase = sum.TotalRevenueRecovered / n
	sum.AverageAuditScore = (sum.AverageAuditScore*prev + float64(c.AuditDefenseScore)) / n
	if c.AuditDefenseScore >= AuditReadyThreshold {
		sum.CasesAuditReady++
	}
	if key := c.UpgradeKey(); key != "" {
		sum.CPTUpgradeBreakdown[key]++
	}

	if err := tx.SaveDailySummary(ctx, sum); err != nil {
		return fmt.Errorf("save daily summary: %w", err)
	}
	r.logger.Debug().Str("slide_id", c.SlideID).Int("processed_today", sum.TotalCasesProcessed).
		Msg("daily revenue summary updated")
	return nil
}

// Daily returns the rolling summary row for the UTC day containing day. A
// zero day means today.
func (r *Revenue) Daily(ctx context.Context, day time.Time) (*RevenueSummary, error) {
	if day.IsZero() {
		day = r.now()
	}
	sum, err := r.store.GetOrCreateDailySummary(ctx, DayOf(day))
	if err != nil {
		return nil, persistence("load daily summary", err)
	}
	return sum, nil
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
