package pathology

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Store is the persistence boundary for cases, audit events and daily summaries.
// GetBySlideID returns ErrNotFound for an unknown slide; Insert returns
// ErrDuplicate when the slide id is taken.
type Store interface {
	GetBySlideID(ctx context.Context, slideID string) (*Case, error)
	// List returns cases newest first. An empty status lists everything.
	List(ctx context.Context, status Status) ([]*Case, error)
	Insert(ctx context.Context, c *Case) error
	Update(ctx context.Context, c *Case) error
	Delete(ctx context.Context, slideID string) error
	Count(ctx context.Context) (int, error)

	AppendAuditEvent(ctx context.Context, e *AuditEvent) error

	GetOrCreateDailySummary(ctx context.Context, day time.Time) (*RevenueSummary, error)
	SaveDailySummary(ctx context.Context, s *RevenueSummary) error

	// WithinTx runs fn against a transactional view of the store. Writes made
	// through tx commit together when fn returns nil and are discarded otherwise.
	WithinTx(ctx context.Context, fn func(tx Store) error) error
}

// DayOf truncates t to the start of its UTC calendar day.
func DayOf(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}

func newDailySummary(day time.Time) *RevenueSummary {
	return &RevenueSummary{
		Date:                DayOf(day),
		CPTUpgradeBreakdown: map[string]int{},
	}
}

// caseJSONCols holds the list-valued case columns in their serialized form.
type caseJSONCols struct {
	indicators []byte
	ancillary  []byte
	regions    []byte
	auditLog   []byte
}

func encodeCaseJSON(c *Case) (caseJSONCols, error) {
	var cols caseJSONCols
	var err error
	if cols.indicators, err = marshalJSON(c.ComplexityIndicators, "[]"); err != nil {
		return cols, err
	}
	if cols.ancillary, err = marshalJSON(c.AncillaryCodes, "[]"); err != nil {
		return cols, err
	}
	if cols.regions, err = marshalJSON(c.AnnotatedRegions, "[]"); err != nil {
		return cols, err
	}
	cols.auditLog, err = marshalJSON(c.AuditLog, "[]")
	return cols, err
}

func (cols caseJSONCols) decodeInto(c *Case) error {
	if err := unmarshalJSON(cols.indicators, &c.ComplexityIndicators); err != nil {
		return fmt.Errorf("decode complexity_indicators: %w", err)
	}
	if err := unmarshalJSON(cols.ancillary, &c.AncillaryCodes); err != nil {
		return fmt.Errorf("decode ancillary_codes: %w", err)
	}
	if err := unmarshalJSON(cols.regions, &c.AnnotatedRegions); err != nil {
		return fmt.Errorf("decode annotated_regions: %w", err)
	}
	if err := unmarshalJSON(cols.auditLog, &c.AuditLog); err != nil {
		return fmt.Errorf("decode audit_log: %w", err)
	}
	return nil
}

func marshalJSON(v interface{}, empty string) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	if string(b) == "null" {
		return []byte(empty), nil
	}
	return b, nil
}

func unmarshalJSON(b []byte, v interface{}) error {
	if len(b) == 0 {
		return nil
	}
	return json.Unmarshal(b, v)
}
