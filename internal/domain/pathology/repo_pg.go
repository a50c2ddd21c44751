package pathology

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pathoai/patho/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

type storePG struct {
	pool *pgxpool.Pool
	tx   pgx.Tx
}

func NewStorePG(pool *pgxpool.Pool) Store { return &storePG{pool: pool} }

func (r *storePG) conn(ctx context.Context) queryable {
	if r.tx != nil {
		return r.tx
	}
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

const caseCols = `id, patient_id, patient_name, slide_id, image_url, diagnosis, status,
	finding_type, confidence_score, complexity_indicators,
	base_cpt_code, suggested_cpt_code, ai_assisted_code, ancillary_codes,
	base_reimbursement, optimized_reimbursement, recovery_value, model_used,
	justification_text, audit_defense_score, annotated_regions,
	verified_by, verified_at, exported_at, audit_log, created_at, updated_at`

func (r *storePG) scanCase(row pgx.Row) (*Case, error) {
	var c Case
	var cols caseJSONCols
	err := row.Scan(&c.ID, &c.PatientID, &c.PatientName, &c.SlideID, &c.ImageURL, &c.Diagnosis, &c.Status,
		&c.FindingType, &c.ConfidenceScore, &cols.indicators,
		&c.BaseCPTCode, &c.SuggestedCPTCode, &c.AIAssistedCode, &cols.ancillary,
		&c.BaseReimbursement, &c.OptimizedReimbursement, &c.RecoveryValue, &c.ModelUsed,
		&c.JustificationText, &c.AuditDefenseScore, &cols.regions,
		&c.VerifiedBy, &c.VerifiedAt, &c.ExportedAt, &cols.auditLog, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := cols.decodeInto(&c); err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *storePG) GetBySlideID(ctx context.Context, slideID string) (*Case, error) {
	return r.scanCase(r.conn(ctx).QueryRow(ctx, `SELECT `+caseCols+` FROM cases WHERE slide_id = $1`, slideID))
}

func (r *storePG) List(ctx context.Context, status Status) ([]*Case, error) {
	var (
		rows pgx.Rows
		err  error
	)
	if status == "" {
		rows, err = r.conn(ctx).Query(ctx, `SELECT `+caseCols+` FROM cases ORDER BY created_at DESC, id DESC`)
	} else {
		rows, err = r.conn(ctx).Query(ctx, `SELECT `+caseCols+` FROM cases WHERE status = $1 ORDER BY created_at DESC, id DESC`, status)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []*Case
	for rows.Next() {
		c, err := r.scanCase(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, c)
	}
	return items, rows.Err()
}

func (r *storePG) Insert(ctx context.Context, c *Case) error {
	cols, err := encodeCaseJSON(c)
	if err != nil {
		return err
	}
	err = r.conn(ctx).QueryRow(ctx, `
		INSERT INTO cases (patient_id, patient_name, slide_id, image_url, diagnosis, status,
			finding_type, confidence_score, complexity_indicators,
			base_cpt_code, suggested_cpt_code, ai_assisted_code, ancillary_codes,
			base_reimbursement, optimized_reimbursement, recovery_value, model_used,
			justification_text, audit_defense_score, annotated_regions,
			verified_by, verified_at, exported_at, audit_log, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24,$25,$26)
		RETURNING id`,
		c.PatientID, c.PatientName, c.SlideID, c.ImageURL, c.Diagnosis, c.Status,
		c.FindingType, c.ConfidenceScore, cols.indicators,
		c.BaseCPTCode, c.SuggestedCPTCode, c.AIAssistedCode, cols.ancillary,
		c.BaseReimbursement, c.OptimizedReimbursement, c.RecoveryValue, c.ModelUsed,
		c.JustificationText, c.AuditDefenseScore, cols.regions,
		c.VerifiedBy, c.VerifiedAt, c.ExportedAt, cols.auditLog, c.CreatedAt, c.UpdatedAt,
	).Scan(&c.ID)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

func (r *storePG) Update(ctx context.Context, c *Case) error {
	cols, err := encodeCaseJSON(c)
	if err != nil {
		return err
	}
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE cases SET patient_id=$2, patient_name=$3, image_url=$4, diagnosis=$5, status=$6,
			finding_type=$7, confidence_score=$8, complexity_indicators=$9,
			base_cpt_code=$10, suggested_cpt_code=$11, ai_assisted_code=$12, ancillary_codes=$13,
			base_reimbursement=$14, optimized_reimbursement=$15, recovery_value=$16, model_used=$17,
			justification_text=$18, audit_defense_score=$19, annotated_regions=$20,
			verified_by=$21, verified_at=$22, exported_at=$23, audit_log=$24, updated_at=$25
		WHERE slide_id = $1`,
		c.SlideID, c.PatientID, c.PatientName, c.ImageURL, c.Diagnosis, c.Status,
		c.FindingType, c.ConfidenceScore, cols.indicators,
		c.BaseCPTCode, c.SuggestedCPTCode, c.AIAssistedCode, cols.ancillary,
		c.BaseReimbursement, c.OptimizedReimbursement, c.RecoveryValue, c.ModelUsed,
		c.JustificationText, c.AuditDefenseScore, cols.regions,
		c.VerifiedBy, c.VerifiedAt, c.ExportedAt, cols.auditLog, c.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *storePG) Delete(ctx context.Context, slideID string) error {
	tag, err := r.conn(ctx).Exec(ctx, `DELETE FROM cases WHERE slide_id = $1`, slideID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *storePG) Count(ctx context.Context) (int, error) {
	var n int
	err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM cases`).Scan(&n)
	return n, err
}

func (r *storePG) AppendAuditEvent(ctx context.Context, e *AuditEvent) error {
	data, err := marshalJSON(e.EventData, "{}")
	if err != nil {
		return err
	}
	_, err = r.conn(ctx).Exec(ctx, `
		INSERT INTO audit_events (id, case_id, event_type, event_data, user_id, ip_address, timestamp)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		e.ID, e.CaseID, e.EventType, data, e.UserID, e.IPAddress, e.Timestamp)
	return err
}

const summaryCols = `id, date, total_cases_processed, total_revenue_recovered,
	average_recovery_per_case, average_audit_score, cases_audit_ready, cpt_upgrade_breakdown`

func (r *storePG) GetOrCreateDailySummary(ctx context.Context, day time.Time) (*RevenueSummary, error) {
	day = DayOf(day)
	if _, err := r.conn(ctx).Exec(ctx,
		`INSERT INTO revenue_summary (date) VALUES ($1) ON CONFLICT (date) DO NOTHING`, day); err != nil {
		return nil, err
	}

	var s RevenueSummary
	var breakdown []byte
	err := r.conn(ctx).QueryRow(ctx, `SELECT `+summaryCols+` FROM revenue_summary WHERE date = $1`, day).Scan(
		&s.ID, &s.Date, &s.TotalCasesProcessed, &s.TotalRevenueRecovered,
		&s.AverageRecoveryPerCase, &s.AverageAuditScore, &s.CasesAuditReady, &breakdown)
	if err != nil {
		return nil, err
	}
	if err := unmarshalJSON(breakdown, &s.CPTUpgradeBreakdown); err != nil {
		return nil, err
	}
	if s.CPTUpgradeBreakdown == nil {
		s.CPTUpgradeBreakdown = map[string]int{}
	}
	s.Date = DayOf(s.Date)
	return &s, nil
}

func (r *storePG) SaveDailySummary(ctx context.Context, s *RevenueSummary) error {
	breakdown, err := marshalJSON(s.CPTUpgradeBreakdown, "{}")
	if err != nil {
		return err
	}
	_, err = r.conn(ctx).Exec(ctx, `
		UPDATE revenue_summary SET total_cases_processed=$2, total_revenue_recovered=$3,
			average_recovery_per_case=$4, average_audit_score=$5, cases_audit_ready=$6,
			cpt_upgrade_breakdown=$7
		WHERE id = $1`,
		s.ID, s.TotalCasesProcessed, s.TotalRevenueRecovered,
		s.AverageRecoveryPerCase, s.AverageAuditScore, s.CasesAuditReady, breakdown)
	return err
}

func (r *storePG) WithinTx(ctx context.Context, fn func(tx Store) error) error {
	if r.tx != nil {
		return fn(r)
	}
	return db.RunInTx(ctx, r.pool, func(ctx context.Context, tx pgx.Tx) error {
		return fn(&storePG{pool: r.pool, tx: tx})
	})
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
