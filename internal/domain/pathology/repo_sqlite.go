package pathology

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// sqliteTimeLayout is fixed-width so that text ordering matches time ordering.
const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z"

type sqlExecer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

type storeSQLite struct {
	db *sql.DB
	tx *sql.Tx
}

// NewStoreSQLite creates the schema if needed and returns a Store backed by conn.
func NewStoreSQLite(ctx context.Context, conn *sql.DB) (Store, error) {
	s := &storeSQLite{db: conn}
	if err := s.migrate(ctx); err != nil {
		return nil, fmt.Errorf("migrate sqlite: %w", err)
	}
	return s, nil
}

func (s *storeSQLite) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS cases (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			patient_id TEXT NOT NULL,
			patient_name TEXT NOT NULL DEFAULT '',
			slide_id TEXT NOT NULL UNIQUE,
			image_url TEXT NOT NULL DEFAULT '',
			diagnosis TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'PENDING',
			finding_type TEXT NOT NULL DEFAULT '',
			confidence_score REAL NOT NULL DEFAULT 0,
			complexity_indicators TEXT NOT NULL DEFAULT '[]',
			base_cpt_code TEXT NOT NULL DEFAULT '88305',
			suggested_cpt_code TEXT NOT NULL DEFAULT '',
			ai_assisted_code TEXT NOT NULL DEFAULT '',
			ancillary_codes TEXT NOT NULL DEFAULT '[]',
			base_reimbursement REAL NOT NULL DEFAULT 72.0,
			optimized_reimbursement REAL,
			recovery_value REAL,
			model_used TEXT NOT NULL DEFAULT '',
			justification_text TEXT NOT NULL DEFAULT '',
			audit_defense_score INTEGER NOT NULL DEFAULT 0,
			annotated_regions TEXT NOT NULL DEFAULT '[]',
			verified_by TEXT NOT NULL DEFAULT '',
			verified_at TEXT,
			exported_at TEXT,
			audit_log TEXT NOT NULL DEFAULT '[]',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_cases_status ON cases(status);`,
		`CREATE TABLE IF NOT EXISTS revenue_summary (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			date TEXT NOT NULL UNIQUE,
			total_cases_processed INTEGER NOT NULL DEFAULT 0,
			total_revenue_recovered REAL NOT NULL DEFAULT 0,
			average_recovery_per_case REAL NOT NULL DEFAULT 0,
			average_audit_score REAL NOT NULL DEFAULT 0,
			cases_audit_ready INTEGER NOT NULL DEFAULT 0,
			cpt_upgrade_breakdown TEXT NOT NULL DEFAULT '{}'
		);`,
		`CREATE TABLE IF NOT EXISTS audit_events (
			id TEXT PRIMARY KEY,
			case_id INTEGER NOT NULL REFERENCES cases(id) ON DELETE CASCADE,
			event_type TEXT NOT NULL,
			event_data TEXT NOT NULL DEFAULT '{}',
			user_id TEXT NOT NULL DEFAULT '',
			ip_address TEXT NOT NULL DEFAULT '',
			timestamp TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_audit_events_case ON audit_events(case_id);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *storeSQLite) conn() sqlExecer {
	if s.tx != nil {
		return s.tx
	}
	return s.db
}

func (s *storeSQLite) scanCase(scan func(dest ...interface{}) error) (*Case, error) {
	var c Case
	var cols caseJSONCols
	var optimized, recovery sql.NullFloat64
	var verifiedAt, exportedAt sql.NullString
	var createdAt, updatedAt string
	err := scan(&c.ID, &c.PatientID, &c.PatientName, &c.SlideID, &c.ImageURL, &c.Diagnosis, &c.Status,
		&c.FindingType, &c.ConfidenceScore, &cols.indicators,
		&c.BaseCPTCode, &c.SuggestedCPTCode, &c.AIAssistedCode, &cols.ancillary,
		&c.BaseReimbursement, &optimized, &recovery, &c.ModelUsed,
		&c.JustificationText, &c.AuditDefenseScore, &cols.regions,
		&c.VerifiedBy, &verifiedAt, &exportedAt, &cols.auditLog, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if optimized.Valid {
		c.OptimizedReimbursement = floatPtr(optimized.Float64)
	}
	if recovery.Valid {
		c.RecoveryValue = floatPtr(recovery.Float64)
	}
	if c.VerifiedAt, err = parseNullTime(verifiedAt); err != nil {
		return nil, err
	}
	if c.ExportedAt, err = parseNullTime(exportedAt); err != nil {
		return nil, err
	}
	if c.CreatedAt, err = time.Parse(sqliteTimeLayout, createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if c.UpdatedAt, err = time.Parse(sqliteTimeLayout, updatedAt); err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}
	if err := cols.decodeInto(&c); err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *storeSQLite) GetBySlideID(ctx context.Context, slideID string) (*Case, error) {
	row := s.conn().QueryRowContext(ctx, `SELECT `+caseCols+` FROM cases WHERE slide_id = ?`, slideID)
	return s.scanCase(row.Scan)
}

func (s *storeSQLite) List(ctx context.Context, status Status) ([]*Case, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if status == "" {
		rows, err = s.conn().QueryContext(ctx, `SELECT `+caseCols+` FROM cases ORDER BY created_at DESC, id DESC`)
	} else {
		rows, err = s.conn().QueryContext(ctx, `SELECT `+caseCols+` FROM cases WHERE status = ? ORDER BY created_at DESC, id DESC`, string(status))
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []*Case
	for rows.Next() {
		c, err := s.scanCase(rows.Scan)
		if err != nil {
			return nil, err
		}
		items = append(items, c)
	}
	return items, rows.Err()
}

func (s *storeSQLite) caseArgs(c *Case) ([]interface{}, error) {
	cols, err := encodeCaseJSON(c)
	if err != nil {
		return nil, err
	}
	return []interface{}{
		c.PatientID, c.PatientName, c.SlideID, c.ImageURL, c.Diagnosis, string(c.Status),
		c.FindingType, c.ConfidenceScore, string(cols.indicators),
		c.BaseCPTCode, c.SuggestedCPTCode, c.AIAssistedCode, string(cols.ancillary),
		c.BaseReimbursement, nullFloat(c.OptimizedReimbursement), nullFloat(c.RecoveryValue), c.ModelUsed,
		c.JustificationText, c.AuditDefenseScore, string(cols.regions),
		c.VerifiedBy, formatNullTime(c.VerifiedAt), formatNullTime(c.ExportedAt), string(cols.auditLog),
		formatTime(c.CreatedAt), formatTime(c.UpdatedAt),
	}, nil
}

func (s *storeSQLite) Insert(ctx context.Context, c *Case) error {
	args, err := s.caseArgs(c)
	if err != nil {
		return err
	}
	res, err := s.conn().ExecContext(ctx, `
		INSERT INTO cases (patient_id, patient_name, slide_id, image_url, diagnosis, status,
			finding_type, confidence_score, complexity_indicators,
			base_cpt_code, suggested_cpt_code, ai_assisted_code, ancillary_codes,
			base_reimbursement, optimized_reimbursement, recovery_value, model_used,
			justification_text, audit_defense_score, annotated_regions,
			verified_by, verified_at, exported_at, audit_log, created_at, updated_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`, args...)
	if isSQLiteUnique(err) {
		return ErrDuplicate
	}
	if err != nil {
		return err
	}
	c.ID, err = res.LastInsertId()
	return err
}

func (s *storeSQLite) Update(ctx context.Context, c *Case) error {
	args, err := s.caseArgs(c)
	if err != nil {
		return err
	}
	// created_at is immutable; drop it and key the update on slide_id.
	args = append(args[:len(args)-2], args[len(args)-1], c.SlideID)
	res, err := s.conn().ExecContext(ctx, `
		UPDATE cases SET patient_id=?, patient_name=?, slide_id=?, image_url=?, diagnosis=?, status=?,
			finding_type=?, confidence_score=?, complexity_indicators=?,
			base_cpt_code=?, suggested_cpt_code=?, ai_assisted_code=?, ancillary_codes=?,
			base_reimbursement=?, optimized_reimbursement=?, recovery_value=?, model_used=?,
			justification_text=?, audit_defense_score=?, annotated_regions=?,
			verified_by=?, verified_at=?, exported_at=?, audit_log=?, updated_at=?
		WHERE slide_id = ?`, args...)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *storeSQLite) Delete(ctx context.Context, slideID string) error {
	res, err := s.conn().ExecContext(ctx, `DELETE FROM cases WHERE slide_id = ?`, slideID)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *storeSQLite) Count(ctx context.Context) (int, error) {
	var n int
	err := s.conn().QueryRowContext(ctx, `SELECT COUNT(*) FROM cases`).Scan(&n)
	return n, err
}

func (s *storeSQLite) AppendAuditEvent(ctx context.Context, e *AuditEvent) error {
	data, err := marshalJSON(e.EventData, "{}")
	if err != nil {
		return err
	}
	_, err = s.conn().ExecContext(ctx, `
		INSERT INTO audit_events (id, case_id, event_type, event_data, user_id, ip_address, timestamp)
		VALUES (?,?,?,?,?,?,?)`,
		e.ID, e.CaseID, e.EventType, string(data), e.UserID, e.IPAddress, formatTime(e.Timestamp))
	return err
}

func (s *storeSQLite) GetOrCreateDailySummary(ctx context.Context, day time.Time) (*RevenueSummary, error) {
	day = DayOf(day)
	key := day.Format("2006-01-02")
	if _, err := s.conn().ExecContext(ctx,
		`INSERT INTO revenue_summary (date) VALUES (?) ON CONFLICT(date) DO NOTHING`, key); err != nil {
		return nil, err
	}

	var sum RevenueSummary
	var date, breakdown string
	err := s.conn().QueryRowContext(ctx, `SELECT `+summaryCols+` FROM revenue_summary WHERE date = ?`, key).Scan(
		&sum.ID, &date, &sum.TotalCasesProcessed, &sum.TotalRevenueRecovered,
		&sum.AverageRecoveryPerCase, &sum.AverageAuditScore, &sum.CasesAuditReady, &breakdown)
	if err != nil {
		return nil, err
	}
	if err := unmarshalJSON([]byte(breakdown), &sum.CPTUpgradeBreakdown); err != nil {
		return nil, err
	}
	if sum.CPTUpgradeBreakdown == nil {
		sum.CPTUpgradeBreakdown = map[string]int{}
	}
	sum.Date = day
	return &sum, nil
}

func (s *storeSQLite) SaveDailySummary(ctx context.Context, sum *RevenueSummary) error {
	breakdown, err := marshalJSON(sum.CPTUpgradeBreakdown, "{}")
	if err != nil {
		return err
	}
	_, err = s.conn().ExecContext(ctx, `
		UPDATE revenue_summary SET total_cases_processed=?, total_revenue_recovered=?,
			average_recovery_per_case=?, average_audit_score=?, cases_audit_ready=?,
			cpt_upgrade_breakdown=?
		WHERE id = ?`,
		sum.TotalCasesProcessed, sum.TotalRevenueRecovered,
		sum.AverageRecoveryPerCase, sum.AverageAuditScore, sum.CasesAuditReady, string(breakdown), sum.ID)
	return err
}

func (s *storeSQLite) WithinTx(ctx context.Context, fn func(tx Store) error) (err error) {
	if s.tx != nil {
		return fn(s)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if err = fn(&storeSQLite{db: s.db, tx: tx}); err != nil {
		return err
	}
	return tx.Commit()
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func isSQLiteUnique(err error) bool {
	var se *sqlite.Error
	return errors.As(err, &se) && se.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE
}

func formatTime(t time.Time) string { return t.UTC().Format(sqliteTimeLayout) }

func formatNullTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseNullTime(s sql.NullString) (*time.Time, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	t, err := time.Parse(sqliteTimeLayout, s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nullFloat(f *float64) interface{} {
	if f == nil {
		return nil
	}
	return *f
}
