package pathology

import (
	"fmt"
	"strings"
	"time"
)

// Status is the position of a case in the billing workflow.
type Status string

const (
	StatusPending  Status = "PENDING"
	StatusAnalyzed Status = "ANALYZED"
	StatusVerified Status = "VERIFIED"
	StatusExported Status = "EXPORTED"
)

var statusRank = map[Status]int{
	StatusPending:  0,
	StatusAnalyzed: 1,
	StatusVerified: 2,
	StatusExported: 3,
}

// ParseStatus accepts status names in any letter case.
func ParseStatus(s string) (Status, error) {
	st := Status(strings.ToUpper(strings.TrimSpace(s)))
	if _, ok := statusRank[st]; !ok {
		return "", fmt.Errorf("invalid status: %s", s)
	}
	return st, nil
}

// Audit log actions.
const (
	ActionCreated       = "CREATED"
	ActionAnalyzed      = "ANALYZED"
	ActionVerified      = "VERIFIED"
	ActionExported      = "EXPORTED"
	ActionRegionClicked = "REGION_CLICKED"
	ActionUpdated       = "UPDATED"
)

// Billing defaults used when neither the model nor the fee schedule supplies a value.
const (
	DefaultBaseCPT           = "88305"
	DefaultAIAssistedCode    = "0596T"
	DefaultBaseReimbursement = 72.00
	DefaultDiagnosis         = "Pending Analysis"
	AuditReadyThreshold      = 90
)

// AuditEntry is one element of the per-case audit trail.
type AuditEntry struct {
	Action    string    `json:"action"`
	Timestamp time.Time `json:"timestamp"`
	User      string    `json:"user,omitempty"`
	Details   string    `json:"details"`
}

// Region is an annotated area of the slide shown in the interactive viewer.
type Region struct {
	ID          int    `json:"id"`
	X           int    `json:"x"`
	Y           int    `json:"y"`
	Width       int    `json:"width"`
	Height      int    `json:"height"`
	Label       string `json:"label"`
	Description string `json:"description"`
	CPTImpact   string `json:"cpt_impact"`
	Billable    bool   `json:"billable"`
	DemoOnly    bool   `json:"demo_only,omitempty"`
}

// Case maps to the cases table.
type Case struct {
	ID          int64  `db:"id" json:"id"`
	PatientID   string `db:"patient_id" json:"patient_id"`
	PatientName string `db:"patient_name" json:"patient_name"`
	SlideID     string `db:"slide_id" json:"slide_id"`
	ImageURL    string `db:"image_url" json:"image_url,omitempty"`
	Diagnosis   string `db:"diagnosis" json:"diagnosis"`
	Status      Status `db:"status" json:"status"`

	FindingType          string   `db:"finding_type" json:"finding_type,omitempty"`
	ConfidenceScore      float64  `db:"confidence_score" json:"confidence_score"`
	ComplexityIndicators []string `db:"complexity_indicators" json:"complexity_indicators"`

	BaseCPTCode            string   `db:"base_cpt_code" json:"base_cpt_code"`
	SuggestedCPTCode       string   `db:"suggested_cpt_code" json:"suggested_cpt_code,omitempty"`
	AIAssistedCode         string   `db:"ai_assisted_code" json:"ai_assisted_code,omitempty"`
	AncillaryCodes         []string `db:"ancillary_codes" json:"ancillary_codes"`
	BaseReimbursement      float64  `db:"base_reimbursement" json:"base_reimbursement"`
	OptimizedReimbursement *float64 `db:"optimized_reimbursement" json:"optimized_reimbursement,omitempty"`
	RecoveryValue          *float64 `db:"recovery_value" json:"recovery_value,omitempty"`
	ModelUsed              string   `db:"model_used" json:"model_used,omitempty"`

	JustificationText string   `db:"justification_text" json:"justification_text,omitempty"`
	AuditDefenseScore int      `db:"audit_defense_score" json:"audit_defense_score"`
	AnnotatedRegions  []Region `db:"annotated_regions" json:"annotated_regions"`

	VerifiedBy string     `db:"verified_by" json:"verified_by,omitempty"`
	VerifiedAt *time.Time `db:"verified_at" json:"verified_at,omitempty"`
	ExportedAt *time.Time `db:"exported_at" json:"exported_at,omitempty"`

	AuditLog  []AuditEntry `db:"audit_log" json:"audit_log"`
	CreatedAt time.Time    `db:"created_at" json:"created_at"`
	UpdatedAt time.Time    `db:"updated_at" json:"updated_at"`
}

// Recovery returns the recovery value, treating an unset value as zero.
func (c *Case) Recovery() float64 {
	if c.RecoveryValue == nil {
		return 0
	}
	return *c.RecoveryValue
}

// UpgradeKey returns the "base→suggested" histogram key, or "" when either code is missing.
func (c *Case) UpgradeKey() string {
	if c.BaseCPTCode == "" || c.SuggestedCPTCode == "" {
		return ""
	}
	return c.BaseCPTCode + "→" + c.SuggestedCPTCode
}

// Counted reports whether the case contributes to revenue figures.
func (c *Case) Counted() bool {
	return c.Status == StatusVerified || c.Status == StatusExported
}

// FindRegion returns the first annotated region whose label matches exactly.
func (c *Case) FindRegion(label string) *Region {
	for i := range c.AnnotatedRegions {
		if c.AnnotatedRegions[i].Label == label {
			r := c.AnnotatedRegions[i]
			return &r
		}
	}
	return nil
}

func (c *Case) appendAudit(action, user, details string, at time.Time) {
	c.AuditLog = append(c.AuditLog, AuditEntry{
		Action:    action,
		Timestamp: at,
		User:      user,
		Details:   details,
	})
	c.UpdatedAt = at
}

// Clone returns a deep copy so a transition can be staged without touching the original.
func (c *Case) Clone() *Case {
	out := *c
	out.ComplexityIndicators = cloneStrings(c.ComplexityIndicators)
	out.AncillaryCodes = cloneStrings(c.AncillaryCodes)
	if c.AnnotatedRegions != nil {
		out.AnnotatedRegions = append([]Region(nil), c.AnnotatedRegions...)
	}
	if c.AuditLog != nil {
		out.AuditLog = append([]AuditEntry(nil), c.AuditLog...)
	}
	out.OptimizedReimbursement = cloneFloat(c.OptimizedReimbursement)
	out.RecoveryValue = cloneFloat(c.RecoveryValue)
	out.VerifiedAt = cloneTime(c.VerifiedAt)
	out.ExportedAt = cloneTime(c.ExportedAt)
	return &out
}

// BillingSuggestion is the structured recommendation returned by the billing adapter.
type BillingSuggestion struct {
	SlideID                string   `json:"slide_id"`
	BaseCPT                string   `json:"base_cpt"`
	RecommendedCPT         string   `json:"recommended_cpt"`
	AIAssistedCode         string   `json:"ai_assisted_code,omitempty"`
	AncillaryCodes         []string `json:"ancillary_codes"`
	RevenueDelta           float64  `json:"revenue_delta"`
	ConfidenceScore        float64  `json:"confidence_score"`
	AuditDefenseScore      int      `json:"audit_defense_score"`
	AuditNarrative         string   `json:"audit_narrative"`
	ComplexityIndicators   []string `json:"complexity_indicators"`
	AnnotatedRegions       []Region `json:"annotated_regions"`
	BaseReimbursement      *float64 `json:"base_reimbursement,omitempty"`
	OptimizedReimbursement *float64 `json:"optimized_reimbursement,omitempty"`
	FindingType            string   `json:"finding_type,omitempty"`
	ModelUsed              string   `json:"model_used,omitempty"`
}

// Validate checks the scores against their ranges: confidence in [0, 1],
// audit defense in [0, 100] and a non-negative revenue delta.
func (s *BillingSuggestion) Validate() error {
	if s.ConfidenceScore < 0 || s.ConfidenceScore > 1 {
		return fmt.Errorf("confidence_score %v outside [0, 1]", s.ConfidenceScore)
	}
	if s.AuditDefenseScore < 0 || s.AuditDefenseScore > 100 {
		return fmt.Errorf("audit_defense_score %d outside [0, 100]", s.AuditDefenseScore)
	}
	if s.RevenueDelta < 0 {
		return fmt.Errorf("revenue_delta %v is negative", s.RevenueDelta)
	}
	return nil
}

// RevenueSummary maps to the revenue_summary table: one rolling row per UTC day.
type RevenueSummary struct {
	ID                     int64          `db:"id" json:"id"`
	Date                   time.Time      `db:"date" json:"date"`
	TotalCasesProcessed    int            `db:"total_cases_processed" json:"total_cases_processed"`
	TotalRevenueRecovered  float64        `db:"total_revenue_recovered" json:"total_revenue_recovered"`
	AverageRecoveryPerCase float64        `db:"average_recovery_per_case" json:"average_recovery_per_case"`
	AverageAuditScore      float64        `db:"average_audit_score" json:"average_audit_score"`
	CasesAuditReady        int            `db:"cases_audit_ready" json:"cases_audit_ready"`
	CPTUpgradeBreakdown    map[string]int `db:"cpt_upgrade_breakdown" json:"cpt_upgrade_breakdown"`
}

// AuditEvent maps to the audit_events table. Rows are never updated.
type AuditEvent struct {
	ID        string                 `db:"id" json:"id"`
	CaseID    int64                  `db:"case_id" json:"case_id"`
	EventType string                 `db:"event_type" json:"event_type"`
	EventData map[string]interface{} `db:"event_data" json:"event_data"`
	UserID    string                 `db:"user_id" json:"user_id"`
	IPAddress string                 `db:"ip_address" json:"ip_address,omitempty"`
	Timestamp time.Time              `db:"timestamp" json:"timestamp"`
}

// SummaryView is the authoritative dashboard aggregate.
type SummaryView struct {
	TotalCasesProcessed    int            `json:"total_cases_processed"`
	TotalRevenueRecovered  float64        `json:"total_revenue_recovered"`
	AverageRecoveryPerCase float64        `json:"average_recovery_per_case"`
	AverageAuditScore      float64        `json:"average_audit_score"`
	CasesAuditReady        int            `json:"cases_audit_ready"`
	EfficiencyGainHours    float64        `json:"efficiency_gain_hours"`
	CPTBreakdown           map[string]int `json:"cpt_breakdown"`
	AnnualProjection       float64        `json:"annual_projection"`
	EfficiencyMessage      string         `json:"efficiency_message"`
}

// Artifact is a rendered document ready to hand to the caller.
type Artifact struct {
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	Data        []byte `json:"-"`
}

// RecommendRequest is the input to the billing recommendation adapter.
type RecommendRequest struct {
	SlideID          string                 `json:"slide_id"`
	Image            []byte                 `json:"-"`
	ImageContentType string                 `json:"-"`
	Findings         map[string]interface{} `json:"findings,omitempty"`
}

// ReportBilling is the billing section of an Audit Shield report.
type ReportBilling struct {
	BaseCPT              string   `json:"base_cpt"`
	RecommendedCPT       string   `json:"recommended_cpt"`
	AIAssistedCode       string   `json:"ai_assisted_code"`
	AncillaryCodes       []string `json:"ancillary_codes"`
	RevenueDelta         float64  `json:"revenue_delta"`
	ConfidenceScore      float64  `json:"confidence_score"`
	AuditDefenseScore    int      `json:"audit_defense_score"`
	AuditNarrative       string   `json:"audit_narrative"`
	ComplexityIndicators []string `json:"complexity_indicators"`
	ModelUsed            string   `json:"model_used"`
}

// ReportRequest is the input to the report renderer. Billing is nil when no
// analysis is recorded on the case.
type ReportRequest struct {
	SlideID         string
	Billing         *ReportBilling
	PathologistName string
	GeneratedAt     time.Time
}

func cloneStrings(in []string) []string {
	if in == nil {
		return nil
	}
	return append([]string(nil), in...)
}

func cloneFloat(f *float64) *float64 {
	if f == nil {
		return nil
	}
	v := *f
	return &v
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func floatPtr(f float64) *float64 { return &f }
