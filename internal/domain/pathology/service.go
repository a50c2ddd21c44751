package pathology

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/pathoai/patho/internal/platform/blobstore"
)

// Recommender produces a billing suggestion for a slide.
type Recommender interface {
	Recommend(ctx context.Context, req RecommendRequest) (*BillingSuggestion, error)
}

// ReportRenderer turns report data into a downloadable document.
type ReportRenderer interface {
	Render(ctx context.Context, req ReportRequest) (*Artifact, error)
}

// VerificationObserver is notified inside the verification transaction. A
// returned error rolls the verification back.
type VerificationObserver interface {
	OnVerified(ctx context.Context, tx Store, c *Case) error
}

// FeeSchedule resolves CPT reimbursement rates.
type FeeSchedule interface {
	Rate(code string) (float64, bool)
}

const (
	defaultInteractionUser = "pathologist"
	defaultPathologist     = "Dr. [Reviewing Pathologist]"
	defaultReportModel     = "Gemini 1.5 Pro"
)

type clientIPKey struct{}

// ContextWithClientIP records the caller's address for audit events.
func ContextWithClientIP(ctx context.Context, ip string) context.Context {
	return context.WithValue(ctx, clientIPKey{}, ip)
}

func clientIP(ctx context.Context) string {
	ip, _ := ctx.Value(clientIPKey{}).(string)
	return ip
}

// Service owns the case lifecycle: PENDING -> ANALYZED -> VERIFIED -> EXPORTED.
type Service struct {
	store       Store
	recommender Recommender
	renderer    ReportRenderer
	observer    VerificationObserver
	fees        FeeSchedule
	blobs       blobstore.BlobStore
	logger      zerolog.Logger
	now         func() time.Time
}

func NewService(store Store, rec Recommender, renderer ReportRenderer, observer VerificationObserver,
	fees FeeSchedule, blobs blobstore.BlobStore, logger zerolog.Logger) *Service {
	return &Service{
		store:       store,
		recommender: rec,
		renderer:    renderer,
		observer:    observer,
		fees:        fees,
		blobs:       blobs,
		logger:      logger,
		now:         time.Now,
	}
}

// SetClock replaces the time source.
func (s *Service) SetClock(now func() time.Time) { s.now = now }

func (s *Service) timestamp() time.Time { return s.now().UTC() }

// CreateInput carries the fields accepted when a case is opened.
type CreateInput struct {
	PatientID   string `json:"patient_id"`
	SlideID     string `json:"slide_id,omitempty"`
	PatientName string `json:"patient_name,omitempty"`
	Diagnosis   string `json:"diagnosis,omitempty"`
	ImageURL    string `json:"image_url,omitempty"`
}

// DefaultSlideID derives a slide id from the last four characters of the patient id.
func DefaultSlideID(patientID string) string {
	r := []rune(patientID)
	if len(r) > 4 {
		r = r[len(r)-4:]
	}
	return "WSI-2024-" + string(r)
}

func (s *Service) Create(ctx context.Context, in CreateInput) (*Case, error) {
	return s.create(ctx, in, "Case created for analysis")
}

func (s *Service) create(ctx context.Context, in CreateInput, details string) (*Case, error) {
	patientID := strings.TrimSpace(in.PatientID)
	if patientID == "" {
		return nil, invalid("patient_id is required")
	}
	slideID := strings.TrimSpace(in.SlideID)
	if slideID == "" {
		slideID = DefaultSlideID(patientID)
	}
	name := strings.TrimSpace(in.PatientName)
	if name == "" {
		name = "Patient " + patientID
	}
	diagnosis := strings.TrimSpace(in.Diagnosis)
	if diagnosis == "" {
		diagnosis = DefaultDiagnosis
	}

	now := s.timestamp()
	c := &Case{
		PatientID:         patientID,
		PatientName:       name,
		SlideID:           slideID,
		ImageURL:          in.ImageURL,
		Diagnosis:         diagnosis,
		Status:            StatusPending,
		BaseCPTCode:       DefaultBaseCPT,
		BaseReimbursement: DefaultBaseReimbursement,
		CreatedAt:         now,
	}
	c.appendAudit(ActionCreated, "", details, now)

	if err := s.store.Insert(ctx, c); err != nil {
		if errors.Is(err, ErrDuplicate) {
			return nil, conflict("case with slide id %s already exists", slideID)
		}
		return nil, persistence("create case", err)
	}
	s.logger.Info().Str("slide_id", slideID).Int64("case_id", c.ID).Msg("case created")
	return c, nil
}

func (s *Service) load(ctx context.Context, slideID string) (*Case, error) {
	c, err := s.store.GetBySlideID(ctx, slideID)
	if errors.Is(err, ErrNotFound) {
		return nil, notFound("case not found: %s", slideID)
	}
	if err != nil {
		return nil, persistence("load case", err)
	}
	return c, nil
}

func (s *Service) Get(ctx context.Context, slideID string) (*Case, error) {
	return s.load(ctx, slideID)
}

// List returns cases newest first. status may be empty or any letter case.
func (s *Service) List(ctx context.Context, status string) ([]*Case, error) {
	var st Status
	if strings.TrimSpace(status) != "" {
		var err error
		if st, err = ParseStatus(status); err != nil {
			return nil, invalid("%s", err.Error())
		}
	}
	cases, err := s.store.List(ctx, st)
	if err != nil {
		return nil, persistence("list cases", err)
	}
	return cases, nil
}

func (s *Service) rate(code string) (float64, bool) {
	if s.fees == nil || code == "" {
		return 0, false
	}
	return s.fees.Rate(code)
}

// ApplyAnalysis records a billing suggestion on c and moves it to ANALYZED.
// Re-analysis of an ANALYZED case is allowed; later states are not.
func (s *Service) ApplyAnalysis(ctx context.Context, c *Case, sug *BillingSuggestion) (*Case, error) {
	if c == nil || sug == nil {
		return nil, invalid("case and suggestion are required")
	}
	if c.Status != StatusPending && c.Status != StatusAnalyzed {
		return nil, invalid("cannot analyze case %s in status %s", c.SlideID, c.Status)
	}
	if err := sug.Validate(); err != nil {
		return nil, invalid("invalid suggestion for %s: %v", c.SlideID, err)
	}

	now := s.timestamp()
	next := c.Clone()
	s.applySuggestion(next, sug)
	next.Status = StatusAnalyzed
	next.appendAudit(ActionAnalyzed, "", fmt.Sprintf("AI analysis complete. Confidence: %.2f%%", next.ConfidenceScore*100), now)

	if err := s.save(ctx, c, next); err != nil {
		return nil, persistence("save analysis", err)
	}
	*c = *next
	s.logger.Info().Str("slide_id", c.SlideID).Str("suggested_cpt", c.SuggestedCPTCode).
		Float64("recovery", c.Recovery()).Msg("case analyzed")
	return c, nil
}

func (s *Service) applySuggestion(c *Case, sug *BillingSuggestion) {
	c.FindingType = sug.FindingType
	if c.FindingType == "" {
		c.FindingType = c.Diagnosis
	}
	c.ConfidenceScore = sug.ConfidenceScore
	c.ComplexityIndicators = cloneStrings(sug.ComplexityIndicators)
	if c.ComplexityIndicators == nil {
		c.ComplexityIndicators = []string{}
	}

	c.BaseCPTCode = sug.BaseCPT
	if c.BaseCPTCode == "" {
		c.BaseCPTCode = DefaultBaseCPT
	}
	c.SuggestedCPTCode = sug.RecommendedCPT
	if c.SuggestedCPTCode == "" {
		c.SuggestedCPTCode = c.BaseCPTCode
	}
	c.AIAssistedCode = sug.AIAssistedCode
	if c.AIAssistedCode == "" {
		c.AIAssistedCode = DefaultAIAssistedCode
	}
	c.AncillaryCodes = cloneStrings(sug.AncillaryCodes)
	if c.AncillaryCodes == nil {
		c.AncillaryCodes = []string{}
	}

	if sug.BaseReimbursement != nil {
		c.BaseReimbursement = *sug.BaseReimbursement
	} else if v, ok := s.rate(c.BaseCPTCode); ok {
		c.BaseReimbursement = v
	} else {
		c.BaseReimbursement = DefaultBaseReimbursement
	}
	if sug.OptimizedReimbursement != nil {
		c.OptimizedReimbursement = floatPtr(*sug.OptimizedReimbursement)
	} else {
		c.OptimizedReimbursement = floatPtr(s.optimizedReimbursement(c.SuggestedCPTCode, c.AIAssistedCode))
	}
	c.RecoveryValue = floatPtr(sug.RevenueDelta)
	c.ModelUsed = sug.ModelUsed

	c.JustificationText = sug.AuditNarrative
	c.AuditDefenseScore = sug.AuditDefenseScore
	c.AnnotatedRegions = append([]Region{}, sug.AnnotatedRegions...)
}

func (s *Service) optimizedReimbursement(recommended, aiCode string) float64 {
	total, ok := s.rate(recommended)
	if !ok {
		total = DefaultBaseReimbursement
	}
	if v, ok := s.rate(aiCode); ok {
		total += v
	}
	return round(total, 2)
}

// AnalyzeInput is the request to run the billing adapter for a slide.
type AnalyzeInput struct {
	SlideID string `json:"slide_id"`
	// ImagePath overrides the case image; only /uploads/ paths are readable.
	ImagePath string                 `json:"image_path,omitempty"`
	Findings  map[string]interface{} `json:"findings,omitempty"`
}

// Analyze asks the recommender for billing codes and applies them when the
// slide belongs to a known case. For an unknown slide the suggestion is still
// returned, with a nil case.
func (s *Service) Analyze(ctx context.Context, in AnalyzeInput) (*BillingSuggestion, *Case, error) {
	slideID := strings.TrimSpace(in.SlideID)
	if slideID == "" {
		return nil, nil, invalid("slide_id is required")
	}
	if s.recommender == nil {
		return nil, nil, AdapterError("no billing recommender configured", nil)
	}

	c, err := s.store.GetBySlideID(ctx, slideID)
	if errors.Is(err, ErrNotFound) {
		c = nil
	} else if err != nil {
		return nil, nil, persistence("load case", err)
	}

	req := RecommendRequest{SlideID: slideID, Findings: in.Findings}
	imageURL := in.ImagePath
	if imageURL == "" && c != nil {
		imageURL = c.ImageURL
	}
	req.Image, req.ImageContentType = s.readImage(ctx, imageURL)

	sug, err := s.recommender.Recommend(ctx, req)
	if err != nil {
		if errors.Is(err, ErrAdapter) {
			return nil, nil, err
		}
		return nil, nil, AdapterError("billing recommendation failed", err)
	}
	sug.SlideID = slideID

	sug.AnnotatedRegions = []Region{}
	if c != nil && c.ImageURL == DemoImageURL {
		sug.AnnotatedRegions = DemoRegions()
	}

	if sug.BaseCPT == "" {
		sug.BaseCPT = DefaultBaseCPT
	}
	if sug.RecommendedCPT == "" {
		sug.RecommendedCPT = sug.BaseCPT
	}
	if sug.AIAssistedCode == "" {
		sug.AIAssistedCode = DefaultAIAssistedCode
	}
	base, ok := s.rate(sug.BaseCPT)
	if !ok {
		base = DefaultBaseReimbursement
	}
	sug.BaseReimbursement = floatPtr(base)
	sug.OptimizedReimbursement = floatPtr(s.optimizedReimbursement(sug.RecommendedCPT, sug.AIAssistedCode))

	if c == nil {
		return sug, nil, nil
	}
	if _, err := s.ApplyAnalysis(ctx, c, sug); err != nil {
		return nil, nil, err
	}
	return sug, c, nil
}

// readImage loads an uploaded slide image. Missing or unreadable images yield nil.
func (s *Service) readImage(ctx context.Context, imageURL string) ([]byte, string) {
	if s.blobs == nil || !strings.HasPrefix(imageURL, blobstore.URLPrefix) {
		return nil, ""
	}
	rc, meta, err := s.blobs.Get(ctx, strings.TrimPrefix(imageURL, blobstore.URLPrefix))
	if err != nil {
		if !errors.Is(err, blobstore.ErrBlobNotFound) {
			s.logger.Warn().Err(err).Str("image_url", imageURL).Msg("slide image unreadable")
		}
		return nil, ""
	}
	defer rc.Close()
	data, err := io.ReadAll(io.LimitReader(rc, blobstore.MaxFileSize))
	if err != nil {
		s.logger.Warn().Err(err).Str("image_url", imageURL).Msg("slide image read failed")
		return nil, ""
	}
	return data, meta.ContentType
}

// Verify records the pathologist's sign-off. The case update and the revenue
// rollup commit together. Verify skips the freshness check the other writes
// make, so concurrent verifies of one case each succeed and each count.
func (s *Service) Verify(ctx context.Context, c *Case, pathologistName string, clickedIndicators []string) (*Case, error) {
	name := strings.TrimSpace(pathologistName)
	if name == "" {
		return nil, invalid("pathologist_name is required")
	}
	if c == nil {
		return nil, invalid("case is required")
	}
	if c.Status != StatusAnalyzed {
		return nil, invalid("case %s must be ANALYZED to verify, is %s", c.SlideID, c.Status)
	}

	now := s.timestamp()
	next := c.Clone()
	next.Status = StatusVerified
	next.VerifiedBy = name
	next.VerifiedAt = &now
	next.appendAudit(ActionVerified, name,
		fmt.Sprintf("Verified with %d complexity indicators confirmed", len(clickedIndicators)), now)

	err := s.store.WithinTx(ctx, func(tx Store) error {
		if err := tx.Update(ctx, next); err != nil {
			return err
		}
		if s.observer != nil {
			return s.observer.OnVerified(ctx, tx, next)
		}
		return nil
	})
	if err != nil {
		return nil, persistence("verify case", err)
	}
	*c = *next
	s.logger.Info().Str("slide_id", c.SlideID).Str("verified_by", name).Msg("case verified")
	return c, nil
}

// MarkExported records an export. Repeated exports each add an audit entry.
func (s *Service) MarkExported(ctx context.Context, c *Case) (*Case, error) {
	if c == nil {
		return nil, invalid("case is required")
	}
	if c.Status != StatusVerified && c.Status != StatusExported {
		return nil, invalid("case %s must be VERIFIED to export, is %s", c.SlideID, c.Status)
	}

	now := s.timestamp()
	next := c.Clone()
	next.Status = StatusExported
	next.ExportedAt = &now
	next.appendAudit(ActionExported, "", "Audit Shield PDF generated", now)

	if err := s.save(ctx, c, next); err != nil {
		return nil, persistence("mark exported", err)
	}
	*c = *next
	return c, nil
}

// LogInteraction records that a user examined an annotated region. It returns
// the first region with that exact label, or nil.
func (s *Service) LogInteraction(ctx context.Context, c *Case, regionLabel, userID string) (*Region, error) {
	if c == nil {
		return nil, invalid("case is required")
	}
	label := strings.TrimSpace(regionLabel)
	if label == "" {
		return nil, invalid("region_label is required")
	}
	user := strings.TrimSpace(userID)
	if user == "" {
		user = defaultInteractionUser
	}

	now := s.timestamp()
	next := c.Clone()
	next.appendAudit(ActionRegionClicked, user, "Examined region: "+label, now)
	event := &AuditEvent{
		ID:        uuid.New().String(),
		CaseID:    next.ID,
		EventType: ActionRegionClicked,
		EventData: map[string]interface{}{"region": label},
		UserID:    user,
		IPAddress: clientIP(ctx),
		Timestamp: now,
	}

	err := s.store.WithinTx(ctx, func(tx Store) error {
		if err := ensureCurrent(ctx, tx, c); err != nil {
			return err
		}
		if err := tx.Update(ctx, next); err != nil {
			return err
		}
		return tx.AppendAuditEvent(ctx, event)
	})
	if err != nil {
		return nil, persistence("log interaction", err)
	}
	*c = *next
	return c.FindRegion(regionLabel), nil
}

// save writes next, built from prev, unless the stored case has moved on
// since prev was read.
func (s *Service) save(ctx context.Context, prev, next *Case) error {
	return s.store.WithinTx(ctx, func(tx Store) error {
		if err := ensureCurrent(ctx, tx, prev); err != nil {
			return err
		}
		return tx.Update(ctx, next)
	})
}

// ensureCurrent returns a conflict when the stored case is further along
// than c or carries audit entries c has not seen.
func ensureCurrent(ctx context.Context, tx Store, c *Case) error {
	stored, err := tx.GetBySlideID(ctx, c.SlideID)
	if err != nil {
		return err
	}
	if statusRank[stored.Status] > statusRank[c.Status] || len(stored.AuditLog) > len(c.AuditLog) {
		return conflict("case %s changed since it was read (stored %s, %d audit entries)",
			c.SlideID, stored.Status, len(stored.AuditLog))
	}
	return nil
}

// Delete removes the case, then its uploaded image. A failed image removal
// is logged and does not fail the delete.
func (s *Service) Delete(ctx context.Context, slideID string) error {
	c, err := s.load(ctx, slideID)
	if err != nil {
		return err
	}
	if err := s.store.Delete(ctx, slideID); err != nil {
		if errors.Is(err, ErrNotFound) {
			return notFound("case not found: %s", slideID)
		}
		return persistence("delete case", err)
	}
	if err := s.removeImage(ctx, c.ImageURL); err != nil {
		s.logger.Warn().Err(err).Str("slide_id", slideID).Str("image_url", c.ImageURL).
			Msg("slide image not removed")
	}
	s.logger.Info().Str("slide_id", slideID).Msg("case deleted")
	return nil
}

func (s *Service) removeImage(ctx context.Context, imageURL string) error {
	if s.blobs == nil || !strings.HasPrefix(imageURL, blobstore.URLPrefix) {
		return nil
	}
	err := s.blobs.Delete(ctx, strings.TrimPrefix(imageURL, blobstore.URLPrefix))
	if err != nil && !errors.Is(err, blobstore.ErrBlobNotFound) {
		return err
	}
	return nil
}

// AttachImage stores an uploaded slide image as "<slide_id><ext>" and points
// the case at it.
func (s *Service) AttachImage(ctx context.Context, slideID, filename, contentType string, content io.Reader) (*Case, error) {
	if s.blobs == nil {
		return nil, persistence("attach image", errors.New("no artifact store configured"))
	}
	c, err := s.load(ctx, slideID)
	if err != nil {
		return nil, err
	}

	key := blobstore.KeyFor(c.SlideID, filename)
	meta, err := s.blobs.Put(ctx, key, contentType, content)
	if err != nil {
		switch {
		case errors.Is(err, blobstore.ErrInvalidContentType),
			errors.Is(err, blobstore.ErrFileTooLarge),
			errors.Is(err, blobstore.ErrInvalidKey):
			return nil, invalid("%s", err.Error())
		}
		return nil, persistence("store slide image", err)
	}

	if c.ImageURL != meta.URL() {
		if err := s.removeImage(ctx, c.ImageURL); err != nil {
			s.logger.Warn().Err(err).Str("image_url", c.ImageURL).Msg("previous slide image not removed")
		}
	}

	next := c.Clone()
	next.ImageURL = meta.URL()
	next.appendAudit(ActionUpdated, "", "Slide image uploaded: "+meta.Key, s.timestamp())
	if err := s.save(ctx, c, next); err != nil {
		return nil, persistence("attach image", err)
	}
	return next, nil
}

// DetailsPatch holds the patient fields that may be edited after creation.
type DetailsPatch struct {
	PatientName *string `json:"patient_name,omitempty"`
	Diagnosis   *string `json:"diagnosis,omitempty"`
	PatientID   *string `json:"patient_id,omitempty"`
}

func (s *Service) UpdateDetails(ctx context.Context, slideID string, patch DetailsPatch) (*Case, error) {
	c, err := s.load(ctx, slideID)
	if err != nil {
		return nil, err
	}

	next := c.Clone()
	var changed []string
	if patch.PatientName != nil {
		next.PatientName = strings.TrimSpace(*patch.PatientName)
		changed = append(changed, "patient_name")
	}
	if patch.Diagnosis != nil {
		next.Diagnosis = strings.TrimSpace(*patch.Diagnosis)
		changed = append(changed, "diagnosis")
	}
	if patch.PatientID != nil {
		pid := strings.TrimSpace(*patch.PatientID)
		if pid == "" {
			return nil, invalid("patient_id cannot be empty")
		}
		next.PatientID = pid
		changed = append(changed, "patient_id")
	}
	if len(changed) == 0 {
		return nil, invalid("no updatable fields supplied")
	}

	next.appendAudit(ActionUpdated, "", "Updated "+strings.Join(changed, ", "), s.timestamp())
	if err := s.save(ctx, c, next); err != nil {
		return nil, persistence("update case", err)
	}
	return next, nil
}

// Export renders the Audit Shield report for a verified case and marks it
// exported.
func (s *Service) Export(ctx context.Context, slideID string) (*Artifact, *Case, error) {
	c, err := s.load(ctx, slideID)
	if err != nil {
		return nil, nil, err
	}
	if c.Status != StatusVerified && c.Status != StatusExported {
		return nil, nil, invalid("case %s must be VERIFIED to export, is %s", c.SlideID, c.Status)
	}
	if s.renderer == nil {
		return nil, nil, persistence("render report", errors.New("no report renderer configured"))
	}

	pathologist := c.VerifiedBy
	if pathologist == "" {
		pathologist = defaultPathologist
	}
	art, err := s.renderer.Render(ctx, ReportRequest{
		SlideID:         c.SlideID,
		Billing:         reportBilling(c),
		PathologistName: pathologist,
		GeneratedAt:     s.timestamp(),
	})
	if err != nil {
		return nil, nil, persistence("render report", err)
	}

	if _, err := s.MarkExported(ctx, c); err != nil {
		return nil, nil, err
	}
	s.logger.Info().Str("slide_id", c.SlideID).Str("file", art.Filename).Msg("audit shield exported")
	return art, c, nil
}

// reportBilling returns nil when the case carries no recorded analysis,
// such as a row written straight to the store at VERIFIED.
func reportBilling(c *Case) *ReportBilling {
	if c.SuggestedCPTCode == "" {
		return nil
	}
	b := &ReportBilling{
		BaseCPT:              c.BaseCPTCode,
		RecommendedCPT:       c.SuggestedCPTCode,
		AIAssistedCode:       c.AIAssistedCode,
		AncillaryCodes:       cloneStrings(c.AncillaryCodes),
		RevenueDelta:         c.Recovery(),
		ConfidenceScore:      c.ConfidenceScore,
		AuditDefenseScore:    c.AuditDefenseScore,
		AuditNarrative:       c.JustificationText,
		ComplexityIndicators: cloneStrings(c.ComplexityIndicators),
		ModelUsed:            c.ModelUsed,
	}
	if b.ConfidenceScore == 0 {
		b.ConfidenceScore = 0.95
	}
	if b.AuditDefenseScore == 0 {
		b.AuditDefenseScore = 94
	}
	if b.ModelUsed == "" {
		b.ModelUsed = defaultReportModel
	}
	return b
}

// SeedDemo inserts the demo cases when the store is empty and returns how
// many were added.
func (s *Service) SeedDemo(ctx context.Context) (int, error) {
	n, err := s.store.Count(ctx)
	if err != nil {
		return 0, persistence("count cases", err)
	}
	if n > 0 {
		return 0, nil
	}
	added := 0
	for _, in := range DemoCases() {
		if _, err := s.create(ctx, in, "Demo case seeded"); err != nil {
			if errors.Is(err, ErrConflict) {
				continue
			}
			return added, err
		}
		added++
	}
	s.logger.Info().Int("cases", added).Msg("demo data seeded")
	return added, nil
}
