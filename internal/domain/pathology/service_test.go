package pathology

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/pathoai/patho/internal/platform/blobstore"
	"github.com/pathoai/patho/internal/platform/feeschedule"
)

// -- Mock Store --

type mockStore struct {
	mu        sync.Mutex
	cases     map[string]*Case
	events    []*AuditEvent
	summaries map[time.Time]*RevenueSummary
	nextID    int64

	updateErr error
	deleteErr error
}

func newMockStore() *mockStore {
	return &mockStore{
		cases:     make(map[string]*Case),
		summaries: make(map[time.Time]*RevenueSummary),
	}
}

func (m *mockStore) GetBySlideID(_ context.Context, slideID string) (*Case, error) {
	c, ok := m.cases[slideID]
	if !ok {
		return nil, ErrNotFound
	}
	return c.Clone(), nil
}

func (m *mockStore) List(_ context.Context, status Status) ([]*Case, error) {
	var out []*Case
	for _, c := range m.cases {
		if status == "" || c.Status == status {
			out = append(out, c.Clone())
		}
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].ID > out[j-1].ID; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out, nil
}

func (m *mockStore) Insert(_ context.Context, c *Case) error {
	if _, ok := m.cases[c.SlideID]; ok {
		return ErrDuplicate
	}
	m.nextID++
	c.ID = m.nextID
	m.cases[c.SlideID] = c.Clone()
	return nil
}

func (m *mockStore) Update(_ context.Context, c *Case) error {
	if m.updateErr != nil {
		return m.updateErr
	}
	if _, ok := m.cases[c.SlideID]; !ok {
		return ErrNotFound
	}
	m.cases[c.SlideID] = c.Clone()
	return nil
}

func (m *mockStore) Delete(_ context.Context, slideID string) error {
	if m.deleteErr != nil {
		return m.deleteErr
	}
	if _, ok := m.cases[slideID]; !ok {
		return ErrNotFound
	}
	delete(m.cases, slideID)
	return nil
}

func (m *mockStore) Count(_ context.Context) (int, error) { return len(m.cases), nil }

func (m *mockStore) AppendAuditEvent(_ context.Context, e *AuditEvent) error {
	ev := *e
	m.events = append(m.events, &ev)
	return nil
}

func (m *mockStore) GetOrCreateDailySummary(_ context.Context, day time.Time) (*RevenueSummary, error) {
	day = DayOf(day)
	sum, ok := m.summaries[day]
	if !ok {
		sum = newDailySummary(day)
		sum.ID = int64(len(m.summaries) + 1)
		m.summaries[day] = sum
	}
	return cloneSummary(sum), nil
}

func (m *mockStore) SaveDailySummary(_ context.Context, s *RevenueSummary) error {
	m.summaries[DayOf(s.Date)] = cloneSummary(s)
	return nil
}

// WithinTx snapshots the maps and restores them when fn fails.
func (m *mockStore) WithinTx(_ context.Context, fn func(tx Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cases := make(map[string]*Case, len(m.cases))
	for k, v := range m.cases {
		cases[k] = v.Clone()
	}
	summaries := make(map[time.Time]*RevenueSummary, len(m.summaries))
	for k, v := range m.summaries {
		summaries[k] = cloneSummary(v)
	}
	events := append([]*AuditEvent(nil), m.events...)

	if err := fn(m); err != nil {
		m.cases, m.summaries, m.events = cases, summaries, events
		return err
	}
	return nil
}

// -- Stubs --

type stubRecommender struct {
	sug   *BillingSuggestion
	err   error
	calls []RecommendRequest
}

func (s *stubRecommender) Recommend(_ context.Context, req RecommendRequest) (*BillingSuggestion, error) {
	s.calls = append(s.calls, req)
	if s.err != nil {
		return nil, s.err
	}
	out := *s.sug
	out.ComplexityIndicators = cloneStrings(s.sug.ComplexityIndicators)
	out.AncillaryCodes = cloneStrings(s.sug.AncillaryCodes)
	return &out, nil
}

type stubRenderer struct {
	err  error
	reqs []ReportRequest
}

func (s *stubRenderer) Render(_ context.Context, req ReportRequest) (*Artifact, error) {
	s.reqs = append(s.reqs, req)
	if s.err != nil {
		return nil, s.err
	}
	return &Artifact{
		Filename:    "audit_shield_" + req.SlideID + "_" + req.GeneratedAt.Format("20060102_150405") + ".pdf",
		ContentType: "application/pdf",
		Data:        []byte("%PDF-1.3 stub"),
	}, nil
}

type failingObserver struct{}

func (failingObserver) OnVerified(context.Context, Store, *Case) error {
	return errors.New("summary write failed")
}

var fixedNow = time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)

type testEnv struct {
	svc      *Service
	revenue  *Revenue
	store    *mockStore
	rec      *stubRecommender
	renderer *stubRenderer
	blobs    *blobstore.InMemoryBlobStore
}

func defaultSuggestion() *BillingSuggestion {
	return &BillingSuggestion{
		BaseCPT:              "88305",
		RecommendedCPT:       "88309",
		AIAssistedCode:       "0596T",
		AncillaryCodes:       []string{"88342"},
		RevenueDelta:         18.40,
		ConfidenceScore:      0.94,
		AuditDefenseScore:    95,
		AuditNarrative:       "High-grade features support 88309.",
		ComplexityIndicators: []string{"Mitotic figures", "Perineural invasion"},
		FindingType:          "Invasive Ductal Carcinoma",
		ModelUsed:            "gemini-2.0-flash",
	}
}

func newTestEnv() *testEnv {
	store := newMockStore()
	rec := &stubRecommender{sug: defaultSuggestion()}
	renderer := &stubRenderer{}
	blobs := blobstore.NewInMemoryBlobStore()
	revenue := NewRevenue(store, zerolog.Nop())
	revenue.SetClock(func() time.Time { return fixedNow })
	svc := NewService(store, rec, renderer, revenue, feeschedule.Default(), blobs, zerolog.Nop())
	svc.SetClock(func() time.Time { return fixedNow })
	return &testEnv{svc: svc, revenue: revenue, store: store, rec: rec, renderer: renderer, blobs: blobs}
}

func (env *testEnv) analyzed(t *testing.T, slideID string) *Case {
	t.Helper()
	ctx := context.Background()
	if _, err := env.svc.Create(ctx, CreateInput{PatientID: "PT-" + slideID, SlideID: slideID}); err != nil {
		t.Fatalf("create: %v", err)
	}
	_, c, err := env.svc.Analyze(ctx, AnalyzeInput{SlideID: slideID})
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	return c
}

func assertKind(t *testing.T, err error, sentinel error) {
	t.Helper()
	if !errors.Is(err, sentinel) {
		t.Fatalf("expected %v, got %v", sentinel, err)
	}
}

// -- Create --

func TestService_Create_Defaults(t *testing.T) {
	env := newTestEnv()
	c, err := env.svc.Create(context.Background(), CreateInput{PatientID: "PT-12345"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.SlideID != "WSI-2024-2345" {
		t.Errorf("expected derived slide id WSI-2024-2345, got %s", c.SlideID)
	}
	if c.PatientName != "Patient PT-12345" {
		t.Errorf("unexpected patient name %q", c.PatientName)
	}
	if c.Diagnosis != DefaultDiagnosis {
		t.Errorf("expected diagnosis %q, got %q", DefaultDiagnosis, c.Diagnosis)
	}
	if c.Status != StatusPending {
		t.Errorf("expected PENDING, got %s", c.Status)
	}
	if c.BaseCPTCode != "88305" || c.BaseReimbursement != 72.00 {
		t.Errorf("unexpected base billing %s/%.2f", c.BaseCPTCode, c.BaseReimbursement)
	}
	if len(c.AuditLog) != 1 || c.AuditLog[0].Action != ActionCreated {
		t.Fatalf("expected one CREATED entry, got %+v", c.AuditLog)
	}
	if c.ID == 0 {
		t.Error("expected id to be assigned")
	}
}

func TestService_Create_MissingPatientID(t *testing.T) {
	env := newTestEnv()
	_, err := env.svc.Create(context.Background(), CreateInput{PatientID: "  "})
	assertKind(t, err, ErrValidation)
}

func TestService_Create_DuplicateSlide(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	if _, err := env.svc.Create(ctx, CreateInput{PatientID: "PT-1", SlideID: "WSI-1"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	_, err := env.svc.Create(ctx, CreateInput{PatientID: "PT-2", SlideID: "WSI-1"})
	assertKind(t, err, ErrConflict)
	if n, _ := env.store.Count(ctx); n != 1 {
		t.Errorf("expected 1 stored case, got %d", n)
	}
}

func TestDefaultSlideID(t *testing.T) {
	if got := DefaultSlideID("PT-8829"); got != "WSI-2024-8829" {
		t.Errorf("expected WSI-2024-8829, got %s", got)
	}
	if got := DefaultSlideID("42"); got != "WSI-2024-42" {
		t.Errorf("expected WSI-2024-42, got %s", got)
	}
}

// -- Analysis --

func TestService_EndToEnd(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	if _, err := env.svc.Create(ctx, CreateInput{PatientID: "PT-TEST", SlideID: "WSI-TEST-1"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	sug, c, err := env.svc.Analyze(ctx, AnalyzeInput{SlideID: "WSI-TEST-1"})
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if c == nil || c.Status != StatusAnalyzed {
		t.Fatalf("expected ANALYZED case, got %+v", c)
	}
	if sug.RecommendedCPT != "88309" {
		t.Errorf("expected 88309, got %s", sug.RecommendedCPT)
	}
	if *sug.OptimizedReimbursement != 98.60 {
		t.Errorf("expected optimized 98.60, got %.2f", *sug.OptimizedReimbursement)
	}
	if c.AuditLog[1].Details != "AI analysis complete. Confidence: 94.00%" {
		t.Errorf("unexpected analysis entry %q", c.AuditLog[1].Details)
	}

	if _, err := env.svc.Verify(ctx, c, "Dr. Smith", []string{"Mitotic figures"}); err != nil {
		t.Fatalf("verify: %v", err)
	}
	if c.Status != StatusVerified || c.VerifiedBy != "Dr. Smith" || c.VerifiedAt == nil {
		t.Fatalf("expected verified case, got %+v", c)
	}

	view, err := env.revenue.Summarize(ctx)
	if err != nil {
		t.Fatalf("summarize: %v", err)
	}
	if view.TotalCasesProcessed != 1 || view.TotalRevenueRecovered != 18.40 {
		t.Errorf("unexpected summary %+v", view)
	}
	if view.CPTBreakdown["88305→88309"] != 1 {
		t.Errorf("expected upgrade histogram entry, got %v", view.CPTBreakdown)
	}

	art, exported, err := env.svc.Export(ctx, "WSI-TEST-1")
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if art.Filename != "audit_shield_WSI-TEST-1_20260314_093000.pdf" {
		t.Errorf("unexpected filename %s", art.Filename)
	}
	if exported.Status != StatusExported || exported.ExportedAt == nil {
		t.Errorf("expected EXPORTED case, got %s", exported.Status)
	}

	stored, _ := env.store.GetBySlideID(ctx, "WSI-TEST-1")
	want := []string{ActionCreated, ActionAnalyzed, ActionVerified, ActionExported}
	if len(stored.AuditLog) != len(want) {
		t.Fatalf("expected %d audit entries, got %d", len(want), len(stored.AuditLog))
	}
	for i, action := range want {
		if stored.AuditLog[i].Action != action {
			t.Errorf("entry %d: expected %s, got %s", i, action, stored.AuditLog[i].Action)
		}
	}

	view, _ = env.revenue.Summarize(ctx)
	if view.TotalCasesProcessed != 1 {
		t.Errorf("exported case should still count once, got %d", view.TotalCasesProcessed)
	}
	daily, _ := env.revenue.Daily(ctx, fixedNow)
	if daily.TotalCasesProcessed != 1 || daily.TotalRevenueRecovered != 18.40 {
		t.Errorf("unexpected daily row %+v", daily)
	}
}

func TestService_Analyze_UnknownSlide(t *testing.T) {
	env := newTestEnv()
	sug, c, err := env.svc.Analyze(context.Background(), AnalyzeInput{SlideID: "WSI-NOPE"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c != nil {
		t.Error("expected nil case for unknown slide")
	}
	if sug.SlideID != "WSI-NOPE" || len(sug.AnnotatedRegions) != 0 {
		t.Errorf("unexpected suggestion %+v", sug)
	}
}

func TestService_Analyze_DemoRegionsOnlyForDemoImage(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	env.svc.Create(ctx, CreateInput{PatientID: "PT-1", SlideID: "WSI-DEMO", ImageURL: DemoImageURL})
	env.svc.Create(ctx, CreateInput{PatientID: "PT-2", SlideID: "WSI-UPLOAD", ImageURL: "/uploads/WSI-UPLOAD.png"})

	sug, c, err := env.svc.Analyze(ctx, AnalyzeInput{SlideID: "WSI-DEMO"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(sug.AnnotatedRegions) != 4 || len(c.AnnotatedRegions) != 4 {
		t.Errorf("expected 4 demo regions, got %d", len(sug.AnnotatedRegions))
	}

	sug, _, err = env.svc.Analyze(ctx, AnalyzeInput{SlideID: "WSI-UPLOAD"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(sug.AnnotatedRegions) != 0 {
		t.Errorf("expected no regions for uploaded image, got %d", len(sug.AnnotatedRegions))
	}
}

func TestService_Analyze_PassesUploadedImage(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	env.svc.Create(ctx, CreateInput{PatientID: "PT-1", SlideID: "WSI-IMG"})
	png := "\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR"
	if _, err := env.svc.AttachImage(ctx, "WSI-IMG", "scan.png", "image/png", strings.NewReader(png)); err != nil {
		t.Fatalf("attach: %v", err)
	}
	if _, _, err := env.svc.Analyze(ctx, AnalyzeInput{SlideID: "WSI-IMG"}); err != nil {
		t.Fatalf("analyze: %v", err)
	}
	req := env.rec.calls[len(env.rec.calls)-1]
	if string(req.Image) != png || req.ImageContentType != "image/png" {
		t.Errorf("expected uploaded image to reach recommender, got %d bytes (%s)", len(req.Image), req.ImageContentType)
	}
}

func TestService_Analyze_RecommenderFailure(t *testing.T) {
	env := newTestEnv()
	env.rec.err = errors.New("upstream 500")
	env.svc.Create(context.Background(), CreateInput{PatientID: "PT-1", SlideID: "WSI-1"})

	_, _, err := env.svc.Analyze(context.Background(), AnalyzeInput{SlideID: "WSI-1"})
	assertKind(t, err, ErrAdapter)
	stored, _ := env.store.GetBySlideID(context.Background(), "WSI-1")
	if stored.Status != StatusPending {
		t.Errorf("expected case to stay PENDING, got %s", stored.Status)
	}
}

func TestService_ApplyAnalysis_Defaults(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	c, _ := env.svc.Create(ctx, CreateInput{PatientID: "PT-1", SlideID: "WSI-1", Diagnosis: "Melanoma In Situ"})

	_, err := env.svc.ApplyAnalysis(ctx, c, &BillingSuggestion{ConfidenceScore: 0.9})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.BaseCPTCode != "88305" || c.SuggestedCPTCode != "88305" || c.AIAssistedCode != "0596T" {
		t.Errorf("unexpected codes %s/%s/%s", c.BaseCPTCode, c.SuggestedCPTCode, c.AIAssistedCode)
	}
	if c.BaseReimbursement != 72.00 {
		t.Errorf("expected base 72.00, got %.2f", c.BaseReimbursement)
	}
	if c.OptimizedReimbursement == nil || *c.OptimizedReimbursement != 80.20 {
		t.Errorf("expected optimized 80.20, got %v", c.OptimizedReimbursement)
	}
	if c.FindingType != "Melanoma In Situ" {
		t.Errorf("expected finding type from diagnosis, got %q", c.FindingType)
	}
	if c.ComplexityIndicators == nil || c.AncillaryCodes == nil || c.AnnotatedRegions == nil {
		t.Error("expected list fields to be non-nil")
	}
}

func TestService_ApplyAnalysis_Reanalyze(t *testing.T) {
	env := newTestEnv()
	c := env.analyzed(t, "WSI-1")
	if _, err := env.svc.ApplyAnalysis(context.Background(), c, defaultSuggestion()); err != nil {
		t.Fatalf("re-analysis should be allowed: %v", err)
	}
	if len(c.AuditLog) != 3 {
		t.Errorf("expected 3 audit entries, got %d", len(c.AuditLog))
	}
}

func TestService_ApplyAnalysis_RejectsOutOfRangeScores(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	c, _ := env.svc.Create(ctx, CreateInput{PatientID: "PT-1", SlideID: "WSI-1"})

	bad := []*BillingSuggestion{
		{ConfidenceScore: 94, AuditDefenseScore: 95},
		{ConfidenceScore: 0.94, AuditDefenseScore: 150},
		{ConfidenceScore: 0.94, AuditDefenseScore: 95, RevenueDelta: -3},
	}
	for _, sug := range bad {
		_, err := env.svc.ApplyAnalysis(ctx, c, sug)
		assertKind(t, err, ErrValidation)
	}
	if c.Status != StatusPending || len(c.AuditLog) != 1 {
		t.Errorf("rejected analysis must not change the case: status=%s entries=%d", c.Status, len(c.AuditLog))
	}
	stored, _ := env.store.GetBySlideID(ctx, "WSI-1")
	if stored.Status != StatusPending {
		t.Errorf("expected stored status PENDING, got %s", stored.Status)
	}
}

func TestService_ApplyAnalysis_RejectsBackwardTransition(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	c := env.analyzed(t, "WSI-1")
	if _, err := env.svc.Verify(ctx, c, "Dr. Smith", nil); err != nil {
		t.Fatalf("verify: %v", err)
	}
	_, err := env.svc.ApplyAnalysis(ctx, c, defaultSuggestion())
	assertKind(t, err, ErrValidation)
	if c.Status != StatusVerified {
		t.Errorf("expected status to stay VERIFIED, got %s", c.Status)
	}
}

// -- Verification --

func TestService_Verify_BlankPathologist(t *testing.T) {
	env := newTestEnv()
	c := env.analyzed(t, "WSI-1")
	_, err := env.svc.Verify(context.Background(), c, "   ", nil)
	assertKind(t, err, ErrValidation)
}

func TestService_Verify_RequiresAnalyzed(t *testing.T) {
	env := newTestEnv()
	c, _ := env.svc.Create(context.Background(), CreateInput{PatientID: "PT-1", SlideID: "WSI-1"})
	_, err := env.svc.Verify(context.Background(), c, "Dr. Smith", nil)
	assertKind(t, err, ErrValidation)
}

func TestService_Verify_AuditEntry(t *testing.T) {
	env := newTestEnv()
	c := env.analyzed(t, "WSI-1")
	if _, err := env.svc.Verify(context.Background(), c, "Dr. Smith", []string{"a", "b", "c"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	last := c.AuditLog[len(c.AuditLog)-1]
	if last.Action != ActionVerified || last.User != "Dr. Smith" ||
		last.Details != "Verified with 3 complexity indicators confirmed" {
		t.Errorf("unexpected entry %+v", last)
	}
}

func TestService_Verify_ObserverFailureRollsBack(t *testing.T) {
	env := newTestEnv()
	c := env.analyzed(t, "WSI-1")
	env.svc.observer = failingObserver{}

	_, err := env.svc.Verify(context.Background(), c, "Dr. Smith", nil)
	assertKind(t, err, ErrPersistence)
	if c.Status != StatusAnalyzed || c.VerifiedBy != "" {
		t.Errorf("caller's case must be untouched, got %s/%q", c.Status, c.VerifiedBy)
	}
	stored, _ := env.store.GetBySlideID(context.Background(), "WSI-1")
	if stored.Status != StatusAnalyzed {
		t.Errorf("expected stored case to stay ANALYZED, got %s", stored.Status)
	}
}

func TestService_Verify_StoreFailure(t *testing.T) {
	env := newTestEnv()
	c := env.analyzed(t, "WSI-1")
	env.store.updateErr = errors.New("disk full")

	_, err := env.svc.Verify(context.Background(), c, "Dr. Smith", nil)
	assertKind(t, err, ErrPersistence)
	if len(env.store.summaries) != 0 {
		t.Errorf("expected no summary row, got %d", len(env.store.summaries))
	}
}

func TestService_Verify_TwoStaleCopiesCountTwice(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	env.analyzed(t, "WSI-1")
	a, _ := env.svc.Get(ctx, "WSI-1")
	b, _ := env.svc.Get(ctx, "WSI-1")

	if _, err := env.svc.Verify(ctx, a, "Dr. A", nil); err != nil {
		t.Fatalf("first verify: %v", err)
	}
	if _, err := env.svc.Verify(ctx, b, "Dr. B", nil); err != nil {
		t.Fatalf("second verify: %v", err)
	}
	daily, _ := env.revenue.Daily(ctx, fixedNow)
	if daily.TotalCasesProcessed != 2 {
		t.Errorf("expected two rolling increments, got %d", daily.TotalCasesProcessed)
	}
	stored, _ := env.store.GetBySlideID(ctx, "WSI-1")
	if stored.VerifiedBy != "Dr. B" {
		t.Errorf("expected last write to win, got %q", stored.VerifiedBy)
	}
}

// -- Export --

func TestService_MarkExported_RequiresVerified(t *testing.T) {
	env := newTestEnv()
	c := env.analyzed(t, "WSI-1")
	_, err := env.svc.MarkExported(context.Background(), c)
	assertKind(t, err, ErrValidation)
}

func TestService_MarkExported_Repeatable(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	c := env.analyzed(t, "WSI-1")
	env.svc.Verify(ctx, c, "Dr. Smith", nil)

	for i := 0; i < 2; i++ {
		if _, err := env.svc.MarkExported(ctx, c); err != nil {
			t.Fatalf("export %d: %v", i, err)
		}
	}
	exports := 0
	for _, e := range c.AuditLog {
		if e.Action == ActionExported {
			exports++
		}
	}
	if exports != 2 {
		t.Errorf("expected 2 EXPORTED entries, got %d", exports)
	}
}

func TestService_Export_NotFound(t *testing.T) {
	env := newTestEnv()
	_, _, err := env.svc.Export(context.Background(), "WSI-NOPE")
	assertKind(t, err, ErrNotFound)
}

func TestService_Export_NotVerified(t *testing.T) {
	env := newTestEnv()
	env.analyzed(t, "WSI-1")
	_, _, err := env.svc.Export(context.Background(), "WSI-1")
	assertKind(t, err, ErrValidation)
	if len(env.renderer.reqs) != 0 {
		t.Error("renderer should not be called")
	}
}

func TestService_Export_RenderFailure(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	c := env.analyzed(t, "WSI-1")
	env.svc.Verify(ctx, c, "Dr. Smith", nil)
	env.renderer.err = errors.New("font missing")

	_, _, err := env.svc.Export(ctx, "WSI-1")
	assertKind(t, err, ErrPersistence)
	stored, _ := env.store.GetBySlideID(ctx, "WSI-1")
	if stored.Status != StatusVerified {
		t.Errorf("expected VERIFIED after failed render, got %s", stored.Status)
	}
}

func TestService_Export_ReportFallbacks(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	c, _ := env.svc.Create(ctx, CreateInput{PatientID: "PT-1", SlideID: "WSI-1"})
	env.svc.ApplyAnalysis(ctx, c, &BillingSuggestion{})
	env.svc.Verify(ctx, c, "Dr. Smith", nil)

	if _, _, err := env.svc.Export(ctx, "WSI-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	b := env.renderer.reqs[0].Billing
	if b.ConfidenceScore != 0.95 || b.AuditDefenseScore != 94 || b.ModelUsed != "Gemini 1.5 Pro" {
		t.Errorf("unexpected fallbacks %+v", b)
	}
	if env.renderer.reqs[0].PathologistName != "Dr. Smith" {
		t.Errorf("expected verifying pathologist, got %q", env.renderer.reqs[0].PathologistName)
	}
}

func TestService_Export_WithoutRecordedAnalysis(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	c := sampleCase("WSI-LEGACY", fixedNow)
	c.Status = StatusVerified
	c.VerifiedBy = "Dr. Jones"
	if err := env.store.Insert(ctx, c); err != nil {
		t.Fatalf("insert: %v", err)
	}

	if _, _, err := env.svc.Export(ctx, "WSI-LEGACY"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(env.renderer.reqs) != 1 || env.renderer.reqs[0].Billing != nil {
		t.Fatalf("expected one render without billing, got %+v", env.renderer.reqs)
	}
	stored, _ := env.store.GetBySlideID(ctx, "WSI-LEGACY")
	if stored.Status != StatusExported {
		t.Errorf("expected EXPORTED, got %s", stored.Status)
	}
}

// -- Interaction --

func TestService_LogInteraction(t *testing.T) {
	env := newTestEnv()
	ctx := ContextWithClientIP(context.Background(), "10.0.0.7")
	env.svc.Create(ctx, CreateInput{PatientID: "PT-1", SlideID: "WSI-1", ImageURL: DemoImageURL})
	_, c, _ := env.svc.Analyze(ctx, AnalyzeInput{SlideID: "WSI-1"})

	region, err := env.svc.LogInteraction(ctx, c, "Mitotic figures", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if region == nil || region.ID != 2 {
		t.Fatalf("expected region 2, got %+v", region)
	}
	last := c.AuditLog[len(c.AuditLog)-1]
	if last.Action != ActionRegionClicked || last.User != "pathologist" || last.Details != "Examined region: Mitotic figures" {
		t.Errorf("unexpected entry %+v", last)
	}
	if len(env.store.events) != 1 {
		t.Fatalf("expected 1 audit event, got %d", len(env.store.events))
	}
	ev := env.store.events[0]
	if ev.EventData["region"] != "Mitotic figures" || ev.IPAddress != "10.0.0.7" || ev.CaseID != c.ID || ev.ID == "" {
		t.Errorf("unexpected event %+v", ev)
	}
}

func TestService_LogInteraction_UnknownRegion(t *testing.T) {
	env := newTestEnv()
	c, _ := env.svc.Create(context.Background(), CreateInput{PatientID: "PT-1", SlideID: "WSI-1"})
	region, err := env.svc.LogInteraction(context.Background(), c, "Nothing here", "dr.a")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if region != nil {
		t.Errorf("expected nil region, got %+v", region)
	}
	if len(c.AuditLog) != 2 {
		t.Errorf("expected the click to be logged anyway, got %d entries", len(c.AuditLog))
	}
}

func TestService_LogInteraction_RejectsStaleCopy(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	c := env.analyzed(t, "WSI-1")
	if _, err := env.svc.Verify(ctx, c, "Dr. Smith", nil); err != nil {
		t.Fatalf("verify: %v", err)
	}
	if _, _, err := env.svc.Export(ctx, "WSI-1"); err != nil {
		t.Fatalf("export: %v", err)
	}

	_, err := env.svc.LogInteraction(ctx, c, "Mitotic figures", "dr.a")
	assertKind(t, err, ErrConflict)
	if c.Status != StatusVerified {
		t.Errorf("caller's copy must be untouched, got %s", c.Status)
	}
	stored, _ := env.store.GetBySlideID(ctx, "WSI-1")
	if stored.Status != StatusExported || stored.ExportedAt == nil {
		t.Errorf("expected stored case to stay EXPORTED, got %s exported_at=%v", stored.Status, stored.ExportedAt)
	}
	if last := stored.AuditLog[len(stored.AuditLog)-1]; last.Action != ActionExported {
		t.Errorf("expected EXPORTED to stay the last entry, got %s", last.Action)
	}
	if len(env.store.events) != 0 {
		t.Errorf("expected no audit event, got %d", len(env.store.events))
	}
}

func TestService_MarkExported_RejectsStaleCopy(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	c := env.analyzed(t, "WSI-1")
	env.svc.Verify(ctx, c, "Dr. Smith", nil)
	a, _ := env.svc.Get(ctx, "WSI-1")
	b, _ := env.svc.Get(ctx, "WSI-1")

	if _, err := env.svc.MarkExported(ctx, a); err != nil {
		t.Fatalf("first export: %v", err)
	}
	_, err := env.svc.MarkExported(ctx, b)
	assertKind(t, err, ErrConflict)
	stored, _ := env.store.GetBySlideID(ctx, "WSI-1")
	if len(stored.AuditLog) != len(a.AuditLog) {
		t.Errorf("expected %d audit entries, got %d", len(a.AuditLog), len(stored.AuditLog))
	}
}

func TestService_ApplyAnalysis_RejectsStaleCopy(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	c := env.analyzed(t, "WSI-1")
	stale, _ := env.svc.Get(ctx, "WSI-1")
	if _, err := env.svc.Verify(ctx, c, "Dr. Smith", nil); err != nil {
		t.Fatalf("verify: %v", err)
	}

	_, err := env.svc.ApplyAnalysis(ctx, stale, defaultSuggestion())
	assertKind(t, err, ErrConflict)
	stored, _ := env.store.GetBySlideID(ctx, "WSI-1")
	if stored.Status != StatusVerified || stored.VerifiedBy != "Dr. Smith" {
		t.Errorf("expected VERIFIED by Dr. Smith, got %s/%q", stored.Status, stored.VerifiedBy)
	}
}

// -- Delete, upload, details --

func TestService_Delete(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	env.svc.Create(ctx, CreateInput{PatientID: "PT-1", SlideID: "WSI-1"})
	env.svc.AttachImage(ctx, "WSI-1", "scan.png", "image/png", strings.NewReader("\x89PNG\r\n\x1a\n"))

	if err := env.svc.Delete(ctx, "WSI-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := env.svc.Get(ctx, "WSI-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected NotFound after delete, got %v", err)
	}
	if _, _, err := env.blobs.Get(ctx, "WSI-1.png"); !errors.Is(err, blobstore.ErrBlobNotFound) {
		t.Errorf("expected image removed, got %v", err)
	}
	assertKind(t, env.svc.Delete(ctx, "WSI-1"), ErrNotFound)
}

// blobsFailingDelete stores blobs normally but cannot delete them.
type blobsFailingDelete struct {
	blobstore.BlobStore
}

func (blobsFailingDelete) Delete(context.Context, string) error {
	return errors.New("permission denied")
}

func TestService_Delete_ImageFailureStillRemovesCase(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	env.svc.blobs = blobsFailingDelete{env.blobs}
	env.svc.Create(ctx, CreateInput{PatientID: "PT-1", SlideID: "WSI-1"})
	if _, err := env.svc.AttachImage(ctx, "WSI-1", "scan.png", "image/png", strings.NewReader("\x89PNG\r\n\x1a\n")); err != nil {
		t.Fatalf("attach: %v", err)
	}

	if err := env.svc.Delete(ctx, "WSI-1"); err != nil {
		t.Fatalf("delete should succeed without the image: %v", err)
	}
	if _, err := env.svc.Get(ctx, "WSI-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected NotFound after delete, got %v", err)
	}
	if _, _, err := env.blobs.Get(ctx, "WSI-1.png"); err != nil {
		t.Errorf("expected the orphaned image to remain readable, got %v", err)
	}
}

func TestService_Delete_StoreFailureKeepsImage(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	env.svc.Create(ctx, CreateInput{PatientID: "PT-1", SlideID: "WSI-1"})
	env.svc.AttachImage(ctx, "WSI-1", "scan.png", "image/png", strings.NewReader("\x89PNG\r\n\x1a\n"))
	env.store.deleteErr = errors.New("disk full")

	assertKind(t, env.svc.Delete(ctx, "WSI-1"), ErrPersistence)
	if _, _, err := env.blobs.Get(ctx, "WSI-1.png"); err != nil {
		t.Errorf("expected image kept when the row stays, got %v", err)
	}
}

func TestService_AttachImage(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	env.svc.Create(ctx, CreateInput{PatientID: "PT-1", SlideID: "WSI-1"})

	c, err := env.svc.AttachImage(ctx, "WSI-1", "Slide.JPG", "image/jpeg", strings.NewReader("\xff\xd8\xff\xe0"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.ImageURL != "/uploads/WSI-1.jpg" {
		t.Errorf("unexpected image url %s", c.ImageURL)
	}
	rc, _, err := env.blobs.Get(ctx, "WSI-1.jpg")
	if err != nil {
		t.Fatalf("expected stored blob: %v", err)
	}
	data, _ := io.ReadAll(rc)
	rc.Close()
	if string(data) != "\xff\xd8\xff\xe0" {
		t.Errorf("unexpected blob content %q", data)
	}
}

func TestService_AttachImage_RejectsNonImage(t *testing.T) {
	env := newTestEnv()
	env.svc.Create(context.Background(), CreateInput{PatientID: "PT-1", SlideID: "WSI-1"})
	_, err := env.svc.AttachImage(context.Background(), "WSI-1", "notes.txt", "text/plain", strings.NewReader("hello"))
	assertKind(t, err, ErrValidation)
}

func TestService_UpdateDetails(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	env.svc.Create(ctx, CreateInput{PatientID: "PT-1", SlideID: "WSI-1"})
	name := "Jane Doe"

	c, err := env.svc.UpdateDetails(ctx, "WSI-1", DetailsPatch{PatientName: &name})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.PatientName != "Jane Doe" || c.PatientID != "PT-1" {
		t.Errorf("unexpected case %+v", c)
	}
	if last := c.AuditLog[len(c.AuditLog)-1]; last.Action != ActionUpdated {
		t.Errorf("expected UPDATED entry, got %s", last.Action)
	}
}

func TestService_UpdateDetails_Invalid(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	env.svc.Create(ctx, CreateInput{PatientID: "PT-1", SlideID: "WSI-1"})

	_, err := env.svc.UpdateDetails(ctx, "WSI-1", DetailsPatch{})
	assertKind(t, err, ErrValidation)

	empty := ""
	_, err = env.svc.UpdateDetails(ctx, "WSI-1", DetailsPatch{PatientID: &empty})
	assertKind(t, err, ErrValidation)

	_, err = env.svc.UpdateDetails(ctx, "WSI-NOPE", DetailsPatch{PatientID: &empty})
	assertKind(t, err, ErrNotFound)
}

// -- Listing and seeding --

func TestService_List_StatusFilter(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	env.svc.Create(ctx, CreateInput{PatientID: "PT-1", SlideID: "WSI-1"})
	env.analyzed(t, "WSI-2")

	cases, err := env.svc.List(ctx, "analyzed")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(cases) != 1 || cases[0].SlideID != "WSI-2" {
		t.Errorf("expected only WSI-2, got %d cases", len(cases))
	}
	all, _ := env.svc.List(ctx, "")
	if len(all) != 2 || all[0].SlideID != "WSI-2" {
		t.Errorf("expected newest first, got %v", all)
	}

	_, err = env.svc.List(ctx, "ARCHIVED")
	assertKind(t, err, ErrValidation)
}

func TestService_SeedDemo(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	n, err := env.svc.SeedDemo(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 5 {
		t.Errorf("expected 5 seeded cases, got %d", n)
	}
	c, _ := env.svc.Get(ctx, "WSI-2024-1847")
	if c == nil || c.PatientName != "Jane Doe" || c.AuditLog[0].Details != "Demo case seeded" {
		t.Errorf("unexpected seeded case %+v", c)
	}
	if n, _ := env.svc.SeedDemo(ctx); n != 0 {
		t.Errorf("expected no reseeding, got %d", n)
	}
}
