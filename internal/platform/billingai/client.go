// Package billingai asks a Gemini model for CPT billing recommendations on a
// pathology slide. When the model is unavailable (no key, quota exhausted,
// timeout or unusable output) it answers with a locally generated demo
// recommendation so the review workflow keeps moving.
package billingai

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/pathoai/patho/internal/domain/pathology"
)

const (
	DefaultBaseURL = "https://generativelanguage.googleapis.com"
	DefaultModel   = "gemini-2.0-flash"
	DefaultTimeout = 5 * time.Second

	// DemoModel is reported as model_used for generated recommendations.
	DemoModel = "demo-mode"

	defaultConfidence  = 0.98
	defaultAuditScore  = 96
	maxErrorBodyLength = 4096
)

const systemInstruction = `You are a 2026 CMS Compliance Officer specializing in pathology billing.

Your role:
1. Map pathology findings to billable 2026 CPT codes (specifically codes 0596T-0763T for AI-assisted procedures)
2. Calculate the revenue delta between base CPT and recommended CPT
3. Generate a 3-sentence clinical-legal justification suitable for insurance audits

Output Format (strict JSON):
{
  "base_cpt": "88305",
  "recommended_cpt": "88309",
  "revenue_delta": 18.40,
  "cpt_codes": {
    "base": "88305",
    "recommended": "88309",
    "ai_assisted": "0596T",
    "ancillary": ["88342"]
  },
  "audit_narrative": "Three-sentence clinical justification here...",
  "complexity_indicators": [
    "High nuclear grade (Grade 3/3)",
    "Elevated mitotic activity",
    "Perineural invasion",
    "Requires ancillary IHC studies"
  ],
  "confidence_score": 0.94,
  "audit_defense_score": 96
}

Be precise, clinical, and audit-ready. All justifications must reference CMS 2026 guidelines.`

// Config configures the Gemini client. An empty APIKey puts the client in
// demo mode.
type Config struct {
	APIKey  string
	Model   string
	BaseURL string
	Timeout time.Duration
}

// Client implements pathology.Recommender.
type Client struct {
	cfg    Config
	http   *http.Client
	logger zerolog.Logger

	mu  sync.Mutex
	rng *rand.Rand
}

func New(cfg Config, logger zerolog.Logger) *Client {
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.APIKey == "" {
		logger.Warn().Msg("GEMINI_API_KEY not set, billing recommendations run in demo mode")
	}
	return &Client{
		cfg:    cfg,
		http:   &http.Client{},
		logger: logger,
		rng:    rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0x5eed)),
	}
}

// SetRand replaces the random source used for demo recommendations.
func (c *Client) SetRand(r *rand.Rand) {
	c.mu.Lock()
	c.rng = r
	c.mu.Unlock()
}

// DemoMode reports whether the client never calls the model.
func (c *Client) DemoMode() bool { return c.cfg.APIKey == "" }

// errDegrade marks failures that fall back to a demo recommendation.
type errDegrade struct{ reason string }

func (e *errDegrade) Error() string { return "degraded: " + e.reason }

func degrade(format string, args ...interface{}) error {
	return &errDegrade{reason: fmt.Sprintf(format, args...)}
}

// Recommend returns billing codes for the slide. Quota, timeout and parse
// failures yield a demo recommendation; other failures are adapter errors.
func (c *Client) Recommend(ctx context.Context, req pathology.RecommendRequest) (*pathology.BillingSuggestion, error) {
	if c.DemoMode() {
		return c.Demo(req.SlideID, req.Findings), nil
	}

	sug, err := c.generate(ctx, req)
	if err == nil {
		return sug, nil
	}
	var d *errDegrade
	if errors.As(err, &d) {
		c.logger.Warn().Str("slide_id", req.SlideID).Str("reason", d.reason).
			Msg("billing model unavailable, falling back to demo mode")
		return c.Demo(req.SlideID, req.Findings), nil
	}
	return nil, pathology.AdapterError("gemini request failed", err)
}

// -- Gemini wire types --

type part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inlineData,omitempty"`
}

type inlineData struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type generationConfig struct {
	Temperature      float64 `json:"temperature"`
	TopP             float64 `json:"topP"`
	TopK             int     `json:"topK"`
	MaxOutputTokens  int     `json:"maxOutputTokens"`
	ResponseMimeType string  `json:"responseMimeType"`
}

type generateRequest struct {
	SystemInstruction content          `json:"systemInstruction"`
	Contents          []content        `json:"contents"`
	GenerationConfig  generationConfig `json:"generationConfig"`
}

type generateResponse struct {
	Candidates []struct {
		Content content `json:"content"`
	} `json:"candidates"`
}

type apiError struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}

// modelOutput is the JSON document the system instruction asks for.
type modelOutput struct {
	BaseCPT        string   `json:"base_cpt"`
	RecommendedCPT string   `json:"recommended_cpt"`
	RevenueDelta   *float64 `json:"revenue_delta"`
	CPTCodes       struct {
		Base        string   `json:"base"`
		Recommended string   `json:"recommended"`
		AIAssisted  string   `json:"ai_assisted"`
		Ancillary   []string `json:"ancillary"`
	} `json:"cpt_codes"`
	AuditNarrative       string   `json:"audit_narrative"`
	ComplexityIndicators []string `json:"complexity_indicators"`
	ConfidenceScore      *float64 `json:"confidence_score"`
	AuditDefenseScore    *int     `json:"audit_defense_score"`
	FindingType          string   `json:"finding_type"`
}

func buildPrompt(slideID string, findings map[string]interface{}) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Analyze slide %s for 2026 CMS billing compliance.\n\n", slideID)
	if len(findings) > 0 {
		if raw, err := json.MarshalIndent(findings, "", "  "); err == nil {
			fmt.Fprintf(&b, "Pre-extracted findings:\n%s\n\n", raw)
		}
	}
	b.WriteString("Provide billing analysis in the required JSON format.")
	return b.String()
}

func (c *Client) endpoint() string {
	return fmt.Sprintf("%s/v1beta/models/%s:generateContent?key=%s",
		strings.TrimRight(c.cfg.BaseURL, "/"), url.PathEscape(c.cfg.Model), url.QueryEscape(c.cfg.APIKey))
}

func (c *Client) generate(ctx context.Context, req pathology.RecommendRequest) (*pathology.BillingSuggestion, error) {
	parts := []part{{Text: buildPrompt(req.SlideID, req.Findings)}}
	if len(req.Image) > 0 {
		mime := req.ImageContentType
		if mime == "" {
			mime = http.DetectContentType(req.Image)
		}
		parts = append(parts, part{InlineData: &inlineData{
			MimeType: mime,
			Data:     base64.StdEncoding.EncodeToString(req.Image),
		}})
	}
	body, err := json.Marshal(generateRequest{
		SystemInstruction: content{Parts: []part{{Text: systemInstruction}}},
		Contents:          []content{{Role: "user", Parts: parts}},
		GenerationConfig: generationConfig{
			Temperature:      0.3,
			TopP:             0.95,
			TopK:             40,
			MaxOutputTokens:  2048,
			ResponseMimeType: "application/json",
		},
	})
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()
	httpReq, err := http.NewRequestWithContext(callCtx, http.MethodPost, c.endpoint(), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		// A caller that went away is not a model outage.
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if isTimeout(err) {
			return nil, degrade("timeout after %s", c.cfg.Timeout)
		}
		// The url.Error text carries the endpoint, which would match the quota keywords.
		cause := err
		var ue *url.Error
		if errors.As(err, &ue) {
			cause = ue.Err
		}
		if quotaText(cause.Error()) {
			return nil, degrade("%s", cause.Error())
		}
		return nil, fmt.Errorf("gemini transport: %w", cause)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		if isTimeout(err) && ctx.Err() == nil {
			return nil, degrade("timeout reading response")
		}
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp.StatusCode, raw)
	}

	var gr generateResponse
	if err := json.Unmarshal(raw, &gr); err != nil {
		return nil, degrade("unparseable response envelope: %v", err)
	}
	if len(gr.Candidates) == 0 || len(gr.Candidates[0].Content.Parts) == 0 {
		return nil, degrade("response has no candidates")
	}
	var text strings.Builder
	for _, p := range gr.Candidates[0].Content.Parts {
		text.WriteString(p.Text)
	}
	return c.parseOutput(req.SlideID, text.String())
}

func statusError(code int, raw []byte) error {
	var ae apiError
	_ = json.Unmarshal(raw, &ae)
	msg := ae.Error.Message
	if msg == "" {
		msg = string(raw)
		if len(msg) > maxErrorBodyLength {
			msg = msg[:maxErrorBodyLength]
		}
	}
	if code == http.StatusTooManyRequests || ae.Error.Status == "RESOURCE_EXHAUSTED" || quotaText(msg) {
		return degrade("HTTP %d: %s", code, msg)
	}
	return fmt.Errorf("gemini returned HTTP %d: %s", code, msg)
}

func quotaText(s string) bool {
	s = strings.ToLower(s)
	for _, needle := range []string{"429", "quota", "rate", "resource"} {
		if strings.Contains(s, needle) {
			return true
		}
	}
	return false
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func (c *Client) parseOutput(slideID, text string) (*pathology.BillingSuggestion, error) {
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")

	var out modelOutput
	if err := json.Unmarshal([]byte(text), &out); err != nil {
		return nil, degrade("model output is not valid JSON: %v", err)
	}

	sug := &pathology.BillingSuggestion{
		SlideID:              slideID,
		BaseCPT:              firstNonEmpty(out.BaseCPT, out.CPTCodes.Base, pathology.DefaultBaseCPT),
		RecommendedCPT:       firstNonEmpty(out.RecommendedCPT, out.CPTCodes.Recommended),
		AIAssistedCode:       firstNonEmpty(out.CPTCodes.AIAssisted, pathology.DefaultAIAssistedCode),
		AncillaryCodes:       out.CPTCodes.Ancillary,
		AuditNarrative:       out.AuditNarrative,
		ComplexityIndicators: out.ComplexityIndicators,
		ConfidenceScore:      defaultConfidence,
		AuditDefenseScore:    defaultAuditScore,
		FindingType:          out.FindingType,
		ModelUsed:            c.cfg.Model,
	}
	if sug.RecommendedCPT == "" {
		return nil, degrade("model output has no recommended_cpt")
	}
	if out.RevenueDelta != nil {
		sug.RevenueDelta = *out.RevenueDelta
	}
	if out.ConfidenceScore != nil {
		sug.ConfidenceScore = *out.ConfidenceScore
	}
	if out.AuditDefenseScore != nil {
		sug.AuditDefenseScore = *out.AuditDefenseScore
	}
	if err := sug.Validate(); err != nil {
		return nil, degrade("model output out of range: %v", err)
	}
	if sug.AncillaryCodes == nil {
		sug.AncillaryCodes = []string{}
	}
	if sug.ComplexityIndicators == nil {
		sug.ComplexityIndicators = []string{}
	}
	return sug, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
