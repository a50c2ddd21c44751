package pathology

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/pathoai/patho/pkg/pagination"
)

type Handler struct {
	svc     *Service
	revenue *Revenue
}

func NewHandler(svc *Service, revenue *Revenue) *Handler {
	return &Handler{svc: svc, revenue: revenue}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.GET("/cases", h.ListCases)
	api.GET("/cases/:slide_id", h.GetCase)
	api.POST("/cases", h.CreateCase)
	api.PUT("/cases/:slide_id", h.UpdateCase)
	api.DELETE("/cases/:slide_id", h.DeleteCase)
	api.POST("/cases/:slide_id/upload-image", h.UploadImage)

	api.POST("/analyze", h.Analyze)
	api.POST("/region-click", h.RegionClick)
	api.POST("/document", h.Document)

	api.GET("/performance-metrics", h.PerformanceMetrics)
	api.GET("/revenue/daily", h.DailyRevenue)
	api.GET("/export-pdf", h.ExportPDF)
}

// httpError maps a classified domain error to its HTTP status.
func httpError(err error) error {
	var de *Error
	if !errors.As(err, &de) {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	switch de.Kind {
	case KindNotFound:
		return echo.NewHTTPError(http.StatusNotFound, de.Error())
	case KindConflict:
		return echo.NewHTTPError(http.StatusConflict, de.Error())
	case KindValidation:
		return echo.NewHTTPError(http.StatusBadRequest, de.Error())
	case KindAdapter:
		return echo.NewHTTPError(http.StatusBadGateway, de.Error())
	}
	return echo.NewHTTPError(http.StatusInternalServerError, de.Error())
}

// -- Cases --

// caseListItem is the compact row returned by the case list.
type caseListItem struct {
	ID              int64     `json:"id"`
	PatientID       string    `json:"patient_id"`
	PatientName     string    `json:"patient_name"`
	SlideID         string    `json:"slide_id"`
	Diagnosis       string    `json:"diagnosis"`
	Status          Status    `json:"status"`
	ImageURL        string    `json:"image_url,omitempty"`
	BaseCPT         string    `json:"base_cpt"`
	SuggestedCPT    string    `json:"suggested_cpt,omitempty"`
	RecoveryValue   float64   `json:"recovery_value"`
	ConfidenceScore float64   `json:"confidence_score"`
	CreatedAt       time.Time `json:"created_at"`
}

func (h *Handler) ListCases(c echo.Context) error {
	pg := pagination.FromContext(c)
	cases, err := h.svc.List(c.Request().Context(), c.QueryParam("status"))
	if err != nil {
		return httpError(err)
	}
	page := pagination.Page(cases, pg)
	items := make([]caseListItem, 0, len(page))
	for _, cs := range page {
		items = append(items, caseListItem{
			ID:              cs.ID,
			PatientID:       cs.PatientID,
			PatientName:     cs.PatientName,
			SlideID:         cs.SlideID,
			Diagnosis:       cs.Diagnosis,
			Status:          cs.Status,
			ImageURL:        cs.ImageURL,
			BaseCPT:         cs.BaseCPTCode,
			SuggestedCPT:    cs.SuggestedCPTCode,
			RecoveryValue:   cs.Recovery(),
			ConfidenceScore: cs.ConfidenceScore,
			CreatedAt:       cs.CreatedAt,
		})
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, len(cases), pg.Limit, pg.Offset))
}

func (h *Handler) GetCase(c echo.Context) error {
	cs, err := h.svc.Get(c.Request().Context(), c.Param("slide_id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, cs)
}

func (h *Handler) CreateCase(c echo.Context) error {
	var in CreateInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	// Images are attached through the upload endpoint only.
	in.ImageURL = ""
	cs, err := h.svc.Create(c.Request().Context(), in)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, map[string]interface{}{
		"status":   "created",
		"case_id":  cs.ID,
		"slide_id": cs.SlideID,
	})
}

func (h *Handler) UpdateCase(c echo.Context) error {
	var patch DetailsPatch
	if err := c.Bind(&patch); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	cs, err := h.svc.UpdateDetails(c.Request().Context(), c.Param("slide_id"), patch)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"status":       "updated",
		"slide_id":     cs.SlideID,
		"patient_name": cs.PatientName,
		"diagnosis":    cs.Diagnosis,
		"patient_id":   cs.PatientID,
	})
}

func (h *Handler) DeleteCase(c echo.Context) error {
	slideID := c.Param("slide_id")
	if err := h.svc.Delete(c.Request().Context(), slideID); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "deleted", "slide_id": slideID})
}

func (h *Handler) UploadImage(c echo.Context) error {
	fh, err := c.FormFile("file")
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "file is required")
	}
	f, err := fh.Open()
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	defer f.Close()

	cs, err := h.svc.AttachImage(c.Request().Context(), c.Param("slide_id"), fh.Filename, fh.Header.Get("Content-Type"), f)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "uploaded", "image_url": cs.ImageURL})
}

// -- Analysis and review --

func (h *Handler) Analyze(c echo.Context) error {
	var in AnalyzeInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	sug, _, err := h.svc.Analyze(c.Request().Context(), in)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, sug)
}

type regionClickRequest struct {
	SlideID     string `json:"slide_id"`
	RegionLabel string `json:"region_label"`
	User        string `json:"user"`
}

func (h *Handler) RegionClick(c echo.Context) error {
	var req regionClickRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	ctx := ContextWithClientIP(c.Request().Context(), c.RealIP())
	cs, err := h.svc.Get(ctx, req.SlideID)
	if err != nil {
		return httpError(err)
	}
	region, err := h.svc.LogInteraction(ctx, cs, req.RegionLabel, req.User)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"status":  "logged",
		"region":  region,
		"message": fmt.Sprintf("Region '%s' examination documented", req.RegionLabel),
	})
}

type documentRequest struct {
	SlideID                     string                 `json:"slide_id"`
	PathologistName             string                 `json:"pathologist_name"`
	VerifiedCPTCodes            []string               `json:"verified_cpt_codes"`
	ComplexityIndicatorsClicked []string               `json:"complexity_indicators_clicked"`
	BillingData                 map[string]interface{} `json:"billing_data"`
}

func (h *Handler) Document(c echo.Context) error {
	var req documentRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	ctx := c.Request().Context()
	cs, err := h.svc.Get(ctx, req.SlideID)
	if err != nil {
		return httpError(err)
	}
	if _, err := h.svc.Verify(ctx, cs, req.PathologistName, req.ComplexityIndicatorsClicked); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"status":      "documented",
		"case_id":     cs.ID,
		"slide_id":    cs.SlideID,
		"verified_by": cs.VerifiedBy,
	})
}

// -- Revenue --

func (h *Handler) PerformanceMetrics(c echo.Context) error {
	view, err := h.revenue.Summarize(c.Request().Context())
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, view)
}

func (h *Handler) DailyRevenue(c echo.Context) error {
	var day time.Time
	if v := c.QueryParam("date"); v != "" {
		parsed, err := time.Parse("2006-01-02", v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "date must be YYYY-MM-DD")
		}
		day = parsed
	}
	sum, err := h.revenue.Daily(c.Request().Context(), day)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, sum)
}

// -- Export --

func (h *Handler) ExportPDF(c echo.Context) error {
	slideID := c.QueryParam("slide_id")
	if slideID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "slide_id is required")
	}
	art, _, err := h.svc.Export(c.Request().Context(), slideID)
	if err != nil {
		return httpError(err)
	}
	c.Response().Header().Set(echo.HeaderContentDisposition, fmt.Sprintf(`attachment; filename="%s"`, art.Filename))
	return c.Blob(http.StatusOK, art.ContentType, art.Data)
}
