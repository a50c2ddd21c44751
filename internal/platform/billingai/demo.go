package billingai

import (
	"fmt"
	"math"
	"strings"

	"github.com/pathoai/patho/internal/domain/pathology"
)

var demoDiagnoses = []string{
	"Infiltrating ductal carcinoma",
	"Melanoma in situ",
	"Squamous cell carcinoma",
	"Follicular lymphoma",
	"Basal cell carcinoma",
}

var demoIndicators = []string{
	"High nuclear grade (Grade 3/3) with marked pleomorphism",
	"Elevated mitotic activity (18 mitoses per 10 HPF)",
	"Perineural invasion identified in multiple sections",
	"Lymphovascular space invasion present",
	"Tumor infiltrating lymphocytes requiring assessment",
	"Requires ancillary IHC studies (ER, PR, HER2, Ki-67)",
	"Complex architectural patterns requiring extended analysis",
	"Margin assessment requiring multiple sections",
}

// Demo builds a plausible recommendation without calling the model. A string
// findings["diagnosis"] is used as the finding when present.
func (c *Client) Demo(slideID string, findings map[string]interface{}) *pathology.BillingSuggestion {
	c.mu.Lock()
	defer c.mu.Unlock()

	diagnosis, _ := findings["diagnosis"].(string)
	if strings.TrimSpace(diagnosis) == "" {
		diagnosis = demoDiagnoses[c.rng.IntN(len(demoDiagnoses))]
	}

	n := 3 + c.rng.IntN(4)
	indicators := make([]string, 0, n)
	for _, i := range c.rng.Perm(len(demoIndicators))[:n] {
		indicators = append(indicators, demoIndicators[i])
	}

	return &pathology.BillingSuggestion{
		SlideID:        slideID,
		BaseCPT:        "88305",
		RecommendedCPT: "88309",
		AIAssistedCode: "0596T",
		AncillaryCodes: []string{"88342"},
		RevenueDelta:   roundTo(12+c.rng.Float64()*12, 2),
		AuditNarrative: fmt.Sprintf("Specimen demonstrates %s with high nuclear grade (Grade 3/3), elevated mitotic activity, "+
			"and perineural invasion. These findings warrant CPT 88309 coding per 2026 CMS guidelines for complex "+
			"surgical pathology specimens. Documentation supports medical necessity for higher complexity code.",
			strings.ToLower(diagnosis)),
		ComplexityIndicators: indicators,
		ConfidenceScore:      roundTo(0.88+c.rng.Float64()*0.09, 3),
		AuditDefenseScore:    88 + c.rng.IntN(11),
		FindingType:          diagnosis,
		ModelUsed:            DemoModel,
	}
}

func roundTo(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
