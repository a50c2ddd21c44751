package pathology

// DemoImageURL is the bundled sample slide. Only cases using it receive the
// illustrative annotated regions.
const DemoImageURL = "/microscopic-tissue-sample-histopathology-cells-pin.jpg"

// DemoRegions returns the illustrative regions shown for the sample slide.
func DemoRegions() []Region {
	return []Region{
		{ID: 1, X: 120, Y: 150, Width: 80, Height: 60, Label: "High-grade nuclei cluster",
			Description: "Marked nuclear pleomorphism with irregular contours", CPTImpact: "+$6.20", Billable: true, DemoOnly: true},
		{ID: 2, X: 280, Y: 200, Width: 100, Height: 70, Label: "Mitotic figures",
			Description: "18 mitoses per 10 HPF - elevated activity", CPTImpact: "+$4.40", Billable: true, DemoOnly: true},
		{ID: 3, X: 180, Y: 320, Width: 90, Height: 50, Label: "Perineural invasion",
			Description: "Tumor cells surrounding nerve bundle", CPTImpact: "+$5.80", Billable: true, DemoOnly: true},
		{ID: 4, X: 350, Y: 280, Width: 70, Height: 80, Label: "Lymphovascular invasion",
			Description: "Tumor emboli within vascular spaces", CPTImpact: "+$2.00", Billable: true, DemoOnly: true},
	}
}

// DemoCases are the presentation cases inserted into an empty store.
func DemoCases() []CreateInput {
	return []CreateInput{
		{PatientID: "PT-8829", SlideID: "WSI-2024-1847", PatientName: "Jane Doe", Diagnosis: "Invasive Ductal Carcinoma", ImageURL: DemoImageURL},
		{PatientID: "PT-7721", SlideID: "WSI-2024-1846", PatientName: "John Smith", Diagnosis: "Melanoma In Situ", ImageURL: DemoImageURL},
		{PatientID: "PT-9923", SlideID: "WSI-2024-1845", PatientName: "Robert Johnson", Diagnosis: "Squamous Cell Carcinoma", ImageURL: DemoImageURL},
		{PatientID: "PT-5512", SlideID: "WSI-2024-1844", PatientName: "Maria Garcia", Diagnosis: "Prostate Adenocarcinoma", ImageURL: DemoImageURL},
		{PatientID: "PT-3348", SlideID: "WSI-2024-1843", PatientName: "William Brown", Diagnosis: "Thyroid Papillary Carcinoma", ImageURL: DemoImageURL},
	}
}
