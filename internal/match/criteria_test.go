package match

import (
	"testing"

	"carwatch/internal/db"
)

func strPtr(s string) *string { return &s }
func intPtr(n int) *int       { return &n }

func sampleListing() *db.Listing {
	return &db.Listing{
		Make:         "Volkswagen",
		Model:        "Golf",
		Year:         2019,
		Price:        18500,
		Mileage:      62000,
		FuelType:     "petrol",
		Transmission: "manual",
		BodyType:     "hatchback",
		Location:     "Berlin, Mitte",
		PowerKW:      110,
		Condition:    "used",
	}
}

func TestEvaluate_AllPopulatedMatch(t *testing.T) {
	alert := &db.Alert{
		Make:     strPtr("volkswagen"),
		PriceMax: intPtr(20000),
	}

	score := Evaluate(alert, sampleListing())

	if score.Populated != 2 || score.Matched != 2 {
		t.Fatalf("score = %d/%d, want 2/2", score.Matched, score.Populated)
	}
	if !score.Qualifies() {
		t.Fatal("expected qualification")
	}
	if score.Value() != 1.0 {
		t.Fatalf("value = %v, want 1.0", score.Value())
	}
}

func TestEvaluate_PartialMatchDoesNotQualify(t *testing.T) {
	alert := &db.Alert{
		Make:     strPtr("BMW"),
		PriceMax: intPtr(20000),
	}

	score := Evaluate(alert, sampleListing())

	if score.Populated != 2 || score.Matched != 1 {
		t.Fatalf("score = %d/%d, want 1/2", score.Matched, score.Populated)
	}
	if score.Qualifies() {
		t.Fatal("partial match should not qualify")
	}
	if score.Value() != 0.5 {
		t.Fatalf("value = %v, want 0.5", score.Value())
	}
}

func TestEvaluate_EmptyAlertNeverQualifies(t *testing.T) {
	score := Evaluate(&db.Alert{}, sampleListing())

	if score.Populated != 0 {
		t.Fatalf("populated = %d, want 0", score.Populated)
	}
	if score.Qualifies() {
		t.Fatal("empty alert should not qualify")
	}
	if score.Value() != 0 {
		t.Fatalf("value = %v, want 0", score.Value())
	}
}

func TestEvaluate_UnsetCriteriaExcluded(t *testing.T) {
	// Listing fails year_min, but an alert that doesn't set year_min
	// must not be affected.
	alert := &db.Alert{Make: strPtr("Volkswagen")}
	listing := sampleListing()
	listing.Year = 1999

	score := Evaluate(alert, listing)
	if !score.Qualifies() {
		t.Fatal("unset criteria should not participate")
	}
}

func TestEvaluate_Ranges(t *testing.T) {
	listing := sampleListing()

	tests := []struct {
		name  string
		alert db.Alert
		want  bool
	}{
		{"year in range", db.Alert{YearMin: intPtr(2015), YearMax: intPtr(2020)}, true},
		{"year at min boundary", db.Alert{YearMin: intPtr(2019)}, true},
		{"year at max boundary", db.Alert{YearMax: intPtr(2019)}, true},
		{"year below min", db.Alert{YearMin: intPtr(2020)}, false},
		{"year above max", db.Alert{YearMax: intPtr(2018)}, false},
		{"price in range", db.Alert{PriceMin: intPtr(10000), PriceMax: intPtr(20000)}, true},
		{"price below min", db.Alert{PriceMin: intPtr(19000)}, false},
		{"mileage under cap", db.Alert{MileageMax: intPtr(100000)}, true},
		{"mileage over cap", db.Alert{MileageMax: intPtr(50000)}, false},
		{"power in range", db.Alert{PowerMin: intPtr(100), PowerMax: intPtr(150)}, true},
		{"power below min", db.Alert{PowerMin: intPtr(120)}, false},
		{"power above max", db.Alert{PowerMax: intPtr(100)}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			score := Evaluate(&tt.alert, listing)
			if score.Qualifies() != tt.want {
				t.Errorf("qualifies = %v, want %v", score.Qualifies(), tt.want)
			}
		})
	}
}

func TestEvaluate_StringComparisonsCaseInsensitive(t *testing.T) {
	listing := sampleListing()

	tests := []struct {
		name  string
		alert db.Alert
		want  bool
	}{
		{"make case insensitive", db.Alert{Make: strPtr("VOLKSWAGEN")}, true},
		{"model case insensitive", db.Alert{Model: strPtr("golf")}, true},
		{"model mismatch", db.Alert{Model: strPtr("Passat")}, false},
		{"fuel type", db.Alert{FuelType: strPtr("Petrol")}, true},
		{"transmission", db.Alert{Transmission: strPtr("MANUAL")}, true},
		{"body type", db.Alert{BodyType: strPtr("Hatchback")}, true},
		{"condition", db.Alert{Condition: strPtr("Used")}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			score := Evaluate(&tt.alert, listing)
			if score.Qualifies() != tt.want {
				t.Errorf("qualifies = %v, want %v", score.Qualifies(), tt.want)
			}
		})
	}
}

func TestEvaluate_LocationSubstring(t *testing.T) {
	listing := sampleListing()

	if !Evaluate(&db.Alert{Location: strPtr("berlin")}, listing).Qualifies() {
		t.Fatal("substring location should match")
	}
	if Evaluate(&db.Alert{Location: strPtr("Hamburg")}, listing).Qualifies() {
		t.Fatal("unrelated location should not match")
	}
}

func TestEvaluate_AllCriteriaPopulated(t *testing.T) {
	alert := &db.Alert{
		Make:         strPtr("Volkswagen"),
		Model:        strPtr("Golf"),
		YearMin:      intPtr(2015),
		YearMax:      intPtr(2022),
		PriceMin:     intPtr(5000),
		PriceMax:     intPtr(25000),
		MileageMax:   intPtr(100000),
		FuelType:     strPtr("petrol"),
		Transmission: strPtr("manual"),
		BodyType:     strPtr("hatchback"),
		Location:     strPtr("Berlin"),
		PowerMin:     intPtr(80),
		PowerMax:     intPtr(150),
		Condition:    strPtr("used"),
	}

	score := Evaluate(alert, sampleListing())
	if score.Populated != 14 {
		t.Fatalf("populated = %d, want 14", score.Populated)
	}
	if !score.Qualifies() {
		t.Fatalf("score = %d/%d, expected full qualification", score.Matched, score.Populated)
	}
}
