package match

import (
	"strings"

	"carwatch/internal/db"
)

// criterion is one typed comparison between an alert field and a listing.
// populated reports whether the alert set a value for this field; only
// populated criteria participate in scoring.
type criterion struct {
	name      string
	populated func(a *db.Alert) bool
	matches   func(a *db.Alert, l *db.Listing) bool
}

// The fixed criteria table. Each alert field is an explicit entry with
// its own comparison, so the matching matrix is exhaustively testable.
var criteria = []criterion{
	{
		name:      "make",
		populated: func(a *db.Alert) bool { return a.Make != nil },
		matches:   func(a *db.Alert, l *db.Listing) bool { return strings.EqualFold(*a.Make, l.Make) },
	},
	{
		name:      "model",
		populated: func(a *db.Alert) bool { return a.Model != nil },
		matches:   func(a *db.Alert, l *db.Listing) bool { return strings.EqualFold(*a.Model, l.Model) },
	},
	{
		name:      "year_min",
		populated: func(a *db.Alert) bool { return a.YearMin != nil },
		matches:   func(a *db.Alert, l *db.Listing) bool { return l.Year >= *a.YearMin },
	},
	{
		name:      "year_max",
		populated: func(a *db.Alert) bool { return a.YearMax != nil },
		matches:   func(a *db.Alert, l *db.Listing) bool { return l.Year <= *a.YearMax },
	},
	{
		name:      "price_min",
		populated: func(a *db.Alert) bool { return a.PriceMin != nil },
		matches:   func(a *db.Alert, l *db.Listing) bool { return l.Price >= *a.PriceMin },
	},
	{
		name:      "price_max",
		populated: func(a *db.Alert) bool { return a.PriceMax != nil },
		matches:   func(a *db.Alert, l *db.Listing) bool { return l.Price <= *a.PriceMax },
	},
	{
		name:      "mileage_max",
		populated: func(a *db.Alert) bool { return a.MileageMax != nil },
		matches:   func(a *db.Alert, l *db.Listing) bool { return l.Mileage <= *a.MileageMax },
	},
	{
		name:      "fuel_type",
		populated: func(a *db.Alert) bool { return a.FuelType != nil },
		matches:   func(a *db.Alert, l *db.Listing) bool { return strings.EqualFold(*a.FuelType, l.FuelType) },
	},
	{
		name:      "transmission",
		populated: func(a *db.Alert) bool { return a.Transmission != nil },
		matches:   func(a *db.Alert, l *db.Listing) bool { return strings.EqualFold(*a.Transmission, l.Transmission) },
	},
	{
		name:      "body_type",
		populated: func(a *db.Alert) bool { return a.BodyType != nil },
		matches:   func(a *db.Alert, l *db.Listing) bool { return strings.EqualFold(*a.BodyType, l.BodyType) },
	},
	{
		name:      "location",
		populated: func(a *db.Alert) bool { return a.Location != nil },
		matches: func(a *db.Alert, l *db.Listing) bool {
			return strings.Contains(strings.ToLower(l.Location), strings.ToLower(*a.Location))
		},
	},
	{
		name:      "power_min",
		populated: func(a *db.Alert) bool { return a.PowerMin != nil },
		matches:   func(a *db.Alert, l *db.Listing) bool { return l.PowerKW >= *a.PowerMin },
	},
	{
		name:      "power_max",
		populated: func(a *db.Alert) bool { return a.PowerMax != nil },
		matches:   func(a *db.Alert, l *db.Listing) bool { return l.PowerKW <= *a.PowerMax },
	},
	{
		name:      "condition",
		populated: func(a *db.Alert) bool { return a.Condition != nil },
		matches:   func(a *db.Alert, l *db.Listing) bool { return strings.EqualFold(*a.Condition, l.Condition) },
	},
}

// Score is the result of evaluating one alert against one listing.
type Score struct {
	Matched   int
	Populated int
}

// Value returns matched/populated, or 0 when the alert has no criteria.
func (s Score) Value() float64 {
	if s.Populated == 0 {
		return 0
	}
	return float64(s.Matched) / float64(s.Populated)
}

// Qualifies reports whether every populated criterion matched. Alerts
// with no populated criteria never qualify.
func (s Score) Qualifies() bool {
	return s.Populated > 0 && s.Matched == s.Populated
}

// Evaluate scores a listing against an alert's populated criteria.
// Criteria the alert leaves unset are excluded from both numerator and
// denominator.
func Evaluate(a *db.Alert, l *db.Listing) Score {
	var s Score
	for _, c := range criteria {
		if !c.populated(a) {
			continue
		}
		s.Populated++
		if c.matches(a, l) {
			s.Matched++
		}
	}
	return s
}
