package annotation

import (
	"fmt"
	"strings"
	"time"
)

// Sex codes used in the identity scheme.
const (
	SexMale   = 0
	SexFemale = 1
)

// Diagnosis flags used in the identity scheme.
const (
	DiagnosisNormal       = 0
	DiagnosisPathological = 1
)

// Fields are the demographic and diagnostic inputs an identity is derived
// from. Two records with identical fields produce the same identity; the
// scheme accepts that and callers must not treat it as a primary key.
type Fields struct {
	Year      int
	Month     int
	Day       int
	Sex       int
	Age       int
	Diagnosis int
}

// ID is an 11-digit identity of the form YYMMDDSAAAD. It links a personal
// row to its medical row without carrying a direct identifier.
type ID int64

// String renders the identity with leading zeros preserved.
func (id ID) String() string {
	return fmt.Sprintf("%011d", int64(id))
}

// Derive builds the identity from its fields. Deterministic, stateless.
func Derive(f Fields) ID {
	age := f.Age
	if age < 0 {
		age = 0
	}
	if age > 999 {
		age = 999
	}

	sex := SexFemale
	if f.Sex == SexMale {
		sex = SexMale
	}
	diagnosis := DiagnosisPathological
	if f.Diagnosis == DiagnosisNormal {
		diagnosis = DiagnosisNormal
	}

	// Compose positionally: YY MM DD S AAA D.
	composed := int64(f.Year%100)
	composed = composed*100 + int64(f.Month%100)
	composed = composed*100 + int64(f.Day%100)
	composed = composed*10 + int64(sex)
	composed = composed*1000 + int64(age)
	composed = composed*10 + int64(diagnosis)
	return ID(composed)
}

// dateLayouts accepted when deriving fields from free-form records.
var dateLayouts = []string{
	"2006-01-02",
	"02/01/2006",
	"2 January 2006",
	"January 2, 2006",
}

// normalDiagnosisTerms mark a record as non-pathological.
var normalDiagnosisTerms = []string{"none", "normal", "nothing to report", "unremarkable"}

// FieldsFromRecord derives identity fields from the free-form values found
// in tabular records: a date string, a sex label, an age and a diagnosis
// text. Unparseable dates fall back to the reference date; unparseable ages
// become 0; an empty diagnosis counts as pathological, matching the source
// data convention.
func FieldsFromRecord(date, sex, age, diagnosis string, fallback time.Time) Fields {
	parsed := fallback
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, strings.TrimSpace(date)); err == nil {
			parsed = t
			break
		}
	}

	f := Fields{
		Year:      parsed.Year(),
		Month:     int(parsed.Month()),
		Day:       parsed.Day(),
		Sex:       SexFemale,
		Diagnosis: DiagnosisPathological,
	}

	sexNorm := strings.ToLower(strings.TrimSpace(sex))
	switch sexNorm {
	case "m", "h", "male", "man", "homme":
		f.Sex = SexMale
	}

	var parsedAge int
	if _, err := fmt.Sscanf(strings.TrimSpace(age), "%d", &parsedAge); err == nil {
		f.Age = parsedAge
	}

	diagNorm := strings.ToLower(strings.TrimSpace(diagnosis))
	for _, term := range normalDiagnosisTerms {
		if diagNorm != "" && strings.Contains(diagNorm, term) {
			f.Diagnosis = DiagnosisNormal
			break
		}
	}

	return f
}
