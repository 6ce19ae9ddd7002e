// Package metadata validates the JSON sidecar that accompanies every study image.
package metadata

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
	"unicode"
)

// Views accepted for the view field
var Views = []string{"PA", "AP", "LATERAL", "OBLIQUE", "OTHER"}

// Sidecar is the typed form of a metadata document
type Sidecar struct {
	StudyID         string     `json:"study_id"`
	View            string     `json:"view"`
	Timestamp       string     `json:"timestamp"`
	PatientID       string     `json:"patient_id,omitempty"`
	StudyDate       string     `json:"study_date,omitempty"`
	Modality        string     `json:"modality,omitempty"`
	BodyPart        string     `json:"body_part,omitempty"`
	ImageSize       *ImageSize `json:"image_size,omitempty"`
	Annotations     []any      `json:"annotations"`
	PipelineVersion string     `json:"pipeline_version,omitempty"`
	TestData        bool       `json:"test_data,omitempty"`
}

type ImageSize struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Result is the outcome of validating a document
type Result struct {
	Valid  bool     `json:"valid"`
	Errors []string `json:"errors"`
}

type fieldKind int

const (
	kindString fieldKind = iota
	kindObject
	kindArray
)

func (k fieldKind) String() string {
	switch k {
	case kindObject:
		return "object"
	case kindArray:
		return "array"
	default:
		return "string"
	}
}

func (k fieldKind) matches(v any) bool {
	switch k {
	case kindObject:
		_, ok := v.(map[string]any)
		return ok
	case kindArray:
		_, ok := v.([]any)
		return ok
	default:
		_, ok := v.(string)
		return ok
	}
}

type field struct {
	name string
	kind fieldKind
}

var requiredFields = []field{
	{"study_id", kindString},
	{"view", kindString},
	{"timestamp", kindString},
}

var optionalFields = []field{
	{"patient_id", kindString},
	{"study_date", kindString},
	{"modality", kindString},
	{"body_part", kindString},
	{"image_size", kindObject},
	{"annotations", kindArray},
}

// Parse decodes a sidecar document into its generic form
func Parse(data []byte) (map[string]any, error) {
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("Invalid JSON format: %w", err)
	}
	if doc == nil {
		return nil, fmt.Errorf("Invalid JSON format: document must be an object")
	}
	return doc, nil
}

// Validate checks required fields, their formats and the types of optional fields.
// Every problem found is reported, not just the first.
func Validate(doc map[string]any) Result {
	errs := []string{}
	studyIDOK := false

	for _, f := range requiredFields {
		v, ok := doc[f.name]
		if !ok {
			errs = append(errs, "Missing required field: "+f.name)
			continue
		}
		if !f.kind.matches(v) {
			errs = append(errs, fmt.Sprintf("Field '%s' must be of type %s", f.name, f.kind))
			continue
		}

		s := v.(string)
		switch f.name {
		case "study_id":
			if strings.TrimSpace(s) == "" {
				errs = append(errs, "Field 'study_id' cannot be empty")
			} else {
				studyIDOK = true
			}
		case "view":
			if !isView(s) {
				errs = append(errs, "Field 'view' must be one of: "+strings.Join(Views, ", "))
			}
		case "timestamp":
			if _, err := ParseTimestamp(s); err != nil {
				errs = append(errs, "Field 'timestamp' must be in ISO 8601 format")
			}
		}
	}

	for _, f := range optionalFields {
		if v, ok := doc[f.name]; ok && !f.kind.matches(v) {
			errs = append(errs, fmt.Sprintf("Optional field '%s' must be of type %s", f.name, f.kind))
		}
	}

	if studyIDOK && !ValidStudyID(doc["study_id"].(string)) {
		errs = append(errs, "Field 'study_id' can only contain alphanumeric characters, hyphens, and underscores")
	}

	return Result{
		Valid:  len(errs) == 0,
		Errors: errs,
	}
}

// ValidStudyID reports whether id only holds letters, digits, '-' and '_'.
// Letters and digits may be any Unicode letter or number.
func ValidStudyID(id string) bool {
	if id == "" {
		return false
	}
	for _, r := range id {
		switch {
		case unicode.IsLetter(r), unicode.IsNumber(r), r == '-', r == '_':
		default:
			return false
		}
	}
	return true
}

func isView(s string) bool {
	for _, v := range Views {
		if s == v {
			return true
		}
	}
	return false
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04Z07:00",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02",
}

// ParseTimestamp accepts the ISO 8601 forms sidecars are written with: with or
// without a zone, with or without fractional seconds, or a bare date
func ParseTimestamp(s string) (time.Time, error) {
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid ISO 8601 timestamp: %q", s)
}

// StudyID returns the study_id of a document, or "" when it is absent
func StudyID(doc map[string]any) string {
	if s, ok := doc["study_id"].(string); ok {
		return s
	}
	return ""
}

// String returns a string field of a document, or ""
func String(doc map[string]any, name string) string {
	if s, ok := doc[name].(string); ok {
		return s
	}
	return ""
}
