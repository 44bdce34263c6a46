package models

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"gorm.io/datatypes"
)

// DueStorageFormat is the timestamp layout used for due dates in persisted
// lab records.
const DueStorageFormat = "01.02.2006:15.04.05"

// LabPart is one submittable component of a lab, tracked by the grading
// platform under its own id.
type LabPart struct {
	Name     string            `json:"name"`
	ID       string            `json:"id" validate:"required"`
	Metadata datatypes.JSONMap `json:"metadata,omitempty"`
}

// Identifier returns the part name, or the platform id for unnamed parts.
func (p LabPart) Identifier() string {
	if p.Name != "" {
		return p.Name
	}
	return p.ID
}

// LabOptions replaces the original free-form options bag with named fields.
// In the persisted record format, highest_score and diff_parts are presence
// flags and due is a formatted timestamp.
type LabOptions struct {
	// MaxScore is the lab's configured maximum; when set it overrides the
	// aggregate max whenever the platform reports an incomplete part.
	MaxScore *int
	// Due is the cutoff after which submissions are not graded by default.
	Due *time.Time
	// HighestScore grades the highest-scoring submission instead of the latest.
	HighestScore bool
	// DiffParts offers part-to-part diffing in the grading view.
	DiffParts bool
}

// MarshalJSON writes the legacy record shape: presence-flag keys map to
// empty strings and the due date uses DueStorageFormat.
func (o LabOptions) MarshalJSON() ([]byte, error) {
	bag := map[string]any{}
	if o.MaxScore != nil {
		bag["max_score"] = *o.MaxScore
	}
	if o.Due != nil {
		bag["due"] = o.Due.Format(DueStorageFormat)
	}
	if o.HighestScore {
		bag["highest_score"] = ""
	}
	if o.DiffParts {
		bag["diff_parts"] = ""
	}
	return json.Marshal(bag)
}

// UnmarshalJSON reads the legacy record shape described on MarshalJSON.
func (o *LabOptions) UnmarshalJSON(data []byte) error {
	bag := map[string]json.RawMessage{}
	if err := json.Unmarshal(data, &bag); err != nil {
		return err
	}

	*o = LabOptions{}

	if raw, ok := bag["max_score"]; ok {
		var max int
		if err := json.Unmarshal(raw, &max); err != nil {
			return fmt.Errorf("invalid max_score: %w", err)
		}
		o.MaxScore = &max
	}

	if raw, ok := bag["due"]; ok {
		var due string
		if err := json.Unmarshal(raw, &due); err != nil {
			return fmt.Errorf("invalid due: %w", err)
		}
		parsed, err := time.ParseInLocation(DueStorageFormat, due, time.Local)
		if err != nil {
			return fmt.Errorf("invalid due: %w", err)
		}
		o.Due = &parsed
	}

	_, o.HighestScore = bag["highest_score"]
	_, o.DiffParts = bag["diff_parts"]
	return nil
}

// Lab is a gradable assignment composed of one or more parts.
type Lab struct {
	DBID    uint       `gorm:"primaryKey;autoIncrement" json:"-"`
	Name    string     `gorm:"size:255;not null;uniqueIndex" json:"name" validate:"required"`
	Parts   []LabPart  `gorm:"serializer:json" json:"parts" validate:"required,min=1,dive"`
	Options LabOptions `gorm:"serializer:json" json:"options"`
}

// UniqueName is the lab name with whitespace stripped, suffixed by the
// first part's platform id.
func (l Lab) UniqueName() string {
	name := strings.Join(strings.Fields(l.Name), "")
	return fmt.Sprintf("%s_%s", name, l.Parts[0].ID)
}

// Equal reports lab equality, which is by name.
func (l Lab) Equal(other Lab) bool {
	return l.Name == other.Name
}

func (l Lab) String() string {
	return l.Name
}
