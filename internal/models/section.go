package models

import (
	"fmt"
	"time"
)

const (
	// DueTimeStorageFormat is the time-of-day layout in persisted section records.
	DueTimeStorageFormat = "15.04.05"
	// DueTimeDisplayFormat is the time-of-day layout shown to the operator.
	DueTimeDisplayFormat = "03:04:05PM"

	// DefaultSectionGroup labels sections that were saved before section
	// groups existed.
	DefaultSectionGroup = "Default Section Group"
)

// ClassSection is one meeting section of the class. Sections partition into
// named groups for batch operations, and each carries the time of day its
// assignments are due by default.
type ClassSection struct {
	SectionNumber  int    `gorm:"primaryKey" json:"section_number" validate:"gt=0"`
	DefaultDueTime string `gorm:"size:16" json:"default_due_time" validate:"required"`
	SectionGroup   string `gorm:"size:255" json:"section_group"`
}

// Normalize fills defaults for records saved by older versions.
func (s *ClassSection) Normalize() {
	if s.SectionGroup == "" {
		s.SectionGroup = DefaultSectionGroup
	}
}

// DueTimeOn combines the section's default due time-of-day with the given day.
func (s ClassSection) DueTimeOn(day time.Time) (time.Time, error) {
	t, err := time.ParseInLocation(DueTimeStorageFormat, s.DefaultDueTime, time.Local)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid default due time %q: %w", s.DefaultDueTime, err)
	}
	return time.Date(day.Year(), day.Month(), day.Day(), t.Hour(), t.Minute(), t.Second(), 0, time.Local), nil
}

// DisplayDueTime renders the default due time for listings, or the raw
// stored value when it does not parse.
func (s ClassSection) DisplayDueTime() string {
	t, err := time.ParseInLocation(DueTimeStorageFormat, s.DefaultDueTime, time.Local)
	if err != nil {
		return s.DefaultDueTime
	}
	return t.Format(DueTimeDisplayFormat)
}

// Display renders the section padded for the widest known section number.
func (s ClassSection) Display(maxSectionNumber int) string {
	padding := len(fmt.Sprint(maxSectionNumber))
	return fmt.Sprintf("Section %*d - Default Due Time: %s - Group: %s",
		padding, s.SectionNumber, s.DisplayDueTime(), s.SectionGroup)
}
