package models

import (
	"fmt"
	"strings"
)

// Student represents one learner in the class roster.
type Student struct {
	ID        int    `gorm:"primaryKey" json:"id" validate:"required"`
	FirstName string `gorm:"size:255;not null" json:"first_name" validate:"required"`
	LastName  string `gorm:"size:255;not null" json:"last_name" validate:"required"`
	Email     string `gorm:"size:255;index" json:"email" validate:"required,email"`
	Section   int    `json:"section"`
}

// FullName joins the first and last name.
func (s Student) FullName() string {
	return fmt.Sprintf("%s %s", s.FirstName, s.LastName)
}

// UniqueName is a stable, filesystem-safe key: the full name with all
// whitespace stripped, suffixed by the student id.
func (s Student) UniqueName() string {
	name := strings.Join(strings.Fields(s.FullName()), "")
	return fmt.Sprintf("%s_%d", name, s.ID)
}

// Equal reports identity equality: same full name, email and id.
func (s Student) Equal(other Student) bool {
	return s.FullName() == other.FullName() && s.Email == other.Email && s.ID == other.ID
}

func (s Student) String() string {
	return fmt.Sprintf("%s - %s - Section %d", s.FullName(), s.Email, s.Section)
}
