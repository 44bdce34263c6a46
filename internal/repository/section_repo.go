package repository

import (
	"context"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/noah-isme/tagrader/internal/models"
)

// SectionRepository exposes persistence helpers for class sections.
type SectionRepository interface {
	List(ctx context.Context) ([]models.ClassSection, error)
	Upsert(ctx context.Context, sections []models.ClassSection) error
}

// NewSectionRepository constructs a class-section repository.
func NewSectionRepository(db *gorm.DB) SectionRepository {
	return &sectionRepository{db: db}
}

type sectionRepository struct {
	db *gorm.DB
}

func (r *sectionRepository) List(ctx context.Context) ([]models.ClassSection, error) {
	var sections []models.ClassSection
	if err := r.db.WithContext(ctx).Order("section_number").Find(&sections).Error; err != nil {
		return nil, err
	}
	for i := range sections {
		sections[i].Normalize()
	}
	return sections, nil
}

func (r *sectionRepository) Upsert(ctx context.Context, sections []models.ClassSection) error {
	if len(sections) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(&sections).Error
}
