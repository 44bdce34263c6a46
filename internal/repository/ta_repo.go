package repository

import (
	"context"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/noah-isme/tagrader/internal/models"
)

// TARepository exposes persistence helpers for grader records.
type TARepository interface {
	List(ctx context.Context) ([]models.TA, error)
	Upsert(ctx context.Context, tas []models.TA) error
}

// NewTARepository constructs a grader repository.
func NewTARepository(db *gorm.DB) TARepository {
	return &taRepository{db: db}
}

type taRepository struct {
	db *gorm.DB
}

func (r *taRepository) List(ctx context.Context) ([]models.TA, error) {
	var tas []models.TA
	if err := r.db.WithContext(ctx).Order("net_id").Find(&tas).Error; err != nil {
		return nil, err
	}
	return tas, nil
}

func (r *taRepository) Upsert(ctx context.Context, tas []models.TA) error {
	if len(tas) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(&tas).Error
}
