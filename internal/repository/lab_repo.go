package repository

import (
	"context"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/noah-isme/tagrader/internal/models"
)

// LabRepository exposes persistence helpers for assignment records.
type LabRepository interface {
	List(ctx context.Context) ([]models.Lab, error)
	GetByName(ctx context.Context, name string) (models.Lab, error)
	Upsert(ctx context.Context, labs []models.Lab) error
	Delete(ctx context.Context, name string) error
}

// NewLabRepository constructs a lab repository.
func NewLabRepository(db *gorm.DB) LabRepository {
	return &labRepository{db: db}
}

type labRepository struct {
	db *gorm.DB
}

func (r *labRepository) List(ctx context.Context) ([]models.Lab, error) {
	var labs []models.Lab
	if err := r.db.WithContext(ctx).Order("db_id").Find(&labs).Error; err != nil {
		return nil, err
	}
	return labs, nil
}

func (r *labRepository) GetByName(ctx context.Context, name string) (models.Lab, error) {
	var lab models.Lab
	if err := r.db.WithContext(ctx).Where("name = ?", name).First(&lab).Error; err != nil {
		return models.Lab{}, err
	}
	return lab, nil
}

func (r *labRepository) Upsert(ctx context.Context, labs []models.Lab) error {
	if len(labs) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "name"}}, UpdateAll: true}).
		Create(&labs).Error
}

func (r *labRepository) Delete(ctx context.Context, name string) error {
	return r.db.WithContext(ctx).Where("name = ?", name).Delete(&models.Lab{}).Error
}
