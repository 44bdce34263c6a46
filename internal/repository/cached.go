package repository

import (
	"context"
	"sync"

	"github.com/noah-isme/tagrader/internal/models"
)

// The roster changes rarely within one grading session, while List is called
// on every menu draw. The cached wrappers memoize List and invalidate on any
// write.

// NewCachedStudentRepository wraps a student repository with a List cache.
func NewCachedStudentRepository(inner StudentRepository) StudentRepository {
	return &cachedStudentRepository{inner: inner}
}

type cachedStudentRepository struct {
	inner StudentRepository

	mu     sync.RWMutex
	cached []models.Student
	valid  bool
}

func (r *cachedStudentRepository) List(ctx context.Context) ([]models.Student, error) {
	r.mu.RLock()
	if r.valid {
		students := r.cached
		r.mu.RUnlock()
		return students, nil
	}
	r.mu.RUnlock()

	students, err := r.inner.List(ctx)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.cached = students
	r.valid = true
	r.mu.Unlock()
	return students, nil
}

func (r *cachedStudentRepository) GetByID(ctx context.Context, id int) (models.Student, error) {
	return r.inner.GetByID(ctx, id)
}

func (r *cachedStudentRepository) Upsert(ctx context.Context, students []models.Student) error {
	if err := r.inner.Upsert(ctx, students); err != nil {
		return err
	}
	r.invalidate()
	return nil
}

func (r *cachedStudentRepository) invalidate() {
	r.mu.Lock()
	r.cached = nil
	r.valid = false
	r.mu.Unlock()
}

// NewCachedLabRepository wraps a lab repository with a List cache.
func NewCachedLabRepository(inner LabRepository) LabRepository {
	return &cachedLabRepository{inner: inner}
}

type cachedLabRepository struct {
	inner LabRepository

	mu     sync.RWMutex
	cached []models.Lab
	valid  bool
}

func (r *cachedLabRepository) List(ctx context.Context) ([]models.Lab, error) {
	r.mu.RLock()
	if r.valid {
		labs := r.cached
		r.mu.RUnlock()
		return labs, nil
	}
	r.mu.RUnlock()

	labs, err := r.inner.List(ctx)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.cached = labs
	r.valid = true
	r.mu.Unlock()
	return labs, nil
}

func (r *cachedLabRepository) GetByName(ctx context.Context, name string) (models.Lab, error) {
	return r.inner.GetByName(ctx, name)
}

func (r *cachedLabRepository) Upsert(ctx context.Context, labs []models.Lab) error {
	if err := r.inner.Upsert(ctx, labs); err != nil {
		return err
	}
	r.invalidate()
	return nil
}

func (r *cachedLabRepository) Delete(ctx context.Context, name string) error {
	if err := r.inner.Delete(ctx, name); err != nil {
		return err
	}
	r.invalidate()
	return nil
}

func (r *cachedLabRepository) invalidate() {
	r.mu.Lock()
	r.cached = nil
	r.valid = false
	r.mu.Unlock()
}

// NewCachedSectionRepository wraps a section repository with a List cache.
func NewCachedSectionRepository(inner SectionRepository) SectionRepository {
	return &cachedSectionRepository{inner: inner}
}

type cachedSectionRepository struct {
	inner SectionRepository

	mu     sync.RWMutex
	cached []models.ClassSection
	valid  bool
}

func (r *cachedSectionRepository) List(ctx context.Context) ([]models.ClassSection, error) {
	r.mu.RLock()
	if r.valid {
		sections := r.cached
		r.mu.RUnlock()
		return sections, nil
	}
	r.mu.RUnlock()

	sections, err := r.inner.List(ctx)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.cached = sections
	r.valid = true
	r.mu.Unlock()
	return sections, nil
}

func (r *cachedSectionRepository) Upsert(ctx context.Context, sections []models.ClassSection) error {
	if err := r.inner.Upsert(ctx, sections); err != nil {
		return err
	}
	r.mu.Lock()
	r.cached = nil
	r.valid = false
	r.mu.Unlock()
	return nil
}
