package repository

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/tagrader/internal/models"
)

type countingStudentRepo struct {
	stubStudentRepo
	listCalls int
}

func (c *countingStudentRepo) List(ctx context.Context) ([]models.Student, error) {
	c.listCalls++
	return c.stubStudentRepo.List(ctx)
}

func TestCachedStudentRepositoryMemoizesList(t *testing.T) {
	inner := &countingStudentRepo{}
	inner.upserted = []models.Student{{ID: 42, FirstName: "Ada", LastName: "Lovelace"}}
	repo := NewCachedStudentRepository(inner)

	ctx := context.Background()
	first, err := repo.List(ctx)
	require.NoError(t, err)
	second, err := repo.List(ctx)
	require.NoError(t, err)

	require.Equal(t, first, second)
	require.Equal(t, 1, inner.listCalls)
}

func TestCachedStudentRepositoryInvalidatesOnUpsert(t *testing.T) {
	inner := &countingStudentRepo{}
	repo := NewCachedStudentRepository(inner)

	ctx := context.Background()
	_, err := repo.List(ctx)
	require.NoError(t, err)

	require.NoError(t, repo.Upsert(ctx, []models.Student{{ID: 1, FirstName: "New", LastName: "Student"}}))

	students, err := repo.List(ctx)
	require.NoError(t, err)
	require.Len(t, students, 1)
	require.Equal(t, 2, inner.listCalls)
}
