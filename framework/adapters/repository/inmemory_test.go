package repository

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/akriventsev/shopflow/framework/core"
)

// TestEntity для тестирования
type TestEntity struct {
	IDField string
	Email   string
	Tags    []string
	Rev     int64
}

func (e TestEntity) ID() string {
	return e.IDField
}

func newTestRepo(opts ...InMemoryOption[TestEntity]) *InMemoryRepository[TestEntity] {
	repo := NewInMemoryRepository(DefaultInMemoryConfig(), opts...)
	repo.AddUniqueIndex("email", func(e TestEntity) string { return e.Email })
	return repo
}

func TestInMemoryRepository_InsertAndFind(t *testing.T) {
	repo := newTestRepo()
	ctx := context.Background()

	require.NoError(t, repo.Insert(ctx, TestEntity{IDField: "1", Email: "a@x"}))

	found, err := repo.FindByID(ctx, "1")
	require.NoError(t, err)
	require.True(t, found.IsSome())
	assert.Equal(t, "a@x", found.Value().Email)

	missing, err := repo.FindByID(ctx, "2")
	require.NoError(t, err)
	assert.True(t, missing.IsNone())

	err = repo.Insert(ctx, TestEntity{IDField: "1"})
	assert.True(t, core.HasCode(err, core.ErrAlreadyExists))

	assert.Error(t, repo.Insert(ctx, TestEntity{}))
}

func TestInMemoryRepository_UniqueIndex(t *testing.T) {
	repo := newTestRepo()
	ctx := context.Background()

	require.NoError(t, repo.Insert(ctx, TestEntity{IDField: "1", Email: "a@x"}))

	err := repo.Insert(ctx, TestEntity{IDField: "2", Email: "a@x"})
	assert.True(t, core.HasCode(err, core.ErrAlreadyExists))

	// переназначение ключа той же entity допустимо
	require.NoError(t, repo.Save(ctx, TestEntity{IDField: "1", Email: "b@x"}))
	require.NoError(t, repo.Insert(ctx, TestEntity{IDField: "2", Email: "a@x"}))

	found, err := repo.FindOneByIndex(ctx, "email", "b@x")
	require.NoError(t, err)
	assert.Equal(t, "1", found.Value().IDField)

	_, err = repo.FindOneByIndex(ctx, "missing", "x")
	assert.Error(t, err)
}

func TestInMemoryRepository_Clone(t *testing.T) {
	repo := newTestRepo(WithClone(func(e TestEntity) TestEntity {
		e.Tags = append([]string(nil), e.Tags...)
		return e
	}))
	ctx := context.Background()

	entity := TestEntity{IDField: "1", Tags: []string{"a"}}
	require.NoError(t, repo.Save(ctx, entity))
	entity.Tags[0] = "mutated"

	found, err := repo.FindByID(ctx, "1")
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, found.Value().Tags)
}

func TestInMemoryRepository_SaveIfVersion(t *testing.T) {
	repo := newTestRepo(WithVersion(func(e TestEntity) int64 { return e.Rev }))
	ctx := context.Background()

	require.NoError(t, repo.SaveIfVersion(ctx, TestEntity{IDField: "1", Rev: 1}, 0))
	require.NoError(t, repo.SaveIfVersion(ctx, TestEntity{IDField: "1", Rev: 2}, 1))

	err := repo.SaveIfVersion(ctx, TestEntity{IDField: "1", Rev: 2}, 1)
	assert.True(t, core.HasCode(err, core.ErrConcurrencyConflict))

	stored, err := repo.FindByID(ctx, "1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), stored.Value().Rev)

	err = NewInMemoryRepository[TestEntity](DefaultInMemoryConfig()).SaveIfVersion(ctx, TestEntity{IDField: "1"}, 0)
	assert.True(t, core.HasCode(err, core.ErrInvalidConfig))
}

func TestInMemoryRepository_Delete(t *testing.T) {
	repo := newTestRepo()
	ctx := context.Background()
	require.NoError(t, repo.Insert(ctx, TestEntity{IDField: "1", Email: "a@x"}))

	deleted, err := repo.Delete(ctx, "1")
	require.NoError(t, err)
	assert.True(t, deleted)

	deleted, err = repo.Delete(ctx, "1")
	require.NoError(t, err)
	assert.False(t, deleted)

	// ключ индекса освобожден
	require.NoError(t, repo.Insert(ctx, TestEntity{IDField: "2", Email: "a@x"}))
}

func TestInMemoryRepository_FindAndDeleteWhere(t *testing.T) {
	repo := newTestRepo()
	ctx := context.Background()
	for i := 5; i > 0; i-- {
		require.NoError(t, repo.Save(ctx, TestEntity{IDField: fmt.Sprint(i), Rev: int64(i)}))
	}

	all, err := repo.FindAll(ctx)
	require.NoError(t, err)
	require.Len(t, all, 5)
	assert.Equal(t, "1", all[0].IDField)

	removed, err := repo.DeleteWhere(ctx, func(e TestEntity) bool { return e.Rev > 3 })
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	count, err := repo.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, count)
}

func TestInMemoryRepository_MaxEntities(t *testing.T) {
	repo := NewInMemoryRepository[TestEntity](InMemoryConfig{MaxEntities: 1})
	ctx := context.Background()

	require.NoError(t, repo.Save(ctx, TestEntity{IDField: "1"}))
	require.NoError(t, repo.Save(ctx, TestEntity{IDField: "1", Rev: 1}))
	assert.Error(t, repo.Save(ctx, TestEntity{IDField: "2"}))
}

func TestConfigs(t *testing.T) {
	pg := DefaultPostgresConfig()
	assert.Error(t, pg.Validate())
	pg.DSN = "postgres://localhost/shopflow"
	assert.NoError(t, pg.Validate())

	_, err := NewPostgresPool(PostgresConfig{})
	assert.True(t, core.HasCode(err, core.ErrInvalidConfig))

	mc := DefaultMongoConfig()
	assert.Error(t, mc.Validate())
	mc.URI = "mongodb://localhost:27017"
	assert.NoError(t, mc.Validate())
}

func TestClassifyErrors(t *testing.T) {
	assert.Nil(t, ClassifyPgError(nil, "x"))
	assert.True(t, core.HasCode(ClassifyPgError(errors.New("conn reset"), "x"), core.ErrTransientInfra))
	assert.Nil(t, ClassifyMongoError(nil, "x"))
	assert.True(t, core.HasCode(ClassifyMongoError(errors.New("timeout"), "x"), core.ErrTransientInfra))
}
