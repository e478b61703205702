package user

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
		TranslateError: true,
	})
	require.NoError(t, err)
	pool, err := db.DB()
	require.NoError(t, err)
	pool.SetMaxOpenConns(1)

	manager, err := NewManager(zaptest.NewLogger(t), db)
	require.NoError(t, err)

	return manager
}

func TestEnsureByEmail(t *testing.T) {
	manager := newTestManager(t)
	ctx := context.Background()

	first, err := manager.EnsureByEmail(ctx, "Pat@Lawncare.Example")
	require.NoError(t, err)
	assert.NotEmpty(t, first.ID)
	assert.Equal(t, "pat@lawncare.example", first.Email)
	assert.False(t, first.Admin)

	second, err := manager.EnsureByEmail(ctx, "pat@lawncare.example")
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
}

func TestGetByID(t *testing.T) {
	manager := newTestManager(t)
	ctx := context.Background()

	created, err := manager.EnsureByEmail(ctx, "pat@lawncare.example")
	require.NoError(t, err)

	found, err := manager.GetByID(ctx, created.ID)
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, created.Email, found.Email)

	missing, err := manager.GetByID(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)
}
