package infrastructure

import (
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func TestIsDuplicateError(t *testing.T) {
	assert.True(t, IsDuplicateError(gorm.ErrDuplicatedKey))
	assert.True(t, IsDuplicateError(fmt.Errorf("insert: %w", gorm.ErrDuplicatedKey)))
	assert.True(t, IsDuplicateError(&pgconn.PgError{Code: "23505"}))
	assert.False(t, IsDuplicateError(&pgconn.PgError{Code: "23503"}))
	assert.False(t, IsDuplicateError(errors.New("connection refused")))
	assert.False(t, IsDuplicateError(nil))
}

type uniqueThing struct {
	ID   uint   `gorm:"primaryKey"`
	Name string `gorm:"uniqueIndex"`
}

func TestSQLiteDatabase(t *testing.T) {
	logger, _ := test.NewNullLogger()
	db, err := NewSQLiteDatabase(filepath.Join(t.TempDir(), "test.db"), logger)
	require.NoError(t, err)
	defer db.Close()

	assert.Equal(t, DialectSQLite, db.Driver)
	assert.Equal(t, DialectSQLite, Dialect(db.DB))
	require.NoError(t, db.Ping())
	require.NoError(t, db.Migrate(&uniqueThing{}))

	require.NoError(t, db.Create(&uniqueThing{Name: "a"}).Error)
	err = db.Create(&uniqueThing{Name: "a"}).Error
	assert.True(t, IsDuplicateError(err), "got %v", err)
}
