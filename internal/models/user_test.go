package models

import (
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func testDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&User{}))
	return db
}

func TestCreateUserWithTransientPassword(t *testing.T) {
	db := testDB(t)

	user := User{
		Username: "mika",
		Email:    "mika@example.com",
		Password: "s3cret-pass",
		UserType: string(UserTypeSender),
	}
	require.NoError(t, user.HashPassword())
	require.NoError(t, db.Create(&user).Error)

	assert.False(t, db.Migrator().HasColumn(&User{}, "password"))

	var stored User
	require.NoError(t, db.First(&stored, user.ID).Error)
	assert.Empty(t, stored.Password)
	assert.NoError(t, stored.CheckPassword("s3cret-pass"))
}
