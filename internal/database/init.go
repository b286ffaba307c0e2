package database

import (
	"github.com/pkg/errors"
	"gorm.io/gorm"

	"github.com/customeros/popstack/internal/config"
)

func InitPopstackDatabase(dbConfig *config.PopstackDatabaseConfig) (*gorm.DB, error) {
	db, err := NewConnection(dbConfig)
	if err != nil {
		return nil, errors.Wrap(err, "failed to connect to the popstack database")
	}
	return db, nil
}
