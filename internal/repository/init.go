package repository

import (
	"time"

	"gorm.io/gorm"

	"github.com/customeros/popstack/interfaces"
	"github.com/customeros/popstack/internal/config"
	"github.com/customeros/popstack/internal/models"
)

type Repositories struct {
	PopAccountRepository interfaces.PopAccountRepository
	PopEmailRepository   interfaces.PopEmailRepository
	UidCacheRepository   interfaces.UidCacheRepository
}

func InitRepositories(popstackDB *gorm.DB) *Repositories {
	return &Repositories{
		PopAccountRepository: NewPopAccountRepository(popstackDB),
		PopEmailRepository:   NewPopEmailRepository(popstackDB),
		UidCacheRepository:   NewUidCacheRepository(popstackDB),
	}
}

func MigratePopstackDB(dbConfig *config.PopstackDatabaseConfig, popstackDB *gorm.DB) error {
	db, err := popstackDB.DB()
	if err != nil {
		return err
	}

	db.SetMaxOpenConns(5)

	err = popstackDB.AutoMigrate(
		&models.PopAccount{},
		&models.PopEmail{},
		&models.PopEmailPart{},
		&models.UidCacheRecord{},
	)

	db.SetMaxIdleConns(dbConfig.MaxIdleConn)
	db.SetMaxOpenConns(dbConfig.MaxConn)
	db.SetConnMaxLifetime(time.Duration(dbConfig.ConnMaxLifetime) * time.Minute)

	return err
}
