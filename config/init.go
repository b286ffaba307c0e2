package config

import (
	"log"

	"github.com/caarlos0/env/v6"
	"github.com/joho/godotenv"

	"github.com/customeros/popstack/internal/config"
	cron_config "github.com/customeros/popstack/internal/cron/config"
	"github.com/customeros/popstack/internal/logger"
	"github.com/customeros/popstack/internal/tracing"
)

type Config struct {
	AppConfig              *config.AppConfig
	Logger                 *logger.Config
	Tracing                *tracing.JaegerConfig
	PopstackDatabaseConfig *config.PopstackDatabaseConfig
	R2StorageConfig        *config.R2StorageConfig
	S3StorageConfig        *config.S3StorageConfig
	PopConfig              *config.PopConfig
	SmtpConfig             *config.SmtpConfig
	CronConfig             *cron_config.Config
}

func InitConfig() (*Config, error) {
	cfg := &Config{
		AppConfig:              &config.AppConfig{},
		Logger:                 &logger.Config{},
		Tracing:                &tracing.JaegerConfig{},
		PopstackDatabaseConfig: &config.PopstackDatabaseConfig{},
		R2StorageConfig:        &config.R2StorageConfig{},
		S3StorageConfig:        &config.S3StorageConfig{},
		PopConfig:              &config.PopConfig{},
		SmtpConfig:             &config.SmtpConfig{},
		CronConfig:             &cron_config.Config{},
	}

	err := godotenv.Load()
	if err != nil {
		log.Print("Unable to load .env file")
	}

	err = env.Parse(cfg)
	if err != nil {
		log.Fatalf("Error loading popstack config: %v", err)
	}

	return cfg, nil
}
