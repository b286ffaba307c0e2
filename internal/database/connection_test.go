package database

import (
	"testing"

	"github.com/stretchr/testify/assert"
	gormlogger "gorm.io/gorm/logger"

	"github.com/customeros/popstack/internal/config"
)

func TestLogLevel(t *testing.T) {
	assert.Equal(t, gormlogger.Silent, logLevel("silent"))
	assert.Equal(t, gormlogger.Error, logLevel("ERROR"))
	assert.Equal(t, gormlogger.Info, logLevel("debug"))
	assert.Equal(t, gormlogger.Warn, logLevel(""))
}

func TestValidateConfig(t *testing.T) {
	valid := config.PopstackDatabaseConfig{
		Host: "localhost", Port: "5432", User: "popstack", Password: "secret", DBName: "popstack", SSLMode: "disable",
	}
	assert.NoError(t, validateConfig(&valid))
	assert.Error(t, validateConfig(nil))

	noHost := valid
	noHost.Host = ""
	assert.Error(t, validateConfig(&noHost))
}

func TestNewConnection_BadPort(t *testing.T) {
	cfg := &config.PopstackDatabaseConfig{
		Host: "localhost", Port: "not-a-port", User: "popstack", Password: "secret", DBName: "popstack", SSLMode: "disable",
	}

	_, err := NewConnection(cfg)

	assert.ErrorContains(t, err, "invalid port number")
}
