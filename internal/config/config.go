package config

import "time"

type AppConfig struct {
	APIPort     string `env:"PORT,required" envDefault:"12222"`
	APIKey      string `env:"API_KEY,required"`
	RabbitMQURL string `env:"RABBITMQ_URL"`
	InstanceID  string `env:"POD_NAME"`
	// ExclusiveConsumer limits POP3 work from the bus to a single replica.
	ExclusiveConsumer bool   `env:"EVENTS_EXCLUSIVE_CONSUMER" envDefault:"true"`
	StorageProvider   string `env:"STORAGE_PROVIDER" envDefault:"r2"`
}

type PopstackDatabaseConfig struct {
	Host            string `env:"POPSTACK_POSTGRES_HOST,required"`
	Port            string `env:"POPSTACK_POSTGRES_PORT,required"`
	User            string `env:"POPSTACK_POSTGRES_USER,required"`
	DBName          string `env:"POPSTACK_POSTGRES_DB_NAME,required"`
	Password        string `env:"POPSTACK_POSTGRES_PASSWORD,required"`
	MaxConn         int    `env:"POPSTACK_POSTGRES_DB_MAX_CONN"`
	MaxIdleConn     int    `env:"POPSTACK_POSTGRES_DB_MAX_IDLE_CONN"`
	ConnMaxLifetime int    `env:"POPSTACK_POSTGRES_DB_CONN_MAX_LIFETIME"`
	LogLevel        string `env:"POPSTACK_POSTGRES_LOG_LEVEL" envDefault:"WARN"`
	SSLMode         string `env:"POPSTACK_POSTGRES_SSL_MODE" envDefault:"require"`
}

type R2StorageConfig struct {
	AccountID       string `env:"CLOUDFLARE_R2_ACCOUNT_ID"`
	AccessKeyID     string `env:"CLOUDFLARE_R2_ACCESS_KEY_ID"`
	AccessKeySecret string `env:"CLOUDFLARE_R2_ACCESS_KEY_SECRET"`
	EmailPartBucket string `env:"BUCKET_NAME_EMAIL_PARTS" envDefault:"email-parts"`
	CDNDomain       string `env:"CLOUDFLARE_R2_CDN_DOMAIN"`
}

// S3StorageConfig is used when STORAGE_PROVIDER is s3.
type S3StorageConfig struct {
	Region          string `env:"AWS_REGION" envDefault:"us-east-1"`
	AccessKeyID     string `env:"AWS_ACCESS_KEY_ID"`
	AccessKeySecret string `env:"AWS_SECRET_ACCESS_KEY"`
	EmailPartBucket string `env:"BUCKET_NAME_EMAIL_PARTS" envDefault:"email-parts"`
}

// PopConfig holds the sync tuning knobs. Defaults match long-standing
// production values.
type PopConfig struct {
	SyncBackEmailCount         int           `env:"POP_SYNC_BACK_EMAIL_COUNT" envDefault:"50"`
	AllowableTimeDiscrepancy   time.Duration `env:"POP_ALLOWABLE_TIME_DISCREPANCY" envDefault:"15m"`
	ConnectTimeout             time.Duration `env:"POP_CONNECT_TIMEOUT" envDefault:"35s"`
	GreetingTimeout            time.Duration `env:"POP_GREETING_TIMEOUT" envDefault:"35s"`
	LoginTimeout               time.Duration `env:"POP_LOGIN_TIMEOUT" envDefault:"35s"`
	ReadTimeout                time.Duration `env:"POP_READ_TIMEOUT" envDefault:"30s"`
	MaxEmailCountOnDevice      int           `env:"POP_MAX_EMAIL_COUNT_ON_DEVICE" envDefault:"1000"`
	LoadEmailBatchSize         int           `env:"POP_LOAD_EMAIL_BATCH_SIZE" envDefault:"10"`
	SaveEmailBatchSize         int           `env:"POP_SAVE_EMAIL_BATCH_SIZE" envDefault:"5"`
	MaxLineLength              int           `env:"POP_MAX_LINE_LENGTH" envDefault:"1048576"`
	MaxConcurrentAccounts      int           `env:"POP_MAX_CONCURRENT_ACCOUNTS" envDefault:"4"`
	AutoDownloadMaxBodies      int           `env:"POP_AUTO_DOWNLOAD_MAX_BODIES" envDefault:"25"`
	RetryMinInterval           time.Duration `env:"POP_RETRY_MIN_INTERVAL" envDefault:"60s"`
	RetryMaxInterval           time.Duration `env:"POP_RETRY_MAX_INTERVAL" envDefault:"30m"`
	RetryMultiplier            float64       `env:"POP_RETRY_MULTIPLIER" envDefault:"1.5"`
	IdleLogout                 time.Duration `env:"POP_IDLE_LOGOUT" envDefault:"5m"`
	OldEmailsCacheLimit        int           `env:"POP_OLD_EMAILS_CACHE_LIMIT" envDefault:"1200"`
	OldEmailsCacheEvictionSize int           `env:"POP_OLD_EMAILS_CACHE_EVICTION_SIZE" envDefault:"100"`
	InsecureSkipVerify         bool          `env:"POP_INSECURE_SKIP_VERIFY" envDefault:"false"`
}

// DefaultPopConfig returns the env defaults, for callers that do not parse
// the environment.
func DefaultPopConfig() *PopConfig {
	return &PopConfig{
		SyncBackEmailCount:         50,
		AllowableTimeDiscrepancy:   15 * time.Minute,
		ConnectTimeout:             35 * time.Second,
		GreetingTimeout:            35 * time.Second,
		LoginTimeout:               35 * time.Second,
		ReadTimeout:                30 * time.Second,
		MaxEmailCountOnDevice:      1000,
		LoadEmailBatchSize:         10,
		SaveEmailBatchSize:         5,
		MaxLineLength:              1048576,
		MaxConcurrentAccounts:      4,
		AutoDownloadMaxBodies:      25,
		RetryMinInterval:           60 * time.Second,
		RetryMaxInterval:           30 * time.Minute,
		RetryMultiplier:            1.5,
		IdleLogout:                 5 * time.Minute,
		OldEmailsCacheLimit:        1200,
		OldEmailsCacheEvictionSize: 100,
	}
}

type SmtpConfig struct {
	ConnectTimeout time.Duration `env:"SMTP_CONNECT_TIMEOUT" envDefault:"30s"`
	SendTimeout    time.Duration `env:"SMTP_SEND_TIMEOUT" envDefault:"2m"`
	HeloDomain     string        `env:"SMTP_HELO_DOMAIN" envDefault:"localhost"`
}
