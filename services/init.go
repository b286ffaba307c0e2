package services

import (
	"crypto/tls"

	"github.com/customeros/popstack/config"
	"github.com/customeros/popstack/interfaces"
	"github.com/customeros/popstack/internal/logger"
	"github.com/customeros/popstack/internal/repository"
	"github.com/customeros/popstack/services/events"
	"github.com/customeros/popstack/services/pop"
	"github.com/customeros/popstack/services/smtp"
	"github.com/customeros/popstack/services/storage"
)

type Services struct {
	// EventsService is nil when no broker is configured.
	EventsService  *events.EventsService
	StorageService interfaces.StorageService
	PopService     *pop.PopService
	SmtpService    *smtp.SmtpService
}

func InitServices(cfg *config.Config, log logger.Logger, repos *repository.Repositories) (*Services, error) {
	storageService, err := storage.NewStorageServiceFor(cfg.AppConfig.StorageProvider, cfg.R2StorageConfig, cfg.S3StorageConfig)
	if err != nil {
		return nil, err
	}
	services := Services{
		StorageService: storageService,
	}

	deps := &pop.Dependencies{
		Accounts:  repos.PopAccountRepository,
		Emails:    repos.PopEmailRepository,
		UidCaches: repos.UidCacheRepository,
		Storage:   services.StorageService,
		Config:    cfg.PopConfig,
		Log:       log,
	}

	var smtpOpts []smtp.Option
	if cfg.PopConfig.InsecureSkipVerify {
		smtpOpts = append(smtpOpts, smtp.WithTLSConfig(&tls.Config{InsecureSkipVerify: true}))
	}

	if cfg.AppConfig.RabbitMQURL != "" {
		eventsService, err := events.NewEventsService(
			cfg.AppConfig.RabbitMQURL,
			log,
			events.DefaultPublisherConfig(),
			events.DefaultSubscriberConfig(),
		)
		if err != nil {
			return nil, err
		}
		services.EventsService = eventsService
		deps.Events = eventsService.Publisher
	} else {
		log.Warn("RABBITMQ_URL not set, events are disabled")
	}

	services.PopService = pop.NewPopService(deps)
	services.SmtpService = smtp.NewSmtpService(log, cfg.SmtpConfig, repos.PopAccountRepository, smtpOpts...)

	return &services, nil
}
