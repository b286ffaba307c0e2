package pop

import (
	"crypto/tls"
	"time"

	"github.com/customeros/popstack/interfaces"
	"github.com/customeros/popstack/internal/config"
	"github.com/customeros/popstack/internal/logger"
	"github.com/customeros/popstack/internal/utils"
)

// Dependencies are the collaborators shared by every session of a service.
type Dependencies struct {
	Accounts  interfaces.PopAccountRepository
	Emails    interfaces.PopEmailRepository
	UidCaches interfaces.UidCacheRepository
	Storage   interfaces.StorageService
	// Events is optional; nothing is published when it is nil.
	Events interfaces.EventPublisher
	Config *config.PopConfig
	Log    logger.Logger

	// TLSConfig overrides the per-host TLS config, mainly for tests.
	TLSConfig *tls.Config
	Now       func() time.Time
}

func (d *Dependencies) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return utils.Now()
}
