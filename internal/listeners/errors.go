package listeners

import (
	"github.com/pkg/errors"

	er "github.com/customeros/popstack/internal/errors"
	"github.com/customeros/popstack/internal/logger"
)

// dropIfPermanent acks requests that can never succeed on redelivery.
func dropIfPermanent(log logger.Logger, err error, what string) error {
	switch {
	case errors.Is(err, er.ErrAccountNotFound),
		errors.Is(err, er.ErrAccountDisabled),
		errors.Is(err, er.ErrAccountDeleted),
		errors.Is(err, er.ErrEmailNotFound):
		log.Warnf("Dropping request to %s: %v", what, err)
		return nil
	}
	return err
}
