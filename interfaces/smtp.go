package interfaces

import (
	"context"

	"github.com/customeros/popstack/dto"
)

type SmtpService interface {
	// Send delivers req through the account's SMTP server and returns the
	// Message-ID it was sent with.
	Send(ctx context.Context, req dto.SendEmail) (string, error)
}
