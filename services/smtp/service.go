package smtp

import (
	"context"
	"crypto/tls"
	"net"
	"net/mail"
	"net/smtp"
	"net/textproto"
	"strconv"
	"strings"
	"time"

	"github.com/customeros/mailsherpa/mailvalidate"
	"github.com/opentracing/opentracing-go"
	"github.com/pkg/errors"
	"golang.org/x/net/proxy"

	"github.com/customeros/popstack/dto"
	"github.com/customeros/popstack/interfaces"
	"github.com/customeros/popstack/internal/config"
	"github.com/customeros/popstack/internal/enum"
	er "github.com/customeros/popstack/internal/errors"
	"github.com/customeros/popstack/internal/logger"
	"github.com/customeros/popstack/internal/mailerror"
	"github.com/customeros/popstack/internal/tracing"
	"github.com/customeros/popstack/internal/utils"
	"github.com/customeros/popstack/services/pop/protocol"
)

type Option func(*SmtpService)

// WithTLSConfig replaces the TLS config built from the account's hostname.
func WithTLSConfig(cfg *tls.Config) Option {
	return func(s *SmtpService) {
		s.tlsConfig = cfg
	}
}

type SmtpService struct {
	log       logger.Logger
	cfg       *config.SmtpConfig
	accounts  interfaces.PopAccountRepository
	tlsConfig *tls.Config
}

func NewSmtpService(log logger.Logger, cfg *config.SmtpConfig, accounts interfaces.PopAccountRepository, opts ...Option) *SmtpService {
	s := &SmtpService{
		log:      log,
		cfg:      cfg,
		accounts: accounts,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *SmtpService) Send(ctx context.Context, req dto.SendEmail) (string, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "SmtpService.Send")
	defer span.Finish()
	tracing.SetDefaultServiceSpanTags(ctx, span)
	tracing.TagAccount(span, req.AccountID)

	account, err := s.accounts.GetAccount(ctx, req.AccountID)
	if err != nil {
		tracing.TraceErr(span, err)
		return "", err
	}
	if account == nil {
		return "", er.ErrAccountNotFound
	}
	if !account.Enabled {
		return "", er.ErrAccountDisabled
	}
	if account.SmtpHostname == "" || account.SmtpPort == 0 {
		return "", er.ErrSmtpNotConfigured
	}

	recipients, err := validateRequest(account.EmailAddress, &req)
	if err != nil {
		tracing.TraceErr(span, err)
		return "", err
	}

	from := mail.Address{Name: req.FromName, Address: account.EmailAddress}
	if from.Name == "" {
		from.Name = account.DisplayName
	}
	messageID := utils.GenerateMessageID(utils.ExtractDomainFromEmail(account.EmailAddress), req.MessageUUID)
	msg, err := buildMessage(req, from, messageID, utils.Now())
	if err != nil {
		tracing.TraceErr(span, err)
		return "", err
	}

	target := server{
		host:       account.SmtpHostname,
		port:       account.SmtpPort,
		encryption: account.SmtpEncryption,
		username:   account.SmtpUsername,
		password:   account.SmtpPassword,
	}
	if err = s.deliver(ctx, target, account.EmailAddress, recipients, msg); err != nil {
		tracing.TraceErr(span, err)
		s.log.Warnf("Failed to send email for account %s: %v", account.ID, err)
		return "", err
	}

	span.LogKV("messageId", messageID, "recipients", len(recipients))
	s.log.Infof("Sent email %s for account %s to %d recipients", messageID, account.ID, len(recipients))
	return messageID, nil
}

// validateRequest checks every address and returns the envelope recipients.
func validateRequest(fromAddress string, req *dto.SendEmail) ([]string, error) {
	if v := mailvalidate.ValidateEmailSyntax(fromAddress); !v.IsValid {
		return nil, errors.Wrapf(er.ErrInvalidEmail, "from address %q", fromAddress)
	}

	req.To = utils.UniqueEmails(req.To)
	req.Cc = utils.UniqueEmails(req.Cc)
	req.Bcc = utils.UniqueEmails(req.Bcc)
	if len(req.To) == 0 {
		return nil, errors.Wrap(er.ErrInvalidEmail, "at least one recipient is required")
	}
	if req.BodyText == "" && req.BodyHTML == "" {
		return nil, errors.Wrap(er.ErrInvalidEmail, "email must have either text or HTML content")
	}
	if req.ReplyTo != "" {
		if v := mailvalidate.ValidateEmailSyntax(req.ReplyTo); !v.IsValid {
			return nil, errors.Wrapf(er.ErrInvalidEmail, "reply-to address %q", req.ReplyTo)
		}
	}

	all := make([]string, 0, len(req.To)+len(req.Cc)+len(req.Bcc))
	all = append(all, req.To...)
	all = append(all, req.Cc...)
	all = append(all, req.Bcc...)
	for _, address := range all {
		if v := mailvalidate.ValidateEmailSyntax(address); !v.IsValid {
			return nil, errors.Wrapf(er.ErrInvalidEmail, "recipient %q", address)
		}
	}
	return utils.UniqueEmails(all), nil
}

type server struct {
	host       string
	port       int
	encryption enum.Encryption
	username   string
	password   string
}

func (s *SmtpService) deliver(ctx context.Context, target server, from string, recipients []string, msg []byte) error {
	span, ctx := opentracing.StartSpanFromContext(ctx, "SmtpService.deliver")
	defer span.Finish()
	span.LogKV("smtp_server", target.host, "smtp_port", target.port, "encryption", target.encryption.String())

	if s.cfg.SendTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.SendTimeout)
		defer cancel()
	}

	addr := net.JoinHostPort(target.host, strconv.Itoa(target.port))
	raw, err := s.dial(ctx, addr)
	if err != nil {
		return protocol.NetworkFailure(err, mailerror.ConnectionFailed)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = raw.SetDeadline(deadline)
	}
	stop := context.AfterFunc(ctx, func() {
		_ = raw.SetDeadline(time.Now())
	})
	defer stop()

	if target.encryption == enum.EncryptionSSL {
		tlsConn := tls.Client(raw, s.tlsConfigFor(target.host))
		if err = tlsConn.HandshakeContext(ctx); err != nil {
			raw.Close()
			return protocol.NetworkFailure(err, mailerror.ConnectionFailed)
		}
		raw = tlsConn
	}

	client, err := smtp.NewClient(raw, target.host)
	if err != nil {
		raw.Close()
		return protocol.NetworkFailure(err, mailerror.ConnectionFailed)
	}
	defer client.Close()

	if err = client.Hello(s.cfg.HeloDomain); err != nil {
		return replyFailure(err, mailerror.BadResponse)
	}

	if target.encryption == enum.EncryptionTLS {
		if ok, _ := client.Extension("STARTTLS"); !ok {
			return mailerror.New(mailerror.ConfigNoSsl, "server does not support STARTTLS")
		}
		if err = client.StartTLS(s.tlsConfigFor(target.host)); err != nil {
			return protocol.NetworkFailure(err, mailerror.ConfigNoSsl)
		}
	}

	if target.username != "" {
		if ok, _ := client.Extension("AUTH"); ok {
			auth := smtp.PlainAuth("", target.username, target.password, target.host)
			if err = client.Auth(auth); err != nil {
				return authFailure(err)
			}
		}
	}

	if err = client.Mail(from); err != nil {
		return replyFailure(err, mailerror.BadResponse)
	}
	for _, rcpt := range recipients {
		if err = client.Rcpt(rcpt); err != nil {
			return replyFailure(err, mailerror.BadResponse)
		}
	}

	w, err := client.Data()
	if err != nil {
		return replyFailure(err, mailerror.BadResponse)
	}
	if _, err = w.Write(msg); err != nil {
		return protocol.NetworkFailure(err, mailerror.NoNetwork)
	}
	if err = w.Close(); err != nil {
		return replyFailure(err, mailerror.BadResponse)
	}

	if err = client.Quit(); err != nil {
		s.log.Debugf("SMTP QUIT failed after delivery: %v", err)
	}
	return nil
}

func (s *SmtpService) dial(ctx context.Context, addr string) (net.Conn, error) {
	dialer := proxy.FromEnvironmentUsing(&net.Dialer{Timeout: s.cfg.ConnectTimeout})
	if cd, ok := dialer.(proxy.ContextDialer); ok {
		return cd.DialContext(ctx, "tcp", addr)
	}
	return dialer.Dial("tcp", addr)
}

func (s *SmtpService) tlsConfigFor(host string) *tls.Config {
	if s.tlsConfig != nil {
		return s.tlsConfig
	}
	return &tls.Config{ServerName: host, MinVersion: tls.VersionTLS12}
}

// replyFailure keeps server rejections as protocol errors and everything
// else as a network failure.
func replyFailure(err error, code mailerror.Code) error {
	var protoErr *textproto.Error
	if errors.As(err, &protoErr) {
		return mailerror.Wrap(code, err)
	}
	return protocol.NetworkFailure(err, mailerror.NoNetwork)
}

func authFailure(err error) error {
	var protoErr *textproto.Error
	if errors.As(err, &protoErr) {
		if protoErr.Code == 535 || protoErr.Code == 534 {
			return mailerror.Wrap(mailerror.BadUsernameOrPassword, err)
		}
		return mailerror.Wrap(mailerror.UnknownAuthError, err)
	}
	if strings.Contains(err.Error(), "unencrypted connection") {
		return mailerror.Wrap(mailerror.ConfigNoSsl, err)
	}
	return protocol.NetworkFailure(err, mailerror.UnknownAuthError)
}
