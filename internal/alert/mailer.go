package alert

import (
	"context"
	"fmt"

	"gopkg.in/gomail.v2"
)

// Mailer sends one plain text message to a list of recipients.
type Mailer interface {
	Send(ctx context.Context, to []string, subject, body string) error
}

type MailConfig struct {
	Host     string `mapstructure:"host" validate:"required"`
	Port     int    `mapstructure:"port" validate:"gt=0"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	From     string `mapstructure:"from" validate:"required,email"`
	FromName string `mapstructure:"fromName"`
}

// SMTPMailer sends through an SMTP relay with gomail.
type SMTPMailer struct {
	config MailConfig
	dialer *gomail.Dialer
}

func NewSMTPMailer(config MailConfig) *SMTPMailer {
	return &SMTPMailer{
		config: config,
		dialer: gomail.NewDialer(config.Host, config.Port, config.Username, config.Password),
	}
}

// Send gives up when ctx is done. gomail has no context support, so an
// abandoned dial finishes in the background.
func (m *SMTPMailer) Send(ctx context.Context, to []string, subject, body string) error {
	if len(to) == 0 {
		return fmt.Errorf("no recipients")
	}

	msg := gomail.NewMessage()
	if m.config.FromName != "" {
		msg.SetAddressHeader("From", m.config.From, m.config.FromName)
	} else {
		msg.SetHeader("From", m.config.From)
	}
	msg.SetHeader("To", to...)
	msg.SetHeader("Subject", subject)
	msg.SetBody("text/plain", body)

	result := make(chan error, 1)
	go func() {
		result <- m.dialer.DialAndSend(msg)
	}()

	select {
	case err := <-result:
		if err != nil {
			return fmt.Errorf("smtp send via %s failed: %w", m.config.Host, err)
		}
		return nil

	case <-ctx.Done():
		return fmt.Errorf("smtp send via %s: %w", m.config.Host, ctx.Err())
	}
}
