package notifier

import (
	"context"

	mail "gopkg.in/mail.v2"

	"github.com/vigilhq/vigil/pkg/verrors"
)

type emailProvider struct {
	cfg EmailConfig
}

func newEmailProvider(cfg EmailConfig) Provider {
	return &emailProvider{cfg: cfg}
}

func (e *emailProvider) Name() string { return "email" }

func (e *emailProvider) Send(ctx context.Context, msg Message) error {
	m := mail.NewMessage()
	m.SetHeader("From", e.cfg.From)
	m.SetHeader("To", msg.Recipient)
	m.SetHeader("Subject", msg.Title)
	m.SetBody("text/plain", msg.Body)

	d := mail.NewDialer(e.cfg.Host, e.cfg.Port, e.cfg.Username, e.cfg.Password)
	d.StartTLSPolicy = mail.MandatoryStartTLS
	if deadline, ok := ctx.Deadline(); ok {
		d.Timeout = deadline.Sub(timeNow())
	}

	// SMTP failures are indistinguishable enough that retrying is the safe
	// default; the attempt cap bounds the damage.
	if err := d.DialAndSend(m); err != nil {
		return verrors.E(verrors.Transient, err)
	}
	return nil
}
