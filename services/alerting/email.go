package alerting

import (
	"context"
	"fmt"
	"net/smtp"
	"sort"
	"strings"

	"github.com/jordan-wright/email"
)

type SmtpConfig struct {
	Server       string `json:"server"`
	Port         int    `json:"port"`
	EmailAddress string `json:"email_address"`
	Password     string `json:"password"`
}

type EmailConfig struct {
	Smtp       SmtpConfig `json:"smtp"`
	Recipients []string   `json:"recipients"`
}

// EmailSink mails each event to a fixed recipient list. Pair it with
// WithMinSeverity unless every info event should become an email.
type EmailSink struct {
	config EmailConfig
}

func NewEmailSink(config EmailConfig) EmailSink {
	return EmailSink{config: config}
}

func (s EmailSink) Send(ctx context.Context, event Event) error {
	if len(s.config.Recipients) == 0 {
		return nil
	}

	mail := email.NewEmail()
	mail.From = fmt.Sprintf("TradeWatch <%s>", s.config.Smtp.EmailAddress)
	mail.To = s.config.Recipients
	mail.Subject = fmt.Sprintf("[%s] %s", event.Severity, event.Message)
	mail.Text = []byte(formatEventBody(event))

	addr := fmt.Sprintf("%s:%d", s.config.Smtp.Server, s.config.Smtp.Port)
	err := mail.Send(
		addr,
		smtp.PlainAuth("", s.config.Smtp.EmailAddress, s.config.Smtp.Password, s.config.Smtp.Server),
	)
	if err != nil && strings.Contains(err.Error(), "server doesn't support AUTH") {
		err = mail.Send(addr, nil)
	}
	if err != nil {
		return fmt.Errorf("send alert email: %w", err)
	}
	return nil
}

func formatEventBody(event Event) string {
	var body strings.Builder
	body.WriteString(event.Message)
	body.WriteString("\n\nseverity: ")
	body.WriteString(string(event.Severity))
	body.WriteString("\n")

	keys := make([]string, 0, len(event.Context))
	for k := range event.Context {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		body.WriteString(fmt.Sprintf("%s: %s\n", k, event.Context[k]))
	}
	return body.String()
}
