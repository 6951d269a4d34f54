package channel

import (
	"context"
	"fmt"
	"net/smtp"
	"strings"
)

// sendMailHook lets tests capture outgoing mail instead of dialing SMTP.
var sendMailHook = smtp.SendMail

// Email sends plain-text mail over SMTP. Credentials: "host", "port",
// "username", "password", "from", "to" (comma separated).
type Email struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	To       []string
}

func NewEmail(creds map[string]string) *Email {
	e := &Email{
		Host:     cred(creds, "host"),
		Username: cred(creds, "username"),
		Password: cred(creds, "password"),
		From:     cred(creds, "from"),
	}
	fmt.Sscanf(cred(creds, "port"), "%d", &e.Port)
	if e.Port == 0 {
		e.Port = 587
	}
	if e.From == "" {
		e.From = e.Username
	}
	for _, to := range strings.Split(cred(creds, "to"), ",") {
		if to = strings.TrimSpace(to); to != "" {
			e.To = append(e.To, to)
		}
	}
	return e
}

func (e *Email) Kind() Kind { return KindEmail }

func (e *Email) Send(ctx context.Context, m Message) error {
	if e.Host == "" || len(e.To) == 0 {
		return ErrNotConfigured
	}

	// smtp.SendMail has no context; honor cancellation before dialing.
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	addr := fmt.Sprintf("%s:%d", e.Host, e.Port)
	var auth smtp.Auth
	if e.Username != "" {
		auth = smtp.PlainAuth("", e.Username, e.Password, e.Host)
	}
	msg := fmt.Sprintf("To: %s\r\nSubject: [sentrylink] %s\r\n\r\n%s",
		strings.Join(e.To, ","), m.Title, m.Body)
	return sendMailHook(addr, auth, e.From, e.To, []byte(msg))
}
