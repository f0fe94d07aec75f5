package notification

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"net/mail"
	"time"

	"gopkg.in/gomail.v2"
)

// EmailConfig represents email notification configuration
type EmailConfig struct {
	SMTPHost     string
	SMTPPort     int
	SMTPUsername string
	SMTPPassword string
	FromEmail    string
	FromName     string
	To           []string
	UseSSL       bool
}

// mailSender is satisfied by *gomail.Dialer.
type mailSender interface {
	DialAndSend(m ...*gomail.Message) error
}

// EmailNotifier sends approval requests by SMTP
type EmailNotifier struct {
	config EmailConfig
	sender mailSender
	html   *template.Template
}

// NewEmailNotifier creates a new email notifier
func NewEmailNotifier(config EmailConfig) (*EmailNotifier, error) {
	if config.SMTPHost == "" {
		return nil, fmt.Errorf("smtp host is required")
	}
	if len(config.To) == 0 {
		return nil, fmt.Errorf("no recipients specified")
	}
	for _, addr := range append([]string{config.FromEmail}, config.To...) {
		if _, err := mail.ParseAddress(addr); err != nil {
			return nil, fmt.Errorf("invalid email address %q: %w", addr, err)
		}
	}
	if config.FromName == "" {
		config.FromName = "Remediator"
	}

	dialer := gomail.NewDialer(config.SMTPHost, config.SMTPPort, config.SMTPUsername, config.SMTPPassword)
	dialer.SSL = config.UseSSL

	return newEmailNotifier(config, dialer), nil
}

func newEmailNotifier(config EmailConfig, sender mailSender) *EmailNotifier {
	return &EmailNotifier{
		config: config,
		sender: sender,
		html:   template.Must(template.New("email").Parse(htmlTemplate)),
	}
}

// Name implements Notifier.
func (e *EmailNotifier) Name() string { return ChannelEmail }

// Notify sends msg to every configured recipient.
func (e *EmailNotifier) Notify(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	var body bytes.Buffer
	if err := e.html.Execute(&body, map[string]any{
		"Subject":   msg.Subject,
		"Body":      msg.Body,
		"Priority":  msg.Priority,
		"Metadata":  msg.Metadata,
		"Timestamp": time.Now().UTC().Format("2006-01-02 15:04:05 UTC"),
	}); err != nil {
		return fmt.Errorf("failed to render email: %w", err)
	}

	m := gomail.NewMessage()
	m.SetAddressHeader("From", e.config.FromEmail, e.config.FromName)
	m.SetHeader("To", e.config.To...)
	m.SetHeader("Subject", msg.Subject)
	m.SetHeader("X-Priority", priorityHeader(msg.Priority))
	m.SetBody("text/plain", msg.Body)
	m.AddAlternative("text/html", body.String())

	if err := e.sender.DialAndSend(m); err != nil {
		return fmt.Errorf("failed to send email: %w", err)
	}
	return nil
}

func priorityHeader(p Priority) string {
	switch p {
	case PriorityCritical:
		return "1"
	case PriorityHigh:
		return "2"
	case PriorityLow:
		return "4"
	default:
		return "3"
	}
}

const htmlTemplate = `<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <title>{{.Subject}}</title>
    <style>
        body { font-family: Arial, sans-serif; line-height: 1.6; color: #333; }
        .container { max-width: 600px; margin: 0 auto; padding: 20px; }
        .header { background: #f8f9fa; padding: 20px; border-radius: 5px; margin-bottom: 20px; }
        .content { background: white; padding: 20px; border-radius: 5px; white-space: pre-wrap; }
        .footer { margin-top: 20px; padding: 20px; background: #f8f9fa; border-radius: 5px; font-size: 12px; color: #666; }
    </style>
</head>
<body>
    <div class="container">
        <div class="header">
            <h2>{{.Subject}}</h2>
            <p><strong>Priority:</strong> {{.Priority}}</p>
            <p><strong>Time:</strong> {{.Timestamp}}</p>
        </div>
        <div class="content">{{.Body}}</div>
        {{if .Metadata}}<div class="footer">
            {{range $k, $v := .Metadata}}<p><strong>{{$k}}:</strong> {{$v}}</p>{{end}}
        </div>{{end}}
    </div>
</body>
</html>`
