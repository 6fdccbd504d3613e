// Package email provides email sending capabilities via SMTP.
package email

import (
	"bytes"
	"errors"
	"fmt"
	"html/template"
	"mime"
	"net/smtp"
	"strings"
	"time"

	"github.com/sony/gobreaker/v2"
)

var (
	ErrNotConfigured = errors.New("email not configured")
	ErrInvalidHeader = errors.New("email header contains a line break")
)

// Config holds SMTP configuration
type Config struct {
	Host       string
	Port       string
	Username   string
	Password   string
	From       string
	FromName   string
	FeedbackTo string
}

// SendFunc matches smtp.SendMail.
type SendFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// Service provides email sending
type Service struct {
	config  Config
	server  string
	auth    smtp.Auth
	send    SendFunc
	breaker *gobreaker.CircuitBreaker[struct{}]
}

type Option func(*Service)

// WithSender replaces the SMTP transport.
func WithSender(send SendFunc) Option {
	return func(s *Service) { s.send = send }
}

// NewService creates a new email service
func NewService(config Config, opts ...Option) *Service {
	var auth smtp.Auth
	if config.Username != "" {
		auth = smtp.PlainAuth("", config.Username, config.Password, config.Host)
	}

	s := &Service{
		config: config,
		server: config.Host + ":" + config.Port,
		auth:   auth,
		send:   smtp.SendMail,
	}
	s.breaker = gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        "smtp",
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
	})
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// IsConfigured returns true if email is configured
func (s *Service) IsConfigured() bool {
	return s.config.Host != "" && s.config.Port != "" && s.config.From != ""
}

// CanSendFeedback reports whether feedback has somewhere to go.
func (s *Service) CanSendFeedback() bool {
	return s.IsConfigured() && s.config.FeedbackTo != ""
}

func (s *Service) fromHeader() string {
	if s.config.FromName != "" {
		return fmt.Sprintf("%s <%s>", s.config.FromName, s.config.From)
	}
	return s.config.From
}

func (s *Service) deliver(to []string, msg []byte) error {
	_, err := s.breaker.Execute(func() (struct{}, error) {
		return struct{}{}, s.send(s.server, s.auth, s.config.From, to, msg)
	})
	return err
}

// SendHTMLEmail sends an HTML email with a plain text fallback part.
func (s *Service) SendHTMLEmail(to []string, replyTo, subject, textBody, htmlBody string) error {
	if !s.IsConfigured() {
		return ErrNotConfigured
	}

	from := s.fromHeader()
	for _, value := range append([]string{replyTo, from}, to...) {
		if strings.ContainsAny(value, "\r\n") {
			return ErrInvalidHeader
		}
	}

	boundary := "boundary-cmdhub"

	var msg bytes.Buffer
	fmt.Fprintf(&msg, "To: %s\r\n", strings.Join(to, ", "))
	fmt.Fprintf(&msg, "From: %s\r\n", from)
	if replyTo != "" {
		fmt.Fprintf(&msg, "Reply-To: %s\r\n", replyTo)
	}
	// Q-encoding turns control characters into =0D/=0A inside a single encoded word.
	fmt.Fprintf(&msg, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", subject))
	fmt.Fprintf(&msg, "MIME-Version: 1.0\r\n")
	fmt.Fprintf(&msg, "Content-Type: multipart/alternative; boundary=\"%s\"\r\n", boundary)
	fmt.Fprintf(&msg, "\r\n")

	fmt.Fprintf(&msg, "--%s\r\n", boundary)
	fmt.Fprintf(&msg, "Content-Type: text/plain; charset=UTF-8\r\n")
	fmt.Fprintf(&msg, "\r\n")
	fmt.Fprintf(&msg, "%s\r\n", textBody)
	fmt.Fprintf(&msg, "\r\n")

	fmt.Fprintf(&msg, "--%s\r\n", boundary)
	fmt.Fprintf(&msg, "Content-Type: text/html; charset=UTF-8\r\n")
	fmt.Fprintf(&msg, "\r\n")
	fmt.Fprintf(&msg, "%s\r\n", htmlBody)
	fmt.Fprintf(&msg, "\r\n")
	fmt.Fprintf(&msg, "--%s--\r\n", boundary)

	return s.deliver(to, msg.Bytes())
}

// FeedbackData is what a visitor submits from the contact form.
type FeedbackData struct {
	AppName string
	Name    string
	Email   string
	Message string
}

// SendFeedback forwards a feedback message to the configured inbox. One attempt, no retry.
func (s *Service) SendFeedback(data FeedbackData) error {
	if !s.CanSendFeedback() {
		return ErrNotConfigured
	}
	if data.AppName == "" {
		data.AppName = "DevCommandHub"
	}

	html, err := renderTemplate(feedbackEmailTemplate, data)
	if err != nil {
		return fmt.Errorf("render feedback template: %w", err)
	}
	text := fmt.Sprintf("From: %s <%s>\r\n\r\n%s", data.Name, data.Email, data.Message)
	subject := fmt.Sprintf("%s feedback from %s", data.AppName, data.Name)

	return s.SendHTMLEmail([]string{s.config.FeedbackTo}, data.Email, subject, text, html)
}

func renderTemplate(tmpl string, data any) (string, error) {
	t, err := template.New("email").Parse(tmpl)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

const feedbackEmailTemplate = `<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <title>{{.AppName}} feedback</title>
    <style>
        body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; line-height: 1.6; color: #333; max-width: 600px; margin: 0 auto; padding: 20px; }
        .header { border-bottom: 2px solid #4f46e5; padding-bottom: 10px; margin-bottom: 20px; }
        .meta { color: #666; font-size: 14px; }
        .message { white-space: pre-wrap; background: #f6f6f9; padding: 12px; border-radius: 4px; }
    </style>
</head>
<body>
    <div class="header">
        <h1>{{.AppName}}</h1>
    </div>

    <p class="meta">New feedback from <strong>{{.Name}}</strong> ({{.Email}})</p>

    <div class="message">{{.Message}}</div>
</body>
</html>`
