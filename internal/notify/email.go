package notify

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"net/smtp"
	"strings"

	"github.com/coldstack/tapebackarr/internal/config"
)

// EmailNotifier sends events as an HTML email over SMTP, grounded on the
// teacher's EmailService (same TLS-vs-plain SendMail split and HTML
// templating), generalized to the Event type.
type EmailNotifier struct {
	cfg config.EmailConfig
}

func NewEmailNotifier(cfg config.EmailConfig) *EmailNotifier {
	if cfg.SMTPPort == 0 {
		cfg.SMTPPort = 587
	}
	if cfg.FromName == "" {
		cfg.FromName = "tapebackarr"
	}
	return &EmailNotifier{cfg: cfg}
}

func (e *EmailNotifier) enabled() bool {
	return e.cfg.Enabled && e.cfg.SMTPHost != "" && e.cfg.ToEmails != ""
}

func (e *EmailNotifier) Send(ctx context.Context, event Event) error {
	if !e.enabled() {
		return nil
	}
	subject := fmt.Sprintf("[tapebackarr] %s %s", emojiFor(event.Kind), event.TaskName)
	body := e.formatBody(event)
	return e.sendEmail(subject, body)
}

func (e *EmailNotifier) formatBody(event Event) string {
	var buf bytes.Buffer
	buf.WriteString("<html><body>")
	fmt.Fprintf(&buf, "<h2>%s: %s</h2>", escapeHTML(string(event.Kind)), escapeHTML(event.TaskName))
	fmt.Fprintf(&buf, "<p>%s</p>", escapeHTML(event.Message))
	if len(event.Details) > 0 {
		buf.WriteString("<table>")
		for k, v := range event.Details {
			fmt.Fprintf(&buf, "<tr><td><b>%s</b></td><td>%v</td></tr>", escapeHTML(k), v)
		}
		buf.WriteString("</table>")
	}
	fmt.Fprintf(&buf, "<p><small>Sent at %s</small></p>", event.Timestamp.Format("2006-01-02 15:04:05 MST"))
	buf.WriteString("</body></html>")
	return buf.String()
}

func escapeHTML(s string) string {
	replacer := strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;", "\"", "&quot;", "'", "&#39;")
	return replacer.Replace(s)
}

func (e *EmailNotifier) sendEmail(subject, body string) error {
	recipients := strings.Split(e.cfg.ToEmails, ",")
	for i, r := range recipients {
		recipients[i] = strings.TrimSpace(r)
	}

	from := e.cfg.FromEmail
	if e.cfg.FromName != "" {
		from = fmt.Sprintf("%s <%s>", e.cfg.FromName, e.cfg.FromEmail)
	}

	var msg bytes.Buffer
	fmt.Fprintf(&msg, "From: %s\r\n", from)
	fmt.Fprintf(&msg, "To: %s\r\n", strings.Join(recipients, ", "))
	fmt.Fprintf(&msg, "Subject: %s\r\n", subject)
	msg.WriteString("MIME-Version: 1.0\r\n")
	msg.WriteString("Content-Type: text/html; charset=UTF-8\r\n\r\n")
	msg.WriteString(body)

	addr := fmt.Sprintf("%s:%d", e.cfg.SMTPHost, e.cfg.SMTPPort)

	var auth smtp.Auth
	if e.cfg.Username != "" && e.cfg.Password != "" {
		auth = smtp.PlainAuth("", e.cfg.Username, e.cfg.Password, e.cfg.SMTPHost)
	}

	if e.cfg.UseTLS {
		return e.sendEmailTLS(addr, auth, e.cfg.FromEmail, recipients, msg.Bytes())
	}
	return smtp.SendMail(addr, auth, e.cfg.FromEmail, recipients, msg.Bytes())
}

func (e *EmailNotifier) sendEmailTLS(addr string, auth smtp.Auth, from string, to []string, msg []byte) error {
	tlsConfig := &tls.Config{ServerName: e.cfg.SMTPHost, InsecureSkipVerify: e.cfg.SkipVerify}

	conn, err := tls.Dial("tcp", addr, tlsConfig)
	if err != nil {
		return fmt.Errorf("connect to SMTP server: %w", err)
	}
	defer conn.Close()

	client, err := smtp.NewClient(conn, e.cfg.SMTPHost)
	if err != nil {
		return fmt.Errorf("create SMTP client: %w", err)
	}
	defer client.Close()

	if auth != nil {
		if err := client.Auth(auth); err != nil {
			return fmt.Errorf("SMTP authentication failed: %w", err)
		}
	}
	if err := client.Mail(from); err != nil {
		return fmt.Errorf("MAIL FROM failed: %w", err)
	}
	for _, rcpt := range to {
		if err := client.Rcpt(rcpt); err != nil {
			return fmt.Errorf("RCPT TO %s failed: %w", rcpt, err)
		}
	}
	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("DATA failed: %w", err)
	}
	if _, err := w.Write(msg); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	return client.Quit()
}
