// Package notify tells the user a try-on has finished.
package notify

import (
	"context"
	"fmt"

	"github.com/raushankrgupta/fitly-tryon/logger"
	"github.com/raushankrgupta/fitly-tryon/models"
	"github.com/sendgrid/rest"
	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"
)

// Notifier is fire-and-forget from the caller's point of view.
type Notifier interface {
	JobFinished(ctx context.Context, job models.TryOnJob) error
}

type Noop struct{}

func (Noop) JobFinished(context.Context, models.TryOnJob) error { return nil }

type mailSender interface {
	SendWithContext(ctx context.Context, email *mail.SGMailV3) (*rest.Response, error)
}

// SendGridNotifier emails the session owner when a job ends.
type SendGridNotifier struct {
	client  mailSender
	from    *mail.Email
	toName  string
	toEmail string
	log     *logger.Logger
}

func NewSendGridNotifier(apiKey, fromEmail, toName, toEmail string, log *logger.Logger) (*SendGridNotifier, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("SENDGRID_API_KEY is not set")
	}
	if toEmail == "" {
		return nil, fmt.Errorf("recipient email is required")
	}
	return &SendGridNotifier{
		client:  sendgrid.NewSendClient(apiKey),
		from:    mail.NewEmail("Fitly App", fromEmail),
		toName:  toName,
		toEmail: toEmail,
		log:     logger.OrNop(log).With("component", "sendgrid_notifier"),
	}, nil
}

func (n *SendGridNotifier) JobFinished(ctx context.Context, job models.TryOnJob) error {
	subject, text, html := render(job)
	message := mail.NewSingleEmail(n.from, subject, mail.NewEmail(n.toName, n.toEmail), text, html)

	response, err := n.client.SendWithContext(ctx, message)
	if err != nil {
		return fmt.Errorf("send email to %s: %w", n.toEmail, err)
	}
	if response.StatusCode >= 400 {
		return fmt.Errorf("failed to send email, status code: %d, body: %s", response.StatusCode, response.Body)
	}
	n.log.Debug("job notification sent", "job_id", job.ID, "status_code", response.StatusCode)
	return nil
}

func render(job models.TryOnJob) (subject, text, html string) {
	if job.Status == models.JobCompleted {
		subject = "Your try-on is ready"
		text = fmt.Sprintf("Your virtual try-on is ready: %s", job.ResultImageURL)
		html = fmt.Sprintf(`<p>Your virtual try-on is ready.</p><p><a href="%s"><img src="%s" alt="try-on result" width="320"></a></p>`,
			job.ResultImageURL, job.ResultImageURL)
		return
	}
	subject = "Your try-on could not be generated"
	text = fmt.Sprintf("We could not generate your try-on: %s. You have not been charged.", job.ErrorMessage)
	html = fmt.Sprintf("<p>We could not generate your try-on: %s.</p><p>You have not been charged.</p>", job.ErrorMessage)
	return
}
