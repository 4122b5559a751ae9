// Package notify tells operators about finished workflow runs.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"html"
	"log"
	"strings"

	"github.com/nadmax/creatorq/internal/task"
	"github.com/sendgrid/rest"
	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"
)

type Notifier interface {
	Notify(ctx context.Context, t *task.Task) error
}

// Sender is the part of the SendGrid client the notifier uses.
type Sender interface {
	Send(email *mail.SGMailV3) (*rest.Response, error)
}

type EmailNotifier struct {
	sender       Sender
	from         *mail.Email
	to           string
	failuresOnly bool
}

func NewEmailNotifier(apiKey, fromName, fromAddress, to string, failuresOnly bool) *EmailNotifier {
	return NewEmailNotifierWithSender(sendgrid.NewSendClient(apiKey), fromName, fromAddress, to, failuresOnly)
}

func NewEmailNotifierWithSender(sender Sender, fromName, fromAddress, to string, failuresOnly bool) *EmailNotifier {
	return &EmailNotifier{
		sender:       sender,
		from:         mail.NewEmail(fromName, fromAddress),
		to:           to,
		failuresOnly: failuresOnly,
	}
}

// Notify mails a summary of a terminal task. Non-terminal tasks and, when
// configured, successful ones are ignored.
func (n *EmailNotifier) Notify(ctx context.Context, t *task.Task) error {
	if !t.Status.IsTerminal() {
		return nil
	}
	if n.failuresOnly && t.Status != task.StatusFailed {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	subject, body := BuildMessage(t)
	email := mail.NewSingleEmail(n.from, subject, mail.NewEmail("", n.to), body, "<pre>"+html.EscapeString(body)+"</pre>")

	response, err := n.sender.Send(email)
	if err != nil {
		return fmt.Errorf("failed to send email: %w", err)
	}
	if response.StatusCode >= 400 {
		return fmt.Errorf("sendgrid error: status %d", response.StatusCode)
	}

	log.Printf("[Task %s] Notification sent to %s (status: %d)", t.ID, n.to, response.StatusCode)
	return nil
}

// BuildMessage renders the subject and plain text body describing t.
func BuildMessage(t *task.Task) (string, string) {
	subject := fmt.Sprintf("[creatorq] %s task %s %s", t.Workflow, t.ID, t.Status)

	var b strings.Builder
	fmt.Fprintf(&b, "Workflow: %s\n", t.Workflow)
	fmt.Fprintf(&b, "Task: %s\n", t.ID)
	fmt.Fprintf(&b, "Status: %s\n", t.Status)
	if t.Cached {
		b.WriteString("Served from cache: yes\n")
	}
	if d := t.Duration(); d > 0 {
		fmt.Fprintf(&b, "Duration: %s\n", d)
	}
	if len(t.Stages) > 0 {
		fmt.Fprintf(&b, "Stages: %s\n", strings.Join(t.Stages, " -> "))
	}

	if t.Error != nil {
		fmt.Fprintf(&b, "\nError (%s): %s\n", t.Error.Kind, t.Error.Message)
	}
	if t.Result != nil {
		result, err := json.MarshalIndent(t.Result, "", "  ")
		if err != nil {
			fmt.Fprintf(&b, "\nResult could not be encoded: %v\n", err)
		} else {
			fmt.Fprintf(&b, "\nResult:\n%s\n", result)
		}
	}

	return subject, b.String()
}
