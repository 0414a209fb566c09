/**
 * @description
 * Email delivery for transfer notifications. Messages are rendered from the
 * templates below and sent through the Resend API.
 *
 * @dependencies
 * - pkg/resendclient: transactional email delivery.
 * - github.com/rs/zerolog (via pkg/log): structured logging.
 */
package notify

import (
	"bytes"
	"context"
	"fmt"
	htmltemplate "html/template"
	"strings"
	texttemplate "text/template"
	"time"

	"github.com/omoke1/Flowpay-sub000/internal/domain"
	applog "github.com/omoke1/Flowpay-sub000/pkg/log"
	"github.com/omoke1/Flowpay-sub000/pkg/resendclient"
)

// EmailSender is satisfied by *resendclient.Client.
type EmailSender interface {
	Send(ctx context.Context, email resendclient.Email) (*resendclient.SendResponse, error)
}

// EmailNotifier sends transfer notifications by email.
type EmailNotifier struct {
	sender EmailSender
	from   string
}

func NewEmailNotifier(sender EmailSender, from string) *EmailNotifier {
	return &EmailNotifier{sender: sender, from: strings.TrimSpace(from)}
}

type message struct {
	subject string
	text    string
	html    string
}

const claimNoticeText = `You have been sent {{.Amount}} {{.Token}} on FlowPay.
{{if .Note}}
Note from the sender: {{.Note}}
{{end}}
Claim your funds: {{.ClaimLink}}

This link expires on {{.ExpiresAt}}. Anyone with the link can claim, so keep it private.
`

const claimNoticeHTML = `<p>You have been sent <strong>{{.Amount}} {{.Token}}</strong> on FlowPay.</p>
{{if .Note}}<p>Note from the sender: {{.Note}}</p>{{end}}
<p><a href="{{.ClaimLink}}">Claim your funds</a></p>
<p>This link expires on {{.ExpiresAt}}. Anyone with the link can claim, so keep it private.</p>
`

const confirmationText = `Your transfer of {{.Amount}} {{.Token}} was claimed on {{.ClaimedAt}}.
{{if .Fiat}}The recipient chose a bank payout; settlement is in progress.{{else}}The funds were released to the recipient's wallet.{{end}}
`

const confirmationHTML = `<p>Your transfer of <strong>{{.Amount}} {{.Token}}</strong> was claimed on {{.ClaimedAt}}.</p>
<p>{{if .Fiat}}The recipient chose a bank payout; settlement is in progress.{{else}}The funds were released to the recipient's wallet.{{end}}</p>
`

const reminderText = `You still have {{.Amount}} {{.Token}} waiting on FlowPay.

Claim before {{.ExpiresAt}}: {{.ClaimLink}}

After that the funds return to the sender.
`

const reminderHTML = `<p>You still have <strong>{{.Amount}} {{.Token}}</strong> waiting on FlowPay.</p>
<p><a href="{{.ClaimLink}}">Claim before {{.ExpiresAt}}</a>. After that the funds return to the sender.</p>
`

var (
	claimNoticeTextTmpl  = texttemplate.Must(texttemplate.New("claim_notice").Parse(claimNoticeText))
	claimNoticeHTMLTmpl  = htmltemplate.Must(htmltemplate.New("claim_notice").Parse(claimNoticeHTML))
	confirmationTextTmpl = texttemplate.Must(texttemplate.New("claim_confirmation").Parse(confirmationText))
	confirmationHTMLTmpl = htmltemplate.Must(htmltemplate.New("claim_confirmation").Parse(confirmationHTML))
	reminderTextTmpl     = texttemplate.Must(texttemplate.New("expiry_reminder").Parse(reminderText))
	reminderHTMLTmpl     = htmltemplate.Must(htmltemplate.New("expiry_reminder").Parse(reminderHTML))
)

func formatTime(t time.Time) string {
	return t.UTC().Format("Jan 2, 2006 15:04 MST")
}

func (n *EmailNotifier) SendClaimNotice(ctx context.Context, notice domain.ClaimNotice) error {
	data := map[string]any{
		"Amount":    notice.Amount.String(),
		"Token":     string(notice.Token),
		"Note":      stringValue(notice.Note),
		"ClaimLink": notice.ClaimLink,
		"ExpiresAt": formatTime(notice.ExpiresAt),
	}
	msg, err := render(fmt.Sprintf("You've been sent %s %s", notice.Amount.String(), notice.Token), claimNoticeTextTmpl, claimNoticeHTMLTmpl, data)
	if err != nil {
		return err
	}
	return n.send(ctx, "claim_notice", notice.RecipientEmail, msg)
}

// SendClaimConfirmation is a no-op when the sender left no email address.
func (n *EmailNotifier) SendClaimConfirmation(ctx context.Context, confirmation domain.ClaimConfirmation) error {
	if confirmation.SenderEmail == nil || strings.TrimSpace(*confirmation.SenderEmail) == "" {
		applog.Notify.Debug().Str("transfer_id", confirmation.TransferID.String()).Msg("no sender email; skipping claim confirmation")
		return nil
	}
	data := map[string]any{
		"Amount":    confirmation.Amount.String(),
		"Token":     string(confirmation.Token),
		"ClaimedAt": formatTime(confirmation.ClaimedAt),
		"Fiat":      confirmation.PayoutMethod == domain.PayoutFiat,
	}
	msg, err := render("Your FlowPay transfer was claimed", confirmationTextTmpl, confirmationHTMLTmpl, data)
	if err != nil {
		return err
	}
	return n.send(ctx, "claim_confirmation", *confirmation.SenderEmail, msg)
}

func (n *EmailNotifier) SendExpiryReminder(ctx context.Context, reminder domain.ExpiryReminder) error {
	data := map[string]any{
		"Amount":    reminder.Amount.String(),
		"Token":     string(reminder.Token),
		"ClaimLink": reminder.ClaimLink,
		"ExpiresAt": formatTime(reminder.ExpiresAt),
	}
	msg, err := render("Your FlowPay transfer expires soon", reminderTextTmpl, reminderHTMLTmpl, data)
	if err != nil {
		return err
	}
	return n.send(ctx, "expiry_reminder", reminder.RecipientEmail, msg)
}

func (n *EmailNotifier) send(ctx context.Context, kind, to string, msg message) error {
	resp, err := n.sender.Send(ctx, resendclient.Email{
		From:    n.from,
		To:      []string{to},
		Subject: msg.subject,
		Text:    msg.text,
		HTML:    msg.html,
	})
	if err != nil {
		return fmt.Errorf("failed to send %s email: %w", kind, err)
	}
	emailID := ""
	if resp != nil {
		emailID = resp.ID
	}
	applog.Notify.Info().Str("kind", kind).Str("email_id", emailID).Msg("email sent")
	return nil
}

func render(subject string, text *texttemplate.Template, html *htmltemplate.Template, data any) (message, error) {
	var textBuf, htmlBuf bytes.Buffer
	if err := text.Execute(&textBuf, data); err != nil {
		return message{}, fmt.Errorf("failed to render %s text: %w", text.Name(), err)
	}
	if err := html.Execute(&htmlBuf, data); err != nil {
		return message{}, fmt.Errorf("failed to render %s html: %w", html.Name(), err)
	}
	return message{subject: subject, text: textBuf.String(), html: htmlBuf.String()}, nil
}

func stringValue(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}
