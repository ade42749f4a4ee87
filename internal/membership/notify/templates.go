package notify

import (
	"bytes"
	"fmt"
	"html/template"
	"strings"
	texttemplate "text/template"
)

const layoutHTML = `{{define "layout"}}<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>{{.Subject}}</title>
</head>
<body style="font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; margin: 0; padding: 0; background-color: #f5f5f5;">
<table role="presentation" style="width: 100%; border: 0;">
<tr><td style="padding: 40px 0; text-align: center;">
<table role="presentation" style="max-width: 520px; margin: 0 auto; background: #ffffff; border-radius: 8px; box-shadow: 0 1px 3px rgba(0,0,0,0.1);">
<tr><td style="padding: 32px 40px; text-align: left; color: #333; font-size: 15px; line-height: 1.5;">
<h1 style="margin: 0 0 16px; font-size: 22px; color: #1a1a1a;">{{.Subject}}</h1>
{{template "body" .}}
<p style="margin: 24px 0 0; color: #999; font-size: 13px;">{{.SiteName}}</p>
</td></tr>
</table>
</td></tr>
</table>
</body>
</html>{{end}}`

var (
	welcomeHTML = template.Must(template.Must(template.New("welcome").Parse(layoutHTML)).Parse(`{{define "body"}}
<p>Hi {{.Name}},</p>
<p>Welcome to {{.SiteName}}! Your {{.MembershipType}} membership is now active.</p>
{{if .PortalURL}}<p><a href="{{.PortalURL}}" style="color: #2563eb;">Open the member portal</a></p>{{end}}
{{end}}`))

	cancellationHTML = template.Must(template.Must(template.New("cancellation").Parse(layoutHTML)).Parse(`{{define "body"}}
<p>Hi {{.Name}},</p>
<p>Your {{.SiteName}} membership has been canceled. We're sorry to see you go.</p>
{{if .PortalURL}}<p>You can rejoin at any time from the <a href="{{.PortalURL}}" style="color: #2563eb;">member portal</a>.</p>{{end}}
{{end}}`))

	paymentFailedHTML = template.Must(template.Must(template.New("payment_failed").Parse(layoutHTML)).Parse(`{{define "body"}}
<p>Hi {{.Name}},</p>
<p>We couldn't collect your membership payment{{if .Amount}} of {{.Amount}}{{end}} (attempt {{.AttemptCount}}).</p>
{{if .InvoiceURL}}<p><a href="{{.InvoiceURL}}" style="color: #2563eb;">Update your payment details</a></p>{{end}}
<p>If payment keeps failing your membership will be marked past due.</p>
{{end}}`))

	textTemplates = map[Kind]*texttemplate.Template{
		KindWelcome: texttemplate.Must(texttemplate.New("welcome").Parse(
			"Hi {{.Name}},\n\nWelcome to {{.SiteName}}! Your {{.MembershipType}} membership is now active.\n{{if .PortalURL}}\nMember portal: {{.PortalURL}}\n{{end}}")),
		KindCancellation: texttemplate.Must(texttemplate.New("cancellation").Parse(
			"Hi {{.Name}},\n\nYour {{.SiteName}} membership has been canceled.\n{{if .PortalURL}}\nRejoin any time: {{.PortalURL}}\n{{end}}")),
		KindPaymentFailed: texttemplate.Must(texttemplate.New("payment_failed").Parse(
			"Hi {{.Name}},\n\nWe couldn't collect your membership payment{{if .Amount}} of {{.Amount}}{{end}} (attempt {{.AttemptCount}}).\n{{if .InvoiceURL}}\nUpdate your payment details: {{.InvoiceURL}}\n{{end}}")),
	}

	htmlTemplates = map[Kind]*template.Template{
		KindWelcome:       welcomeHTML,
		KindCancellation:  cancellationHTML,
		KindPaymentFailed: paymentFailedHTML,
	}
)

// templateData holds everything the member templates can reference.
type templateData struct {
	Subject        string
	SiteName       string
	PortalURL      string
	Name           string
	MembershipType string
	Amount         string
	AttemptCount   int64
	InvoiceURL     string
}

func render(kind Kind, data templateData) (html, text string, err error) {
	h, ok := htmlTemplates[kind]
	if !ok {
		return "", "", fmt.Errorf("no template for %s", kind)
	}
	var hb bytes.Buffer
	if err := h.ExecuteTemplate(&hb, "layout", data); err != nil {
		return "", "", fmt.Errorf("render %s html: %w", kind, err)
	}
	var tb bytes.Buffer
	if err := textTemplates[kind].Execute(&tb, data); err != nil {
		return "", "", fmt.Errorf("render %s text: %w", kind, err)
	}
	return hb.String(), tb.String(), nil
}

// formatAmount renders minor units ("1500", "usd") as "15.00 USD".
func formatAmount(minor int64, currency string) string {
	if minor <= 0 {
		return ""
	}
	return fmt.Sprintf("%d.%02d %s", minor/100, minor%100, strings.ToUpper(currency))
}
