package notification

import (
	"bytes"
	"context"
	"html/template"
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"gopkg.in/gomail.v2"
)

const (
	offerSubject   = "Credential Offer"
	pendingSubject = "Pending Credential"
	signedSubject  = "Credential Ready"
)

var offerTemplate = template.Must(template.New("offer").Parse(`<html>
<body>
  <p>Hello {{.Name}},</p>
  <p>{{.Organization}} has issued you a credential. Activate it with your wallet:</p>
  <p><a href="{{.Link}}">Activate credential</a></p>
  {{if .WalletURL}}<p>Wallet: <a href="{{.WalletURL}}">{{.WalletURL}}</a></p>{{end}}
  {{if .KnowledgebaseURL}}<p>Need help? <a href="{{.KnowledgebaseURL}}">{{.KnowledgebaseURL}}</a></p>{{end}}
</body>
</html>`))

var pendingTemplate = template.Must(template.New("pending").Parse(`<html>
<body>
  <p>A credential is waiting for your signature.</p>
  <p>Please sign in to the issuer portal to complete the issuance.</p>
</body>
</html>`))

var signedTemplate = template.Must(template.New("signed").Parse(`<html>
<body>
  <p>Hello {{.Name}},</p>
  <p>Your credential has been signed and is ready to use.</p>
</body>
</html>`))

// sender abstracts gomail's dialer for tests.
type sender interface {
	DialAndSend(m ...*gomail.Message) error
}

// SMTPDispatcher renders html templates and sends them over SMTP.
type SMTPDispatcher struct {
	dialer sender
	from   string
}

func NewSMTPDispatcher(host string, port int, username, password, from string) (*SMTPDispatcher, error) {
	if host == "" {
		return nil, errors.New("smtp host is required")
	}
	if from == "" {
		return nil, errors.New("from address is required")
	}
	return &SMTPDispatcher{
		dialer: gomail.NewDialer(host, port, username, password),
		from:   from,
	}, nil
}

func (d *SMTPDispatcher) SendCredentialOffer(_ context.Context, offer CredentialOffer) error {
	var body bytes.Buffer
	if err := offerTemplate.Execute(&body, offer); err != nil {
		return errors.Wrap(err, "rendering offer email")
	}
	return d.send(offer.To, offerSubject, body.String())
}

func (d *SMTPDispatcher) SendPendingCredentialNotification(_ context.Context, to string) error {
	var body bytes.Buffer
	if err := pendingTemplate.Execute(&body, nil); err != nil {
		return errors.Wrap(err, "rendering pending email")
	}
	return d.send(to, pendingSubject, body.String())
}

func (d *SMTPDispatcher) SendCredentialSignedNotification(_ context.Context, to, name string) error {
	var body bytes.Buffer
	data := struct{ Name string }{Name: strings.ReplaceAll(name, `"`, "")}
	if err := signedTemplate.Execute(&body, data); err != nil {
		return errors.Wrap(err, "rendering signed email")
	}
	return d.send(to, signedSubject, body.String())
}

func (d *SMTPDispatcher) send(to, subject, htmlBody string) error {
	message := gomail.NewMessage()
	message.SetHeader("From", d.from)
	message.SetHeader("To", to)
	message.SetHeader("Subject", subject)
	message.SetBody("text/html", htmlBody)

	if err := d.dialer.DialAndSend(message); err != nil {
		logrus.WithError(err).Errorf("sending %q email", subject)
		return errors.Wrapf(err, "sending %q email", subject)
	}
	return nil
}
