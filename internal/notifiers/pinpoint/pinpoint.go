// Package pinpoint is an e-mail Notifier that sends OTP messages through
// the AWS Pinpoint e-mail channel.
package pinpoint

import (
	"context"
	"errors"
	"fmt"
	"net/mail"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/pinpoint"
	"github.com/aws/aws-sdk-go-v2/service/pinpoint/types"
	"github.com/lmsapi/otpverify/pkg/models"
)

const (
	notifierID = "pinpoint"
	charset    = "UTF-8"
)

// Config contains the Pinpoint application and credentials.
type Config struct {
	ApplicationID string `json:"application_id"`
	AccessKey     string `json:"access_key"`
	SecretKey     string `json:"secret_key"`
	Region        string `json:"region"`
}

// API is the subset of the Pinpoint client used by the notifier.
type API interface {
	SendMessages(ctx context.Context, in *pinpoint.SendMessagesInput, opts ...func(*pinpoint.Options)) (*pinpoint.SendMessagesOutput, error)
}

// Pinpoint implements the AWS Pinpoint e-mail notifier.
type Pinpoint struct {
	cfg Config
	p   API
}

// New returns a Pinpoint e-mail notifier.
func New(cfg Config) (*Pinpoint, error) {
	if cfg.ApplicationID == "" {
		return nil, errors.New("invalid application_id")
	}
	if cfg.Region == "" {
		return nil, errors.New("invalid region")
	}
	if cfg.AccessKey == "" {
		return nil, errors.New("invalid access_key")
	}
	if cfg.SecretKey == "" {
		return nil, errors.New("invalid secret_key")
	}

	cfgAws, err := config.LoadDefaultConfig(context.TODO(),
		config.WithRegion(cfg.Region),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")),
	)
	if err != nil {
		return nil, err
	}

	return &Pinpoint{cfg: cfg, p: pinpoint.NewFromConfig(cfgAws)}, nil
}

// ID returns the notifier's ID.
func (p *Pinpoint) ID() string {
	return notifierID
}

// ValidateAddress checks that the recipient is a bare e-mail address.
func (p *Pinpoint) ValidateAddress(to string) error {
	a, err := mail.ParseAddress(to)
	if err != nil || a.Address != to {
		return errors.New("invalid e-mail address")
	}
	return nil
}

// Push sends the message to a single e-mail address.
func (p *Pinpoint) Push(ctx context.Context, m models.Message) error {
	out, err := p.p.SendMessages(ctx, &pinpoint.SendMessagesInput{
		ApplicationId: aws.String(p.cfg.ApplicationID),
		MessageRequest: &types.MessageRequest{
			Addresses: map[string]types.AddressConfiguration{
				m.To: {
					ChannelType: types.ChannelTypeEmail,
				},
			},
			MessageConfiguration: &types.DirectMessageConfiguration{
				EmailMessage: &types.EmailMessage{
					FromAddress: aws.String(m.From),
					SimpleEmail: &types.SimpleEmail{
						Subject:  part(m.Subject),
						TextPart: part(string(m.Text)),
						HtmlPart: part(string(m.HTML)),
					},
				},
			},
		},
	})
	if err != nil {
		return err
	}

	// Delivery failures are reported per address.
	if out.MessageResponse != nil {
		if r, ok := out.MessageResponse.Result[m.To]; ok && r.DeliveryStatus != types.DeliveryStatusSuccessful {
			return fmt.Errorf("pinpoint delivery failed: %s (%s)", r.DeliveryStatus, aws.ToString(r.StatusMessage))
		}
	}

	return nil
}

// Close is a no-op.
func (p *Pinpoint) Close() error {
	return nil
}

func part(s string) *types.SimpleEmailPart {
	return &types.SimpleEmailPart{
		Charset: aws.String(charset),
		Data:    aws.String(s),
	}
}
