// Package pinpoint implements an SMS Provider over AWS Pinpoint.
package pinpoint

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/pinpoint"
	"github.com/aws/aws-sdk-go-v2/service/pinpoint/types"
	"github.com/civicreport/otpd/internal/providers"
	"github.com/civicreport/otpd/pkg/models"
)

const (
	defaultID   = "sms"
	channelName = "SMS"
	maxBodyLen  = 140
)

// API is the subset of the Pinpoint client used by the provider.
type API interface {
	SendMessages(ctx context.Context, in *pinpoint.SendMessagesInput, opts ...func(*pinpoint.Options)) (*pinpoint.SendMessagesOutput, error)
}

// PinpointSMS implements the AWS PinpointSMS SMS provider.
type PinpointSMS struct {
	cfg Config
	p   API
}

type Config struct {
	// Channel ID clients request OTPs over. Defaults to "sms".
	ID string `json:"id"`

	ApplicationID  string        `json:"application_id"`
	AccessKey      string        `json:"access_key"`
	SecretKey      string        `json:"secret_key"`
	Region         string        `json:"region"`
	SMSSenderID    string        `json:"sms_sender_id"`
	SMSMessageType string        `json:"sms_message_type"`
	SMSEntityID    string        `json:"sms_entity_id"`
	SMSTemplateID  string        `json:"sms_template_id"`
	Timeout        time.Duration `json:"timeout"`
}

// NewSMS returns an instance of the Pinpoint SMS provider.
func NewSMS(cfg Config) (*PinpointSMS, error) {
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

	return NewWithClient(pinpoint.NewFromConfig(cfgAws), cfg)
}

// NewWithClient returns a Pinpoint SMS provider over an existing client.
func NewWithClient(client API, cfg Config) (*PinpointSMS, error) {
	if cfg.ApplicationID == "" {
		return nil, errors.New("invalid application_id")
	}
	if cfg.ID == "" {
		cfg.ID = defaultID
	}
	if cfg.SMSMessageType == "" {
		cfg.SMSMessageType = string(types.MessageTypeTransactional)
	}
	if cfg.Timeout.Seconds() < 1 {
		cfg.Timeout = time.Second * 3
	}

	if cfg.SMSMessageType != string(types.MessageTypeTransactional) && cfg.SMSMessageType != string(types.MessageTypePromotional) {
		return nil, errors.New("invalid SMSMessageType: must be TRANSACTIONAL or PROMOTIONAL")
	}

	return &PinpointSMS{cfg: cfg, p: client}, nil
}

// ID returns the Provider's ID.
func (p *PinpointSMS) ID() string {
	return p.cfg.ID
}

// ChannelName returns the Provider's name.
func (p *PinpointSMS) ChannelName() string {
	return channelName
}

// ValidateAddress checks that to is an E.164 phone number.
func (p *PinpointSMS) ValidateAddress(to string) error {
	return providers.ValidatePhone(to)
}

// Push sends the message as an SMS and checks the per-address delivery result.
func (p *PinpointSMS) Push(ctx context.Context, otp models.OTP, subject string, body []byte) error {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	to := otp.Identifier
	sms := &types.SMSMessage{
		Body:        aws.String(string(body)),
		MessageType: types.MessageType(p.cfg.SMSMessageType),
	}
	if p.cfg.SMSSenderID != "" {
		sms.SenderId = aws.String(p.cfg.SMSSenderID)
	}
	if p.cfg.SMSEntityID != "" {
		sms.EntityId = aws.String(p.cfg.SMSEntityID)
	}
	if p.cfg.SMSTemplateID != "" {
		sms.TemplateId = aws.String(p.cfg.SMSTemplateID)
	}

	out, err := p.p.SendMessages(ctx, &pinpoint.SendMessagesInput{
		ApplicationId: aws.String(p.cfg.ApplicationID),
		MessageRequest: &types.MessageRequest{
			Addresses: map[string]types.AddressConfiguration{
				to: {ChannelType: types.ChannelTypeSms},
			},
			MessageConfiguration: &types.DirectMessageConfiguration{SMSMessage: sms},
		},
	})
	if err != nil {
		return err
	}

	if out.MessageResponse != nil {
		if r, ok := out.MessageResponse.Result[to]; ok && r.DeliveryStatus != types.DeliveryStatusSuccessful {
			return fmt.Errorf("pinpoint delivery status %s: %s", r.DeliveryStatus, aws.ToString(r.StatusMessage))
		}
	}
	return nil
}

// MaxBodyLen returns the max permitted body size.
func (p *PinpointSMS) MaxBodyLen() int {
	return maxBodyLen
}
