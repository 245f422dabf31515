// Package sns implements an SMS Provider over AWS SNS direct publishing.
package sns

import (
	"context"
	"errors"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"
	"github.com/civicreport/otpd/internal/providers"
	"github.com/civicreport/otpd/pkg/models"
)

const (
	defaultID   = "sms"
	channelName = "SMS"
	maxBodyLen  = 140
)

// API is the subset of the SNS client used by the provider.
type API interface {
	Publish(ctx context.Context, in *sns.PublishInput, opts ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// Config contains the SNS provider configuration.
type Config struct {
	// Channel ID clients request OTPs over. Defaults to "sms".
	ID string `json:"id"`

	Region    string `json:"region"`
	AccessKey string `json:"access_key"`
	SecretKey string `json:"secret_key"`

	SenderID string        `json:"sender_id"`
	SMSType  string        `json:"sms_type"`
	Timeout  time.Duration `json:"timeout"`
}

// SNS sends OTPs as SMS messages published to phone numbers.
type SNS struct {
	cfg    Config
	client API
}

// New loads the AWS config and returns an SNS provider. Without an access
// key, the default AWS credential chain is used.
func New(cfg Config) (*SNS, error) {
	if cfg.Region == "" {
		return nil, errors.New("invalid region")
	}

	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), opts...)
	if err != nil {
		return nil, err
	}

	return NewWithClient(sns.NewFromConfig(awsCfg), cfg)
}

// NewWithClient returns an SNS provider over an existing client.
func NewWithClient(client API, cfg Config) (*SNS, error) {
	if cfg.ID == "" {
		cfg.ID = defaultID
	}
	switch cfg.SMSType {
	case "":
		cfg.SMSType = "Transactional"
	case "Transactional", "Promotional":
	default:
		return nil, errors.New("invalid sms_type: must be Transactional or Promotional")
	}
	if cfg.Timeout.Seconds() < 1 {
		cfg.Timeout = time.Second * 3
	}

	return &SNS{cfg: cfg, client: client}, nil
}

// ID returns the Provider's ID.
func (s *SNS) ID() string {
	return s.cfg.ID
}

// ChannelName returns the Provider's name.
func (s *SNS) ChannelName() string {
	return channelName
}

// ValidateAddress checks that to is an E.164 phone number.
func (s *SNS) ValidateAddress(to string) error {
	return providers.ValidatePhone(to)
}

// Push publishes the message to the phone number.
func (s *SNS) Push(ctx context.Context, otp models.OTP, subject string, body []byte) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	attr := map[string]types.MessageAttributeValue{
		"AWS.SNS.SMS.SMSType": {
			DataType:    aws.String("String"),
			StringValue: aws.String(s.cfg.SMSType),
		},
	}
	if s.cfg.SenderID != "" {
		attr["AWS.SNS.SMS.SenderID"] = types.MessageAttributeValue{
			DataType:    aws.String("String"),
			StringValue: aws.String(s.cfg.SenderID),
		}
	}

	_, err := s.client.Publish(ctx, &sns.PublishInput{
		PhoneNumber:       aws.String(otp.Identifier),
		Message:           aws.String(string(body)),
		MessageAttributes: attr,
	})
	return err
}

// MaxBodyLen returns the max permitted body size.
func (s *SNS) MaxBodyLen() int {
	return maxBodyLen
}
