package sns

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/civicreport/otpd/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAPI struct {
	in  *sns.PublishInput
	err error
}

func (f *fakeAPI) Publish(_ context.Context, in *sns.PublishInput, _ ...func(*sns.Options)) (*sns.PublishOutput, error) {
	f.in = in
	if f.err != nil {
		return nil, f.err
	}
	return &sns.PublishOutput{MessageId: aws.String("msg-1")}, nil
}

func TestPush(t *testing.T) {
	api := &fakeAPI{}
	s, err := NewWithClient(api, Config{SenderID: "CIVIC"})
	require.NoError(t, err)
	assert.Equal(t, "sms", s.ID())
	assert.Equal(t, "SMS", s.ChannelName())

	o := models.OTP{Identifier: "+14155550100", Code: "123456"}
	require.NoError(t, s.Push(context.Background(), o, "", []byte("Your code is 123456")))

	assert.Equal(t, "+14155550100", aws.ToString(api.in.PhoneNumber))
	assert.Equal(t, "Your code is 123456", aws.ToString(api.in.Message))
	assert.Equal(t, "Transactional", aws.ToString(api.in.MessageAttributes["AWS.SNS.SMS.SMSType"].StringValue))
	assert.Equal(t, "CIVIC", aws.ToString(api.in.MessageAttributes["AWS.SNS.SMS.SenderID"].StringValue))

	api.err = errors.New("throttled")
	assert.ErrorIs(t, s.Push(context.Background(), o, "", []byte("x")), api.err)
}

func TestValidateAddress(t *testing.T) {
	s, err := NewWithClient(&fakeAPI{}, Config{})
	require.NoError(t, err)

	assert.NoError(t, s.ValidateAddress("+14155550100"))
	assert.Error(t, s.ValidateAddress("user@example.com"))
	assert.Error(t, s.ValidateAddress("4155550100"))

	_, err = NewWithClient(&fakeAPI{}, Config{SMSType: "Bulk"})
	assert.Error(t, err)
}
