package whatsapp

import (
	"context"
	"errors"
	"testing"

	"github.com/civicreport/otpd/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
)

type fakeSender struct {
	to  types.JID
	msg *waE2E.Message
	err error
}

func (f *fakeSender) SendMessage(_ context.Context, to types.JID, msg *waE2E.Message, _ ...whatsmeow.SendRequestExtra) (whatsmeow.SendResponse, error) {
	f.to = to
	f.msg = msg
	return whatsmeow.SendResponse{}, f.err
}

func TestPush(t *testing.T) {
	var (
		s = &fakeSender{}
		w = NewWithSender(s, Config{})
		o = models.OTP{Identifier: "+6281234567890", Code: "123456"}
	)
	assert.Equal(t, "whatsapp", w.ID())

	require.NoError(t, w.Push(context.Background(), o, "", []byte("Your code is 123456")))
	assert.Equal(t, "6281234567890", s.to.User)
	assert.Equal(t, types.DefaultUserServer, s.to.Server)
	assert.Equal(t, "Your code is 123456", s.msg.GetConversation())

	s.err = errors.New("not connected")
	assert.ErrorIs(t, w.Push(context.Background(), o, "", []byte("x")), s.err)
}

func TestValidateAddress(t *testing.T) {
	w := NewWithSender(&fakeSender{}, Config{})
	assert.NoError(t, w.ValidateAddress("+6281234567890"))
	assert.Error(t, w.ValidateAddress("081234567890"))
	assert.Error(t, w.ValidateAddress("user@example.com"))

	assert.Equal(t, "6281234567890", toJID("+6281234567890").User)

	_, err := New(Config{})
	assert.Error(t, err)
}
