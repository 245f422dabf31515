// Package whatsapp implements a Provider that sends OTPs as WhatsApp
// messages from a linked device. The device session is kept in Postgres.
package whatsapp

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/civicreport/otpd/internal/providers"
	"github.com/civicreport/otpd/pkg/models"
	_ "github.com/lib/pq"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"
)

const (
	defaultID   = "whatsapp"
	channelName = "WhatsApp"
	maxBodyLen  = 4096
)

// Sender sends a WhatsApp message. It's satisfied by *whatsmeow.Client.
type Sender interface {
	SendMessage(ctx context.Context, to types.JID, message *waE2E.Message, extra ...whatsmeow.SendRequestExtra) (whatsmeow.SendResponse, error)
}

// Config contains the WhatsApp provider configuration.
type Config struct {
	// Channel ID clients request OTPs over. Defaults to "whatsapp".
	ID string `json:"id"`

	// Postgres DSN of the device session store.
	DSN      string `json:"dsn"`
	LogLevel string `json:"log_level"`

	Timeout time.Duration `json:"timeout"`
}

// WhatsApp is a WhatsApp messaging provider.
type WhatsApp struct {
	cfg    Config
	sender Sender
	client *whatsmeow.Client
	db     *sql.DB
}

// New opens the session store, connects the first linked device and returns
// a WhatsApp provider. If no device has been linked yet, pairing QR codes are
// logged until one is scanned.
func New(cfg Config) (*WhatsApp, error) {
	if cfg.DSN == "" {
		return nil, errors.New("invalid dsn")
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "INFO"
	}

	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("error connecting to whatsapp session db: %v", err)
	}

	container := sqlstore.NewWithDB(db, "postgres", waLog.Stdout("WhatsApp DB", cfg.LogLevel, true))
	if err := container.Upgrade(); err != nil {
		db.Close()
		return nil, fmt.Errorf("error upgrading whatsapp session db: %v", err)
	}

	device, err := container.GetFirstDevice()
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("error getting whatsapp device: %v", err)
	}

	var (
		lo     = waLog.Stdout("WhatsApp", cfg.LogLevel, true)
		client = whatsmeow.NewClient(device, lo)
	)

	// Not linked yet. Print QR codes to scan.
	if client.Store.ID == nil {
		ch, err := client.GetQRChannel(context.Background())
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("error getting whatsapp QR channel: %v", err)
		}
		go func() {
			for evt := range ch {
				if evt.Event == "code" {
					lo.Infof("scan to link device: %s", evt.Code)
				} else {
					lo.Infof("login event: %s", evt.Event)
				}
			}
		}()
	}

	if err := client.Connect(); err != nil {
		db.Close()
		return nil, fmt.Errorf("error connecting to whatsapp: %v", err)
	}

	w := NewWithSender(client, cfg)
	w.client = client
	w.db = db
	return w, nil
}

// NewWithSender returns a provider over an existing Sender.
func NewWithSender(s Sender, cfg Config) *WhatsApp {
	if cfg.ID == "" {
		cfg.ID = defaultID
	}
	if cfg.Timeout.Seconds() < 1 {
		cfg.Timeout = time.Second * 10
	}

	return &WhatsApp{cfg: cfg, sender: s}
}

// ID returns the Provider's ID.
func (w *WhatsApp) ID() string {
	return w.cfg.ID
}

// ChannelName returns the Provider's name.
func (w *WhatsApp) ChannelName() string {
	return channelName
}

// ValidateAddress checks that to is an E.164 phone number.
func (w *WhatsApp) ValidateAddress(to string) error {
	return providers.ValidatePhone(to)
}

// Push sends the message body as a text message to the phone number's
// WhatsApp account.
func (w *WhatsApp) Push(ctx context.Context, otp models.OTP, subject string, body []byte) error {
	ctx, cancel := context.WithTimeout(ctx, w.cfg.Timeout)
	defer cancel()

	if _, err := w.sender.SendMessage(ctx, toJID(otp.Identifier), &waE2E.Message{
		Conversation: proto.String(string(body)),
	}); err != nil {
		return err
	}
	return nil
}

// MaxBodyLen returns the max permitted body size.
func (w *WhatsApp) MaxBodyLen() int {
	return maxBodyLen
}

// Close disconnects the client and closes the session store.
func (w *WhatsApp) Close() {
	if w.client != nil {
		w.client.Disconnect()
	}
	if w.db != nil {
		w.db.Close()
	}
}

// toJID maps an E.164 number to its WhatsApp user JID.
func toJID(phone string) types.JID {
	return types.NewJID(strings.TrimPrefix(phone, "+"), types.DefaultUserServer)
}
