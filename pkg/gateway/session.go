// Copyright 2024-2026 Aiku AI

package gateway

import (
	"context"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"
)

// OpenSessionStore opens (creating if needed) the whatsmeow credential
// store backing the device session. The storage format is owned entirely by
// whatsmeow; this service never touches its tables directly.
func OpenSessionStore(ctx context.Context, path string, log zerolog.Logger) (*sqlstore.Container, error) {
	dsn := fmt.Sprintf("file:%s?_foreign_keys=on", path)
	dbLog := waLog.Zerolog(log.With().Str("component", "session_db").Logger())
	container, err := sqlstore.New(ctx, "sqlite3", dsn, dbLog)
	if err != nil {
		return nil, fmt.Errorf("open session store: %w", err)
	}
	return container, nil
}

// NewSessionFactory returns the production session constructor used by the
// connection manager: one device loaded from the container per session.
func NewSessionFactory(container *sqlstore.Container, log zerolog.Logger) func(ctx context.Context) (session, error) {
	clientLog := waLog.Zerolog(log.With().Str("component", "whatsmeow").Logger())
	return func(ctx context.Context) (session, error) {
		device, err := container.GetFirstDevice(ctx)
		if err != nil {
			return nil, fmt.Errorf("load device: %w", err)
		}
		client := whatsmeow.NewClient(device, clientLog)
		// The reconnection policy lives in the connection manager.
		client.EnableAutoReconnect = false
		return &whatsmeowSession{client: client, container: container}, nil
	}
}

// whatsmeowSession adapts a whatsmeow.Client to the session seam.
type whatsmeowSession struct {
	client    *whatsmeow.Client
	container *sqlstore.Container
}

func (s *whatsmeowSession) Connect() error {
	return s.client.Connect()
}

func (s *whatsmeowSession) Disconnect() {
	s.client.Disconnect()
}

func (s *whatsmeowSession) Logout(ctx context.Context) error {
	return s.client.Logout(ctx)
}

func (s *whatsmeowSession) IsConnected() bool {
	return s.client.IsConnected()
}

func (s *whatsmeowSession) IsLoggedIn() bool {
	return s.client.Store.ID != nil
}

func (s *whatsmeowSession) AddEventHandler(fn func(evt any)) {
	s.client.AddEventHandler(fn)
}

func (s *whatsmeowSession) QRChannel(ctx context.Context) (<-chan whatsmeow.QRChannelItem, error) {
	return s.client.GetQRChannel(ctx)
}

func (s *whatsmeowSession) PairedUser() *DeviceUser {
	id := s.client.Store.ID
	if id == nil {
		return nil
	}
	name := s.client.Store.PushName
	if name == "" {
		name = id.User
	}
	return &DeviceUser{ID: id.String(), Name: name, Phone: id.User}
}

func (s *whatsmeowSession) SendText(ctx context.Context, to types.JID, text string) (string, error) {
	resp, err := s.client.SendMessage(ctx, to, &waE2E.Message{
		Conversation: proto.String(text),
	})
	if err != nil {
		return "", err
	}
	return string(resp.ID), nil
}

func (s *whatsmeowSession) GroupInfo(ctx context.Context, jid types.JID) (*types.GroupInfo, error) {
	return s.client.GetGroupInfo(ctx, jid)
}

func (s *whatsmeowSession) PNStore() pnStore {
	return s.client.Store.LIDs
}

// WipeCredentials deletes every stored device so the next session starts
// unpaired.
func (s *whatsmeowSession) WipeCredentials(ctx context.Context) error {
	devices, err := s.container.GetAllDevices(ctx)
	if err != nil {
		return fmt.Errorf("list devices: %w", err)
	}
	for _, device := range devices {
		if err := s.container.DeleteDevice(ctx, device); err != nil {
			return fmt.Errorf("delete device: %w", err)
		}
	}
	return nil
}
