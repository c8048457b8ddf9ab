package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"go.mau.fi/whatsmeow"
	waE2E "go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"

	_ "github.com/mattn/go-sqlite3" // SQLite driver for the device store.
)

// DeviceDBName is the device store file inside a tenant profile directory.
const DeviceDBName = "device.db"

// WhatsmeowClient implements Client over a whatsmeow WhatsApp Web session
// whose device store lives in the tenant profile directory.
type WhatsmeowClient struct {
	profileDir string
	deviceName string
	logger     *slog.Logger

	mu      sync.Mutex
	client  *whatsmeow.Client
	db      io.Closer
	handler func(Event)
	ctx     context.Context
	cancel  context.CancelFunc

	opening atomic.Bool
}

// NewWhatsmeowClient creates a client storing its device in profileDir.
func NewWhatsmeowClient(profileDir, deviceName string, logger *slog.Logger) *WhatsmeowClient {
	if deviceName == "" {
		deviceName = "GroupCast"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &WhatsmeowClient{
		profileDir: profileDir,
		deviceName: deviceName,
		logger:     logger.With("component", "whatsmeow"),
	}
}

// Start opens the device store and connects. Without a stored device the QR
// login runs in the background and codes are delivered as challenge events.
func (w *WhatsmeowClient) Start(ctx context.Context, handler func(Event)) error {
	if err := os.MkdirAll(w.profileDir, 0o700); err != nil {
		return fmt.Errorf("creating profile dir: %w", err)
	}

	w.mu.Lock()
	w.handler = handler
	w.ctx, w.cancel = context.WithCancel(context.Background())
	lifetime := w.ctx
	w.mu.Unlock()

	dbPath := filepath.Join(w.profileDir, DeviceDBName)
	container, err := sqlstore.New(ctx, "sqlite3",
		fmt.Sprintf("file:%s?_foreign_keys=1&_journal_mode=WAL", dbPath),
		waLog.Noop)
	if err != nil {
		return fmt.Errorf("creating device store: %w", err)
	}
	w.mu.Lock()
	w.db = container
	w.mu.Unlock()

	device, err := getDevice(ctx, container)
	if err != nil {
		w.closeStore()
		return fmt.Errorf("getting device: %w", err)
	}

	store.SetOSInfo(w.deviceName, [3]uint32{1, 0, 0})

	client := whatsmeow.NewClient(device, waLog.Noop)
	client.AddEventHandler(w.handleEvent)
	client.EnableAutoReconnect = true

	w.mu.Lock()
	w.client = client
	w.mu.Unlock()

	if client.Store.ID == nil {
		w.logger.Info("no stored device, QR login required")
		go func() {
			if err := w.loginWithQR(lifetime, client); err != nil && lifetime.Err() == nil {
				w.logger.Warn("QR login ended", "error", err)
				w.emit(Event{Kind: EventAuthFailed, Reason: err.Error()})
			}
		}()
		return nil
	}

	// Stored credentials count as authenticated; the Connected event that
	// follows Connect marks the session ready.
	w.emit(Event{Kind: EventAuthenticated})
	w.opening.Store(true)
	if err := client.Connect(); err != nil {
		w.opening.Store(false)
		w.closeStore()
		return fmt.Errorf("connecting: %w", err)
	}
	w.logger.Info("connecting with stored device", "jid", client.Store.ID.String())
	return nil
}

func getDevice(ctx context.Context, container *sqlstore.Container) (*store.Device, error) {
	devices, err := container.GetAllDevices(ctx)
	if err != nil {
		return nil, err
	}
	if len(devices) > 0 {
		return devices[0], nil
	}
	return container.NewDevice(), nil
}

func (w *WhatsmeowClient) loginWithQR(ctx context.Context, client *whatsmeow.Client) error {
	qrChan, err := client.GetQRChannel(ctx)
	if err != nil {
		return fmt.Errorf("getting QR channel: %w", err)
	}
	w.opening.Store(true)
	if err := client.Connect(); err != nil {
		w.opening.Store(false)
		return fmt.Errorf("connecting for QR: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-qrChan:
			if !ok {
				return nil
			}
			switch evt.Event {
			case "code":
				w.emit(Event{Kind: EventChallenge, Challenge: evt.Code})
			case "success":
				w.logger.Info("QR login successful")
				return nil
			case "timeout":
				return errors.New("QR code timeout")
			default:
				if evt.Error != nil {
					return fmt.Errorf("QR login error: %w", evt.Error)
				}
			}
		}
	}
}

func (w *WhatsmeowClient) emit(evt Event) {
	w.mu.Lock()
	h := w.handler
	w.mu.Unlock()
	if h != nil {
		h(evt)
	}
}

// handleEvent maps whatsmeow events onto agent events.
func (w *WhatsmeowClient) handleEvent(rawEvt interface{}) {
	switch evt := rawEvt.(type) {
	case *events.PairSuccess:
		w.logger.Info("device paired", "jid", evt.ID, "platform", evt.Platform)
		w.emit(Event{Kind: EventAuthenticated})

	case *events.Connected:
		w.opening.Store(false)
		w.emit(Event{Kind: EventReady})

	case *events.Disconnected:
		w.emit(Event{Kind: EventDisconnected, Reason: "connection_lost"})

	case *events.StreamReplaced:
		w.emit(Event{Kind: EventDisconnected, Reason: "stream_replaced"})

	case *events.KeepAliveTimeout:
		if evt.ErrorCount >= 3 {
			w.emit(Event{Kind: EventDisconnected, Reason: "keepalive_timeout"})
		}

	case *events.LoggedOut:
		w.opening.Store(false)
		w.emit(Event{Kind: EventAuthFailed, Reason: "logged_out: " + evt.Reason.String()})

	case *events.TemporaryBan:
		w.opening.Store(false)
		w.emit(Event{Kind: EventAuthFailed, Reason: "temporary_ban: " + evt.Code.String()})

	case *events.ConnectFailure:
		w.opening.Store(false)
		if permanent := evt.PermanentDisconnectDescription(); permanent != "" {
			w.emit(Event{Kind: EventAuthFailed, Reason: permanent})
			return
		}
		w.emit(Event{Kind: EventDisconnected, Reason: "connect_failure: " + evt.Reason.String()})

	case *events.Message:
		if evt.Info.IsGroup {
			w.emit(Event{Kind: EventGroupActivity, GroupID: evt.Info.Chat.String()})
		}
	}
}

func (w *WhatsmeowClient) current() *whatsmeow.Client {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.client
}

// Connectivity implements Client.
func (w *WhatsmeowClient) Connectivity() Connectivity {
	c := w.current()
	switch {
	case c == nil:
		return ConnDisconnected
	case c.IsConnected() && c.IsLoggedIn():
		return ConnConnected
	case c.Store.ID == nil:
		return ConnUnpaired
	case w.opening.Load():
		return ConnOpening
	default:
		return ConnDisconnected
	}
}

// SendMedia uploads media as an image and posts it with caption.
func (w *WhatsmeowClient) SendMedia(ctx context.Context, groupID string, media Media, caption string) error {
	c := w.current()
	if c == nil || !c.IsConnected() {
		return ErrNotConnected
	}
	jid, err := parseJID(groupID)
	if err != nil {
		return fmt.Errorf("invalid JID: %w", err)
	}

	mimeType := media.MimeType
	if mimeType == "" {
		mimeType = http.DetectContentType(media.Data)
	}

	resp, err := c.Upload(ctx, media.Data, whatsmeow.MediaImage)
	if err != nil {
		return fmt.Errorf("uploading media: %w", err)
	}

	msg := &waE2E.Message{
		ImageMessage: &waE2E.ImageMessage{
			Caption:       proto.String(caption),
			Mimetype:      proto.String(mimeType),
			URL:           proto.String(resp.URL),
			DirectPath:    proto.String(resp.DirectPath),
			MediaKey:      resp.MediaKey,
			FileEncSHA256: resp.FileEncSHA256,
			FileSHA256:    resp.FileSHA256,
			FileLength:    proto.Uint64(resp.FileLength),
		},
	}
	if _, err := c.SendMessage(ctx, jid, msg); err != nil {
		return fmt.Errorf("sending media: %w", err)
	}
	return nil
}

// ChatName implements Client.
func (w *WhatsmeowClient) ChatName(ctx context.Context, groupID string) (string, error) {
	c := w.current()
	if c == nil {
		return "", ErrNotConnected
	}
	jid, err := parseJID(groupID)
	if err != nil {
		return "", err
	}
	info, err := c.GetGroupInfo(ctx, jid)
	if err != nil {
		return "", fmt.Errorf("getting group info: %w", err)
	}
	return info.Name, nil
}

// Unlink logs the device out of the account, invalidating the stored login.
func (w *WhatsmeowClient) Unlink(ctx context.Context) error {
	c := w.current()
	if c == nil || c.Store.ID == nil {
		return nil
	}
	if err := c.Logout(ctx); err != nil {
		return fmt.Errorf("logging out device: %w", err)
	}
	return nil
}

// Destroy disconnects the client and closes the device store. The store
// file is kept on disk.
func (w *WhatsmeowClient) Destroy() {
	w.mu.Lock()
	c := w.client
	cancel := w.cancel
	w.handler = nil
	w.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if c != nil {
		c.Disconnect()
	}
	w.opening.Store(false)
	w.closeStore()
}

// closeStore closes the device store once.
func (w *WhatsmeowClient) closeStore() {
	w.mu.Lock()
	db := w.db
	w.db = nil
	w.mu.Unlock()
	if db == nil {
		return
	}
	if err := db.Close(); err != nil {
		w.logger.Warn("closing device store", "error", err)
	}
}

// parseJID converts a chat id into a JID. Bare numbers are treated as user
// phone numbers.
func parseJID(s string) (types.JID, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return types.JID{}, errors.New("empty JID")
	}
	if strings.Contains(s, "@") {
		return types.ParseJID(s)
	}

	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, s)
	if len(digits) < 10 {
		return types.JID{}, fmt.Errorf("phone number too short: %s", s)
	}
	return types.NewJID(digits, types.DefaultUserServer), nil
}
