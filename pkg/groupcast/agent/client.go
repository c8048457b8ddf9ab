package agent

import (
	"context"
	"errors"
)

// ErrNotConnected is returned when a send is attempted on an agent whose
// client is not connected.
var ErrNotConnected = errors.New("agent: client not connected")

// Connectivity is the live connection state reported by a client.
type Connectivity string

const (
	ConnConnected    Connectivity = "CONNECTED"
	ConnOpening      Connectivity = "OPENING"
	ConnUnpaired     Connectivity = "UNPAIRED"
	ConnDisconnected Connectivity = "DISCONNECTED"
)

// Media is an attachment sent with a caption.
type Media struct {
	Data     []byte
	MimeType string
	FileName string
}

// Client is the messaging client driven by an agent. Implementations report
// lifecycle changes through the handler passed to Start.
type Client interface {
	// Start connects the client. Login may continue in the background after
	// Start returns.
	Start(ctx context.Context, handler func(Event)) error

	// Connectivity reports the live connection state.
	Connectivity() Connectivity

	// SendMedia posts media with a caption to a group chat.
	SendMedia(ctx context.Context, groupID string, media Media, caption string) error

	// ChatName resolves the display name of a group chat.
	ChatName(ctx context.Context, groupID string) (string, error)

	// Destroy releases the client. The stored login is kept.
	Destroy()
}

// Unlinker is implemented by clients able to unlink their device from the
// account.
type Unlinker interface {
	Unlink(ctx context.Context) error
}

// Sessions persists the client profile of a tenant.
type Sessions interface {
	Save(ctx context.Context, tenant string) bool
	ForceSave(ctx context.Context, tenant string) bool
}
