package control

import (
	"log/slog"

	"github.com/jholhewres/groupcast/pkg/groupcast/agent"
)

// WhatsmeowClients returns a ClientFactory building whatsmeow clients whose
// device store lives in the tenant profile directory, so session saves carry
// the login.
func WhatsmeowClients(deviceName string, logger *slog.Logger) ClientFactory {
	if logger == nil {
		logger = slog.Default()
	}
	return func(tenant, profileDir string) agent.Client {
		return agent.NewWhatsmeowClient(profileDir, deviceName, logger.With("tenant", tenant))
	}
}
