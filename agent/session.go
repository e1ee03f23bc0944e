package agent

import (
	"time"

	"github.com/google/uuid"

	"github.com/jaewooli/connwatch/config"
)

// Session is the agent's identity towards the collector. Registered flips to
// true once and is never reset.
type Session struct {
	ServerURL       string
	Token           string
	DeviceName      string
	RefreshInterval time.Duration

	Registered bool
	DeviceID   string
	RunID      string
}

func NewSession(cfg config.Config) *Session {
	return &Session{
		ServerURL:       cfg.ServerURL,
		Token:           cfg.Token,
		DeviceName:      cfg.DeviceName,
		RefreshInterval: cfg.RefreshInterval(),
		RunID:           uuid.NewString(),
	}
}
