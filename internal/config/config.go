package config

import (
	"log"

	"github.com/kelseyhightower/envconfig"
)

type Settings struct {
	// MasterKey is the 64-character hex master encryption key for the
	// credential vault. Validated at startup; the process refuses to serve
	// any vault operation without a valid key.
	MasterKey string `envconfig:"MASTER_KEY" default:""`

	// HostKeyPath is where the orchestrator's own SSH host identity key
	// lives. Empty means a fresh ephemeral key on every start.
	HostKeyPath string `envconfig:"HOST_KEY_PATH" default:""`

	DatabasePath string `envconfig:"DATABASE_PATH" default:"/app/data/anchorage.db"`
	LogPath      string `envconfig:"LOG_PATH" default:"/app/data/anchorage.log"`
	ListenAddr   string `envconfig:"LISTEN_ADDR" default:":8000"`

	// Session defaults, overridable per connection.
	CaptureInterval    string `envconfig:"CAPTURE_INTERVAL" default:"30s"`
	IdleSweepInterval  string `envconfig:"IDLE_SWEEP_INTERVAL" default:"1m"`
	AuditRetentionDays int    `envconfig:"AUDIT_RETENTION_DAYS" default:"90"`
	AuditQueueSize     int    `envconfig:"AUDIT_QUEUE_SIZE" default:"256"`

	// AttachTokenTTL bounds how long a websocket attach token stays valid.
	AttachTokenTTL string `envconfig:"ATTACH_TOKEN_TTL" default:"60s"`
}

var Cfg Settings

func Load() {
	if err := envconfig.Process("ANCHORAGE", &Cfg); err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
}
