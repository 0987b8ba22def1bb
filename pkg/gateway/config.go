package gateway

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds the façade's tunables. CameraID and the upstream
// collaborators are always required; everything else defaults the way
// spec §4.4 prescribes.
type Config struct {
	Port            int           `envconfig:"STREAM_GATEWAY_PORT" default:"8080"`
	BindHost        string        `envconfig:"STREAM_GATEWAY_BIND_HOST" default:"0.0.0.0"`
	MaxConnections  int           `envconfig:"STREAM_GATEWAY_MAX_CONNECTIONS" default:"10"`
	IdleTimeout     time.Duration `envconfig:"STREAM_GATEWAY_IDLE_TIMEOUT" default:"30s"`
	StartRetryCount uint          `envconfig:"STREAM_GATEWAY_START_RETRY_COUNT" default:"3"`
	StartRetryDelay time.Duration `envconfig:"STREAM_GATEWAY_START_RETRY_DELAY" default:"5s"`
	PostStartGrace  time.Duration `envconfig:"STREAM_GATEWAY_POST_START_GRACE" default:"30s"`
	CameraID        string        `envconfig:"STREAM_GATEWAY_CAMERA_ID" required:"true"`
}

// LoadConfig reads Config from the environment with envconfig, matching
// the LoadXConfig() (XConfig, error) shape used throughout the wider
// pack's config package.
func LoadConfig() (Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return Config{}, fmt.Errorf("gateway: load config: %w", err)
	}
	return cfg, nil
}

// withDefaults fills in any zero-valued tunable not set by the caller
// when constructing a Server directly (bypassing LoadConfig), so
// NewServer(Config{CameraID: "..."}, ...) is a valid minimal call. Port
// is deliberately left alone: 0 is a meaningful value here, requesting
// an OS-assigned ephemeral port, not an unset field.
func (c Config) withDefaults() Config {
	if c.BindHost == "" {
		c.BindHost = "0.0.0.0"
	}
	if c.MaxConnections == 0 {
		c.MaxConnections = 10
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = 30 * time.Second
	}
	if c.StartRetryCount == 0 {
		c.StartRetryCount = 3
	}
	if c.StartRetryDelay == 0 {
		c.StartRetryDelay = 5 * time.Second
	}
	if c.PostStartGrace == 0 {
		c.PostStartGrace = 30 * time.Second
	}
	return c
}
