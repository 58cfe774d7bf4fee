package mysql

import (
	"fmt"
	"time"
)

// Config tells the engine how to connect to the source server and where
// to resume in its binary log.
type Config struct {
	Host     string
	Port     uint16
	User     string
	Password string
	Database string

	// ServerID identifies this client in the replication topology. It is
	// required and must be unique among all replicas and binlog clients
	// attached to the same primary.
	ServerID uint32

	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration

	// HeartbeatPeriod asks the server to emit heartbeat events on an idle
	// binlog at this interval.
	HeartbeatPeriod time.Duration
	// InactivityTimeout bounds the silence tolerated while streaming. Any
	// inbound event, heartbeats included, resets it.
	InactivityTimeout time.Duration

	// StartFile/StartPos resume the binlog dump at a known position. When
	// StartFile is empty the engine starts from the server's current
	// position (SHOW MASTER STATUS).
	StartFile string
	StartPos  uint32

	// SourceID is an opaque identifier stamped onto every emitted event.
	SourceID string
}

// Validate checks that the configuration possesses all required properties.
func (c *Config) Validate() error {
	var requiredProperties = [][]string{
		{"host", c.Host},
		{"user", c.User},
	}
	for _, req := range requiredProperties {
		if req[1] == "" {
			return fmt.Errorf("missing '%s'", req[0])
		}
	}
	if c.ServerID == 0 {
		return fmt.Errorf("missing 'server_id' (must be non-zero and unique in the replication topology)")
	}
	return nil
}

// SetDefaults fills in the default values for unset optional parameters.
func (c *Config) SetDefaults() {
	if c.Port == 0 {
		c.Port = 3306
	}
	if c.HeartbeatPeriod == 0 {
		c.HeartbeatPeriod = 30 * time.Second
	}
	if c.InactivityTimeout == 0 {
		c.InactivityTimeout = 60 * time.Second
	}
}

func (c *Config) address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
