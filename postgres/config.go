package postgres

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// SSL negotiation modes. "prefer" attempts TLS and falls back to plain
// when the server declines; "require" fails instead.
const (
	SSLDisable = "disable"
	SSLPrefer  = "prefer"
	SSLRequire = "require"
)

// Config tells the engine how to connect to the source database and which
// replication slot to stream from.
type Config struct {
	Host            string
	Port            uint16
	User            string
	Password        string
	Database        string
	ApplicationName string
	SSLMode         string

	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration

	// StatusInterval is how often the engine sends standby status updates
	// while streaming, independent of server-requested replies.
	StatusInterval time.Duration
	// InactivityTimeout bounds the silence the engine tolerates while
	// streaming before declaring the session dead. Any inbound frame,
	// keepalives included, resets it.
	InactivityTimeout time.Duration

	SlotName string
	// DisableSlotCreation suppresses automatic CREATE_REPLICATION_SLOT when
	// the configured slot does not exist yet. By default a missing slot is
	// created.
	DisableSlotCreation bool
	SlotTemporary       bool
	// StartLSN is the resume position in "X/X" form. "0/0" streams from
	// the slot's confirmed position.
	StartLSN string

	// SourceID is an opaque identifier stamped onto every emitted event.
	SourceID string
}

// Validate checks that the configuration possesses all required properties.
func (c *Config) Validate() error {
	var requiredProperties = [][]string{
		{"host", c.Host},
		{"user", c.User},
		{"database", c.Database},
		{"slot_name", c.SlotName},
	}
	for _, req := range requiredProperties {
		if req[1] == "" {
			return fmt.Errorf("missing '%s'", req[0])
		}
	}
	switch c.SSLMode {
	case "", SSLDisable, SSLPrefer, SSLRequire:
	default:
		return fmt.Errorf("invalid sslmode %q", c.SSLMode)
	}
	if c.StartLSN != "" {
		if _, err := ParseLSN(c.StartLSN); err != nil {
			return err
		}
	}
	return nil
}

// SetDefaults fills unset fields from the standard libpq environment
// variables and then from hardcoded defaults. Explicit configuration
// supersedes the environment; the environment supersedes defaults.
func (c *Config) SetDefaults() {
	var env = func(field *string, name string) {
		if *field == "" {
			*field = os.Getenv(name)
		}
	}
	env(&c.Host, "PGHOST")
	env(&c.User, "PGUSER")
	env(&c.Password, "PGPASSWORD")
	env(&c.Database, "PGDATABASE")
	env(&c.ApplicationName, "PGAPPNAME")
	env(&c.SSLMode, "PGSSLMODE")
	if c.Port == 0 {
		if v, err := strconv.ParseUint(os.Getenv("PGPORT"), 10, 16); err == nil {
			c.Port = uint16(v)
		}
	}
	if c.ConnectTimeout == 0 {
		// PGCONNECT_TIMEOUT is specified in seconds, per libpq.
		if v, err := strconv.Atoi(os.Getenv("PGCONNECT_TIMEOUT")); err == nil && v > 0 {
			c.ConnectTimeout = time.Duration(v) * time.Second
		}
	}

	if c.Port == 0 {
		c.Port = 5432
	}
	if c.ApplicationName == "" {
		c.ApplicationName = "changestream"
	}
	if c.SSLMode == "" {
		c.SSLMode = SSLPrefer
	}
	if c.StatusInterval == 0 {
		c.StatusInterval = 10 * time.Second
	}
	if c.InactivityTimeout == 0 {
		c.InactivityTimeout = 60 * time.Second
	}
	if c.StartLSN == "" {
		c.StartLSN = "0/0"
	}
}

func (c *Config) address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
