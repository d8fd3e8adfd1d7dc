package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/jsonc"
	"golang.org/x/crypto/bcrypt"
	"gopkg.in/yaml.v3"

	"github.com/crystal-mush/gochatter/pkg/session"
)

// DuplicatePolicy decides what happens when an identity logs in while
// another session already controls it.
type DuplicatePolicy string

const (
	EvictOld  DuplicatePolicy = "evict_old"  // the old session is closed
	RejectNew DuplicatePolicy = "reject_new" // the new login is refused
)

// Duration is a time.Duration that reads "90s" or "2m" from config files.
type Duration time.Duration

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(b)))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d Duration) D() time.Duration { return time.Duration(d) }

// Config holds server configuration.
// Supports YAML (.yaml/.yml) and JSON with comments (.json/.jsonc).
type Config struct {
	// --- Identity ---
	MudName string `yaml:"mud_name" json:"mud_name"`
	Host    string `yaml:"host" json:"host"`
	Port    int    `yaml:"port" json:"port"`

	// --- Admission ---
	MaxSessions    int             `yaml:"max_sessions" json:"max_sessions"`
	DuplicateLogin DuplicatePolicy `yaml:"duplicate_login" json:"duplicate_login"`

	// --- Session timing ---
	NegotiationTimeout Duration `yaml:"negotiation_timeout" json:"negotiation_timeout"`
	AuthTimeout        Duration `yaml:"auth_timeout" json:"auth_timeout"`
	MaxAuthRetries     int      `yaml:"max_auth_retries" json:"max_auth_retries"`
	FlushTimeout       Duration `yaml:"flush_timeout" json:"flush_timeout"`
	OutboundQueue      int      `yaml:"outbound_queue" json:"outbound_queue"`
	Keepalive          Duration `yaml:"keepalive" json:"keepalive"`       // 0 disables
	IdleTimeout        Duration `yaml:"idle_timeout" json:"idle_timeout"` // 0 disables

	// --- World ---
	BoltPath     string `yaml:"bolt_path" json:"bolt_path"`   // empty keeps everything in memory
	WorldSeed    string `yaml:"world_seed" json:"world_seed"` // room graph used when the store is empty
	StartRoom    string `yaml:"start_room" json:"start_room"`
	RoomCapacity int    `yaml:"room_capacity" json:"room_capacity"` // 0 = unlimited
	TextDir      string `yaml:"text_dir" json:"text_dir"`
	PasswordCost int    `yaml:"password_cost" json:"password_cost"` // bcrypt cost, 0 = library default

	// --- Operations ---
	MetricsAddr      string   `yaml:"metrics_addr" json:"metrics_addr"`
	ShutdownGrace    Duration `yaml:"shutdown_grace" json:"shutdown_grace"`
	SnapshotInterval Duration `yaml:"snapshot_interval" json:"snapshot_interval"` // 0 disables autosave
	PersistTimeout   Duration `yaml:"persist_timeout" json:"persist_timeout"`
	PersistAttempts  int      `yaml:"persist_attempts" json:"persist_attempts"`
}

// DefaultConfig returns a Config with every value filled in.
func DefaultConfig() Config {
	sc := session.DefaultConfig()
	return Config{
		MudName:            "GoChatter",
		Port:               4201,
		MaxSessions:        256,
		DuplicateLogin:     EvictOld,
		NegotiationTimeout: Duration(sc.NegotiationTimeout),
		AuthTimeout:        Duration(sc.AuthTimeout),
		MaxAuthRetries:     sc.MaxAuthRetries,
		FlushTimeout:       Duration(sc.FlushTimeout),
		OutboundQueue:      sc.OutboundQueue,
		Keepalive:          Duration(sc.Keepalive),
		IdleTimeout:        Duration(time.Hour),
		ShutdownGrace:      Duration(10 * time.Second),
		SnapshotInterval:   Duration(10 * time.Minute),
		PersistTimeout:     Duration(sc.PersistTimeout),
		PersistAttempts:    4,
	}
}

// LoadConfig reads a config file on top of the defaults. The format is
// chosen by extension.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("server: reading config: %w", err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &cfg)
	case ".json", ".jsonc":
		err = json.Unmarshal(jsonc.ToJSON(data), &cfg)
	default:
		return cfg, fmt.Errorf("server: config %s: unknown format %q", path, filepath.Ext(path))
	}
	if err != nil {
		return cfg, fmt.Errorf("server: parsing config %s: %w", path, err)
	}
	return cfg, cfg.Validate()
}

// Validate rejects values the server cannot run with.
func (c Config) Validate() error {
	var errs []error
	if c.Port < 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", c.Port))
	}
	if c.MaxSessions < 1 {
		errs = append(errs, fmt.Errorf("max_sessions must be at least 1"))
	}
	switch c.DuplicateLogin {
	case EvictOld, RejectNew:
	default:
		errs = append(errs, fmt.Errorf("duplicate_login must be %q or %q, not %q", EvictOld, RejectNew, c.DuplicateLogin))
	}
	if c.NegotiationTimeout <= 0 || c.AuthTimeout <= 0 || c.FlushTimeout <= 0 || c.PersistTimeout <= 0 {
		errs = append(errs, fmt.Errorf("negotiation, auth, flush and persist timeouts must be positive"))
	}
	if c.Keepalive < 0 || c.IdleTimeout < 0 || c.SnapshotInterval < 0 || c.ShutdownGrace < 0 {
		errs = append(errs, fmt.Errorf("durations must not be negative"))
	}
	if c.MaxAuthRetries < 1 {
		errs = append(errs, fmt.Errorf("max_auth_retries must be at least 1"))
	}
	if c.OutboundQueue < 1 {
		errs = append(errs, fmt.Errorf("outbound_queue must be at least 1"))
	}
	if c.PersistAttempts < 1 {
		errs = append(errs, fmt.Errorf("persist_attempts must be at least 1"))
	}
	if c.PasswordCost != 0 && (c.PasswordCost < bcrypt.MinCost || c.PasswordCost > bcrypt.MaxCost) {
		errs = append(errs, fmt.Errorf("password_cost must be 0 or between %d and %d", bcrypt.MinCost, bcrypt.MaxCost))
	}
	if c.RoomCapacity < 0 {
		errs = append(errs, fmt.Errorf("room_capacity must not be negative"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("server: invalid config: %w", err)
	}
	return nil
}

// Addr is the listen address.
func (c Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Session returns the per-session limits.
func (c Config) Session(startRoom string) session.Config {
	return session.Config{
		NegotiationTimeout: c.NegotiationTimeout.D(),
		AuthTimeout:        c.AuthTimeout.D(),
		MaxAuthRetries:     c.MaxAuthRetries,
		FlushTimeout:       c.FlushTimeout.D(),
		OutboundQueue:      c.OutboundQueue,
		Keepalive:          c.Keepalive.D(),
		IdleTimeout:        c.IdleTimeout.D(),
		PersistTimeout:     c.PersistTimeout.D(),
		StartRoom:          startRoom,
	}
}
