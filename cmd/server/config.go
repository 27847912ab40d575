package main

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	ServerName string `envconfig:"SERVER_NAME" default:"Rigs of Rods relay"`
	Terrain    string `envconfig:"TERRAIN" default:"any"`
	MaxClients int    `envconfig:"MAX_CLIENTS" default:"16"`
	ListenAddr string `envconfig:"LISTEN_ADDR" required:"true" default:"0.0.0.0:12000"`
	// PublicAddr is advertised to the master server. defaults to ListenAddr.
	PublicAddr string `envconfig:"PUBLIC_ADDR"`

	Password     string `envconfig:"PASSWORD"`
	RconPassword string `envconfig:"RCON_PASSWORD"`

	QueueSoftLimit   int           `envconfig:"QUEUE_SOFT_LIMIT" default:"100"`
	QueueHardLimit   int           `envconfig:"QUEUE_HARD_LIMIT" default:"300"`
	HandshakeTimeout time.Duration `envconfig:"HANDSHAKE_TIMEOUT" default:"10s"`
	ReadTimeout      time.Duration `envconfig:"READ_TIMEOUT" default:"60s"`
	WriteTimeout     time.Duration `envconfig:"WRITE_TIMEOUT" default:"10s"`
	InboundRate      float64       `envconfig:"INBOUND_RATE" default:"200"`
	InboundBurst     int           `envconfig:"INBOUND_BURST" default:"400"`

	SpamMsgCount int           `envconfig:"SPAM_MSG_COUNT" default:"5"`
	SpamInterval time.Duration `envconfig:"SPAM_INTERVAL" default:"10s"`
	SpamGag      time.Duration `envconfig:"SPAM_GAG" default:"30s"`

	MOTDFile            string        `envconfig:"MOTD_FILE"`
	AuthFile            string        `envconfig:"AUTH_FILE"`
	ScriptFile          string        `envconfig:"SCRIPT_FILE"`
	ScriptFrameInterval time.Duration `envconfig:"SCRIPT_FRAME_INTERVAL" default:"200ms"`

	MasterURL           string        `envconfig:"MASTER_URL"`
	MasterRequired      bool          `envconfig:"MASTER_REQUIRED" default:"false"`
	HeartbeatInterval   time.Duration `envconfig:"HEARTBEAT_INTERVAL" default:"1m"`
	MasterProbeNetworks []string      `envconfig:"MASTER_PROBE_NETWORKS"`

	WebAddr string `envconfig:"WEB_ADDR"`

	LogLevel          string        `envconfig:"LOG_LEVEL" default:"info"`
	DeadlockDetection bool          `envconfig:"DEADLOCK_DETECTION" default:"false"`
	DeadlockTimeout   time.Duration `envconfig:"DEADLOCK_TIMEOUT" default:"30s"`
}

var logLevels = map[string]bool{
	"trace": true,
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

func loadConfig() (*Config, error) {
	config := new(Config)
	if err := envconfig.Process("RELAY", config); err != nil {
		return nil, err
	}
	if config.PublicAddr == "" {
		config.PublicAddr = config.ListenAddr
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// Validate reports every problem at once.
func (c *Config) Validate() error {
	var result *multierror.Error

	if strings.TrimSpace(c.ServerName) == "" {
		result = multierror.Append(result, errors.New("SERVER_NAME must not be empty"))
	}
	if strings.TrimSpace(c.Terrain) == "" {
		result = multierror.Append(result, errors.New("TERRAIN must not be empty"))
	}
	if c.MaxClients < 1 {
		result = multierror.Append(result, fmt.Errorf("MAX_CLIENTS must be positive, got %d", c.MaxClients))
	}
	if _, _, err := net.SplitHostPort(c.ListenAddr); err != nil {
		result = multierror.Append(result, fmt.Errorf("invalid LISTEN_ADDR: %w", err))
	}
	if c.QueueSoftLimit < 1 || c.QueueHardLimit < c.QueueSoftLimit {
		result = multierror.Append(result, fmt.Errorf(
			"queue limits must satisfy 0 < QUEUE_SOFT_LIMIT <= QUEUE_HARD_LIMIT, got %d and %d",
			c.QueueSoftLimit, c.QueueHardLimit))
	}
	if c.InboundRate < 0 || c.InboundBurst < 0 {
		result = multierror.Append(result, errors.New("INBOUND_RATE and INBOUND_BURST must not be negative"))
	}
	if c.SpamMsgCount < 0 {
		result = multierror.Append(result, errors.New("SPAM_MSG_COUNT must not be negative"))
	}
	if c.MasterURL != "" {
		if u, err := url.Parse(c.MasterURL); err != nil || u.Scheme == "" || u.Host == "" {
			result = multierror.Append(result, fmt.Errorf("invalid MASTER_URL %q", c.MasterURL))
		}
	}
	if _, err := c.probeNetworks(); err != nil {
		result = multierror.Append(result, err)
	}
	if !logLevels[strings.ToLower(c.LogLevel)] {
		result = multierror.Append(result, fmt.Errorf("unknown LOG_LEVEL %q", c.LogLevel))
	}

	return result.ErrorOrNil()
}

func (c *Config) probeNetworks() ([]*net.IPNet, error) {
	networks := make([]*net.IPNet, 0, len(c.MasterProbeNetworks))
	for _, cidr := range c.MasterProbeNetworks {
		_, network, err := net.ParseCIDR(strings.TrimSpace(cidr))
		if err != nil {
			return nil, fmt.Errorf("invalid MASTER_PROBE_NETWORKS entry: %w", err)
		}
		networks = append(networks, network)
	}
	return networks, nil
}

// readMOTD returns the non-empty lines of path.
func readMOTD(path string) ([]string, error) {
	if path == "" {
		return nil, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("could not open motd: %w", err)
	}
	defer f.Close()

	lines := []string{}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r ")
		if line != "" {
			lines = append(lines, line)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("could not read motd: %w", err)
	}
	return lines, nil
}
