// Package notifier advertises the relay on a master server. it never pushes
// state on its own, it polls a Provider on every heartbeat.
package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/blukai/rorrelay/internal/protocol"
	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/phuslu/log"
)

const (
	DefaultInterval = time.Minute

	maxHeartbeatFailures = 5
	requestTimeout       = 10 * time.Second
	unregisterTimeout    = 5 * time.Second
)

var (
	ErrNotRegistered = errors.New("not registered")
	ErrRejected      = errors.New("rejected by master server")
)

// Provider is the read-only view of the client table the notifier needs.
type Provider interface {
	HeartbeatData(challenge string) string
	NumClients() int
}

type Config struct {
	URL        string
	Interval   time.Duration
	ServerName string
	Terrain    string
	// PublicAddr is host:port as players should dial it.
	PublicAddr string
	MaxClients int
	Passworded bool
	// Required makes a failed registration, or too many failed heartbeats in
	// a row, fatal. otherwise the relay keeps serving in lan mode.
	Required bool
}

type registerRequest struct {
	InstanceID string `json:"instance_id"`
	Name       string `json:"name"`
	Addr       string `json:"addr"`
	Terrain    string `json:"terrain"`
	MaxClients int    `json:"max_clients"`
	Version    string `json:"version"`
	Passworded bool   `json:"passworded"`
}

type registerResponse struct {
	Challenge string `json:"challenge"`
	Error     string `json:"error,omitempty"`
}

type heartbeatRequest struct {
	NumClients int    `json:"num_clients"`
	Data       string `json:"data"`
}

type Notifier struct {
	cfg      Config
	provider Provider
	client   *http.Client
	logger   *log.Logger

	instanceID string
	challenge  string
}

func NewNotifier(cfg Config, provider Provider, logger *log.Logger) *Notifier {
	// if logger is nil (which might be true in tests) => use default, but
	// silenced logger
	if logger == nil {
		tmp := log.DefaultLogger
		logger = &tmp
		logger.Writer = &log.IOWriter{Writer: io.Discard}
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	cfg.URL = strings.TrimRight(cfg.URL, "/")

	return &Notifier{
		cfg:      cfg,
		provider: provider,
		client:   &http.Client{Timeout: requestTimeout},
		logger:   logger,

		instanceID: uuid.NewString(),
	}
}

func (n *Notifier) InstanceID() string {
	return n.instanceID
}

func (n *Notifier) Challenge() string {
	return n.challenge
}

func (n *Notifier) do(ctx context.Context, method, url string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("could not marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return fmt.Errorf("could not create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("could not %s %s: %w", method, url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%w: %s %s: %s: %s", ErrRejected, method, url, resp.Status, strings.TrimSpace(string(msg)))
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("could not decode response: %w", err)
		}
	}
	return nil
}

// Register announces the relay and remembers the challenge the master server
// hands out.
func (n *Notifier) Register(ctx context.Context) error {
	req := registerRequest{
		InstanceID: n.instanceID,
		Name:       n.cfg.ServerName,
		Addr:       n.cfg.PublicAddr,
		Terrain:    n.cfg.Terrain,
		MaxClients: n.cfg.MaxClients,
		Version:    protocol.Version,
		Passworded: n.cfg.Passworded,
	}

	resp := registerResponse{}
	if err := n.do(ctx, http.MethodPost, n.cfg.URL+"/servers", req, &resp); err != nil {
		return err
	}
	if resp.Error != "" {
		return fmt.Errorf("%w: %s", ErrRejected, resp.Error)
	}
	if resp.Challenge == "" {
		return fmt.Errorf("%w: empty challenge", ErrRejected)
	}

	n.challenge = resp.Challenge
	return nil
}

func (n *Notifier) Heartbeat(ctx context.Context) error {
	if n.challenge == "" {
		return ErrNotRegistered
	}

	req := heartbeatRequest{
		NumClients: n.provider.NumClients(),
		Data:       n.provider.HeartbeatData(n.challenge),
	}
	return n.do(ctx, http.MethodPut, n.cfg.URL+"/servers/"+n.challenge, req, nil)
}

func (n *Notifier) Unregister(ctx context.Context) error {
	if n.challenge == "" {
		return ErrNotRegistered
	}

	err := n.do(ctx, http.MethodDelete, n.cfg.URL+"/servers/"+n.challenge, nil, nil)
	if err != nil {
		return err
	}
	n.challenge = ""
	return nil
}

// Run registers, heartbeats every interval and unregisters once ctx is done.
func (n *Notifier) Run(ctx context.Context) error {
	if err := n.Register(ctx); err != nil {
		if n.cfg.Required {
			return fmt.Errorf("could not register: %w", err)
		}
		n.logger.Warn().
			Msgf("could not register at master server, continuing in lan mode: %v", err)
		<-ctx.Done()
		return nil
	}

	n.logger.Info().
		Str("url", n.cfg.URL).
		Str("instance", n.instanceID).
		Msg("registered at master server")

	var runErr error
	failures := 0

	ticker := time.NewTicker(n.cfg.Interval)
	defer ticker.Stop()

loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case <-ticker.C:
		}

		if err := n.Heartbeat(ctx); err != nil {
			if ctx.Err() != nil {
				break loop
			}
			failures++
			n.logger.Warn().
				Int("failures", failures).
				Msgf("heartbeat failed: %v", err)
			if n.cfg.Required && failures >= maxHeartbeatFailures {
				runErr = fmt.Errorf("heartbeat failed %d times in a row: %w", failures, err)
				break loop
			}
			continue
		}
		failures = 0
	}

	// ctx is likely done here, unregister gets its own budget
	unregisterCtx, cancel := context.WithTimeout(context.Background(), unregisterTimeout)
	defer cancel()

	var result *multierror.Error
	if runErr != nil {
		result = multierror.Append(result, runErr)
	}
	if err := n.Unregister(unregisterCtx); err != nil {
		result = multierror.Append(result, fmt.Errorf("could not unregister: %w", err))
	}
	return result.ErrorOrNil()
}
