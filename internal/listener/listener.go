// Package listener accepts TCP connections and walks each one through the
// handshake before handing it to the client table.
package listener

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/blukai/rorrelay/internal/messaging"
	"github.com/blukai/rorrelay/internal/protocol"
	"github.com/blukai/rorrelay/internal/sequencer"
	"github.com/blukai/rorrelay/internal/userauth"
	"github.com/phuslu/log"
)

const (
	DefaultHandshakeTimeout = 10 * time.Second
	resolveTimeout          = 5 * time.Second
	rejectTimeout           = time.Second
)

var (
	ErrUnexpectedMessage = errors.New("unexpected message")
	ErrWrongVersion      = errors.New("protocol version mismatch")
	ErrWrongPassword     = errors.New("wrong password")
	ErrInvalidNickname   = errors.New("invalid nickname")
	ErrBannedUser        = errors.New("user is banned")

	errMasterProbe = errors.New("master server probe")
)

// Registry is the part of the client table the listener needs.
type Registry interface {
	CreateClient(conn net.Conn, identity sequencer.Identity) (int32, error)
}

type Config struct {
	Terrain string
	// PasswordHash is the hex sha1 of the server password. empty means the
	// server is public.
	PasswordHash     string
	HandshakeTimeout time.Duration
	// MasterProbeNetworks restricts which peers may use the master server
	// probe. empty trusts every peer.
	MasterProbeNetworks []*net.IPNet
}

type Listener struct {
	ln       net.Listener
	codec    *messaging.Codec
	registry Registry
	resolver userauth.Resolver
	cfg      Config

	logger *log.Logger
}

func NewListener(
	network, address string,
	cfg Config,
	traffic *messaging.Traffic,
	registry Registry,
	resolver userauth.Resolver,
	logger *log.Logger,
) (*Listener, error) {
	ln, err := net.Listen(network, address)
	if err != nil {
		return nil, fmt.Errorf("could not listen tcp: %w", err)
	}

	// if logger is nil (which might be true in tests) => use default, but
	// silenced logger
	if logger == nil {
		tmp := log.DefaultLogger
		logger = &tmp
		logger.Writer = &log.IOWriter{Writer: io.Discard}
	}
	if resolver == nil {
		resolver = userauth.Nop{}
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = DefaultHandshakeTimeout
	}

	l := &Listener{
		ln: ln,
		// the handshake runs under one connection-wide deadline, so the
		// codec does not set per-frame ones.
		codec:    messaging.NewCodec(traffic, 0, 0),
		registry: registry,
		resolver: resolver,
		cfg:      cfg,

		logger: logger,
	}

	return l, nil
}

// Addr can be useful to retrieve listener's address when it was constructed
// with ":0".
func (l *Listener) Addr() net.Addr {
	return l.ln.Addr()
}

// Run accepts connections until ctx is done. every handshake runs on its own
// goroutine so a stalled peer never holds up other accepts.
func (l *Listener) Run(ctx context.Context) error {
	wg := &sync.WaitGroup{}

	wg.Add(1)
	go func() {
		defer wg.Done()
		<-ctx.Done()
		l.ln.Close()
	}()

	var runErr error
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			runErr = fmt.Errorf("could not accept: %w", err)
			break
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			l.handle(ctx, conn)
		}()
	}

	if runErr != nil {
		l.ln.Close()
	}
	wg.Wait()
	return runErr
}

func (l *Listener) handle(ctx context.Context, conn net.Conn) {
	addr := conn.RemoteAddr().String()

	uid, err := l.handshake(ctx, conn)
	if err == nil {
		l.logger.Info().
			Str("addr", addr).
			Int32("uid", uid).
			Msg("handshake complete")
		return
	}

	conn.Close()

	switch {
	case errors.Is(err, errMasterProbe):
		l.logger.Debug().Str("addr", addr).Msg("master server probe")
	case errors.Is(err, ErrWrongPassword),
		errors.Is(err, ErrWrongVersion),
		errors.Is(err, ErrBannedUser),
		errors.Is(err, sequencer.ErrBanned),
		errors.Is(err, sequencer.ErrDuplicateNick),
		errors.Is(err, sequencer.ErrServerFull):
		l.logger.Warn().Str("addr", addr).Msgf("rejected: %v", err)
	default:
		l.logger.Info().Str("addr", addr).Msgf("handshake failed: %v", err)
	}
}

func (l *Listener) reply(conn net.Conn, msgType protocol.MessageType, text string) error {
	return l.codec.Send(conn, msgType, protocol.ServerSource, 0, []byte(text))
}

func (l *Listener) reject(conn net.Conn, msgType protocol.MessageType, text string, err error) error {
	_ = conn.SetWriteDeadline(time.Now().Add(rejectTimeout))
	if sendErr := l.reply(conn, msgType, text); sendErr != nil {
		l.logger.Debug().Msgf("could not send %s: %v", msgType, sendErr)
	}
	return err
}

func (l *Listener) trustedProbe(conn net.Conn) bool {
	if len(l.cfg.MasterProbeNetworks) == 0 {
		return true
	}

	addr, ok := conn.RemoteAddr().(*net.TCPAddr)
	if !ok {
		return false
	}
	for _, network := range l.cfg.MasterProbeNetworks {
		if network.Contains(addr.IP) {
			return true
		}
	}
	return false
}

// handshake walks one connection through hello, version, credentials and
// password checks and registers it. on error the caller closes conn.
func (l *Listener) handshake(ctx context.Context, conn net.Conn) (int32, error) {
	if err := conn.SetDeadline(time.Now().Add(l.cfg.HandshakeTimeout)); err != nil {
		return 0, fmt.Errorf("could not set deadline: %w", err)
	}

	hello, err := l.codec.Receive(conn, protocol.MaxHandshakePayloadSize)
	if err != nil {
		return 0, fmt.Errorf("could not receive hello: %w", err)
	}
	if hello.Type != protocol.MsgHello {
		return 0, fmt.Errorf("%w: %s instead of %s", ErrUnexpectedMessage, hello.Type, protocol.MsgHello)
	}

	if err := l.reply(conn, protocol.MsgVersion, protocol.Version); err != nil {
		return 0, err
	}
	if err := l.reply(conn, protocol.MsgTerrainResponse, l.cfg.Terrain); err != nil {
		return 0, err
	}

	clientVersion := protocol.Text(hello.Payload)
	if hello.Source == protocol.MasterServerSource && clientVersion == protocol.MasterServerTag {
		if l.trustedProbe(conn) {
			return 0, errMasterProbe
		}
		l.logger.Warn().
			Str("addr", conn.RemoteAddr().String()).
			Msg("master server probe from untrusted address")
	}

	if clientVersion != protocol.Version {
		return 0, l.reject(conn, protocol.MsgWrongVersion, protocol.Version,
			fmt.Errorf("%w: client speaks %q", ErrWrongVersion, clientVersion))
	}

	msg, err := l.codec.Receive(conn, protocol.MaxHandshakePayloadSize)
	if err != nil {
		return 0, fmt.Errorf("could not receive credentials: %w", err)
	}
	if msg.Type != protocol.MsgUserCredentials {
		return 0, fmt.Errorf("%w: %s instead of %s", ErrUnexpectedMessage, msg.Type, protocol.MsgUserCredentials)
	}

	creds := protocol.UserCredentials{}
	if err := creds.UnmarshalBinary(msg.Payload); err != nil {
		return 0, fmt.Errorf("could not unmarshal credentials: %w", err)
	}

	identity, err := l.resolveIdentity(ctx, creds)
	if err != nil {
		return 0, l.reject(conn, protocol.MsgBanned, err.Error(), err)
	}

	if l.cfg.PasswordHash != "" {
		supplied := strings.ToLower(creds.Password)
		expected := strings.ToLower(l.cfg.PasswordHash)
		if subtle.ConstantTimeCompare([]byte(supplied), []byte(expected)) != 1 {
			return 0, l.reject(conn, protocol.MsgWrongPassword, "", ErrWrongPassword)
		}
	}

	// from here on the receiver and broadcaster manage timeouts
	if err := conn.SetDeadline(time.Time{}); err != nil {
		return 0, fmt.Errorf("could not clear deadline: %w", err)
	}

	uid, err := l.registry.CreateClient(conn, identity)
	switch {
	case err == nil:
		return uid, nil
	case errors.Is(err, sequencer.ErrDuplicateNick):
		return 0, l.reject(conn, protocol.MsgBanned, "nickname already in use", err)
	case errors.Is(err, sequencer.ErrBanned):
		return 0, l.reject(conn, protocol.MsgBanned, "you are banned", err)
	default:
		return 0, l.reject(conn, protocol.MsgFull, "", err)
	}
}

func (l *Listener) resolveIdentity(ctx context.Context, creds protocol.UserCredentials) (sequencer.Identity, error) {
	identity := sequencer.Identity{
		Nickname: strings.TrimSpace(creds.Username),
		UniqueID: creds.UniqueID,
		Auth:     protocol.AuthNone,
	}

	ctx, cancel := context.WithTimeout(ctx, resolveTimeout)
	defer cancel()

	flags, nickname, err := l.resolver.Resolve(ctx, creds.UniqueID)
	if err != nil {
		if !errors.Is(err, userauth.ErrUnknownToken) {
			l.logger.Warn().Msgf("could not resolve auth, continuing without: %v", err)
		}
	} else {
		identity.Auth = flags
		if nickname != "" {
			identity.Nickname = nickname
		}
	}

	if identity.Auth.Has(protocol.AuthBanned) {
		return identity, ErrBannedUser
	}
	if identity.Nickname == "" {
		return identity, ErrInvalidNickname
	}
	return identity, nil
}
