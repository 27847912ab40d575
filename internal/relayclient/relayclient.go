// Package relayclient speaks the relay protocol from the client side. it is
// used by the remote console tool and by end-to-end tests.
package relayclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/blukai/rorrelay/internal/lock"
	"github.com/blukai/rorrelay/internal/messaging"
	"github.com/blukai/rorrelay/internal/protocol"
	"github.com/phuslu/log"
)

var (
	ErrWrongPassword = errors.New("wrong password")
	ErrWrongVersion  = errors.New("protocol version mismatch")
	ErrServerFull    = errors.New("server is full")
	ErrBanned        = errors.New("banned")
	ErrClosed        = errors.New("connection closed")
	ErrTimeout       = errors.New("timeout reached")
)

type Credentials struct {
	Nickname string
	// Password is the plain server password, hashed before sending.
	Password string
	UniqueID string
}

type sendChPayload struct {
	msgType protocol.MessageType
	payload []byte
	errCh   chan error
}

type Client struct {
	conn  net.Conn
	codec *messaging.Codec

	logger *log.Logger

	sendCh chan sendChPayload
	recvCh chan protocol.Message

	handshakeTimeout time.Duration
	recvTimeout      time.Duration
	keepAlive        time.Duration

	uid     int32
	terrain string

	mu        lock.Mutex
	vehicles  map[int32]protocol.VehicleRegistration
	positions map[int32]protocol.Vector3
}

func NewClient(network, address string, logger *log.Logger) (*Client, error) {
	conn, err := net.DialTimeout(network, address, 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("could not dial tcp: %w", err)
	}

	// if logger is nil (which might be true in tests) => use default, but
	// silenced logger
	if logger == nil {
		tmp := log.DefaultLogger
		logger = &tmp
		logger.Writer = &log.IOWriter{Writer: io.Discard}
	}

	c := &Client{
		conn:  conn,
		codec: messaging.NewCodec(nil, 0, time.Second),

		logger: logger,

		sendCh: make(chan sendChPayload),
		recvCh: make(chan protocol.Message, 256),

		handshakeTimeout: 5 * time.Second,
		recvTimeout:      2 * time.Second,
		keepAlive:        15 * time.Second,

		vehicles:  make(map[int32]protocol.VehicleRegistration),
		positions: make(map[int32]protocol.Vector3),
	}

	return c, nil
}

func (c *Client) UID() int32 {
	return c.uid
}

func (c *Client) Terrain() string {
	return c.terrain
}

func (c *Client) SetRecvTimeout(d time.Duration) {
	c.recvTimeout = d
}

func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) recvDirect(want ...protocol.MessageType) (protocol.Message, error) {
	msg, err := c.codec.Receive(c.conn, protocol.MaxPayloadSize)
	if err != nil {
		return msg, fmt.Errorf("could not recv: %w", err)
	}
	for _, t := range want {
		if msg.Type == t {
			return msg, nil
		}
	}
	return msg, fmt.Errorf("received unexpected message (got %s; want %v)", msg.Type, want)
}

func (c *Client) hello(source int32, version string) error {
	if err := c.codec.Send(c.conn, protocol.MsgHello, source, 0, []byte(version)); err != nil {
		return fmt.Errorf("could not send hello: %w", err)
	}

	serverVersion, err := c.recvDirect(protocol.MsgVersion)
	if err != nil {
		return err
	}
	terrain, err := c.recvDirect(protocol.MsgTerrainResponse)
	if err != nil {
		return err
	}
	c.terrain = protocol.Text(terrain.Payload)

	if protocol.Text(serverVersion.Payload) != version && source != protocol.MasterServerSource {
		// the relay follows up with WRONG_VERSION and hangs up
		_, _ = c.recvDirect(protocol.MsgWrongVersion)
		return fmt.Errorf("%w: server speaks %q", ErrWrongVersion, protocol.Text(serverVersion.Payload))
	}
	return nil
}

// Handshake joins the server. it must be called before Run.
func (c *Client) Handshake(creds Credentials) error {
	return c.handshake(protocol.Version, creds)
}

func (c *Client) handshake(version string, creds Credentials) error {
	if err := c.conn.SetDeadline(time.Now().Add(c.handshakeTimeout)); err != nil {
		return err
	}

	if err := c.hello(0, version); err != nil {
		return err
	}

	userCreds := protocol.UserCredentials{
		Username: creds.Nickname,
		Password: protocol.HashPassword(creds.Password),
		UniqueID: creds.UniqueID,
	}
	payload, err := userCreds.MarshalBinary()
	if err != nil {
		return fmt.Errorf("could not marshal credentials: %w", err)
	}
	if err := c.codec.Send(c.conn, protocol.MsgUserCredentials, 0, 0, payload); err != nil {
		return fmt.Errorf("could not send credentials: %w", err)
	}

	msg, err := c.recvDirect(
		protocol.MsgWelcome,
		protocol.MsgWrongPassword,
		protocol.MsgFull,
		protocol.MsgBanned,
	)
	if err != nil {
		return err
	}

	switch msg.Type {
	case protocol.MsgWrongPassword:
		return ErrWrongPassword
	case protocol.MsgFull:
		return ErrServerFull
	case protocol.MsgBanned:
		return fmt.Errorf("%w: %s", ErrBanned, protocol.Text(msg.Payload))
	}

	c.uid = msg.Source
	c.logger.Info().
		Int32("uid", c.uid).
		Str("terrain", c.terrain).
		Msg("joined")

	return c.conn.SetDeadline(time.Time{})
}

// Probe performs the master server keepalive probe and returns the terrain.
// the relay closes the connection afterwards.
func (c *Client) Probe() (string, error) {
	if err := c.conn.SetDeadline(time.Now().Add(c.handshakeTimeout)); err != nil {
		return "", err
	}
	if err := c.hello(protocol.MasterServerSource, protocol.MasterServerTag); err != nil {
		return "", err
	}
	return c.terrain, nil
}

func (c *Client) runSendCh(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case payload := <-c.sendCh:
			c.logger.Debug().
				Str("type", payload.msgType.String()).
				Msg("send")

			err := c.codec.Send(c.conn, payload.msgType, c.uid, 0, payload.payload)
			if err != nil {
				c.logger.Error().
					Msgf("could not write: %v", err)
			}
			payload.errCh <- err
			close(payload.errCh)
		}
	}
}

func (c *Client) runRecvCh(ctx context.Context) {
	defer close(c.recvCh)

	for {
		msg, err := c.codec.Receive(c.conn, protocol.MaxPayloadSize)
		if err != nil {
			if ctx.Err() == nil {
				c.logger.Info().
					Msgf("could not read: %v", err)
			}
			return
		}

		c.logger.Debug().
			Str("type", msg.Type.String()).
			Int32("source", msg.Source).
			Msg("recv")

		// track peers, the messages are still passed on
		switch msg.Type {
		case protocol.MsgUseVehicle:
			reg := protocol.VehicleRegistration{}
			if err := reg.UnmarshalBinary(msg.Payload); err == nil {
				c.mu.Lock()
				c.vehicles[msg.Source] = reg
				c.mu.Unlock()
			}
		case protocol.MsgVehicleData:
			state := protocol.VehicleState{}
			if err := state.UnmarshalBinary(msg.Payload); err == nil {
				c.mu.Lock()
				c.positions[msg.Source] = state.Position
				c.mu.Unlock()
			}
		case protocol.MsgDelete:
			c.mu.Lock()
			delete(c.vehicles, msg.Source)
			delete(c.positions, msg.Source)
			c.mu.Unlock()
		}

		select {
		case c.recvCh <- msg:
		case <-ctx.Done():
			return
		}
	}
}

func (c *Client) runKeepAlive(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		// the relay drops readers that stay silent for too long. BUFFER_SIZE
		// is ignored by it.
		case <-time.After(c.keepAlive):
			c.send(protocol.MsgBufferSize, nil)
		}
	}
}

// Run pumps frames until ctx is done or the relay hangs up.
func (c *Client) Run(ctx context.Context) error {
	wg := &sync.WaitGroup{}

	wg.Add(1)
	go func() {
		defer wg.Done()
		c.runSendCh(ctx)
	}()
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.runRecvCh(ctx)
	}()
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.runKeepAlive(ctx)
	}()

	<-ctx.Done()
	err := c.conn.Close()
	wg.Wait()
	return err
}

func (c *Client) send(msgType protocol.MessageType, payload []byte) <-chan error {
	errCh := make(chan error, 1)
	go func() {
		select {
		case c.sendCh <- sendChPayload{msgType: msgType, payload: payload, errCh: errCh}:
		case <-time.After(c.recvTimeout):
			errCh <- ErrTimeout
		}
	}()
	return errCh
}

// Send is blocking.
func (c *Client) Send(msgType protocol.MessageType, payload []byte) error {
	if err := <-c.send(msgType, payload); err != nil {
		return fmt.Errorf("could not send: %w", err)
	}
	return nil
}

// Recv returns the next frame.
func (c *Client) Recv() (protocol.Message, error) {
	select {
	case <-time.After(c.recvTimeout):
		return protocol.Message{}, ErrTimeout
	case msg, ok := <-c.recvCh:
		if !ok {
			return protocol.Message{}, ErrClosed
		}
		return msg, nil
	}
}

// RecvType skips frames until one of the given types arrives.
func (c *Client) RecvType(types ...protocol.MessageType) (protocol.Message, error) {
	for {
		msg, err := c.Recv()
		if err != nil {
			return msg, err
		}
		for _, t := range types {
			if msg.Type == t {
				return msg, nil
			}
		}
	}
}

func (c *Client) Chat(text string) error {
	return c.Send(protocol.MsgChat, []byte(text))
}

func (c *Client) PrivateChat(uid int32, text string) error {
	msg := protocol.PrivateChat{TargetUID: uint32(uid), Text: text}
	payload, err := msg.MarshalBinary()
	if err != nil {
		return err
	}
	return c.Send(protocol.MsgPrivateChat, payload)
}

func (c *Client) UseVehicle(name string) error {
	reg := protocol.VehicleRegistration{Vehicle: name}
	payload, err := reg.MarshalBinary()
	if err != nil {
		return err
	}
	return c.Send(protocol.MsgUseVehicle, payload)
}

func (c *Client) SendVehicleState(state protocol.VehicleState) error {
	payload, err := state.MarshalBinary()
	if err != nil {
		return err
	}
	return c.Send(protocol.MsgVehicleData, payload)
}

func (c *Client) SendForce(force protocol.NetForce) error {
	payload, err := force.MarshalBinary()
	if err != nil {
		return err
	}
	return c.Send(protocol.MsgForce, payload)
}

// Leave announces a voluntary disconnect.
func (c *Client) Leave() error {
	return c.Send(protocol.MsgDelete, nil)
}

// RconLogin is blocking. it returns the reply type.
func (c *Client) RconLogin(password string) (protocol.MessageType, error) {
	if err := c.Send(protocol.MsgRconLogin, []byte(protocol.HashPassword(password))); err != nil {
		return 0, err
	}

	msg, err := c.RecvType(
		protocol.MsgRconLoginSuccess,
		protocol.MsgRconLoginFailed,
		protocol.MsgRconLoginNotAvailable,
	)
	if err != nil {
		return 0, fmt.Errorf("could not recv: %w", err)
	}
	return msg.Type, nil
}

// RconCommand is blocking. a failed command is returned as an error carrying
// the relay's explanation.
func (c *Client) RconCommand(command string) (string, error) {
	if err := c.Send(protocol.MsgRconCommand, []byte(command)); err != nil {
		return "", err
	}

	msg, err := c.RecvType(protocol.MsgRconCommandSuccess, protocol.MsgRconCommandFailed)
	if err != nil {
		return "", fmt.Errorf("could not recv: %w", err)
	}
	if msg.Type == protocol.MsgRconCommandFailed {
		return "", fmt.Errorf("rcon command failed: %s", protocol.Text(msg.Payload))
	}
	return protocol.Text(msg.Payload), nil
}

// Vehicles returns the vehicles of the other players seen so far.
func (c *Client) Vehicles() map[int32]protocol.VehicleRegistration {
	c.mu.Lock()
	defer c.mu.Unlock()

	vehicles := make(map[int32]protocol.VehicleRegistration, len(c.vehicles))
	for uid, reg := range c.vehicles {
		vehicles[uid] = reg
	}
	return vehicles
}

func (c *Client) Position(uid int32) (protocol.Vector3, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	pos, ok := c.positions[uid]
	return pos, ok
}
