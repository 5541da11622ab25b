package server

import (
	"bufio"
	"context"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/juju/ratelimit"
	"github.com/pires/go-proxyproto"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.ngrok.com/ngrok"
	"golang.ngrok.com/ngrok/config"

	"github.com/loadless/loadless-proxy/mcproto"
)

const deniedPlayerReason = "You are not allowed to join this server"

var noDeadline time.Time

// Connector accepts client connections, classifies each by its handshake and either answers the
// status query or intercepts the login and tunnels the player to the backend.
type Connector struct {
	ctx      context.Context
	metrics  *ConnectorMetrics
	backends BackendResolver
	status   *StatusResponder
	sessions *SessionRegistry
	timeouts TimeoutsConfig

	sendProxyProto     bool
	receiveProxyProto  bool
	trustedProxyNets   []*net.IPNet
	recordLogins       bool
	clientFilter       *ClientFilter
	playerAllowDeny    *AllowDenyConfig
	connectionNotifier ConnectionNotifiers
	ngrokToken         string
	ngrokRemoteAddr    string

	activeConnections      sync.WaitGroup
	totalActiveConnections int32
	accepting              atomic.Bool
	acceptDone             chan struct{}
}

func NewConnector(ctx context.Context, metrics *ConnectorMetrics, backends BackendResolver,
	status *StatusResponder, sessions *SessionRegistry, timeouts TimeoutsConfig) *Connector {

	return &Connector{
		ctx:          ctx,
		metrics:      metrics,
		backends:     backends,
		status:       status,
		sessions:     sessions,
		timeouts:     timeouts,
		clientFilter: NewClientFilterAllowAll(),
		acceptDone:   make(chan struct{}),
	}
}

func (c *Connector) UseSendProxyProto(sendProxyProto bool) {
	c.sendProxyProto = sendProxyProto
}

func (c *Connector) UseReceiveProxyProto(trustedProxyNets []*net.IPNet) {
	c.receiveProxyProto = true
	c.trustedProxyNets = trustedProxyNets
}

func (c *Connector) UseRecordLogins(recordLogins bool) {
	c.recordLogins = recordLogins
}

func (c *Connector) UseClientFilter(clientFilter *ClientFilter) {
	c.clientFilter = clientFilter
}

func (c *Connector) UsePlayerAllowDeny(allowDeny *AllowDenyConfig) {
	c.playerAllowDeny = allowDeny
}

// UseConnectionNotifier adds a notifier; every added notifier receives every notification.
func (c *Connector) UseConnectionNotifier(notifier ConnectionNotifier) {
	c.connectionNotifier = append(c.connectionNotifier, notifier)
}

func (c *Connector) UseNgrok(ngrokConfig NgrokConfig) {
	c.ngrokToken = ngrokConfig.Token
	c.ngrokRemoteAddr = ngrokConfig.RemoteAddr
}

func (c *Connector) StartAcceptingConnections(listenAddress string, connRateLimit int) error {
	ln, err := c.createListener(listenAddress)
	if err != nil {
		return err
	}

	c.accepting.Store(true)
	go c.acceptConnections(ln, connRateLimit)

	return nil
}

func (c *Connector) createListener(listenAddress string) (net.Listener, error) {
	if c.ngrokToken != "" {
		ngrokListener, err := ngrok.Listen(c.ctx,
			config.TCPEndpoint(config.WithRemoteAddr(c.ngrokRemoteAddr)),
			ngrok.WithAuthtoken(c.ngrokToken),
		)
		if err != nil {
			return nil, errors.Wrap(err, "unable to start ngrok tunnel")
		}
		logrus.WithField("ngrokUrl", ngrokListener.URL()).Info("Listening for Minecraft client connections via ngrok tunnel")
		return ngrokListener, nil
	}

	listener, err := net.Listen("tcp", listenAddress)
	if err != nil {
		return nil, errors.Wrapf(err, "unable to listen on %s", listenAddress)
	}
	logrus.WithField("listenAddress", listenAddress).Info("Listening for Minecraft client connections")

	if c.receiveProxyProto {
		proxyListener := &proxyproto.Listener{
			Listener: listener,
			Policy:   c.createProxyProtoPolicy(),
		}
		logrus.Info("Using PROXY protocol listener")
		return proxyListener, nil
	}

	return listener, nil
}

func (c *Connector) createProxyProtoPolicy() func(upstream net.Addr) (proxyproto.Policy, error) {
	return func(upstream net.Addr) (proxyproto.Policy, error) {
		trustedIpNets := c.trustedProxyNets

		if len(trustedIpNets) == 0 {
			logrus.Debug("No trusted proxy networks configured, using the PROXY header by default")
			return proxyproto.USE, nil
		}

		upstreamIP := upstream.(*net.TCPAddr).IP
		for _, ipNet := range trustedIpNets {
			if ipNet.Contains(upstreamIP) {
				logrus.WithField("upstream", upstream).Debug("IP is in trusted proxies, using the PROXY header")
				return proxyproto.USE, nil
			}
		}

		logrus.WithField("upstream", upstream).Debug("IP is not in trusted proxies, discarding PROXY header")
		return proxyproto.IGNORE, nil
	}
}

func (c *Connector) acceptConnections(ln net.Listener, connRateLimit int) {
	defer close(c.acceptDone)

	go func() {
		<-c.ctx.Done()
		//noinspection GoUnhandledErrorResult
		ln.Close()
	}()

	if connRateLimit < 1 {
		connRateLimit = 1
	}
	bucket := ratelimit.NewBucketWithRate(float64(connRateLimit), int64(connRateLimit*2))

	for {
		select {
		case <-c.ctx.Done():
			return

		case <-time.After(bucket.Take(1)):
			conn, err := ln.Accept()
			if err != nil {
				if c.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
					return
				}
				logrus.WithError(err).Error("Failed to accept connection")
				continue
			}
			c.metrics.RateLimitAvailable.Set(float64(bucket.Available()))
			c.AcceptConnection(conn)
		}
	}
}

// AcceptConnection provides a way to externally supply a connection to consume.
// Note that this will skip rate limiting.
func (c *Connector) AcceptConnection(conn net.Conn) {
	c.activeConnections.Add(1)
	go func() {
		defer c.activeConnections.Done()
		c.HandleConnection(conn)
	}()
}

// WaitForConnections waits for the accept loop to stop and then for every connection handler
// to return. It gives up after timeout when timeout is positive.
func (c *Connector) WaitForConnections(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		if c.accepting.Load() {
			<-c.acceptDone
		}
		c.activeConnections.Wait()
		close(done)
	}()

	if timeout <= 0 {
		<-done
		return true
	}
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}

func (c *Connector) HandleConnection(frontendConn net.Conn) {
	c.metrics.ConnectionsFrontend.Add(1)
	c.metrics.ActiveConnections.Set(float64(
		atomic.AddInt32(&c.totalActiveConnections, 1)))
	defer func() {
		c.metrics.ActiveConnections.Set(float64(
			atomic.AddInt32(&c.totalActiveConnections, -1)))
	}()
	// a registered session owns the connection and closes it itself
	sessionOwned := false
	defer func() {
		if !sessionOwned {
			//noinspection GoUnhandledErrorResult
			frontendConn.Close()
		}
	}()

	clientAddr := frontendConn.RemoteAddr()

	if !c.clientFilter.AllowAddr(clientAddr) {
		logrus.WithField("client", clientAddr).Debug("Client is blocked")
		c.metrics.Errors.With("type", "blocked_client").Add(1)
		return
	}

	logrus.
		WithField("client", clientAddr).
		Debug("Got connection")
	defer logrus.WithField("client", clientAddr).Debug("Closing frontend connection")

	if err := frontendConn.SetReadDeadline(time.Now().Add(c.timeouts.Handshake)); err != nil {
		logrus.
			WithError(err).
			WithField("client", clientAddr).
			Error("Failed to set read deadline")
		c.metrics.Errors.With("type", "read_deadline").Add(1)
		return
	}

	// every packet of this connection is read through the same buffered reader
	reader := bufio.NewReader(frontendConn)

	packet, err := mcproto.ReadPacket(reader, clientAddr, mcproto.StateHandshaking)
	if err != nil {
		c.recordReadError(err, clientAddr, "handshake")
		return
	}

	if legacyPing, ok := packet.Data.(*mcproto.LegacyServerListPing); ok {
		logrus.
			WithField("client", clientAddr).
			WithField("handshake", legacyPing).
			Debug("Got legacy server list ping")

		if err := c.status.RespondLegacy(c.ctx, frontendConn, legacyPing); err != nil {
			logrus.WithError(err).WithField("client", clientAddr).Debug("Failed to answer legacy server list ping")
		}
		return
	}

	if packet.PacketID != mcproto.PacketIdHandshake {
		logrus.
			WithField("client", clientAddr).
			WithField("packetID", packet.PacketID).
			Debug("Unexpected packetID, expected handshake")
		c.metrics.Errors.With("type", "protocol").Add(1)
		return
	}

	handshake, err := mcproto.DecodeHandshake(packet.Data)
	if err != nil {
		c.recordReadError(err, clientAddr, "handshake")
		return
	}

	logrus.
		WithField("client", clientAddr).
		WithField("handshake", handshake).
		Debug("Got handshake")

	switch handshake.NextState {
	case mcproto.StateStatus:
		if err := c.status.Respond(c.ctx, frontendConn, reader, handshake); err != nil {
			c.recordReadError(err, clientAddr, "status")
		}

	case mcproto.StateLogin:
		sessionOwned = c.handleLogin(frontendConn, reader, packet, handshake)
	}
}

// handleLogin intercepts the login start and tunnels the player. It reports whether a session
// took over the connection.
func (c *Connector) handleLogin(frontendConn net.Conn, reader *bufio.Reader, handshakePacket *mcproto.Packet, handshake *mcproto.Handshake) bool {
	clientAddr := frontendConn.RemoteAddr()

	loginPacket, err := mcproto.ReadPacket(reader, clientAddr, mcproto.StateLogin)
	if err != nil {
		c.recordReadError(err, clientAddr, "login start")
		return false
	}
	if loginPacket.PacketID != mcproto.PacketIdLoginStart {
		logrus.
			WithField("client", clientAddr).
			WithField("packetID", loginPacket.PacketID).
			Debug("Unexpected packetID, expected login start")
		c.metrics.Errors.With("type", "protocol").Add(1)
		return false
	}

	loginStart, err := mcproto.DecodeLoginStart(handshake.ProtocolVersion, loginPacket.Data)
	if err != nil {
		c.recordReadError(err, clientAddr, "login start")
		return false
	}

	session := NewSession(loginStart, handshake, frontendConn)
	playerInfo := session.PlayerInfo()

	if !c.playerAllowDeny.AllowsPlayer(playerInfo) {
		logrus.
			WithField("client", clientAddr).
			WithField("player", playerInfo).
			Info("Player is not allowed to join")
		c.metrics.Errors.With("type", "denied_player").Add(1)
		if err := mcproto.WriteLoginDisconnect(frontendConn, deniedPlayerReason); err != nil {
			logrus.WithError(err).WithField("client", clientAddr).Debug("Failed to send login disconnect")
		}
		return false
	}

	// the backend must see exactly what the client sent, starting with the handshake
	preamble, err := mcproto.Reframe(handshakePacket)
	if err != nil {
		logrus.WithError(err).Error("Failed to re-frame handshake")
		return false
	}
	loginBytes, err := mcproto.Reframe(loginPacket)
	if err != nil {
		logrus.WithError(err).Error("Failed to re-frame login start")
		return false
	}
	preamble = append(preamble, loginBytes...)

	if err := frontendConn.SetReadDeadline(noDeadline); err != nil {
		logrus.
			WithError(err).
			WithField("client", clientAddr).
			Error("Failed to clear read deadline")
		c.metrics.Errors.With("type", "read_deadline").Add(1)
		return false
	}

	if replaced := c.sessions.Put(session); replaced != nil {
		logrus.
			WithField("player", session.Name).
			WithField("previousClient", replaced.ClientAddr).
			Info("Player logged in again, closing previous connection")
		_ = replaced.Close()
	}
	c.metrics.ActiveSessions.Set(float64(c.sessions.Len()))

	logrus.
		WithField("client", clientAddr).
		WithField("player", session.Name).
		WithField("uuid", session.UuidText).
		Info("Player logging in")

	if c.recordLogins {
		c.metrics.PlayerLogins.
			With("player_name", session.Name, "player_uuid", session.UuidText).
			Add(1)
	}

	// bytes the reader has buffered beyond the login start come out of it first, then the live connection
	c.connectBackend(session, reader, preamble)
	return true
}

func (c *Connector) recordReadError(err error, clientAddr net.Addr, what string) {
	switch {
	case errors.Is(err, io.EOF):
		logrus.WithField("client", clientAddr).Debugf("Client closed the connection before sending %s", what)
	case mcproto.IsProtocolError(err):
		logrus.WithError(err).WithField("client", clientAddr).Debugf("Invalid %s", what)
		c.metrics.Errors.With("type", "protocol").Add(1)
	case isTimeout(err):
		logrus.WithField("client", clientAddr).Debugf("Timed out waiting for %s", what)
		c.metrics.Errors.With("type", "timeout").Add(1)
	default:
		logrus.WithError(err).WithField("client", clientAddr).Debugf("Failed to read %s", what)
		c.metrics.Errors.With("type", "read").Add(1)
	}
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
