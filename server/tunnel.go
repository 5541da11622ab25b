package server

import (
	"bufio"
	"io"
	"net"
	"sync"
	"time"

	"github.com/pires/go-proxyproto"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const tunnelBufferSize = 4096

// connectBackend dials the backend for a freshly logged in session, replays what the client has
// sent so far and then relays in both directions until either side goes away.
func (c *Connector) connectBackend(session *Session, clientReader *bufio.Reader, preamble []byte) {
	clientAddr := session.ClientAddr
	playerInfo := session.PlayerInfo()
	backendHostPort := c.backends.BackendAddress()

	logrus.
		WithField("client", clientAddr).
		WithField("player", session.Name).
		WithField("backendHostPort", backendHostPort).
		Info("Connecting to backend")

	backendConn, err := net.DialTimeout("tcp", backendHostPort, c.timeouts.Dial)
	if err != nil {
		logrus.
			WithError(err).
			WithField("client", clientAddr).
			WithField("player", session.Name).
			WithField("backend", backendHostPort).
			Warn("Unable to connect to backend")
		c.metrics.Errors.With("type", "backend_failed").Add(1)

		if c.connectionNotifier != nil {
			notifyErr := c.connectionNotifier.NotifyFailedBackendConnection(c.ctx, clientAddr, session.ServerAddress, playerInfo, backendHostPort, err)
			if notifyErr != nil {
				logrus.WithError(notifyErr).Warn("failed to notify failed backend connection")
			}
		}

		c.sessions.RemoveSession(session)
		c.metrics.ActiveSessions.Set(float64(c.sessions.Len()))
		_ = session.Close()
		return
	}

	c.metrics.ConnectionsBackend.Add(1)

	if current, ok := c.sessions.Get(session.Name); !ok || current != session {
		// replaced by a newer login or kicked while dialing
		logrus.
			WithField("client", clientAddr).
			WithField("player", session.Name).
			Debug("Session ended before the backend connected")
		_ = backendConn.Close()
		_ = session.Close()
		return
	}

	if c.connectionNotifier != nil {
		if err := c.connectionNotifier.NotifyConnected(c.ctx, clientAddr, session.ServerAddress, playerInfo, backendHostPort); err != nil {
			logrus.WithError(err).Warn("failed to notify connected")
		}
	}
	if c.recordLogins {
		c.metrics.PlayerActive.With("player_name", session.Name, "player_uuid", session.UuidText).Set(1)
	}

	defer func() {
		c.sessions.RemoveSession(session)
		c.metrics.ActiveSessions.Set(float64(c.sessions.Len()))
		if c.recordLogins {
			c.metrics.PlayerActive.With("player_name", session.Name, "player_uuid", session.UuidText).Set(0)
		}
		if c.connectionNotifier != nil {
			if err := c.connectionNotifier.NotifyDisconnected(c.ctx, clientAddr, session.ServerAddress, playerInfo, backendHostPort); err != nil {
				logrus.WithError(err).Warn("failed to notify disconnected")
			}
		}
		logrus.
			WithField("client", clientAddr).
			WithField("player", session.Name).
			Info("Player disconnected")
	}()

	if c.sendProxyProto {
		if err := c.writeProxyHeader(backendConn, session); err != nil {
			logrus.
				WithError(err).
				WithField("client", clientAddr).
				Error("Failed to write PROXY header")
			c.metrics.Errors.With("type", "proxy_write").Add(1)
			_ = backendConn.Close()
			_ = session.Close()
			return
		}
	}

	amount, err := backendConn.Write(preamble)
	if err != nil {
		logrus.WithError(err).Error("Failed to write handshake to backend connection")
		c.metrics.Errors.With("type", "backend_failed").Add(1)
		_ = backendConn.Close()
		_ = session.Close()
		return
	}
	logrus.WithField("amount", amount).Debug("Relayed handshake and login start to backend")

	c.pumpConnections(session, clientReader, backendConn)
}

func (c *Connector) writeProxyHeader(backendConn net.Conn, session *Session) error {
	localAddr := session.conn.LocalAddr()

	transport := proxyproto.TCPv4
	if tcpAddr, ok := localAddr.(*net.TCPAddr); ok && tcpAddr.IP.To4() == nil {
		transport = proxyproto.TCPv6
	}

	header := &proxyproto.Header{
		Version:           2,
		Command:           proxyproto.PROXY,
		TransportProtocol: transport,
		SourceAddr:        session.ClientAddr,
		DestinationAddr:   localAddr,
	}

	_, err := header.WriteTo(backendConn)
	return err
}

// pumpConnections relays until the first direction stops, then closes both connections so
// that the other direction stops as well.
func (c *Connector) pumpConnections(session *Session, clientReader *bufio.Reader, backendConn net.Conn) {
	clientAddr := session.ClientAddr
	defer logrus.WithField("client", clientAddr).Debug("Closing backend connection")

	var closeOnce sync.Once
	closeBoth := func() {
		closeOnce.Do(func() {
			//noinspection GoUnhandledErrorResult
			backendConn.Close()
			_ = session.Close()
		})
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		defer closeBoth()
		c.pumpFrames(backendConn, clientReader, session.conn, "frontend", "backend", clientAddr)
	}()
	go func() {
		defer wg.Done()
		defer closeBoth()
		c.pumpFrames(session.conn, backendConn, backendConn, "backend", "frontend", clientAddr)
	}()
	wg.Wait()
}

// pumpFrames copies from incoming to outgoing. When an idle timeout is configured, each read
// must complete within it or the relay ends.
func (c *Connector) pumpFrames(outgoing io.Writer, incoming io.Reader, deadlineConn net.Conn, from, to string, clientAddr net.Addr) {
	buf := make([]byte, tunnelBufferSize)
	var total int64
	var err error

	for {
		if c.timeouts.TunnelIdle > 0 {
			if err = deadlineConn.SetReadDeadline(time.Now().Add(c.timeouts.TunnelIdle)); err != nil {
				break
			}
		}

		n, readErr := incoming.Read(buf)
		if n > 0 {
			written, writeErr := outgoing.Write(buf[:n])
			total += int64(written)
			c.metrics.BytesTransmitted.Add(float64(written))
			if writeErr != nil {
				err = writeErr
				break
			}
		}
		if readErr != nil {
			err = readErr
			break
		}
	}

	logrus.
		WithField("client", clientAddr).
		WithField("amount", total).
		Debugf("Finished relay %s->%s", from, to)

	switch {
	case err == nil, errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed), errors.Is(err, io.ErrClosedPipe):
	case isTimeout(err):
		logrus.WithField("client", clientAddr).Debugf("Relay %s->%s idle timeout", from, to)
		c.metrics.Errors.With("type", "idle_timeout").Add(1)
	default:
		logrus.WithError(err).
			WithField("client", clientAddr).
			Debugf("Error observed on relay %s->%s", from, to)
		c.metrics.Errors.With("type", "relay").Add(1)
	}
}
