package server

import (
	"bufio"
	"context"
	"net"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/loadless/loadless-proxy/mcproto"
)

// StatusResponder answers server list queries itself, filling in player counts from the backend
// when it responds.
type StatusResponder struct {
	settings    SettingsProvider
	backends    BackendResolver
	prober      *BackendProber
	favicons    *FaviconCache
	pingTimeout time.Duration
	metrics     *ConnectorMetrics
}

func NewStatusResponder(settings SettingsProvider, backends BackendResolver, prober *BackendProber,
	favicons *FaviconCache, pingTimeout time.Duration, metrics *ConnectorMetrics) *StatusResponder {
	return &StatusResponder{
		settings:    settings,
		backends:    backends,
		prober:      prober,
		favicons:    favicons,
		pingTimeout: pingTimeout,
		metrics:     metrics,
	}
}

// BuildStatus probes the backend and combines the result with the current settings.
func (r *StatusResponder) BuildStatus(ctx context.Context, protocolVersion mcproto.ProtocolVersion) *mcproto.StatusResponse {
	settings := r.settings.Status()
	backendAddress := r.backends.BackendAddress()

	probe := r.prober.Probe(ctx, backendAddress, protocolVersion)
	if probe.Err != nil {
		logrus.
			WithError(probe.Err).
			WithField("backend", backendAddress).
			WithField("refused", probe.Refused).
			Debug("Backend probe failed, using configured player counts")
		r.metrics.ProbeFailures.Add(1)
	}

	status := &mcproto.StatusResponse{
		Version: mcproto.StatusVersion{
			Name:     settings.VersionName,
			Protocol: settings.VersionProtocol,
		},
		Players: mcproto.StatusPlayers{
			Max:    settings.MaxPlayers,
			Online: settings.OnlinePlayers,
			Sample: []mcproto.PlayerEntry{},
		},
		Description: mcproto.StatusText{Text: settings.Motd},
		Favicon:     r.favicons.Get(settings.FaviconPath),
	}
	if probe.Refused {
		status.Version.Name = settings.OfflineLabel
	}
	if probe.HasOnline {
		status.Players.Online = probe.Online
	}
	if probe.HasMax {
		status.Players.Max = probe.Max
	}
	return status
}

// Respond serves a client that announced the status state. It reads the status request, writes
// the status response and then echoes the optional ping.
func (r *StatusResponder) Respond(ctx context.Context, frontendConn net.Conn, reader *bufio.Reader, handshake *mcproto.Handshake) error {
	clientAddr := frontendConn.RemoteAddr()

	request, err := mcproto.ReadPacket(reader, clientAddr, mcproto.StateStatus)
	if err != nil {
		return err
	}
	if request.PacketID != mcproto.PacketIdStatusRequest {
		return &mcproto.ProtocolError{Reason: "expected status request"}
	}

	status := r.BuildStatus(ctx, handshake.ProtocolVersion)
	if err := mcproto.WriteStatusResponse(frontendConn, status); err != nil {
		return err
	}
	r.metrics.StatusRequests.Add(1)

	logrus.
		WithField("client", clientAddr).
		WithField("online", status.Players.Online).
		WithField("max", status.Players.Max).
		Debug("Sent status response")

	if err := frontendConn.SetReadDeadline(time.Now().Add(r.pingTimeout)); err != nil {
		return err
	}
	ping, err := mcproto.ReadPacket(reader, clientAddr, mcproto.StateStatus)
	if err != nil {
		// clients are not required to ping
		logrus.WithError(err).WithField("client", clientAddr).Trace("No ping after status")
		return nil
	}
	if ping.PacketID != mcproto.PacketIdPing {
		return &mcproto.ProtocolError{Reason: "expected ping"}
	}

	return mcproto.WritePongPacket(frontendConn, ping.Bytes())
}

// RespondLegacy answers a pre-1.7 server list ping with the same values as a modern status.
func (r *StatusResponder) RespondLegacy(ctx context.Context, frontendConn net.Conn, ping *mcproto.LegacyServerListPing) error {
	status := r.BuildStatus(ctx, mcproto.ProtocolVersion(ping.ProtocolVersion))
	r.metrics.StatusRequests.Add(1)
	return mcproto.WriteLegacySLPResponse(frontendConn,
		status.Version.Protocol, status.Version.Name, status.Description.Text,
		status.Players.Online, status.Players.Max)
}
