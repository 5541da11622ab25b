package server

import (
	"bufio"
	"context"
	"net"
	"regexp"
	"strconv"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/loadless/loadless-proxy/mcproto"
)

var ErrBackendUnavailable = errors.New("backend unavailable")

var (
	onlineCountPattern = regexp.MustCompile(`"online"\s*:\s*(\d+)`)
	maxCountPattern    = regexp.MustCompile(`"max"\s*:\s*(\d+)`)
)

type ProbeResult struct {
	Online    int
	Max       int
	HasOnline bool
	HasMax    bool
	// Refused is set when the backend actively refused the connection.
	Refused bool
	Err     error
}

// BackendProber asks the backend for its player counts over a short-lived side connection.
type BackendProber struct {
	timeout time.Duration
}

func NewBackendProber(timeout time.Duration) *BackendProber {
	return &BackendProber{timeout: timeout}
}

// Probe sends a status handshake and request to backendAddress using the client's protocol
// version and scans the reply for player counts. Failures are reported in the result.
func (p *BackendProber) Probe(ctx context.Context, backendAddress string, protocolVersion mcproto.ProtocolVersion) *ProbeResult {
	return p.probeWithDeadline(ctx, backendAddress, protocolVersion, time.Now().Add(p.timeout))
}

// probeWithDeadline runs the whole exchange, dial included, before deadline.
func (p *BackendProber) probeWithDeadline(ctx context.Context, backendAddress string, protocolVersion mcproto.ProtocolVersion,
	deadline time.Time) *ProbeResult {
	result := &ProbeResult{}

	host, portStr, err := net.SplitHostPort(backendAddress)
	if err != nil {
		result.Err = errors.Wrapf(ErrBackendUnavailable, "invalid backend address %s: %v", backendAddress, err)
		return result
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		result.Err = errors.Wrapf(ErrBackendUnavailable, "invalid backend port %s: %v", portStr, err)
		return result
	}

	dialer := &net.Dialer{Deadline: deadline}
	conn, err := dialer.DialContext(ctx, "tcp", backendAddress)
	if err != nil {
		result.Refused = errors.Is(err, syscall.ECONNREFUSED)
		result.Err = errors.Wrapf(ErrBackendUnavailable, "dial %s: %v", backendAddress, err)
		return result
	}
	//noinspection GoUnhandledErrorResult
	defer conn.Close()

	if err := conn.SetDeadline(deadline); err != nil {
		result.Err = errors.Wrap(err, "failed to set probe deadline")
		return result
	}

	if err := mcproto.WriteHandshake(conn, protocolVersion, host, uint16(port), mcproto.StateStatus); err != nil {
		result.Err = errors.Wrapf(ErrBackendUnavailable, "write handshake: %v", err)
		return result
	}
	if err := mcproto.WriteStatusRequest(conn); err != nil {
		result.Err = errors.Wrapf(ErrBackendUnavailable, "write status request: %v", err)
		return result
	}

	packet, err := mcproto.ReadPacket(bufio.NewReader(conn), conn.RemoteAddr(), mcproto.StateStatus)
	if err != nil {
		result.Err = errors.Wrapf(ErrBackendUnavailable, "read status response: %v", err)
		return result
	}
	if packet.PacketID != mcproto.PacketIdStatusResponse {
		result.Err = errors.Wrapf(ErrBackendUnavailable, "unexpected packet id %d", packet.PacketID)
		return result
	}

	statusJson, err := mcproto.DecodeStatusResponse(packet.Data)
	if err != nil {
		result.Err = errors.Wrapf(ErrBackendUnavailable, "decode status response: %v", err)
		return result
	}

	result.Online, result.HasOnline, result.Max, result.HasMax = ScanPlayerCounts(statusJson)

	logrus.
		WithField("backend", backendAddress).
		WithField("online", result.Online).
		WithField("max", result.Max).
		Debug("Probed backend")
	return result
}

// ScanPlayerCounts looks for the first "online" and "max" counts in a status document without
// requiring the rest of it to be valid JSON.
func ScanPlayerCounts(statusJson string) (online int, hasOnline bool, max int, hasMax bool) {
	online, hasOnline = scanCount(onlineCountPattern, statusJson)
	max, hasMax = scanCount(maxCountPattern, statusJson)
	return
}

func scanCount(pattern *regexp.Regexp, statusJson string) (int, bool) {
	match := pattern.FindStringSubmatch(statusJson)
	if match == nil {
		return 0, false
	}
	value, err := strconv.Atoi(match[1])
	if err != nil {
		return 0, false
	}
	return value, true
}
