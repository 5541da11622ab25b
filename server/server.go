package server

import (
	"context"
	"fmt"
	"net"
	"strconv"

	"github.com/sirupsen/logrus"
)

type Server struct {
	ctx              context.Context
	config           *Config
	settings         *Settings
	favicons         *FaviconCache
	sessions         *SessionRegistry
	connector        *Connector
	commands         *CommandRegistry
	metricsBuilder   MetricsBuilder
	reloadConfigChan chan struct{}
}

func NewServer(ctx context.Context, config *Config) (*Server, error) {
	settings := NewSettings(config)
	if config.Settings != "" {
		if err := settings.Load(config.Settings); err != nil {
			return nil, fmt.Errorf("could not load settings file: %w", err)
		}
		if err := settings.WatchForChanges(ctx); err != nil {
			return nil, fmt.Errorf("could not watch for changes to settings file: %w", err)
		}
	}

	metricsBuilder := NewMetricsBuilder(config.MetricsBackend, &config.MetricsBackendConfig)
	metrics := metricsBuilder.BuildConnectorMetrics()

	backends := NewBackends(settings)
	favicons := NewFaviconCache(config.Status.FaviconTtl)
	status := NewStatusResponder(settings, backends,
		NewBackendProber(config.Timeouts.Probe), favicons, config.Timeouts.Ping, metrics)
	sessions := NewSessionRegistry()

	connector := NewConnector(ctx, metrics, backends, status, sessions, config.Timeouts)
	connector.UseSendProxyProto(config.UseProxyProtocol)
	connector.UseRecordLogins(config.RecordLogins)

	clientFilter, err := NewClientFilter(config.ClientsToAllow, config.ClientsToDeny)
	if err != nil {
		return nil, fmt.Errorf("could not create client filter: %w", err)
	}
	connector.UseClientFilter(clientFilter)

	if config.PlayerAllowDeny != "" {
		allowDeny, err := ParseAllowDenyConfig(config.PlayerAllowDeny)
		if err != nil {
			return nil, fmt.Errorf("could not parse player allow-deny-list: %w", err)
		}
		connector.UsePlayerAllowDeny(allowDeny)
	}

	if config.Webhook.Url != "" {
		logrus.WithField("url", config.Webhook.Url).
			Info("Using webhook for connection status notifications")
		connector.UseConnectionNotifier(NewWebhookNotifier(config.Webhook.Url))
	}

	if config.Mqtt.Broker != "" {
		mqttNotifier, err := NewMqttNotifier(config.Mqtt)
		if err != nil {
			return nil, fmt.Errorf("could not create MQTT notifier: %w", err)
		}
		logrus.WithField("broker", config.Mqtt.Broker).
			Info("Using MQTT for connection status notifications")
		connector.UseConnectionNotifier(mqttNotifier)
	}

	if config.Redis.Addr != "" {
		redisNotifier, err := NewRedisNotifier(ctx, config.Redis, sessions)
		if err != nil {
			return nil, fmt.Errorf("could not create Redis notifier: %w", err)
		}
		logrus.WithField("addr", config.Redis.Addr).
			WithField("key", config.Redis.Key).
			Info("Mirroring connected players into Redis")
		connector.UseConnectionNotifier(redisNotifier)
	}

	if config.Ngrok.Token != "" {
		connector.UseNgrok(config.Ngrok)
	}

	if config.ReceiveProxyProtocol {
		trustedIpNets := make([]*net.IPNet, 0)
		for _, ip := range config.TrustedProxies {
			_, ipNet, err := net.ParseCIDR(ip)
			if err != nil {
				return nil, fmt.Errorf("could not parse trusted proxy CIDR block: %w", err)
			}
			trustedIpNets = append(trustedIpNets, ipNet)
		}

		connector.UseReceiveProxyProto(trustedIpNets)
	}

	if config.InKubeCluster {
		k8sWatcher, err := NewK8sWatcherInCluster(backends)
		if err != nil {
			return nil, fmt.Errorf("could not create in-cluster k8s watcher: %w", err)
		}
		if err := k8sWatcher.WithNamespace(config.KubeNamespace).Start(ctx); err != nil {
			return nil, fmt.Errorf("could not start %s: %w", k8sWatcher, err)
		}
	} else if config.KubeConfig != "" {
		k8sWatcher, err := NewK8sWatcherWithConfig(config.KubeConfig, backends)
		if err != nil {
			return nil, fmt.Errorf("could not create k8s watcher with kube config: %w", err)
		}
		if err := k8sWatcher.WithNamespace(config.KubeNamespace).Start(ctx); err != nil {
			return nil, fmt.Errorf("could not start %s: %w", k8sWatcher, err)
		}
	}

	if config.InDocker {
		if err := NewDockerWatcher(config.Docker, backends).Start(ctx); err != nil {
			return nil, fmt.Errorf("could not start docker integration: %w", err)
		}
	}

	s := &Server{
		ctx:              ctx,
		config:           config,
		settings:         settings,
		favicons:         favicons,
		sessions:         sessions,
		connector:        connector,
		commands:         NewCommandRegistry(),
		metricsBuilder:   metricsBuilder,
		reloadConfigChan: make(chan struct{}, 1),
	}

	var reloader func() error
	if config.Settings != "" {
		reloader = s.reloadSettings
	}
	RegisterBuiltinCommands(s.commands, s, reloader)

	if config.ApiBinding != "" {
		StartApiServer(ctx, config.ApiBinding, NewApiHandler(s, config.MetricsBackend == "prometheus"))
	}

	if err := metricsBuilder.Start(ctx); err != nil {
		return nil, fmt.Errorf("could not start metrics reporter: %w", err)
	}

	return s, nil
}

// List returns the connected players ordered by connection time.
func (s *Server) List() []*Session {
	return s.sessions.Sorted()
}

// Kick closes the session named by a player name or UUID. The reason is only logged since the
// connection is already past the point where the proxy can speak to the client.
func (s *Server) Kick(target string, reason string) bool {
	session, ok := s.sessions.CloseAndRemove(target)
	if !ok {
		return false
	}
	logrus.
		WithField("player", session.Name).
		WithField("client", session.ClientAddr).
		WithField("reason", reason).
		Info("Kicked player")
	return true
}

func (s *Server) ExecuteCommand(line string) string {
	return s.commands.Execute(line)
}

// Commands gives access to the command registry so that more commands can be registered.
func (s *Server) Commands() *CommandRegistry {
	return s.commands
}

// ReloadConfig indicates that an external request, such as a SIGHUP,
// is requesting the settings file to be reloaded, if enabled
func (s *Server) ReloadConfig() {
	select {
	case s.reloadConfigChan <- struct{}{}:
	default:
		// a reload is already pending
	}
}

func (s *Server) reloadSettings() error {
	if err := s.settings.Reload(); err != nil {
		return err
	}
	s.favicons.Invalidate()
	return nil
}

// AcceptConnection provides a way to externally supply a connection to consume
// Note that this will skip rate limiting.
func (s *Server) AcceptConnection(conn net.Conn) {
	s.connector.AcceptConnection(conn)
}

// Run will run the server until the context is done or a fatal error occurs. Once the context is
// done, connections get the drain timeout to finish before the remaining sessions are closed.
func (s *Server) Run() error {
	err := s.connector.StartAcceptingConnections(
		net.JoinHostPort(s.config.Host, strconv.Itoa(s.config.Port)),
		s.config.ConnectionRateLimit,
	)
	if err != nil {
		return fmt.Errorf("could not start accepting connections: %w", err)
	}

	for {
		select {
		case <-s.reloadConfigChan:
			if s.config.Settings == "" {
				logrus.Debug("No settings file to reload")
				continue
			}
			if err := s.reloadSettings(); err != nil {
				logrus.WithError(err).
					Error("Could not re-read the settings file")
			} else {
				logrus.Info("Reloaded settings")
			}

		case <-s.ctx.Done():
			logrus.
				WithField("sessions", s.sessions.Len()).
				Info("Server Stopping. Waiting for connections to complete...")
			if !s.connector.WaitForConnections(s.config.Timeouts.ShutdownDrain) {
				closed := s.sessions.CloseAll()
				logrus.WithField("sessions", closed).Info("Closed remaining sessions")
				s.connector.WaitForConnections(0)
			}
			logrus.Info("Stopped")
			return nil
		}
	}
}
