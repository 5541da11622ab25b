package server

import (
	"context"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const (
	DockerLabelBackend = "loadless.backend"
	DockerLabelPort    = "loadless.port"
	DockerLabelNetwork = "loadless.network"

	dockerSourcePrefix = "docker:"
	defaultBackendPort = 25565
)

// BackendDirectory receives backends found by discovery. Each source is reported separately so
// that one disappearing leaves the others in place.
type BackendDirectory interface {
	SetDiscovered(source string, address string)
	ClearDiscovered(source string)
}

type dockerWatcherConfig struct {
	socket                 string
	timeoutSeconds         int
	refreshIntervalSeconds int
	apiVersion             string
}

func (c *dockerWatcherConfig) apiVersionOpt() client.Opt {
	if c.apiVersion != "" {
		logrus.WithField("apiVersion", c.apiVersion).Debug("Using specific Docker API version")
		return client.WithVersion(c.apiVersion)
	} else {
		logrus.Debug("Using Docker API version negotiation")
		return client.WithAPIVersionNegotiation()
	}
}

// DockerWatcher periodically lists containers and reports the ones labelled as backends.
type DockerWatcher struct {
	config      dockerWatcherConfig
	directory   BackendDirectory
	client      *client.Client
	monitorLock sync.Mutex
	// container ID to endpoint
	containerMap map[string]string
}

func NewDockerWatcher(config DockerConfig, directory BackendDirectory) *DockerWatcher {
	return &DockerWatcher{
		config: dockerWatcherConfig{
			socket:                 config.Socket,
			timeoutSeconds:         config.Timeout,
			refreshIntervalSeconds: config.RefreshInterval,
			apiVersion:             config.ApiVersion,
		},
		directory:    directory,
		containerMap: map[string]string{},
	}
}

func (w *DockerWatcher) Start(ctx context.Context) error {
	var err error

	timeout := time.Duration(w.config.timeoutSeconds) * time.Second
	refreshInterval := time.Duration(w.config.refreshIntervalSeconds) * time.Second
	if refreshInterval <= 0 {
		return errors.New("docker refresh interval must be positive")
	}

	opts := []client.Opt{
		client.WithHost(w.config.socket),
		client.WithTimeout(timeout),
		client.WithHTTPHeaders(map[string]string{
			"User-Agent": "loadless-proxy",
		}),
		w.config.apiVersionOpt(),
	}

	w.client, err = client.NewClientWithOpts(opts...)
	if err != nil {
		return errors.Wrap(err, "could not create docker client")
	}

	logrus.Trace("Performing initial listing of Docker containers")
	if err := w.monitorContainers(ctx); err != nil {
		return err
	}

	ticker := time.NewTicker(refreshInterval)
	go func() {
		for {
			select {
			case <-ticker.C:
				err := w.monitorContainers(ctx)
				if err != nil {
					logrus.WithError(err).Error("Docker monitoring failed")
				}
			case <-ctx.Done():
				logrus.Debug("Stopping Docker monitoring")
				ticker.Stop()
				//goland:noinspection GoUnhandledErrorResult
				w.client.Close()
				return
			}
		}
	}()

	logrus.Info("Monitoring Docker for backend containers")
	return nil
}

func (w *DockerWatcher) monitorContainers(ctx context.Context) error {
	w.monitorLock.Lock()
	defer w.monitorLock.Unlock()

	logrus.Trace("Listing Docker containers")
	endpoints, err := w.listContainers(ctx)
	if err != nil {
		return errors.Wrap(err, "docker failed to list containers")
	}

	w.applyEndpoints(endpoints)
	return nil
}

// applyEndpoints reconciles the reported backends with the container ID to endpoint map
// of the latest listing.
func (w *DockerWatcher) applyEndpoints(endpoints map[string]string) {
	for id, endpoint := range endpoints {
		if old, ok := w.containerMap[id]; !ok || old != endpoint {
			w.containerMap[id] = endpoint
			logrus.WithField("containerID", id).WithField("endpoint", endpoint).Debug("ADD")
			w.directory.SetDiscovered(dockerSourcePrefix+id, endpoint)
		}
	}
	for id := range w.containerMap {
		if _, ok := endpoints[id]; !ok {
			delete(w.containerMap, id)
			logrus.WithField("containerID", id).Debug("DELETE")
			w.directory.ClearDiscovered(dockerSourcePrefix + id)
		}
	}
}

func (w *DockerWatcher) listContainers(ctx context.Context) (map[string]string, error) {
	containers, err := w.client.ContainerList(ctx, container.ListOptions{})
	if err != nil {
		return nil, err
	}

	result := map[string]string{}
	for _, c := range containers {
		if !isBackendLabel(c.Labels[DockerLabelBackend]) {
			continue
		}
		inspect, err := w.client.ContainerInspect(ctx, c.ID)
		if err != nil {
			logrus.WithFields(logrus.Fields{"containerID": c.ID}).WithError(err).Error("Failed to inspect Docker container")
			continue
		}
		if endpoint, ok := parseContainerEndpoint(inspect.ID, inspect.Name, inspect.Config.Labels, containerNetworks(&inspect)); ok {
			result[c.ID] = endpoint
		}
	}

	return result, nil
}

func isBackendLabel(value string) bool {
	enabled, err := strconv.ParseBool(strings.TrimSpace(value))
	return err == nil && enabled
}

// containerNetwork is the part of a container network attachment used to pick its address.
type containerNetwork struct {
	networkID string
	aliases   []string
	ipAddress string
}

func containerNetworks(inspect *container.InspectResponse) map[string]containerNetwork {
	result := map[string]containerNetwork{}
	if inspect.NetworkSettings == nil {
		return result
	}
	for name, endpoint := range inspect.NetworkSettings.Networks {
		if endpoint == nil {
			continue
		}
		result[name] = containerNetwork{
			networkID: endpoint.NetworkID,
			aliases:   endpoint.Aliases,
			ipAddress: endpoint.IPAddress,
		}
	}
	return result
}

func parseContainerEndpoint(id string, name string, labels map[string]string, networks map[string]containerNetwork) (string, bool) {
	log := logrus.WithFields(logrus.Fields{"containerId": id, "containerName": name})

	port := uint64(defaultBackendPort)
	if value, ok := labels[DockerLabelPort]; ok {
		var err error
		port, err = strconv.ParseUint(value, 10, 16)
		if err != nil || port == 0 {
			log.WithError(err).Warnf("ignoring container with invalid %s label", DockerLabelPort)
			return "", false
		}
	}

	if len(networks) == 0 {
		log.Warn("ignoring container, no networks found")
		return "", false
	}

	var ip string
	if network, ok := labels[DockerLabelNetwork]; ok {
		// match the network by name, ID or alias
		for netName, endpoint := range networks {
			if netName == network || endpoint.networkID == network {
				ip = endpoint.ipAddress
				break
			}
			for _, alias := range endpoint.aliases {
				if alias == network {
					ip = endpoint.ipAddress
					break
				}
			}
		}
	} else {
		if len(networks) > 1 {
			log.Warnf("ignoring container, multiple networks found and none specified using label %s", DockerLabelNetwork)
			return "", false
		}
		for _, endpoint := range networks {
			ip = endpoint.ipAddress
		}
	}

	if ip == "" {
		log.Warn("ignoring container, unable to find accessible ip address")
		return "", false
	}

	return net.JoinHostPort(ip, strconv.FormatUint(port, 10)), true
}
