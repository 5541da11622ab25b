package server

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseContainerEndpoint(t *testing.T) {
	tests := []struct {
		name     string
		labels   map[string]string
		networks map[string]containerNetwork
		expect   string
		ok       bool
	}{
		{
			name:     "single network default port",
			labels:   map[string]string{DockerLabelBackend: "true"},
			networks: map[string]containerNetwork{"bridge": {ipAddress: "172.17.0.2"}},
			expect:   "172.17.0.2:25565",
			ok:       true,
		},
		{
			name:     "custom port",
			labels:   map[string]string{DockerLabelBackend: "true", DockerLabelPort: "25570"},
			networks: map[string]containerNetwork{"bridge": {ipAddress: "172.17.0.2"}},
			expect:   "172.17.0.2:25570",
			ok:       true,
		},
		{
			name:     "invalid port",
			labels:   map[string]string{DockerLabelBackend: "true", DockerLabelPort: "abc"},
			networks: map[string]containerNetwork{"bridge": {ipAddress: "172.17.0.2"}},
			ok:       false,
		},
		{
			name:   "multiple networks need a label",
			labels: map[string]string{DockerLabelBackend: "true"},
			networks: map[string]containerNetwork{
				"bridge": {ipAddress: "172.17.0.2"},
				"games":  {ipAddress: "10.1.0.2"},
			},
			ok: false,
		},
		{
			name:   "network by name",
			labels: map[string]string{DockerLabelBackend: "true", DockerLabelNetwork: "games"},
			networks: map[string]containerNetwork{
				"bridge": {ipAddress: "172.17.0.2"},
				"games":  {ipAddress: "10.1.0.2"},
			},
			expect: "10.1.0.2:25565",
			ok:     true,
		},
		{
			name:   "network by alias",
			labels: map[string]string{DockerLabelBackend: "true", DockerLabelNetwork: "mc"},
			networks: map[string]containerNetwork{
				"bridge": {ipAddress: "172.17.0.2"},
				"games":  {ipAddress: "10.1.0.2", aliases: []string{"mc"}},
			},
			expect: "10.1.0.2:25565",
			ok:     true,
		},
		{
			name:     "no ip",
			labels:   map[string]string{DockerLabelBackend: "true"},
			networks: map[string]containerNetwork{"bridge": {}},
			ok:       false,
		},
		{
			name:   "no networks",
			labels: map[string]string{DockerLabelBackend: "true"},
			ok:     false,
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			endpoint, ok := parseContainerEndpoint("id", "/mc", test.labels, test.networks)
			assert.Equal(t, test.ok, ok)
			assert.Equal(t, test.expect, endpoint)
		})
	}
}

func TestIsBackendLabel(t *testing.T) {
	assert.True(t, isBackendLabel("true"))
	assert.True(t, isBackendLabel(" 1 "))
	assert.False(t, isBackendLabel("false"))
	assert.False(t, isBackendLabel(""))
	assert.False(t, isBackendLabel("yes"))
}

func TestDockerWatcher_applyEndpoints(t *testing.T) {
	backends := NewBackends(fixedResolver(configuredBackend))
	watcher := NewDockerWatcher(DockerConfig{RefreshInterval: 15}, backends)

	watcher.applyEndpoints(map[string]string{"abc": "172.17.0.2:25565"})
	assert.Equal(t, "172.17.0.2:25565", backends.BackendAddress())

	watcher.applyEndpoints(map[string]string{"abc": "172.17.0.3:25565"})
	assert.Equal(t, "172.17.0.3:25565", backends.BackendAddress())

	watcher.applyEndpoints(map[string]string{})
	assert.Equal(t, configuredBackend, backends.BackendAddress())
}
