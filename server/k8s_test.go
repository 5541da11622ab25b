package server

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	v1 "k8s.io/api/core/v1"
	"k8s.io/client-go/tools/cache"
)

type fixedResolver string

func (f fixedResolver) BackendAddress() string {
	return string(f)
}

const configuredBackend = "127.0.0.1:25566"

func parseService(t *testing.T, svc string) *v1.Service {
	service := &v1.Service{}
	require.NoError(t, json.Unmarshal([]byte(svc), service))
	return service
}

func TestK8sWatcher_handleAddThenUpdate(t *testing.T) {
	tests := []struct {
		name          string
		initial       string
		expectInitial string
		update        string
		expectUpdate  string
	}{
		{
			name:          "cluster ip changes",
			initial:       ` {"metadata": {"name": "mc", "namespace": "games", "annotations": {"loadless.dev/backend": "true"}}, "spec":{"clusterIP": "1.1.1.1"}}`,
			expectInitial: "1.1.1.1:25565",
			update:        ` {"metadata": {"name": "mc", "namespace": "games", "annotations": {"loadless.dev/backend": "true"}}, "spec":{"clusterIP": "2.2.2.2"}}`,
			expectUpdate:  "2.2.2.2:25565",
		},
		{
			name:          "annotation removed",
			initial:       ` {"metadata": {"name": "mc", "namespace": "games", "annotations": {"loadless.dev/backend": "true"}}, "spec":{"clusterIP": "1.1.1.1"}}`,
			expectInitial: "1.1.1.1:25565",
			update:        ` {"metadata": {"name": "mc", "namespace": "games"}, "spec":{"clusterIP": "1.1.1.1"}}`,
			expectUpdate:  configuredBackend,
		},
		{
			name:          "annotation added",
			initial:       ` {"metadata": {"name": "mc", "namespace": "games", "annotations": {"loadless.dev/backend": "false"}}, "spec":{"clusterIP": "1.1.1.1"}}`,
			expectInitial: configuredBackend,
			update:        ` {"metadata": {"name": "mc", "namespace": "games", "annotations": {"loadless.dev/backend": "true"}}, "spec":{"clusterIP": "1.1.1.1"}}`,
			expectUpdate:  "1.1.1.1:25565",
		},
		{
			name:          "type change to external name",
			initial:       ` {"metadata": {"name": "mc", "namespace": "games", "annotations": {"loadless.dev/backend": "true"}}, "spec":{"clusterIP": "1.1.1.1"}}`,
			expectInitial: "1.1.1.1:25565",
			update:        ` {"metadata": {"name": "mc", "namespace": "games", "annotations": {"loadless.dev/backend": "true"}}, "spec":{"type":"ExternalName", "externalName": "mc-server.com"}}`,
			expectUpdate:  "mc-server.com:25565",
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			backends := NewBackends(fixedResolver(configuredBackend))
			watcher := &K8sWatcher{directory: backends}

			initialSvc := parseService(t, test.initial)
			watcher.handleAdd(initialSvc)
			assert.Equal(t, test.expectInitial, backends.BackendAddress(), "initial")

			updatedSvc := parseService(t, test.update)
			watcher.handleUpdate(initialSvc, updatedSvc)
			assert.Equal(t, test.expectUpdate, backends.BackendAddress(), "update")
		})
	}
}

func TestK8sWatcher_handleAddThenDelete(t *testing.T) {
	backends := NewBackends(fixedResolver(configuredBackend))
	watcher := &K8sWatcher{directory: backends}

	svc := parseService(t, ` {"metadata": {"name": "mc", "namespace": "games", "annotations": {"loadless.dev/backend": "true"}}, "spec":{"clusterIP": "1.1.1.1"}}`)
	watcher.handleAdd(svc)
	assert.Equal(t, "1.1.1.1:25565", backends.BackendAddress())

	watcher.handleDelete(svc)
	assert.Equal(t, configuredBackend, backends.BackendAddress())
}

func TestK8sWatcher_handleDeleteTombstone(t *testing.T) {
	backends := NewBackends(fixedResolver(configuredBackend))
	watcher := &K8sWatcher{directory: backends}

	svc := parseService(t, ` {"metadata": {"name": "mc", "namespace": "games", "annotations": {"loadless.dev/backend": "true"}}, "spec":{"clusterIP": "1.1.1.1"}}`)
	watcher.handleAdd(svc)

	watcher.handleDelete(cache.DeletedFinalStateUnknown{Key: "games/mc", Obj: svc})
	assert.Equal(t, configuredBackend, backends.BackendAddress())
}

func TestExtractBackendService_Ports(t *testing.T) {
	tests := []struct {
		name   string
		svc    string
		expect string
	}{
		{
			name:   "default port",
			svc:    ` {"metadata": {"annotations": {"loadless.dev/backend": "true"}}, "spec":{"clusterIP": "1.1.1.1"}}`,
			expect: "1.1.1.1:25565",
		},
		{
			name:   "first port",
			svc:    ` {"metadata": {"annotations": {"loadless.dev/backend": "true"}}, "spec":{"clusterIP": "1.1.1.1", "ports": [{"name": "game", "port": 30000}]}}`,
			expect: "1.1.1.1:30000",
		},
		{
			name:   "named port wins",
			svc:    ` {"metadata": {"annotations": {"loadless.dev/backend": "true"}}, "spec":{"clusterIP": "1.1.1.1", "ports": [{"name": "rcon", "port": 25575}, {"name": "minecraft", "port": 25566}]}}`,
			expect: "1.1.1.1:25566",
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			service, ok := extractBackendService(parseService(t, test.svc))
			require.True(t, ok)
			assert.Equal(t, test.expect, service.endpoint)
		})
	}
}

func TestExtractBackendService_Ignored(t *testing.T) {
	for _, svc := range []string{
		` {"metadata": {}, "spec":{"clusterIP": "1.1.1.1"}}`,
		` {"metadata": {"annotations": {"loadless.dev/backend": "nope"}}, "spec":{"clusterIP": "1.1.1.1"}}`,
		` {"metadata": {"annotations": {"loadless.dev/backend": "true"}}, "spec":{"clusterIP": "None"}}`,
	} {
		_, ok := extractBackendService(parseService(t, svc))
		assert.False(t, ok, svc)
	}

	_, ok := extractBackendService("not a service")
	assert.False(t, ok)
}
