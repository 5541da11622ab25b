package server

import (
	"sort"
	"sync"

	"github.com/sirupsen/logrus"
)

// BackendResolver names the backend that probes and logins go to right now.
type BackendResolver interface {
	BackendAddress() string
}

// Backends resolves the backend address from the live settings unless a discovery source, such as
// a labelled Docker container or an annotated Kubernetes service, currently provides one.
type Backends struct {
	sync.RWMutex
	configured BackendResolver
	// discovered is keyed by discovery source, like "docker:<container id>"
	discovered map[string]string
}

func NewBackends(configured BackendResolver) *Backends {
	return &Backends{
		configured: configured,
		discovered: make(map[string]string),
	}
}

func (b *Backends) SetDiscovered(source string, address string) {
	b.Lock()
	defer b.Unlock()
	if b.discovered[source] == address {
		return
	}
	b.discovered[source] = address
	logrus.
		WithField("source", source).
		WithField("backend", address).
		Info("Using discovered backend")
}

func (b *Backends) ClearDiscovered(source string) {
	b.Lock()
	defer b.Unlock()
	if _, ok := b.discovered[source]; !ok {
		return
	}
	delete(b.discovered, source)
	logrus.WithField("source", source).Info("Discovered backend is gone")
}

// BackendAddress picks the discovered backend with the lowest source key, so that the choice is
// stable when more than one source reports a backend.
func (b *Backends) BackendAddress() string {
	b.RLock()
	defer b.RUnlock()
	if len(b.discovered) > 0 {
		sources := make([]string, 0, len(b.discovered))
		for source := range b.discovered {
			sources = append(sources, source)
		}
		sort.Strings(sources)
		return b.discovered[sources[0]]
	}
	return b.configured.BackendAddress()
}
