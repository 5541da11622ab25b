package server

import (
	"context"
	"net"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	core "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/fields"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/cache"
	"k8s.io/client-go/tools/clientcmd"
)

const (
	// AnnotationBackend marks a service as the backend when its value parses as true.
	AnnotationBackend = "loadless.dev/backend"

	k8sSourcePrefix = "k8s:"
)

// K8sWatcher follows services annotated as the backend and reports their cluster endpoint.
type K8sWatcher struct {
	config    *rest.Config
	namespace string
	directory BackendDirectory
}

func NewK8sWatcherInCluster(directory BackendDirectory) (*K8sWatcher, error) {
	config, err := rest.InClusterConfig()
	if err != nil {
		return nil, errors.Wrap(err, "Unable to load in-cluster config")
	}

	return &K8sWatcher{config: config, namespace: core.NamespaceAll, directory: directory}, nil
}

func NewK8sWatcherWithConfig(kubeConfigFile string, directory BackendDirectory) (*K8sWatcher, error) {
	config, err := clientcmd.BuildConfigFromFlags("", kubeConfigFile)
	if err != nil {
		return nil, errors.Wrap(err, "Could not load kube config file")
	}

	return &K8sWatcher{config: config, namespace: core.NamespaceAll, directory: directory}, nil
}

// WithNamespace restricts the watch to one namespace; blank watches all of them.
func (w *K8sWatcher) WithNamespace(namespace string) *K8sWatcher {
	w.namespace = namespace
	return w
}

// Start runs the service informer until ctx is done.
func (w *K8sWatcher) Start(ctx context.Context) error {
	clientset, err := kubernetes.NewForConfig(w.config)
	if err != nil {
		return errors.Wrap(err, "Could not create kube clientset")
	}

	_, serviceController := cache.NewInformer(
		cache.NewListWatchFromClient(
			clientset.CoreV1().RESTClient(),
			string(core.ResourceServices),
			w.namespace,
			fields.Everything(),
		),
		&core.Service{},
		0,
		cache.ResourceEventHandlerFuncs{
			AddFunc:    w.handleAdd,
			DeleteFunc: w.handleDelete,
			UpdateFunc: w.handleUpdate,
		},
	)
	go serviceController.Run(ctx.Done())

	logrus.WithField("namespace", w.namespace).Info("Monitoring Kubernetes for backend services")
	return nil
}

func (w *K8sWatcher) String() string {
	return "k8s watcher"
}

// oldObj and newObj are expected to be *v1.Service
func (w *K8sWatcher) handleUpdate(oldObj interface{}, newObj interface{}) {
	oldService, ok := extractBackendService(oldObj)
	if ok {
		logrus.WithField("old", oldService).Debug("UPDATE")
	}
	newService, newOk := extractBackendService(newObj)
	if ok && (!newOk || oldService.source != newService.source) {
		w.directory.ClearDiscovered(oldService.source)
	}
	if newOk {
		logrus.WithField("new", newService).Debug("UPDATE")
		w.directory.SetDiscovered(newService.source, newService.endpoint)
	}
}

// obj is expected to be a *v1.Service
func (w *K8sWatcher) handleDelete(obj interface{}) {
	if tombstone, ok := obj.(cache.DeletedFinalStateUnknown); ok {
		obj = tombstone.Obj
	}
	if backendService, ok := extractBackendService(obj); ok {
		logrus.WithField("backendService", backendService).Debug("DELETE")
		w.directory.ClearDiscovered(backendService.source)
	}
}

// obj is expected to be a *v1.Service
func (w *K8sWatcher) handleAdd(obj interface{}) {
	if backendService, ok := extractBackendService(obj); ok {
		logrus.WithField("backendService", backendService).Debug("ADD")
		w.directory.SetDiscovered(backendService.source, backendService.endpoint)
	}
}

type backendService struct {
	source   string
	endpoint string
}

// obj is expected to be a *v1.Service
func extractBackendService(obj interface{}) (*backendService, bool) {
	service, ok := obj.(*core.Service)
	if !ok {
		return nil, false
	}

	value, exists := service.Annotations[AnnotationBackend]
	if !exists {
		return nil, false
	}
	if enabled, err := strconv.ParseBool(strings.TrimSpace(value)); err != nil || !enabled {
		return nil, false
	}

	host := service.Spec.ClusterIP
	if service.Spec.Type == core.ServiceTypeExternalName {
		host = service.Spec.ExternalName
	}
	if host == "" || host == core.ClusterIPNone {
		logrus.WithField("service", service.Name).Warn("ignoring backend service without an address")
		return nil, false
	}

	port := defaultBackendPort
	for i, p := range service.Spec.Ports {
		if p.Name == "loadless" || p.Name == "minecraft" {
			port = int(p.Port)
			break
		}
		if i == 0 {
			port = int(p.Port)
		}
	}

	return &backendService{
		source:   k8sSourcePrefix + service.Namespace + "/" + service.Name,
		endpoint: net.JoinHostPort(host, strconv.Itoa(port)),
	}, true
}
