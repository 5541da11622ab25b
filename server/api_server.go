package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

const maxCommandBodySize = 4096

// SessionManager is what the API needs from the server.
type SessionManager interface {
	PlayerDirectory
	ExecuteCommand(line string) string
}

type sessionView struct {
	Name          string    `json:"name"`
	Uuid          string    `json:"uuid"`
	Client        string    `json:"client"`
	ServerAddress string    `json:"serverAddress"`
	Protocol      int       `json:"protocol"`
	ConnectedAt   time.Time `json:"connectedAt"`
}

// NewApiHandler builds the management API router. The prometheus endpoint is mounted at
// /metrics when exposeMetrics is set.
func NewApiHandler(manager SessionManager, exposeMetrics bool) http.Handler {
	apiRoutes := mux.NewRouter()

	apiRoutes.Path("/sessions").Methods(http.MethodGet).
		HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sessions := manager.List()
			views := make([]sessionView, 0, len(sessions))
			for _, session := range sessions {
				views = append(views, sessionView{
					Name:          session.Name,
					Uuid:          session.UuidText,
					Client:        session.ClientAddr.String(),
					ServerAddress: session.ServerAddress,
					Protocol:      int(session.ProtocolVersion),
					ConnectedAt:   session.ConnectedAt,
				})
			}

			w.Header().Set("Content-Type", "application/json")
			if err := json.NewEncoder(w).Encode(views); err != nil {
				logrus.WithError(err).Error("Failed to encode sessions")
			}
		})

	apiRoutes.Path("/sessions/{target}").Methods(http.MethodDelete).
		HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			target := mux.Vars(r)["target"]
			reason := r.URL.Query().Get("reason")
			if reason == "" {
				reason = defaultKickReason
			}

			if !manager.Kick(target, reason) {
				http.Error(w, "player not found", http.StatusNotFound)
				return
			}
			w.WriteHeader(http.StatusNoContent)
		})

	apiRoutes.Path("/commands").Methods(http.MethodPost).
		HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			body, err := io.ReadAll(io.LimitReader(r.Body, maxCommandBodySize))
			if err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}

			w.Header().Set("Content-Type", "text/plain; charset=utf-8")
			_, _ = io.WriteString(w, manager.ExecuteCommand(string(body)))
		})

	if exposeMetrics {
		apiRoutes.Path("/metrics").Handler(promhttp.Handler())
	}

	return apiRoutes
}

// StartApiServer serves handler on apiBinding until ctx is done.
func StartApiServer(ctx context.Context, apiBinding string, handler http.Handler) {
	logrus.WithField("binding", apiBinding).Info("Serving API requests")

	srv := &http.Server{
		Addr:              apiBinding,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		//goland:noinspection GoUnhandledErrorResult
		srv.Shutdown(shutdownCtx)
	}()

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logrus.WithError(err).Error("API server failed")
		}
	}()
}
