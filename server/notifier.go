package server

import (
	"context"
	"net"

	"github.com/sirupsen/logrus"
)

type ConnectionNotifier interface {
	// NotifyFailedBackendConnection is called when a logged-in player could not be connected to the backend.
	NotifyFailedBackendConnection(ctx context.Context,
		clientAddr net.Addr, serverAddress string, playerInfo *PlayerInfo, backendHostPort string, err error) error

	// NotifyConnected is called when the backend connection succeeded.
	NotifyConnected(ctx context.Context,
		clientAddr net.Addr, serverAddress string, playerInfo *PlayerInfo, backendHostPort string) error

	// NotifyDisconnected is called when the tunnel of a player has closed.
	NotifyDisconnected(ctx context.Context,
		clientAddr net.Addr, serverAddress string, playerInfo *PlayerInfo, backendHostPort string) error
}

// ConnectionNotifiers fans each notification out to every notifier. Failures are logged and
// never affect the connection.
type ConnectionNotifiers []ConnectionNotifier

func (n ConnectionNotifiers) NotifyFailedBackendConnection(ctx context.Context,
	clientAddr net.Addr, serverAddress string, playerInfo *PlayerInfo, backendHostPort string, err error) error {
	for _, notifier := range n {
		if notifyErr := notifier.NotifyFailedBackendConnection(ctx, clientAddr, serverAddress, playerInfo, backendHostPort, err); notifyErr != nil {
			logrus.WithError(notifyErr).Warn("failed to notify failed backend connection")
		}
	}
	return nil
}

func (n ConnectionNotifiers) NotifyConnected(ctx context.Context,
	clientAddr net.Addr, serverAddress string, playerInfo *PlayerInfo, backendHostPort string) error {
	for _, notifier := range n {
		if err := notifier.NotifyConnected(ctx, clientAddr, serverAddress, playerInfo, backendHostPort); err != nil {
			logrus.WithError(err).Warn("failed to notify connected")
		}
	}
	return nil
}

func (n ConnectionNotifiers) NotifyDisconnected(ctx context.Context,
	clientAddr net.Addr, serverAddress string, playerInfo *PlayerInfo, backendHostPort string) error {
	for _, notifier := range n {
		if err := notifier.NotifyDisconnected(ctx, clientAddr, serverAddress, playerInfo, backendHostPort); err != nil {
			logrus.WithError(err).Warn("failed to notify disconnected")
		}
	}
	return nil
}
