package server

import (
	"context"
	"encoding/json"
	"net"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

const redisNotifyTimeout = 5 * time.Second

type presenceStore interface {
	HSet(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	HDel(ctx context.Context, key string, fields ...string) *redis.IntCmd
}

// registeredPlayers tells whether a player name currently maps to a live session.
type registeredPlayers interface {
	Get(name string) (*Session, bool)
}

// RedisNotifier mirrors the connected players into a Redis hash keyed by player name, so that
// other services can see who is online without calling the API.
type RedisNotifier struct {
	store   presenceStore
	key     string
	players registeredPlayers
}

type RedisPresence struct {
	Uuid          string      `json:"uuid"`
	Client        *ClientInfo `json:"client"`
	ServerAddress string      `json:"server"`
	Backend       string      `json:"backend"`
	Since         time.Time   `json:"since"`
}

func NewRedisNotifier(ctx context.Context, config RedisConfig, players registeredPlayers) (*RedisNotifier, error) {
	rdb := redis.NewClient(&redis.Options{Addr: config.Addr, Password: config.Password, DB: config.DB})
	pingCtx, cancel := context.WithTimeout(ctx, redisNotifyTimeout)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, errors.Wrap(err, "redis connection failed")
	}
	return newRedisNotifierWithStore(rdb, config.Key, players), nil
}

func newRedisNotifierWithStore(store presenceStore, key string, players registeredPlayers) *RedisNotifier {
	return &RedisNotifier{store: store, key: key, players: players}
}

func (r *RedisNotifier) NotifyFailedBackendConnection(ctx context.Context, clientAddr net.Addr, serverAddress string,
	playerInfo *PlayerInfo, backendHostPort string, err error) error {
	// the player never became present
	return nil
}

func (r *RedisNotifier) NotifyConnected(ctx context.Context, clientAddr net.Addr, serverAddress string,
	playerInfo *PlayerInfo, backendHostPort string) error {
	if playerInfo == nil {
		return nil
	}
	data, err := json.Marshal(&RedisPresence{
		Uuid:          playerInfo.Uuid.String(),
		Client:        ClientInfoFromAddr(clientAddr),
		ServerAddress: serverAddress,
		Backend:       backendHostPort,
		Since:         time.Now().UTC(),
	})
	if err != nil {
		return errors.Wrap(err, "failed to marshal presence")
	}

	opCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), redisNotifyTimeout)
	defer cancel()
	if err := r.store.HSet(opCtx, r.key, playerInfo.Name, string(data)).Err(); err != nil {
		return errors.Wrap(err, "redis HSET failed")
	}
	return nil
}

func (r *RedisNotifier) NotifyDisconnected(ctx context.Context, clientAddr net.Addr, serverAddress string,
	playerInfo *PlayerInfo, backendHostPort string) error {
	if playerInfo == nil {
		return nil
	}
	// the ending session is unregistered before this is called, so a registered name belongs to a
	// newer login of the same player whose presence must stay
	if _, ok := r.players.Get(playerInfo.Name); ok {
		logrus.WithField("player", playerInfo.Name).
			Debug("Keeping presence of a newer session")
		return nil
	}
	opCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), redisNotifyTimeout)
	defer cancel()
	if err := r.store.HDel(opCtx, r.key, playerInfo.Name).Err(); err != nil {
		return errors.Wrap(err, "redis HDEL failed")
	}
	return nil
}
