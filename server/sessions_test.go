package server

import (
	"fmt"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loadless/loadless-proxy/mcproto"
)

// newPipeSession returns a session over one end of a pipe and the other end, which observes
// the session being closed.
func newPipeSession(t *testing.T, name string, playerUuid uuid.UUID) (*Session, net.Conn) {
	client, frontend := net.Pipe()
	t.Cleanup(func() {
		_ = client.Close()
		_ = frontend.Close()
	})

	loginStart := &mcproto.LoginStart{Name: name, PlayerUuid: playerUuid, HasUuid: playerUuid != uuid.Nil}
	handshake := &mcproto.Handshake{ProtocolVersion: mcproto.ProtocolVersion1_20_2, ServerAddress: "localhost", ServerPort: 25565, NextState: mcproto.StateLogin}
	return NewSession(loginStart, handshake, frontend), client
}

// assertClosed expects the peer of client to be closed. A pipe refuses deadlines once its peer is
// gone, so the read is bounded by a timer instead.
func assertClosed(t *testing.T, client net.Conn) {
	t.Helper()
	readErr := make(chan error, 1)
	go func() {
		_, err := client.Read(make([]byte, 1))
		readErr <- err
	}()

	select {
	case err := <-readErr:
		assert.ErrorIs(t, err, io.EOF)
	case <-time.After(5 * time.Second):
		assert.Fail(t, "connection was not closed")
	}
}

func TestNewSession(t *testing.T) {
	playerUuid := uuid.MustParse("069a79f4-44e9-4726-a5be-fca90e38aaf5")
	session, _ := newPipeSession(t, "Alice", playerUuid)

	assert.Equal(t, "Alice", session.Name)
	assert.Equal(t, "069a79f444e94726a5befca90e38aaf5", session.UuidText)
	assert.Equal(t, "localhost", session.ServerAddress)
	assert.WithinDuration(t, time.Now(), session.ConnectedAt, time.Second)
	assert.Equal(t, &PlayerInfo{Name: "Alice", Uuid: playerUuid}, session.PlayerInfo())

	unknown, _ := newPipeSession(t, "Bob", uuid.Nil)
	assert.Equal(t, mcproto.UnknownPlayerUuid, unknown.UuidText)
}

func TestSession_CloseOnce(t *testing.T) {
	session, client := newPipeSession(t, "Alice", uuid.New())

	assert.NoError(t, session.Close())
	assert.NoError(t, session.Close(), "later closes report the first result")
	assertClosed(t, client)
}

func TestSessionRegistry_PutReplaces(t *testing.T) {
	registry := NewSessionRegistry()
	first, _ := newPipeSession(t, "Alice", uuid.New())
	second, _ := newPipeSession(t, "Alice", uuid.New())

	assert.Nil(t, registry.Put(first))
	assert.Same(t, first, registry.Put(second))
	assert.Equal(t, 1, registry.Len())

	current, ok := registry.Get("Alice")
	require.True(t, ok)
	assert.Same(t, second, current)
}

func TestSessionRegistry_RemoveSessionComparesIdentity(t *testing.T) {
	registry := NewSessionRegistry()
	first, _ := newPipeSession(t, "Alice", uuid.New())
	second, _ := newPipeSession(t, "Alice", uuid.New())

	registry.Put(first)
	registry.Put(second)

	assert.False(t, registry.RemoveSession(first), "a replaced session must not evict its replacement")
	assert.Equal(t, 1, registry.Len())
	assert.True(t, registry.RemoveSession(second))
	assert.Equal(t, 0, registry.Len())
	assert.False(t, registry.RemoveSession(second))
}

func TestSessionRegistry_Remove(t *testing.T) {
	registry := NewSessionRegistry()
	session, _ := newPipeSession(t, "Alice", uuid.New())
	registry.Put(session)

	assert.False(t, registry.Remove("Bob"))
	assert.True(t, registry.Remove("Alice"))
	assert.False(t, registry.Remove("Alice"))
}

func TestSessionRegistry_CloseAndRemove(t *testing.T) {
	playerUuid := uuid.MustParse("069a79f4-44e9-4726-a5be-fca90e38aaf5")

	tests := []struct {
		name   string
		target string
		found  bool
	}{
		{name: "exact name", target: "Alice", found: true},
		{name: "name in other case", target: "ALICE", found: true},
		{name: "dashed uuid", target: "069a79f4-44e9-4726-a5be-fca90e38aaf5", found: true},
		{name: "undashed uuid", target: "069a79f444e94726a5befca90e38aaf5", found: true},
		{name: "uppercase uuid", target: "069A79F444E94726A5BEFCA90E38AAF5", found: true},
		{name: "absent", target: "Bob", found: false},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			registry := NewSessionRegistry()
			session, client := newPipeSession(t, "Alice", playerUuid)
			registry.Put(session)

			removed, ok := registry.CloseAndRemove(test.target)
			assert.Equal(t, test.found, ok)
			if test.found {
				assert.Same(t, session, removed)
				assert.Equal(t, 0, registry.Len())
				assertClosed(t, client)
			} else {
				assert.Nil(t, removed)
				assert.Equal(t, 1, registry.Len())
			}
		})
	}
}

func TestSessionRegistry_UnknownUuidDoesNotMatchSentinel(t *testing.T) {
	registry := NewSessionRegistry()
	session, _ := newPipeSession(t, "Alice", uuid.Nil)
	registry.Put(session)

	_, ok := registry.CloseAndRemove(mcproto.UnknownPlayerUuid)
	assert.False(t, ok)
}

func TestSessionRegistry_SortedAndCloseAll(t *testing.T) {
	registry := NewSessionRegistry()
	var clients []net.Conn
	for i, name := range []string{"Carol", "Alice", "Bob"} {
		session, client := newPipeSession(t, name, uuid.New())
		session.ConnectedAt = time.Unix(int64(1000+i), 0)
		registry.Put(session)
		clients = append(clients, client)
	}

	var names []string
	for _, session := range registry.Sorted() {
		names = append(names, session.Name)
	}
	assert.Equal(t, []string{"Carol", "Alice", "Bob"}, names)

	assert.Equal(t, 3, registry.CloseAll())
	assert.Equal(t, 0, registry.Len())
	for _, client := range clients {
		assertClosed(t, client)
	}
}

func TestSessionRegistry_Concurrent(t *testing.T) {
	registry := NewSessionRegistry()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		session, _ := newPipeSession(t, fmt.Sprintf("player%d", i), uuid.New())
		wg.Add(1)
		go func() {
			defer wg.Done()
			registry.Put(session)
			_ = registry.Snapshot()
			_ = registry.Sorted()
		}()
	}
	wg.Wait()
	assert.Equal(t, 50, registry.Len())

	for i := 0; i < 50; i++ {
		name := fmt.Sprintf("player%d", i)
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, ok := registry.CloseAndRemove(name)
			assert.True(t, ok)
		}()
	}
	wg.Wait()
	assert.Equal(t, 0, registry.Len())
}
