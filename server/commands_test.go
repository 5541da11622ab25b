package server

import (
	"net"
	"strings"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePlayerDirectory struct {
	sessions []*Session
	kicked   []string
	reasons  []string
}

func (f *fakePlayerDirectory) List() []*Session {
	return f.sessions
}

func (f *fakePlayerDirectory) Kick(target string, reason string) bool {
	for _, session := range f.sessions {
		if session.matches(target) {
			f.kicked = append(f.kicked, target)
			f.reasons = append(f.reasons, reason)
			return true
		}
	}
	return false
}

func testSession(name string, uuidText string) *Session {
	return &Session{
		Name:        name,
		UuidText:    uuidText,
		HasUuid:     uuidText != "unknown",
		ClientAddr:  &net.TCPAddr{IP: net.IPv4(192, 168, 1, 10), Port: 50000},
		ConnectedAt: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}
}

func newTestCommands(players PlayerDirectory, reloader func() error) *CommandRegistry {
	registry := NewCommandRegistry()
	RegisterBuiltinCommands(registry, players, reloader)
	return registry
}

func TestCommandRegistry_Help(t *testing.T) {
	registry := newTestCommands(&fakePlayerDirectory{}, func() error { return nil })

	output := registry.Execute("help")
	assert.Equal(t, []string{
		"help - Show the available commands",
		"kick - Disconnect a player: kick <name|uuid> [reason]",
		"list - List the connected players",
		"reload - Re-read the settings file",
	}, strings.Split(output, "\n"))
}

func TestCommandRegistry_NoReloadWithoutReloader(t *testing.T) {
	registry := newTestCommands(&fakePlayerDirectory{}, nil)

	_, ok := registry.Get("reload")
	assert.False(t, ok)
}

func TestCommandRegistry_UnknownAndEmpty(t *testing.T) {
	registry := newTestCommands(&fakePlayerDirectory{}, nil)

	assert.Equal(t, "", registry.Execute("   "))
	assert.Equal(t, "Unknown command: stop. Type 'help' for a list of commands.", registry.Execute("stop now"))
}

func TestCommandRegistry_List(t *testing.T) {
	players := &fakePlayerDirectory{}
	registry := newTestCommands(players, nil)

	assert.Equal(t, "No players connected.", registry.Execute("list"))

	players.sessions = []*Session{
		testSession("Alice", "069a79f444e94726a5befca90e38aaf5"),
		testSession("Bob", "unknown"),
	}
	output := registry.Execute("LIST")
	assert.Contains(t, output, "Alice")
	assert.Contains(t, output, "069a79f444e94726a5befca90e38aaf5")
	assert.Contains(t, output, "Bob")
	assert.Contains(t, output, "192.168.1.10:50000")
	assert.Contains(t, output, "2024-05-01T12:00:00Z")
	assert.Less(t, strings.Index(output, "Alice"), strings.Index(output, "Bob"))
}

func TestCommandRegistry_Kick(t *testing.T) {
	players := &fakePlayerDirectory{sessions: []*Session{testSession("Alice", "069a79f444e94726a5befca90e38aaf5")}}
	registry := newTestCommands(players, nil)

	assert.Equal(t, "Error: usage: kick <name|uuid> [reason]", registry.Execute("kick"))
	assert.Equal(t, "Player not found: Bob", registry.Execute("kick Bob"))
	assert.Equal(t, "Kicked alice", registry.Execute("kick alice"))
	assert.Equal(t, "Kicked 069a79f4-44e9-4726-a5be-fca90e38aaf5", registry.Execute("kick 069a79f4-44e9-4726-a5be-fca90e38aaf5 too much lag"))

	require.Len(t, players.reasons, 2)
	assert.Equal(t, defaultKickReason, players.reasons[0])
	assert.Equal(t, "too much lag", players.reasons[1])
}

func TestCommandRegistry_Reload(t *testing.T) {
	calls := 0
	var failure error
	registry := newTestCommands(&fakePlayerDirectory{}, func() error {
		calls++
		return failure
	})

	assert.Equal(t, "Settings reloaded", registry.Execute("reload"))
	failure = errors.New("bad yaml")
	assert.Equal(t, "Error: reload failed: bad yaml", registry.Execute("reload"))
	assert.Equal(t, 2, calls)
}

func TestCommandRegistry_RegisterCustom(t *testing.T) {
	registry := newTestCommands(&fakePlayerDirectory{}, nil)
	registry.Register(NewCommand("echo", "Echo the arguments", func(args []string) (string, error) {
		return strings.Join(args, " "), nil
	}))

	assert.Equal(t, "hello there", registry.Execute("echo hello there"))
	assert.Len(t, registry.All(), 4)
	assert.Contains(t, registry.Execute("help"), "echo - Echo the arguments")
}
