package server

import (
	"bytes"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/pkg/errors"
)

const defaultKickReason = "Kicked by an operator"

// Command is a management operation reachable by name from the API or any other command surface.
type Command interface {
	Name() string
	Description() string
	Execute(args []string) (string, error)
}

// PlayerDirectory is the view of the connected players that the built-in commands operate on.
type PlayerDirectory interface {
	List() []*Session
	Kick(target string, reason string) bool
}

type CommandRegistry struct {
	sync.RWMutex
	commands map[string]Command
}

func NewCommandRegistry() *CommandRegistry {
	return &CommandRegistry{
		commands: make(map[string]Command),
	}
}

// Register adds cmd, replacing any command already registered under the same name.
func (r *CommandRegistry) Register(cmd Command) {
	r.Lock()
	defer r.Unlock()
	r.commands[strings.ToLower(cmd.Name())] = cmd
}

func (r *CommandRegistry) Get(name string) (Command, bool) {
	r.RLock()
	defer r.RUnlock()
	cmd, ok := r.commands[strings.ToLower(name)]
	return cmd, ok
}

// All returns the registered commands ordered by name.
func (r *CommandRegistry) All() []Command {
	r.RLock()
	result := make([]Command, 0, len(r.commands))
	for _, cmd := range r.commands {
		result = append(result, cmd)
	}
	r.RUnlock()

	sort.Slice(result, func(i, j int) bool {
		return result[i].Name() < result[j].Name()
	})
	return result
}

// Execute splits line into a command name and its arguments, runs the command and returns the
// text to show the operator.
func (r *CommandRegistry) Execute(line string) string {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return ""
	}

	cmd, ok := r.Get(fields[0])
	if !ok {
		return fmt.Sprintf("Unknown command: %s. Type 'help' for a list of commands.", fields[0])
	}

	output, err := cmd.Execute(fields[1:])
	if err != nil {
		return "Error: " + err.Error()
	}
	return output
}

type commandFunc struct {
	name        string
	description string
	execute     func(args []string) (string, error)
}

func (c *commandFunc) Name() string {
	return c.name
}

func (c *commandFunc) Description() string {
	return c.description
}

func (c *commandFunc) Execute(args []string) (string, error) {
	return c.execute(args)
}

// NewCommand adapts a function into a Command.
func NewCommand(name, description string, execute func(args []string) (string, error)) Command {
	return &commandFunc{name: name, description: description, execute: execute}
}

// RegisterBuiltinCommands registers help, list, kick and reload. The reload command is only
// registered when reloader is non-nil.
func RegisterBuiltinCommands(registry *CommandRegistry, players PlayerDirectory, reloader func() error) {
	registry.Register(NewCommand("help", "Show the available commands", func(args []string) (string, error) {
		var lines []string
		for _, cmd := range registry.All() {
			lines = append(lines, fmt.Sprintf("%s - %s", cmd.Name(), cmd.Description()))
		}
		return strings.Join(lines, "\n"), nil
	}))

	registry.Register(NewCommand("list", "List the connected players", func(args []string) (string, error) {
		return FormatSessions(players.List()), nil
	}))

	registry.Register(NewCommand("kick", "Disconnect a player: kick <name|uuid> [reason]", func(args []string) (string, error) {
		if len(args) == 0 {
			return "", errors.New("usage: kick <name|uuid> [reason]")
		}
		reason := defaultKickReason
		if len(args) > 1 {
			reason = strings.Join(args[1:], " ")
		}
		if !players.Kick(args[0], reason) {
			return fmt.Sprintf("Player not found: %s", args[0]), nil
		}
		return fmt.Sprintf("Kicked %s", args[0]), nil
	}))

	if reloader != nil {
		registry.Register(NewCommand("reload", "Re-read the settings file", func(args []string) (string, error) {
			if err := reloader(); err != nil {
				return "", errors.Wrap(err, "reload failed")
			}
			return "Settings reloaded", nil
		}))
	}
}

// FormatSessions renders sessions as a table of name, UUID, client address and connection time.
func FormatSessions(sessions []*Session) string {
	if len(sessions) == 0 {
		return "No players connected."
	}

	var buf bytes.Buffer
	tw := tablewriter.NewWriter(&buf)
	tw.SetHeader([]string{"Name", "UUID", "Client", "Connected"})
	tw.SetAutoWrapText(false)
	for _, session := range sessions {
		tw.Append([]string{
			session.Name,
			session.UuidText,
			fmt.Sprint(session.ClientAddr),
			session.ConnectedAt.Format(time.RFC3339),
		})
	}
	tw.Render()

	return strings.TrimRight(buf.String(), "\n")
}
