package core

import (
	"errors"
	"fmt"
	"sync"

	"gospi/protocol"
)

// ErrUnknownCommand is returned by Dispatch for an id with no handler.
var ErrUnknownCommand = errors.New("unknown command")

// CommandHandler decodes its arguments from args and runs the command.
type CommandHandler func(args *protocol.Decoder) error

// Command is one entry of the command dictionary. Responses have no
// handler.
type Command struct {
	ID      uint16
	Name    string
	Format  string // e.g. "oid=%c data=%*s"
	Handler CommandHandler
}

// Signature is the dictionary key for the command: its name followed by
// its format.
func (c *Command) Signature() string {
	if c.Format == "" {
		return c.Name
	}
	return c.Name + " " + c.Format
}

// CommandRegistry assigns ids to commands and responses in registration
// order and dispatches incoming commands.
type CommandRegistry struct {
	mu       sync.RWMutex
	commands []*Command // indexed by id
	nameToID map[string]uint16
}

// NewCommandRegistry creates an empty registry.
func NewCommandRegistry() *CommandRegistry {
	return &CommandRegistry{
		nameToID: make(map[string]uint16),
	}
}

// Register adds a command and returns its id. Registering a name twice
// returns the existing id.
func (r *CommandRegistry) Register(name, format string, handler CommandHandler) uint16 {
	r.mu.Lock()
	defer r.mu.Unlock()

	if id, ok := r.nameToID[name]; ok {
		return id
	}
	id := uint16(len(r.commands))
	r.commands = append(r.commands, &Command{
		ID:      id,
		Name:    name,
		Format:  format,
		Handler: handler,
	})
	r.nameToID[name] = id
	return id
}

// RegisterResponse adds a response message (device to host).
func (r *CommandRegistry) RegisterResponse(name, format string) uint16 {
	return r.Register(name, format, nil)
}

// Lookup returns the command with the given id.
func (r *CommandRegistry) Lookup(id uint16) (*Command, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if int(id) >= len(r.commands) {
		return nil, false
	}
	return r.commands[id], true
}

// LookupName returns the command registered under name.
func (r *CommandRegistry) LookupName(name string) (*Command, bool) {
	r.mu.RLock()
	id, ok := r.nameToID[name]
	r.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return r.Lookup(id)
}

// Count returns the number of registered commands and responses.
func (r *CommandRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.commands)
}

// Dispatch runs the handler for cmdID. It matches
// protocol.CommandHandler, so a registry plugs straight into a Transport.
func (r *CommandRegistry) Dispatch(cmdID uint16, args *protocol.Decoder) error {
	cmd, ok := r.Lookup(cmdID)
	if !ok || cmd.Handler == nil {
		return fmt.Errorf("%w: id %d", ErrUnknownCommand, cmdID)
	}
	if err := cmd.Handler(args); err != nil {
		return fmt.Errorf("%s: %w", cmd.Name, err)
	}
	return nil
}

// CommandsAndResponses returns the signature-to-id maps of the dictionary.
func (r *CommandRegistry) CommandsAndResponses() (commands, responses map[string]int) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	commands = make(map[string]int)
	responses = make(map[string]int)
	for _, cmd := range r.commands {
		if cmd.Handler != nil {
			commands[cmd.Signature()] = int(cmd.ID)
		} else {
			responses[cmd.Signature()] = int(cmd.ID)
		}
	}
	return commands, responses
}
