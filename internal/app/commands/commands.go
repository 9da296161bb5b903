// Package commands defines the command contract shared by the job hosts.
package commands

import (
	"context"
	"time"
)

// CommandType identifies a command kind.
type CommandType string

// Handler defines the interface for processing commands
type Handler interface {
	Handle(ctx context.Context, cmd Command) error
}

// Command represents a base command interface
type Command interface {
	CommandType() CommandType
	OccurredAt() time.Time
	CommandID() string
	ValidateCommand() error
}
