package models

import (
	"encoding/json"
	"fmt"
)

// Command types understood by the agent in RPC mode.
const (
	CommandPrompt      = "prompt"
	CommandNewSession  = "new_session"
	CommandSteer       = "steer"
	CommandFollowUp    = "follow_up"
	CommandAbort       = "abort"
	CommandGetState    = "get_state"
	CommandGetMessages = "get_messages"
	CommandCompact     = "compact"
)

// ImageContent is an inline image attached to a prompt.
type ImageContent struct {
	Type     string `json:"type"`
	Data     string `json:"data"`
	MimeType string `json:"mimeType"`
}

// NewImage returns an image block for base64 data.
func NewImage(data, mimeType string) ImageContent {
	return ImageContent{Type: "image", Data: data, MimeType: mimeType}
}

// Command is one outgoing agent command.
type Command struct {
	Type               string         `json:"type"`
	Message            string         `json:"message,omitempty"`
	Images             []ImageContent `json:"images,omitempty"`
	CustomInstructions string         `json:"customInstructions,omitempty"`
}

// Envelope wraps a command that expects a correlated response.
type Envelope struct {
	ID      string  `json:"id"`
	Type    string  `json:"type"`
	Command Command `json:"command"`
}

// Prompt builds a prompt command.
func Prompt(message string, images ...ImageContent) Command {
	return Command{Type: CommandPrompt, Message: message, Images: images}
}

// Steer builds a steer command, interrupting the current run with new input.
func Steer(message string) Command {
	return Command{Type: CommandSteer, Message: message}
}

// FollowUp builds a follow_up command, queued after the current run.
func FollowUp(message string) Command {
	return Command{Type: CommandFollowUp, Message: message}
}

// Abort builds an abort command.
func Abort() Command { return Command{Type: CommandAbort} }

// NewSession builds a new_session command.
func NewSession() Command { return Command{Type: CommandNewSession} }

// GetState builds a get_state command.
func GetState() Command { return Command{Type: CommandGetState} }

// GetMessages builds a get_messages command.
func GetMessages() Command { return Command{Type: CommandGetMessages} }

// Compact builds a compact command with optional instructions.
func Compact(instructions string) Command {
	return Command{Type: CommandCompact, CustomInstructions: instructions}
}

// ParseCommand decodes a command submitted by a consumer and checks its type.
func ParseCommand(data []byte) (Command, error) {
	var cmd Command
	if err := json.Unmarshal(data, &cmd); err != nil {
		return Command{}, fmt.Errorf("invalid command: %w", err)
	}
	if !ValidCommandType(cmd.Type) {
		return Command{}, fmt.Errorf("unknown command type: %q", cmd.Type)
	}
	return cmd, nil
}

// ValidCommandType reports whether t names a known command.
func ValidCommandType(t string) bool {
	switch t {
	case CommandPrompt, CommandNewSession, CommandSteer, CommandFollowUp,
		CommandAbort, CommandGetState, CommandGetMessages, CommandCompact:
		return true
	}
	return false
}
