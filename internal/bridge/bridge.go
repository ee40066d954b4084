// Package bridge is the typed publish/subscribe channel between UI input
// surfaces and the stream session manager. It is created by the application
// root and its subscriber set can be inspected.
package bridge

import (
	"sync"
	"time"

	"x402chat/internal/logging"
)

// CommandKind is the kind of a UI request.
type CommandKind string

const (
	CommandSend       CommandKind = "send"
	CommandStop       CommandKind = "stop"
	CommandRegenerate CommandKind = "regenerate"
)

// Command is a UI request targeting one conversation.
type Command struct {
	Kind           CommandKind
	ConversationID string
	Text           string // send only
}

// StateChange is published by the session manager back to UI components.
// Err carries a user-visible stream failure; Notice a deferred action.
type StateChange struct {
	ConversationID string
	Phase          string
	StartedAt      time.Time
	Err            error
	Notice         string
}

type commandSub struct {
	id int
	fn func(Command)
}

type stateSub struct {
	id int
	fn func(StateChange)
}

// Bridge delivers synchronously, in publish order, on the publisher's
// goroutine. Handlers must not block.
type Bridge struct {
	mu       sync.RWMutex
	commands []commandSub
	states   []stateSub
	nextID   int
	closed   bool
}

// New creates an empty bridge.
func New() *Bridge {
	return &Bridge{}
}

// Send requests a send of text in conversationID.
func (b *Bridge) Send(conversationID, text string) int {
	return b.publishCommand(Command{Kind: CommandSend, ConversationID: conversationID, Text: text})
}

// Stop requests that the live turn in conversationID be halted.
func (b *Bridge) Stop(conversationID string) int {
	return b.publishCommand(Command{Kind: CommandStop, ConversationID: conversationID})
}

// Regenerate requests a fresh answer to the last user message.
func (b *Bridge) Regenerate(conversationID string) int {
	return b.publishCommand(Command{Kind: CommandRegenerate, ConversationID: conversationID})
}

// OnCommand subscribes fn to UI commands.
func (b *Bridge) OnCommand(fn func(Command)) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return func() {}
	}
	id := b.nextID
	b.nextID++
	b.commands = append(b.commands, commandSub{id: id, fn: fn})
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, s := range b.commands {
			if s.id == id {
				b.commands = append(b.commands[:i:i], b.commands[i+1:]...)
				return
			}
		}
	}
}

// OnState subscribes fn to state changes.
func (b *Bridge) OnState(fn func(StateChange)) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return func() {}
	}
	id := b.nextID
	b.nextID++
	b.states = append(b.states, stateSub{id: id, fn: fn})
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, s := range b.states {
			if s.id == id {
				b.states = append(b.states[:i:i], b.states[i+1:]...)
				return
			}
		}
	}
}

// PublishState delivers sc to every state subscriber and returns how many
// received it.
func (b *Bridge) PublishState(sc StateChange) int {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return 0
	}
	subs := make([]func(StateChange), len(b.states))
	for i, s := range b.states {
		subs[i] = s.fn
	}
	b.mu.RUnlock()

	for _, fn := range subs {
		fn(sc)
	}
	return len(subs)
}

// Subscribers reports the current number of command and state subscribers.
func (b *Bridge) Subscribers() (commands, states int) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.commands), len(b.states)
}

// Close drops every subscriber. Later publishes are no-ops.
func (b *Bridge) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.commands = nil
	b.states = nil
}

func (b *Bridge) publishCommand(c Command) int {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return 0
	}
	subs := make([]func(Command), len(b.commands))
	for i, s := range b.commands {
		subs[i] = s.fn
	}
	b.mu.RUnlock()

	logging.BridgeDebug("%s -> %s (%d subscribers)", c.Kind, c.ConversationID, len(subs))
	for _, fn := range subs {
		fn(c)
	}
	return len(subs)
}
