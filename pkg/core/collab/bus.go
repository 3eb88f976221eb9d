// Package collab carries opaque messages between a bridge session and the
// out-of-band agents (the nested agent team and the code agent) that observe
// and steer it without speaking the realtime media protocol.
package collab

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/vango-go/vai-bridge/pkg/core/eventlog"
)

// Message types understood by the bridge. Any other type is relayed into the
// event log untouched.
const (
	TypeTask         = "task"
	TypeMessage      = "message"
	TypeToolResult   = "tool_result"
	TypeInjectText   = "inject_text"
	TypeSessionEnded = "session_ended"
)

// Port.Send fails with ErrNoPeer when no agent is connected; Peer.Publish
// fails with ErrNoSession when no bridge session is attached.
var (
	ErrNoPeer       = errors.New("collab: no agent connected")
	ErrNoSession    = errors.New("collab: no bridge session attached")
	ErrBackpressure = errors.New("collab: receiver buffer full")
	ErrDetached     = errors.New("collab: detached")
)

// Message is one unit exchanged over a Bus.
type Message struct {
	ConversationID string          `json:"conversation_id,omitempty"`
	Source         eventlog.Source `json:"source,omitempty"`
	Type           string          `json:"type"`
	CallID         string          `json:"call_id,omitempty"`
	Text           string          `json:"text,omitempty"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	IsError        bool            `json:"is_error,omitempty"`
	At             time.Time       `json:"at,omitempty"`
}

// Bus connects bridge sessions to agents of one kind, keyed by conversation.
// A conversation has at most one attached session port and any number of
// agent peers.
type Bus struct {
	source eventlog.Source
	buffer int

	mu    sync.Mutex
	links map[string]*link
}

type link struct {
	port  *Port
	peers map[*Peer]struct{}
}

func NewBus(source eventlog.Source, buffer int) *Bus {
	if buffer <= 0 {
		buffer = 64
	}
	return &Bus{
		source: source,
		buffer: buffer,
		links:  make(map[string]*link),
	}
}

// Source is the event log source tag of the agents on this bus.
func (b *Bus) Source() eventlog.Source {
	return b.source
}

func (b *Bus) linkLocked(conversationID string) *link {
	l := b.links[conversationID]
	if l == nil {
		l = &link{peers: make(map[*Peer]struct{})}
		b.links[conversationID] = l
	}
	return l
}

func (b *Bus) pruneLocked(conversationID string, l *link) {
	if l.port == nil && len(l.peers) == 0 {
		delete(b.links, conversationID)
	}
}

// Attach binds a session to the conversation. A previously attached port is
// detached.
func (b *Bus) Attach(conversationID string) *Port {
	p := &Port{
		bus:            b,
		conversationID: conversationID,
		inbound:        make(chan Message, b.buffer),
	}
	b.mu.Lock()
	l := b.linkLocked(conversationID)
	old := l.port
	l.port = p
	b.mu.Unlock()

	if old != nil {
		old.detach()
	}
	return p
}

// Connect registers an agent peer for the conversation.
func (b *Bus) Connect(conversationID string) *Peer {
	p := &Peer{
		bus:            b,
		conversationID: conversationID,
		outbound:       make(chan Message, b.buffer),
		done:           make(chan struct{}),
	}
	b.mu.Lock()
	b.linkLocked(conversationID).peers[p] = struct{}{}
	b.mu.Unlock()
	return p
}

// Peers returns the number of agents connected for the conversation.
func (b *Bus) Peers(conversationID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if l := b.links[conversationID]; l != nil {
		return len(l.peers)
	}
	return 0
}

// Attached reports whether a session port is bound to the conversation.
func (b *Bus) Attached(conversationID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	l := b.links[conversationID]
	return l != nil && l.port != nil
}

// Port is the session side of a conversation link.
type Port struct {
	bus            *Bus
	conversationID string
	inbound        chan Message

	mu       sync.Mutex
	detached bool
}

// Inbound yields messages published by agents. It is never closed; Close
// simply stops delivery.
func (p *Port) Inbound() <-chan Message {
	return p.inbound
}

// Send delivers msg to every connected agent without blocking. Agents whose
// buffer is full miss the message. It fails with ErrNoPeer when nobody
// received it.
func (p *Port) Send(msg Message) error {
	p.mu.Lock()
	detached := p.detached
	p.mu.Unlock()
	if detached {
		return ErrDetached
	}
	msg.ConversationID = p.conversationID
	if msg.Source == "" {
		msg.Source = eventlog.SourceVoice
	}
	if msg.At.IsZero() {
		msg.At = time.Now().UTC()
	}

	b := p.bus
	b.mu.Lock()
	var peers []*Peer
	if l := b.links[p.conversationID]; l != nil {
		for peer := range l.peers {
			peers = append(peers, peer)
		}
	}
	b.mu.Unlock()

	if len(peers) == 0 {
		return ErrNoPeer
	}
	delivered := 0
	for _, peer := range peers {
		if peer.deliver(msg) {
			delivered++
		}
	}
	if delivered == 0 {
		return ErrBackpressure
	}
	return nil
}

// Close detaches the port from the bus. Connected agents are told the
// session ended.
func (p *Port) Close() {
	b := p.bus
	b.mu.Lock()
	l := b.links[p.conversationID]
	var peers []*Peer
	if l != nil && l.port == p {
		l.port = nil
		for peer := range l.peers {
			peers = append(peers, peer)
		}
		b.pruneLocked(p.conversationID, l)
	}
	b.mu.Unlock()

	if !p.detach() {
		return
	}
	ended := Message{
		ConversationID: p.conversationID,
		Source:         eventlog.SourceController,
		Type:           TypeSessionEnded,
		At:             time.Now().UTC(),
	}
	for _, peer := range peers {
		peer.deliver(ended)
	}
}

func (p *Port) detach() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.detached {
		return false
	}
	p.detached = true
	return true
}

func (p *Port) receive(msg Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.detached {
		return ErrNoSession
	}
	select {
	case p.inbound <- msg:
		return nil
	default:
		return ErrBackpressure
	}
}

// Peer is the agent side of a conversation link.
type Peer struct {
	bus            *Bus
	conversationID string
	outbound       chan Message

	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

// Outbound yields messages sent by the session. It is never closed; use Done
// to learn when the peer was closed.
func (p *Peer) Outbound() <-chan Message {
	return p.outbound
}

func (p *Peer) Done() <-chan struct{} {
	return p.done
}

// Publish hands msg to the attached session, tagged with the bus source.
func (p *Peer) Publish(msg Message) error {
	msg.ConversationID = p.conversationID
	msg.Source = p.bus.source
	if msg.At.IsZero() {
		msg.At = time.Now().UTC()
	}

	b := p.bus
	b.mu.Lock()
	var port *Port
	if l := b.links[p.conversationID]; l != nil {
		port = l.port
	}
	b.mu.Unlock()

	if port == nil {
		return ErrNoSession
	}
	return port.receive(msg)
}

// Close removes the peer from the bus. It is idempotent.
func (p *Peer) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.done)
	p.mu.Unlock()

	b := p.bus
	b.mu.Lock()
	if l := b.links[p.conversationID]; l != nil {
		delete(l.peers, p)
		b.pruneLocked(p.conversationID, l)
	}
	b.mu.Unlock()
}

func (p *Peer) deliver(msg Message) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}
	select {
	case p.outbound <- msg:
		return true
	default:
		return false
	}
}
