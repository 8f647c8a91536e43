// Package memory — in-process реализация realtime-транспорта.
// Hub держит каналы и реестры присутствия в памяти и доставляет события
// синхронно в горутине отправителя. Используется в режиме loopback
// (REALTIME_BACKEND=memory) и в тестах: ведёт журнал операций и умеет
// имитировать обрыв соединения конкретного клиента (Drop/Restore).
package memory

import (
	"encoding/json"
	"fmt"
	"sync"

	"clofri/internal/domain/realtime"
	"clofri/internal/infra/logger"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// OpKind — вид операции в журнале.
type OpKind string

const (
	OpSubscribe   OpKind = "subscribe"
	OpTrack       OpKind = "track"
	OpUntrack     OpKind = "untrack"
	OpSend        OpKind = "send"
	OpUnsubscribe OpKind = "unsubscribe"
)

// Op — запись журнала операций клиента.
type Op struct {
	Client  string
	Channel string
	Kind    OpKind
	Event   string
}

// Hub — общий «сервер» для всех клиентов процесса.
type Hub struct {
	mu      sync.Mutex
	topics  map[string]*topic
	handles map[string][]*Channel // clientID -> все открытые handle
	down    map[string]bool
	ops     []Op
}

type topic struct {
	subs     []*Channel
	presence map[string][]presenceEntry
}

type presenceEntry struct {
	owner *Channel
	state json.RawMessage
}

// NewHub создаёт пустой хаб.
func NewHub() *Hub {
	return &Hub{
		topics:  make(map[string]*topic),
		handles: make(map[string][]*Channel),
		down:    make(map[string]bool),
	}
}

// Client возвращает транспорт для клиента id. Пустой id заменяется случайным.
func (h *Hub) Client(id string) *Client {
	if id == "" {
		id = uuid.NewString()
	}
	return &Client{hub: h, id: id}
}

// Ops возвращает копию журнала операций.
func (h *Hub) Ops() []Op {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Op, len(h.ops))
	copy(out, h.ops)
	return out
}

// CountOps считает операции клиента client вида kind (пустые фильтры = любые).
func (h *Hub) CountOps(client string, kind OpKind) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, op := range h.ops {
		if (client == "" || op.Client == client) && (kind == "" || op.Kind == kind) {
			n++
		}
	}
	return n
}

// Subscribers возвращает число подписанных handle на канале name.
func (h *Hub) Subscribers(name string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if t, ok := h.topics[name]; ok {
		return len(t.subs)
	}
	return 0
}

// Drop имитирует обрыв соединения клиента: все его каналы теряют подписку,
// его записи присутствия удаляются у остальных, сам клиент получает
// ChannelError и пустой реестр.
func (h *Hub) Drop(clientID string) {
	h.mu.Lock()
	h.down[clientID] = true
	var affected, notify []*Channel
	for _, t := range h.topics {
		kept := t.subs[:0]
		removed := false
		for _, ch := range t.subs {
			if ch.client.id == clientID {
				affected = append(affected, ch)
				removed = true
				continue
			}
			kept = append(kept, ch)
		}
		t.subs = kept
		if removed && t.removePresenceOf(clientID) {
			notify = append(notify, t.subs...)
		}
	}
	h.mu.Unlock()

	logger.Debug("memory hub: client dropped", zap.String("client", clientID), zap.Int("channels", len(affected)))
	for _, ch := range affected {
		ch.setJoined(false)
		ch.reportStatus(realtime.ChannelError)
		ch.firePresenceSync()
	}
	for _, ch := range notify {
		ch.firePresenceSync()
	}
}

// Restore возвращает клиента в сеть: каналы, подписанные до Drop,
// переподписываются и получают Subscribed. Записи присутствия клиент
// публикует заново сам.
func (h *Hub) Restore(clientID string) {
	h.mu.Lock()
	delete(h.down, clientID)
	handles := append([]*Channel(nil), h.handles[clientID]...)
	h.mu.Unlock()

	logger.Debug("memory hub: client restored", zap.String("client", clientID))
	for _, ch := range handles {
		if ch.wantsJoin() && !ch.isJoined() {
			h.join(ch)
		}
	}
}

// join подписывает handle и сообщает ему Subscribed и снимок реестра.
func (h *Hub) join(ch *Channel) {
	h.mu.Lock()
	if h.down[ch.client.id] {
		h.mu.Unlock()
		ch.reportStatus(realtime.ChannelError)
		return
	}
	t := h.topicLocked(ch.name)
	for _, s := range t.subs {
		if s == ch {
			h.mu.Unlock()
			return
		}
	}
	t.subs = append(t.subs, ch)
	h.recordLocked(ch, OpSubscribe, "")
	h.mu.Unlock()

	ch.setJoined(true)
	ch.reportStatus(realtime.Subscribed)
	ch.firePresenceSync()
}

// leave отписывает handle и удаляет его запись присутствия.
func (h *Hub) leave(ch *Channel) {
	h.mu.Lock()
	var notify []*Channel
	if t, ok := h.topics[ch.name]; ok {
		for i, s := range t.subs {
			if s == ch {
				t.subs = append(t.subs[:i], t.subs[i+1:]...)
				break
			}
		}
		if t.removePresenceOfHandle(ch) {
			notify = append(notify, t.subs...)
		}
		if len(t.subs) == 0 && len(t.presence) == 0 {
			delete(h.topics, ch.name)
		}
	}
	handles := h.handles[ch.client.id]
	for i, s := range handles {
		if s == ch {
			h.handles[ch.client.id] = append(handles[:i], handles[i+1:]...)
			break
		}
	}
	h.recordLocked(ch, OpUnsubscribe, "")
	h.mu.Unlock()

	for _, s := range notify {
		s.firePresenceSync()
	}
}

// track кладёт (или заменяет) запись handle в реестр канала.
func (h *Hub) track(ch *Channel, state json.RawMessage) error {
	h.mu.Lock()
	t, ok := h.topics[ch.name]
	if !ok || !t.hasSub(ch) {
		h.mu.Unlock()
		return h.errNotSubscribed(ch)
	}
	entries := t.presence[ch.presenceKey]
	replaced := false
	for i := range entries {
		if entries[i].owner == ch {
			entries[i].state = state
			replaced = true
			break
		}
	}
	if !replaced {
		t.presence[ch.presenceKey] = append(entries, presenceEntry{owner: ch, state: state})
	}
	subs := append([]*Channel(nil), t.subs...)
	h.recordLocked(ch, OpTrack, "")
	h.mu.Unlock()

	for _, s := range subs {
		s.firePresenceSync()
	}
	return nil
}

func (h *Hub) untrack(ch *Channel) error {
	h.mu.Lock()
	t, ok := h.topics[ch.name]
	if !ok || !t.hasSub(ch) {
		h.mu.Unlock()
		return h.errNotSubscribed(ch)
	}
	removed := t.removePresenceOfHandle(ch)
	subs := append([]*Channel(nil), t.subs...)
	h.recordLocked(ch, OpUntrack, "")
	h.mu.Unlock()

	if removed {
		for _, s := range subs {
			s.firePresenceSync()
		}
	}
	return nil
}

// send доставляет событие всем подписчикам канала, кроме отправителя.
func (h *Hub) send(ch *Channel, event string, payload json.RawMessage) error {
	h.mu.Lock()
	t, ok := h.topics[ch.name]
	if !ok || !t.hasSub(ch) {
		h.mu.Unlock()
		return h.errNotSubscribed(ch)
	}
	targets := make([]*Channel, 0, len(t.subs))
	for _, s := range t.subs {
		if s != ch {
			targets = append(targets, s)
		}
	}
	h.recordLocked(ch, OpSend, event)
	h.mu.Unlock()

	for _, s := range targets {
		s.deliver(event, payload)
	}
	return nil
}

func (h *Hub) register(ch *Channel) {
	h.mu.Lock()
	h.handles[ch.client.id] = append(h.handles[ch.client.id], ch)
	h.mu.Unlock()
}

func (h *Hub) snapshot(name string) map[string][]json.RawMessage {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := map[string][]json.RawMessage{}
	t, ok := h.topics[name]
	if !ok {
		return out
	}
	for key, entries := range t.presence {
		list := make([]json.RawMessage, 0, len(entries))
		for _, e := range entries {
			list = append(list, append(json.RawMessage(nil), e.state...))
		}
		out[key] = list
	}
	return out
}

func (h *Hub) recordLocked(ch *Channel, kind OpKind, event string) {
	h.ops = append(h.ops, Op{Client: ch.client.id, Channel: ch.name, Kind: kind, Event: event})
}

func (h *Hub) topicLocked(name string) *topic {
	t, ok := h.topics[name]
	if !ok {
		t = &topic{presence: make(map[string][]presenceEntry)}
		h.topics[name] = t
	}
	return t
}

func (h *Hub) errNotSubscribed(ch *Channel) error {
	return fmt.Errorf("%w: %s", realtime.ErrUnsubscribed, ch.name)
}

func (t *topic) hasSub(ch *Channel) bool {
	for _, s := range t.subs {
		if s == ch {
			return true
		}
	}
	return false
}

// removePresenceOf удаляет записи всех handle клиента. Возвращает true, если что-то удалено.
func (t *topic) removePresenceOf(clientID string) bool {
	removed := false
	for key, entries := range t.presence {
		kept := entries[:0]
		for _, e := range entries {
			if e.owner.client.id == clientID {
				removed = true
				continue
			}
			kept = append(kept, e)
		}
		if len(kept) == 0 {
			delete(t.presence, key)
		} else {
			t.presence[key] = kept
		}
	}
	return removed
}

// removePresenceOfHandle удаляет запись конкретного handle.
func (t *topic) removePresenceOfHandle(ch *Channel) bool {
	entries, ok := t.presence[ch.presenceKey]
	if !ok {
		return false
	}
	for i, e := range entries {
		if e.owner == ch {
			entries = append(entries[:i], entries[i+1:]...)
			if len(entries) == 0 {
				delete(t.presence, ch.presenceKey)
			} else {
				t.presence[ch.presenceKey] = entries
			}
			return true
		}
	}
	return false
}

// Client — транспорт одного клиента хаба.
type Client struct {
	hub *Hub
	id  string
}

// ID возвращает идентификатор клиента.
func (c *Client) ID() string { return c.id }

// Channel создаёт новый handle канала name.
func (c *Client) Channel(name string, opts realtime.ChannelOptions) realtime.Channel {
	key := opts.PresenceKey
	if key == "" {
		key = c.id
	}
	ch := &Channel{
		client:      c,
		name:        name,
		presenceKey: key,
		handlers:    make(map[string][]func(json.RawMessage)),
	}
	c.hub.register(ch)
	return ch
}

var _ realtime.Transport = (*Client)(nil)
