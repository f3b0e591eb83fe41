// Package ws — WebSocket-доставка событий шины пользователям.
//
// На каждого подключённого пользователя хуб держит одну подписку на его тему
// и пересылает события во все его соединения. Входящие события клиента:
// typing, message_read, channel_read.
package ws

import (
	"context"
	"sync"
	"time"

	"github.com/teamchat/internal/config"
	"github.com/teamchat/internal/logger"
	"github.com/teamchat/internal/metrics"
	"github.com/teamchat/internal/model"
	"github.com/teamchat/internal/pubsub"
	"github.com/teamchat/internal/service"
)

const actionTimeout = 5 * time.Second

// Typer — service.ChannelService.
type Typer interface {
	Typing(ctx context.Context, p model.Principal, channelID string) error
}

// Reader — service.MessageService.
type Reader interface {
	MarkRead(ctx context.Context, p model.Principal, messageID string) (model.ReadReceipt, bool, error)
	MarkChannelRead(ctx context.Context, p model.Principal, channelID string) error
}

// userSub: ready закрывается, когда подписка на шину открыта.
type userSub struct {
	cancel context.CancelFunc
	ready  chan struct{}
}

type Hub struct {
	mu      sync.RWMutex
	clients map[string]map[*Client]struct{}
	// subs — подписка пользователя на шину.
	subs  map[string]*userSub
	total int

	cfg    config.WSConfig
	bus    pubsub.Subscriber
	typer  Typer
	reader Reader

	register   chan *Client
	unregister chan *Client
	done       chan struct{}
	doneOnce   sync.Once
	forwarders sync.WaitGroup
}

func NewHub(bus pubsub.Subscriber, typer Typer, reader Reader, cfg config.WSConfig) *Hub {
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = 10000
	}
	if cfg.SendBufferSize <= 0 {
		cfg.SendBufferSize = 256
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = 4096
	}
	return &Hub{
		clients:    make(map[string]map[*Client]struct{}),
		subs:       make(map[string]*userSub),
		cfg:        cfg,
		bus:        bus,
		typer:      typer,
		reader:     reader,
		register:   make(chan *Client, 64),
		unregister: make(chan *Client, 64),
		done:       make(chan struct{}),
	}
}

func (h *Hub) writeWait() time.Duration {
	if h.cfg.WriteTimeout <= 0 {
		return 10 * time.Second
	}
	return time.Duration(h.cfg.WriteTimeout) * time.Second
}

func (h *Hub) pongWait() time.Duration {
	if h.cfg.PongTimeout <= 0 {
		return 60 * time.Second
	}
	return time.Duration(h.cfg.PongTimeout) * time.Second
}

func (h *Hub) String() string { return "ws-hub" }

// Serve — цикл регистрации соединений; работает под супервизором до отмены ctx.
func (h *Hub) Serve(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return ctx.Err()
		case c := <-h.register:
			h.addClient(ctx, c)
		case c := <-h.unregister:
			h.removeClient(c)
		}
	}
}

func (h *Hub) shutdown() {
	h.doneOnce.Do(func() { close(h.done) })

	h.mu.Lock()
	all := make([]*Client, 0, h.total)
	for _, clients := range h.clients {
		for c := range clients {
			all = append(all, c)
		}
	}
	for _, sub := range h.subs {
		sub.cancel()
	}
	h.clients = make(map[string]map[*Client]struct{})
	h.subs = make(map[string]*userSub)
	metrics.WSConnections.Sub(float64(h.total))
	h.total = 0
	h.mu.Unlock()

	for _, c := range all {
		c.Close()
	}
	for _, c := range all {
		c.Wait()
	}
	h.forwarders.Wait()
}

func (h *Hub) addClient(ctx context.Context, c *Client) {
	h.mu.Lock()
	if h.total >= h.cfg.MaxConnections {
		h.mu.Unlock()
		logger.Errorf("ws connection limit reached (%d), rejecting user=%s", h.cfg.MaxConnections, c.userID)
		c.Close()
		return
	}
	if _, ok := h.clients[c.userID]; !ok {
		h.clients[c.userID] = make(map[*Client]struct{})
		// cancel регистрируется сразу: removeClient и shutdown гасят и ещё не открытую подписку
		sub := &userSub{ready: make(chan struct{})}
		var subCtx context.Context
		subCtx, sub.cancel = context.WithCancel(ctx)
		h.subs[c.userID] = sub
		h.forwarders.Add(1)
		go func() {
			defer h.forwarders.Done()
			h.subscribe(subCtx, c.userID, sub.ready)
		}()
	}
	h.clients[c.userID][c] = struct{}{}
	h.total++
	metrics.WSConnections.Inc()
	h.mu.Unlock()
}

// subscribe открывает подписку пользователя вне цикла Serve; она живёт, пока есть хотя бы одно соединение.
// ctx отменяется, когда уходит последнее соединение пользователя.
func (h *Hub) subscribe(ctx context.Context, userID string, ready chan<- struct{}) {
	events, err := h.bus.Subscribe(ctx, pubsub.UserTopic(userID))
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		logger.L().Error().Err(err).Str("user_id", userID).Msg("ws: subscribe")
		h.mu.RLock()
		targets := h.snapshot(userID)
		h.mu.RUnlock()
		for _, c := range targets {
			c.Close()
		}
		return
	}
	if ctx.Err() != nil {
		// все соединения ушли, пока открывалась подписка; канал закроется сам
		return
	}
	close(ready)

	h.forwarders.Add(1)
	go func() {
		defer h.forwarders.Done()
		for ev := range events {
			at := ev.At
			h.sendToUser(userID, OutgoingMessage{Type: ev.Type, ID: ev.ID, Payload: ev.Payload, At: &at})
		}
	}()
}

func (h *Hub) removeClient(c *Client) {
	h.mu.Lock()
	clients, ok := h.clients[c.userID]
	if !ok {
		h.mu.Unlock()
		return
	}
	if _, exists := clients[c]; !exists {
		h.mu.Unlock()
		return
	}
	delete(clients, c)
	h.total--
	metrics.WSConnections.Dec()
	var cancel context.CancelFunc
	if len(clients) == 0 {
		delete(h.clients, c.userID)
		if sub := h.subs[c.userID]; sub != nil {
			cancel = sub.cancel
		}
		delete(h.subs, c.userID)
	}
	h.mu.Unlock()

	c.Close()
	if cancel != nil {
		cancel()
	}
}

// Connections — число соединений пользователя.
func (h *Hub) Connections(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[userID])
}

// HandleMessage разбирает входящее событие клиента.
func (h *Hub) HandleMessage(ctx context.Context, c *Client, msg IncomingMessage) {
	switch msg.Type {
	case EventTyping:
		h.handleTyping(ctx, c, msg)
	case EventMessageRead:
		h.handleMessageRead(ctx, c, msg)
	case EventChannelRead:
		h.handleChannelRead(ctx, c, msg)
	default:
		h.sendToClient(c, errorMessage(msg.RequestID, "unknown event type"))
	}
}

func (h *Hub) handleTyping(ctx context.Context, c *Client, msg IncomingMessage) {
	if msg.ChannelID == "" {
		h.sendToClient(c, errorMessage(msg.RequestID, "channel_id required"))
		return
	}
	if !c.typing.Allow() {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, actionTimeout)
	defer cancel()
	if err := h.typer.Typing(ctx, c.principal, msg.ChannelID); err != nil {
		h.replyError(c, msg, err)
	}
}

func (h *Hub) handleMessageRead(ctx context.Context, c *Client, msg IncomingMessage) {
	defer logger.DeferLogDuration("ws.handleMessageRead", time.Now())()
	if msg.MessageID == "" {
		h.sendToClient(c, errorMessage(msg.RequestID, "message_id required"))
		return
	}
	ctx, cancel := context.WithTimeout(ctx, actionTimeout)
	defer cancel()
	rec, created, err := h.reader.MarkRead(ctx, c.principal, msg.MessageID)
	if err != nil {
		h.replyError(c, msg, err)
		return
	}
	h.sendToClient(c, OutgoingMessage{Type: EventReadAck, RequestID: msg.RequestID, Payload: ReadAckPayload{
		MessageID: rec.MessageID,
		Created:   created,
	}})
}

func (h *Hub) handleChannelRead(ctx context.Context, c *Client, msg IncomingMessage) {
	if msg.ChannelID == "" {
		h.sendToClient(c, errorMessage(msg.RequestID, "channel_id required"))
		return
	}
	ctx, cancel := context.WithTimeout(ctx, actionTimeout)
	defer cancel()
	if err := h.reader.MarkChannelRead(ctx, c.principal, msg.ChannelID); err != nil {
		h.replyError(c, msg, err)
		return
	}
	h.sendToClient(c, OutgoingMessage{Type: EventReadAck, RequestID: msg.RequestID, Payload: ReadAckPayload{
		ChannelID: msg.ChannelID,
		Created:   true,
	}})
}

func (h *Hub) replyError(c *Client, msg IncomingMessage, err error) {
	if service.IsClientError(err) {
		h.sendToClient(c, errorMessage(msg.RequestID, err.Error()))
		return
	}
	logger.L().Error().Err(err).Str("user_id", c.userID).Str("type", msg.Type).Msg("ws: handle message")
	h.sendToClient(c, errorMessage(msg.RequestID, "internal error"))
}

func errorMessage(requestID, text string) OutgoingMessage {
	return OutgoingMessage{Type: EventError, RequestID: requestID, Payload: ErrorPayload{Error: text}}
}

// snapshot вызывается под h.mu.
func (h *Hub) snapshot(userID string) []*Client {
	clients := h.clients[userID]
	out := make([]*Client, 0, len(clients))
	for c := range clients {
		out = append(out, c)
	}
	return out
}

func (h *Hub) sendToUser(userID string, msg OutgoingMessage) {
	h.mu.RLock()
	targets := h.snapshot(userID)
	h.mu.RUnlock()

	for _, c := range targets {
		h.sendToClient(c, msg)
	}
}

func (h *Hub) sendToClient(c *Client, msg OutgoingMessage) {
	select {
	case c.send <- msg:
	case <-c.done:
	default:
		// буфер полон: медленный клиент закрывается, переподключение и перечитывание истории на нём
		metrics.WSEvictions.Inc()
		logger.Warnf("ws send buffer full, closing slow client user=%s", c.userID)
		c.Close()
	}
}

func (h *Hub) Register(c *Client) {
	select {
	case h.register <- c:
	case <-h.done:
		c.Close()
	}
}

func (h *Hub) Unregister(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}
