package wstransport

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rcourtman/pulse-fleet-agent/pkg/agents/fleet"
)

// Conn is one WebSocket connection. Inbound frames are fanned out by the read
// loop to one-shot subscriptions; frames nobody waits for are dropped.
type Conn struct {
	ws      *websocket.Conn
	writeMu sync.Mutex

	subMu   sync.Mutex
	subs    map[uint64]*subscription
	nextSub uint64

	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

type subscription struct {
	id    uint64
	match func(fleet.Message) bool
	ch    chan fleet.Message
}

func newConn(ws *websocket.Conn) *Conn {
	return &Conn{
		ws:   ws,
		subs: make(map[uint64]*subscription),
		done: make(chan struct{}),
	}
}

// Done is closed once the connection is gone.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

func (c *Conn) alive() bool {
	select {
	case <-c.done:
		return false
	default:
		return true
	}
}

func (c *Conn) subscribe(match func(fleet.Message) bool) *subscription {
	c.subMu.Lock()
	defer c.subMu.Unlock()

	c.nextSub++
	sub := &subscription{id: c.nextSub, match: match, ch: make(chan fleet.Message, 1)}
	c.subs[sub.id] = sub
	return sub
}

func (c *Conn) unsubscribe(sub *subscription) {
	c.subMu.Lock()
	delete(c.subs, sub.id)
	c.subMu.Unlock()
}

// dispatch delivers msg to every matching subscription and removes them.
// It reports whether anyone received the frame.
func (c *Conn) dispatch(msg fleet.Message) bool {
	c.subMu.Lock()
	defer c.subMu.Unlock()

	delivered := false
	for id, sub := range c.subs {
		if !sub.match(msg) {
			continue
		}
		select {
		case sub.ch <- msg:
			delivered = true
		default:
		}
		delete(c.subs, id)
	}
	return delivered
}

func (c *Conn) writeJSON(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	_ = c.ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return c.ws.WriteJSON(v)
}

func (c *Conn) writeControl(messageType int) error {
	return c.ws.WriteControl(messageType, nil, time.Now().Add(wsWriteWait))
}

func (c *Conn) writeClose() error {
	return c.ws.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(wsWriteWait),
	)
}

func (c *Conn) close(cause error) {
	c.closeOnce.Do(func() {
		c.closeErr = cause
		close(c.done)
		c.ws.Close()
	})
}
