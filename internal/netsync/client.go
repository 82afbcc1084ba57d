package netsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var ErrBackpressure = errors.New("netsync: send queue full")

// WSClient sends tick packets to a relay and feeds relayed packets from peers
// into an Inbox.
type WSClient struct {
	conn    *websocket.Conn
	inbox   *Inbox[Remote]
	log     *log.Logger
	session string

	out    chan []byte
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Dial connects, sends HELLO and starts the reader and writer goroutines.
func Dial(ctx context.Context, url, session string, inbox *Inbox[Remote], logger *log.Logger) (*WSClient, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("netsync: dial %s: %w", url, err)
	}
	hello, _ := json.Marshal(Hello{Type: TypeHello, ProtocolVersion: Version, Session: session})
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if err := conn.WriteMessage(websocket.TextMessage, hello); err != nil {
		conn.Close()
		return nil, fmt.Errorf("netsync: hello: %w", err)
	}
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	cctx, cancel := context.WithCancel(context.Background())
	c := &WSClient{
		conn:    conn,
		inbox:   inbox,
		log:     logger,
		session: session,
		out:     make(chan []byte, 256),
		ctx:     cctx,
		cancel:  cancel,
	}
	c.wg.Add(2)
	go c.writeLoop()
	go c.readLoop()
	return c, nil
}

// Send queues p without blocking the tick loop.
func (c *WSClient) Send(p Packet) error {
	p.Session = c.session
	b, err := json.Marshal(p)
	if err != nil {
		return err
	}
	select {
	case <-c.ctx.Done():
		return ErrNotConnected
	case c.out <- b:
		return nil
	default:
		return ErrBackpressure
	}
}

func (c *WSClient) Close() error {
	c.cancel()
	_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	err := c.conn.Close()
	c.wg.Wait()
	return err
}

func (c *WSClient) writeLoop() {
	defer c.wg.Done()
	for {
		select {
		case <-c.ctx.Done():
			return
		case b := <-c.out:
			_ = c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := c.conn.WriteMessage(websocket.TextMessage, b); err != nil {
				c.log.Printf("write: %v", err)
				c.cancel()
				return
			}
		}
	}
}

func (c *WSClient) readLoop() {
	defer c.wg.Done()
	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			c.cancel()
			return
		}
		base, err := DecodeBase(msg)
		if err != nil || base.Type != TypeRemote || base.ProtocolVersion != Version {
			continue
		}
		var r Remote
		if err := json.Unmarshal(msg, &r); err != nil {
			c.log.Printf("bad remote packet: %v", err)
			continue
		}
		if c.inbox != nil {
			c.inbox.Push(r)
		}
	}
}
