package venue

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// Frame types on the wire.
const (
	frameNewOrder  = "new_order"
	frameCancel    = "cancel_request"
	frameHeartbeat = "heartbeat"
	frameExecution = "execution_report"
	frameCancelAck = "cancel_ack"
	frameReject    = "order_reject"
)

// frame is the JSON envelope carrying the session sequence number.
type frame struct {
	Seq  uint64          `json:"seq"`
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// WSConfig controls the websocket session.
type WSConfig struct {
	URL               string
	HeartbeatInterval time.Duration
	InboundBuffer     int
}

// WSSession is a sequence-numbered websocket session to the venue.
// Outbound frames carry a monotonically increasing seq; heartbeats keep
// the connection alive between order traffic.
type WSSession struct {
	cfg    WSConfig
	dialer *websocket.Dialer

	writeMu sync.Mutex
	conn    *websocket.Conn
	seq     atomic.Uint64

	inbound chan Inbound
	stop    chan struct{}
	stopped sync.Once
	wg      sync.WaitGroup
}

// NewWSSession builds an unconnected websocket session.
func NewWSSession(cfg WSConfig) *WSSession {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 15 * time.Second
	}
	if cfg.InboundBuffer <= 0 {
		cfg.InboundBuffer = 256
	}
	return &WSSession{
		cfg:     cfg,
		dialer:  websocket.DefaultDialer,
		inbound: make(chan Inbound, cfg.InboundBuffer),
		stop:    make(chan struct{}),
	}
}

// Start dials the venue and begins the heartbeat and read loops.
func (s *WSSession) Start(ctx context.Context) error {
	conn, _, err := s.dialer.DialContext(ctx, s.cfg.URL, nil)
	if err != nil {
		return &TransportError{Op: "dial", Err: err}
	}
	s.conn = conn

	s.wg.Add(2)
	go s.heartbeatLoop()
	go s.readLoop()

	log.Printf("venue: session established url=%s heartbeat=%v", s.cfg.URL, s.cfg.HeartbeatInterval)
	return nil
}

// Stop closes the connection and the inbound channel.
func (s *WSSession) Stop() error {
	var err error
	s.stopped.Do(func() {
		close(s.stop)
		if s.conn != nil {
			// Ignore errors; connection may already be closed.
			_ = s.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			err = s.conn.Close()
		}
		s.wg.Wait()
		close(s.inbound)
	})
	return err
}

// Inbound delivers parsed venue messages.
func (s *WSSession) Inbound() <-chan Inbound {
	return s.inbound
}

// SendNewOrder emits a new-order frame.
func (s *WSSession) SendNewOrder(ctx context.Context, msg NewOrder) error {
	return s.send(ctx, frameNewOrder, msg)
}

// SendCancel emits a cancel-request frame.
func (s *WSSession) SendCancel(ctx context.Context, msg CancelRequest) error {
	return s.send(ctx, frameCancel, msg)
}

func (s *WSSession) send(ctx context.Context, frameType string, payload any) error {
	if s.conn == nil {
		return &TransportError{Op: "send", Err: fmt.Errorf("session not started")}
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", frameType, err)
	}
	f := frame{
		Seq:  s.seq.Add(1),
		Type: frameType,
		Data: data,
	}
	raw, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	deadline := time.Now().Add(5 * time.Second)
	if d, ok := ctx.Deadline(); ok {
		deadline = d
	}
	_ = s.conn.SetWriteDeadline(deadline)
	if err := s.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
		return &TransportError{Op: frameType, Err: err}
	}
	return nil
}

func (s *WSSession) heartbeatLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			if err := s.send(context.Background(), frameHeartbeat, nil); err != nil {
				log.Printf("venue: heartbeat failed: %v", err)
			}
		}
	}
}

func (s *WSSession) readLoop() {
	defer s.wg.Done()

	for {
		select {
		case <-s.stop:
			return
		default:
		}

		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) ||
				strings.Contains(err.Error(), "use of closed network connection") {
				return
			}
			log.Printf("venue: read error: %v", err)
			return
		}

		var f frame
		if err := json.Unmarshal(raw, &f); err != nil {
			log.Printf("venue: frame parse error: %v", err)
			continue
		}

		msg, err := decodeInbound(f)
		if err != nil {
			log.Printf("venue: inbound decode error: %v", err)
			continue
		}
		if msg == nil { // heartbeat or unknown type
			continue
		}

		select {
		case s.inbound <- msg:
		case <-s.stop:
			return
		}
	}
}

func decodeInbound(f frame) (Inbound, error) {
	switch f.Type {
	case frameExecution:
		var rep ExecutionReport
		if err := json.Unmarshal(f.Data, &rep); err != nil {
			return nil, fmt.Errorf("execution report: %w", err)
		}
		rep.Seq = f.Seq
		return rep, nil
	case frameCancelAck:
		var ack CancelAck
		if err := json.Unmarshal(f.Data, &ack); err != nil {
			return nil, fmt.Errorf("cancel ack: %w", err)
		}
		ack.Seq = f.Seq
		return ack, nil
	case frameReject:
		var rej OrderReject
		if err := json.Unmarshal(f.Data, &rej); err != nil {
			return nil, fmt.Errorf("order reject: %w", err)
		}
		rej.Seq = f.Seq
		return rej, nil
	case frameHeartbeat:
		return nil, nil
	default:
		return nil, nil
	}
}
