// Package transport adapts the remote graph source to the engine: a
// websocket subscriber delivering raw delta payloads, and an HTTP fetcher
// for gap-fill range requests.
//
// Reconnection and backoff are deliberately not handled here; the channel
// owner restarts the subscriber. Authentication of the handshake is likewise
// external.
package transport

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const writeWait = 10 * time.Second

// Subscriber is the duplex delta channel: it performs the one-time subscribe
// handshake, sends periodic liveness pings, and feeds every received payload
// to the sink. The sink must not block (the engine's ingest path is a
// buffered channel).
type Subscriber struct {
	conn      *websocket.Conn
	sink      func([]byte)
	onClosed  func(error)
	sessionID string

	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// subscribeRequest is the one-time handshake sent on connect.
type subscribeRequest struct {
	Action       string `json:"action"`
	SessionID    string `json:"session_id"`
	FromSequence uint64 `json:"from_sequence"`
}

// Dial connects to the delta channel, subscribes from the given sequence,
// and starts the read and ping loops. onClosed (optional) is invoked once
// when the read loop ends, with the terminating error.
func Dial(url string, fromSeq uint64, pingInterval time.Duration, sink func([]byte), onClosed func(error)) (*Subscriber, error) {
	if pingInterval <= 0 {
		pingInterval = 15 * time.Second
	}

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}

	s := &Subscriber{
		conn:      conn,
		sink:      sink,
		onClosed:  onClosed,
		sessionID: uuid.New().String(),
		closed:    make(chan struct{}),
	}

	if err := conn.WriteJSON(subscribeRequest{
		Action:       "subscribe",
		SessionID:    s.sessionID,
		FromSequence: fromSeq,
	}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("subscribe handshake: %w", err)
	}
	slog.Info("subscribed to delta channel", "url", url, "session", s.sessionID, "from", fromSeq)

	s.wg.Add(2)
	go s.readLoop()
	go s.pingLoop(pingInterval)
	return s, nil
}

// SessionID identifies this subscription.
func (s *Subscriber) SessionID() string { return s.sessionID }

func (s *Subscriber) readLoop() {
	defer s.wg.Done()
	for {
		_, msg, err := s.conn.ReadMessage()
		if err != nil {
			select {
			case <-s.closed:
				// Expected: Close tore down the connection.
			default:
				slog.Warn("delta channel closed", "session", s.sessionID, "error", err)
				if s.onClosed != nil {
					s.onClosed(err)
				}
			}
			return
		}
		s.sink(msg)
	}
}

func (s *Subscriber) pingLoop(interval time.Duration) {
	defer s.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.closed:
			return
		case <-ticker.C:
			deadline := time.Now().Add(writeWait)
			if err := s.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				slog.Warn("liveness ping failed", "session", s.sessionID, "error", err)
				return
			}
		}
	}
}

// Close sends a close frame and tears down the connection.
func (s *Subscriber) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closed)
		deadline := time.Now().Add(writeWait)
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = s.conn.WriteControl(websocket.CloseMessage, msg, deadline)
		err = s.conn.Close()
		s.wg.Wait()
	})
	return err
}
