package pipeline

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"
)

// Event is one pushed progress frame. Frames carry no job id; the stream is
// implicitly scoped to the job currently being processed, which is why the
// tracker keeps at most one dispatched job per stream.
type Event struct {
	Step    int    `json:"step"`
	Status  string `json:"status"`
	Message string `json:"message"`
}

// Stream is a live WebSocket subscription to /ws/pipeline. The events channel
// is closed when the connection drops or Close is called.
type Stream struct {
	conn   *websocket.Conn
	events chan Event

	closeOnce sync.Once
	done      chan struct{}
}

// Connect dials the pipeline event stream.
func (c *Client) Connect(ctx context.Context) (*Stream, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.wsURL, nil)
	if err != nil {
		return nil, err
	}

	s := &Stream{
		conn:   conn,
		events: make(chan Event, 16),
		done:   make(chan struct{}),
	}
	go s.read()
	return s, nil
}

func (s *Stream) read() {
	defer close(s.events)
	for {
		_, msg, err := s.conn.ReadMessage()
		if err != nil {
			return
		}

		var ev Event
		if err := json.Unmarshal(msg, &ev); err != nil {
			// Malformed frames are skipped, not fatal.
			slog.Debug("skipping unparseable pipeline frame", "error", err)
			continue
		}

		select {
		case s.events <- ev:
		case <-s.done:
			return
		}
	}
}

func (s *Stream) Events() <-chan Event {
	return s.events
}

func (s *Stream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		err = s.conn.Close()
	})
	return err
}
