package integration

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/coder/websocket"
	json "github.com/goccy/go-json"
)

// venueBehavior tunes how the fake venue treats incoming sessions.
type venueBehavior struct {
	// ackSubscribes answers subscribe frames with success acks. Leaving it
	// false exercises the client's ack watchdog.
	ackSubscribes bool
	// dropFirstSessionAfterAck closes the first session right after its
	// first ack, forcing a reconnect with the subscriptions intact.
	dropFirstSessionAfterAck bool
}

// fakeVenue is an in-process endpoint speaking the Bybit V5 public stream
// control surface: it records subscribe frames per session, optionally acks
// them, and lets tests push data frames down the live session.
type fakeVenue struct {
	server   *httptest.Server
	url      string
	behavior venueBehavior

	mu       sync.Mutex
	sessions []*venueSession
	accepts  atomic.Int64
}

type venueSession struct {
	conn *websocket.Conn

	writeMu sync.Mutex

	mu         sync.Mutex
	subscribes [][]string
}

func newFakeVenue(behavior venueBehavior) *fakeVenue {
	v := &fakeVenue{behavior: behavior}
	v.server = httptest.NewServer(http.HandlerFunc(v.handle))
	v.url = "ws" + strings.TrimPrefix(v.server.URL, "http")
	return v
}

func (v *fakeVenue) handle(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	session := v.accepts.Add(1)
	sess := &venueSession{conn: conn}
	v.mu.Lock()
	v.sessions = append(v.sessions, sess)
	v.mu.Unlock()
	v.serve(sess, session)
}

func (v *fakeVenue) serve(sess *venueSession, session int64) {
	ctx := context.Background()
	for {
		_, raw, err := sess.conn.Read(ctx)
		if err != nil {
			return
		}
		var req struct {
			Op    string   `json:"op"`
			ReqID string   `json:"req_id"`
			Args  []string `json:"args"`
		}
		if err := json.Unmarshal(raw, &req); err != nil {
			continue
		}
		switch req.Op {
		case "ping":
			_ = sess.write(ctx, []byte(`{"op":"pong","success":true}`))
		case "subscribe":
			sess.mu.Lock()
			sess.subscribes = append(sess.subscribes, req.Args)
			sess.mu.Unlock()
			if !v.behavior.ackSubscribes {
				continue
			}
			ack, _ := json.Marshal(map[string]any{
				"op":      "subscribe",
				"req_id":  req.ReqID,
				"success": true,
			})
			_ = sess.write(ctx, ack)
			if v.behavior.dropFirstSessionAfterAck && session == 1 {
				_ = sess.conn.Close(websocket.StatusNormalClosure, "venue drop")
				return
			}
		}
	}
}

func (s *venueSession) write(ctx context.Context, frame []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.Write(ctx, websocket.MessageText, frame)
}

// push writes a data frame to the most recent session.
func (v *fakeVenue) push(frame string) error {
	v.mu.Lock()
	var sess *venueSession
	if n := len(v.sessions); n > 0 {
		sess = v.sessions[n-1]
	}
	v.mu.Unlock()
	if sess == nil {
		return fmt.Errorf("no live session")
	}
	return sess.write(context.Background(), []byte(frame))
}

func (v *fakeVenue) sessionCount() int {
	return int(v.accepts.Load())
}

// subscribeFrames returns the args of every subscribe frame the given
// session (0-based) has received so far.
func (v *fakeVenue) subscribeFrames(session int) [][]string {
	v.mu.Lock()
	defer v.mu.Unlock()
	if session >= len(v.sessions) {
		return nil
	}
	sess := v.sessions[session]
	sess.mu.Lock()
	defer sess.mu.Unlock()
	frames := make([][]string, len(sess.subscribes))
	copy(frames, sess.subscribes)
	return frames
}

func (v *fakeVenue) close() {
	v.server.Close()
}
