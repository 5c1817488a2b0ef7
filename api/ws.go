package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"goa.design/brook"
	"goa.design/brook/broker"
)

// WebSocket pump tuning. Pings go out every pingPeriod; a connection whose
// pong is older than pongWait is dropped.
const (
	wsReadBlock = 100 * time.Millisecond
	wsReadCount = 1000
	pingPeriod  = 30 * time.Second
	pongWait    = 60 * time.Second
	writeWait   = 10 * time.Second

	// wsMaxMessageSize caps client frames; the feed is one-directional.
	wsMaxMessageSize = 512
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// output returns the GET handler of one output report. Upgrade requests get
// the live WebSocket feed; plain requests get the most recent record.
func (s *Server) output(out *brook.OutputPlan) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if websocket.IsWebSocketUpgrade(r) {
			s.streamRecords(w, r, out)
			return
		}
		s.latest(w, r, out)
	}
}

// latest serves the most recent record of the output stream, or an empty
// object when nothing has been published yet.
func (s *Server) latest(w http.ResponseWriter, r *http.Request, out *brook.OutputPlan) {
	e, ok, err := s.b.Latest(r.Context(), s.layout.OutputStream(out.Name))
	if err != nil {
		s.log.Error(r.Context(), "latest read failed", "output", out.Name, "err", err)
		writeError(w, http.StatusServiceUnavailable, "broker unavailable")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if !ok {
		w.Write([]byte("{}"))
		return
	}
	doc, err := outputDoc(out, e)
	if err != nil {
		s.log.Error(r.Context(), "record decode failed", "output", out.Name, "entry", e.ID, "err", err)
		writeError(w, http.StatusInternalServerError, "malformed record")
		return
	}
	w.Write(doc)
}

// streamRecords upgrades the connection and forwards output records as they
// are appended, starting with the next record. The read pump exists to
// process control frames and notice the client going away.
func (s *Server) streamRecords(w http.ResponseWriter, r *http.Request, out *brook.OutputPlan) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn(r.Context(), "websocket upgrade failed", "output", out.Name, "err", err)
		return
	}
	defer conn.Close()

	gone := make(chan struct{})
	go func() {
		defer close(gone)
		conn.SetReadLimit(wsMaxMessageSize)
		conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ctx := r.Context()
	stream := s.layout.OutputStream(out.Name)

	// Anchor the tail at the current end of the stream. A concrete id keeps
	// records appended between two blocking reads from slipping through,
	// which "$" would allow.
	fromID := "0-0"
	if e, ok, err := s.b.Latest(ctx, stream); err != nil {
		s.log.Warn(ctx, "tail anchor read failed", "output", out.Name, "err", err)
		fromID = "$"
	} else if ok {
		fromID = e.ID
	}

	lastPing := time.Now()
	for {
		select {
		case <-gone:
			return
		case <-s.closing:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
			return
		default:
		}
		if time.Since(lastPing) >= pingPeriod {
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
			lastPing = time.Now()
		}
		entries, next, err := s.b.ReadFrom(ctx, stream, fromID, wsReadCount, wsReadBlock)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.log.Warn(ctx, "output stream read failed", "output", out.Name, "err", err)
			select {
			case <-time.After(time.Second):
			case <-gone:
				return
			case <-s.closing:
				return
			}
			continue
		}
		fromID = next
		for _, e := range entries {
			doc, err := outputDoc(out, e)
			if err != nil {
				s.log.Warn(ctx, "record decode failed", "output", out.Name, "entry", e.ID, "err", err)
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, doc); err != nil {
				return
			}
		}
	}
}

// outputDoc rebuilds the JSON document of an output record from the flat
// fields of its stream entry. Fields missing from the entry render as null.
func outputDoc(out *brook.OutputPlan, e broker.Entry) ([]byte, error) {
	doc := make(map[string]any, len(out.Fields)+2)
	for _, f := range out.Fields {
		raw, ok := e.Value(f.Name)
		if !ok {
			doc[f.Name] = broker.Null
			continue
		}
		v, err := broker.ParseValue(raw)
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", f.Name, err)
		}
		doc[f.Name] = v
	}
	if id, ok := e.Value(broker.MessageIDField); ok {
		doc[broker.MessageIDField] = id
	}
	if src, ok := e.Value(broker.SourceField); ok {
		doc[broker.SourceField] = src
	}
	return json.Marshal(doc)
}
