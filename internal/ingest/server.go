// Package ingest exposes a room's detection engine over WebSockets.
//
// Two endpoints per room:
//
//   - GET /rooms/{roomID}/ingest — the sample feed. Clients send JSON
//     control and sample messages; errors are reported back on the socket
//     without closing it, so one misbehaving message (duplicate add,
//     unknown source) does not tear down a feed carrying other sources.
//   - GET /rooms/{roomID}/events — the decision stream. The server pushes
//     one JSON message per committed active-speaker change to any number
//     of subscribers.
//
// Sources registered over an ingest connection are scoped to it: when the
// feeder disconnects, its sources are removed and arbitration continues
// with whatever other feeds remain.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/coder/websocket"

	"github.com/hearsay-audio/talkstick/internal/observe"
	"github.com/hearsay-audio/talkstick/internal/room"
	"github.com/hearsay-audio/talkstick/pkg/speaker"
)

// writeTimeout bounds a single outbound frame write.
const writeTimeout = 5 * time.Second

// Server serves the WebSocket ingest and event endpoints.
type Server struct {
	rooms *room.Manager
}

// NewServer creates a Server backed by the given room manager.
func NewServer(rooms *room.Manager) *Server {
	return &Server{rooms: rooms}
}

// Register adds the ingest and events routes to mux, each wrapped by the
// given middleware chain (outermost first).
func (s *Server) Register(mux *http.ServeMux, middleware ...func(http.Handler) http.Handler) {
	wrap := func(h http.Handler) http.Handler {
		for i := len(middleware) - 1; i >= 0; i-- {
			h = middleware[i](h)
		}
		return h
	}
	mux.Handle("GET /rooms/{roomID}/ingest", wrap(http.HandlerFunc(s.HandleIngest)))
	mux.Handle("GET /rooms/{roomID}/events", wrap(http.HandlerFunc(s.HandleEvents)))
}

// ingestMessage is one client frame on the ingest socket.
type ingestMessage struct {
	// Op is "add", "remove" or "sample".
	Op string `json:"op"`

	// SSRC identifies the source in every op.
	SSRC uint32 `json:"ssrc"`

	// Level is the sample's audio level in dBov ([-127, 0]). Only used by
	// the sample op.
	Level float64 `json:"level"`

	// TsMs is the sample capture time in Unix milliseconds. Zero means
	// "now". Only used by the sample op.
	TsMs int64 `json:"ts_ms"`
}

// errorReply is sent back for a rejected frame. The socket stays open.
type errorReply struct {
	Error string `json:"error"`
	Op    string `json:"op,omitempty"`
	SSRC  uint32 `json:"ssrc,omitempty"`
}

// eventMessage is one server frame on the events socket.
type eventMessage struct {
	// Type is "changed", "idle" or "stopped".
	Type string `json:"type"`

	// SSRC is the winning source; present only for "changed".
	SSRC *uint32 `json:"ssrc,omitempty"`

	// TsMs is the decision time in Unix milliseconds.
	TsMs int64 `json:"ts_ms"`
}

// HandleIngest upgrades the request and runs the feed's read loop until the
// client disconnects or the room shuts down.
func (s *Server) HandleIngest(w http.ResponseWriter, r *http.Request) {
	rm, ok := s.openRoom(w, r)
	if !ok {
		return
	}

	conn, err := s.accept(w, r)
	if err != nil {
		slog.Warn("ingest: websocket accept failed", "room", rm.Name(), "err", err)
		return
	}
	defer conn.Close(websocket.StatusInternalError, "ingest closed")

	ctx := r.Context()
	log := observe.Logger(ctx).With("room", rm.Name())
	log.Info("ingest feed connected")

	// Sources this connection registered, removed again on disconnect.
	owned := make(map[speaker.ID]struct{})
	defer func() {
		for id := range owned {
			rm.RemoveSource(context.Background(), id)
		}
		log.Info("ingest feed disconnected", "sources_removed", len(owned))
	}()

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			if status == -1 && !errors.Is(err, context.Canceled) {
				log.Warn("ingest: read error", "err", err)
			}
			return
		}
		if reply, ok := s.applyMessage(ctx, rm, owned, data); !ok {
			if err := writeJSON(ctx, conn, reply); err != nil {
				return
			}
		}
	}
}

// applyMessage decodes and executes one ingest frame. Returns an error reply
// and false when the frame was rejected.
func (s *Server) applyMessage(ctx context.Context, rm *room.Room, owned map[speaker.ID]struct{}, data []byte) (errorReply, bool) {
	var msg ingestMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return errorReply{Error: "malformed message: " + err.Error()}, false
	}

	id := speaker.ID(msg.SSRC)
	switch msg.Op {
	case "add":
		if err := rm.AddSource(ctx, id); err != nil {
			return errorReply{Error: err.Error(), Op: msg.Op, SSRC: msg.SSRC}, false
		}
		owned[id] = struct{}{}
		return errorReply{}, true

	case "remove":
		rm.RemoveSource(ctx, id)
		delete(owned, id)
		return errorReply{}, true

	case "sample":
		ts := time.Now()
		if msg.TsMs > 0 {
			ts = time.UnixMilli(msg.TsMs)
		}
		if err := rm.DeliverSample(ctx, id, msg.Level, ts); err != nil {
			return errorReply{Error: err.Error(), Op: msg.Op, SSRC: msg.SSRC}, false
		}
		return errorReply{}, true

	default:
		return errorReply{Error: "unknown op " + strconv.Quote(msg.Op), Op: msg.Op}, false
	}
}

// HandleEvents upgrades the request and streams the room's decisions until
// the client disconnects or the room shuts down.
func (s *Server) HandleEvents(w http.ResponseWriter, r *http.Request) {
	rm, ok := s.openRoom(w, r)
	if !ok {
		return
	}

	sub, err := rm.Subscribe(0)
	if err != nil {
		http.Error(w, "room stopped", http.StatusGone)
		return
	}
	defer sub.Close()

	conn, err := s.accept(w, r)
	if err != nil {
		slog.Warn("events: websocket accept failed", "room", rm.Name(), "err", err)
		return
	}
	defer conn.Close(websocket.StatusInternalError, "events closed")

	log := observe.Logger(r.Context()).With("room", rm.Name())
	log.Info("event subscriber connected")
	defer log.Info("event subscriber disconnected")

	// CloseRead discards inbound frames and cancels the context when the
	// client goes away.
	ctx := conn.CloseRead(r.Context())

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.C:
			if !ok {
				conn.Close(websocket.StatusNormalClosure, "room stopped")
				return
			}
			if err := writeJSON(ctx, conn, encodeEvent(ev)); err != nil {
				return
			}
		}
	}
}

// encodeEvent converts an engine event to its wire form.
func encodeEvent(ev speaker.Event) eventMessage {
	msg := eventMessage{
		Type: ev.Type.String(),
		TsMs: ev.Time.UnixMilli(),
	}
	if ev.Type == speaker.EventSpeakerChanged {
		ssrc := uint32(ev.Source)
		msg.SSRC = &ssrc
	}
	return msg
}

// openRoom resolves the {roomID} path value, creating the room on demand.
func (s *Server) openRoom(w http.ResponseWriter, r *http.Request) (*room.Room, bool) {
	name := r.PathValue("roomID")
	rm, err := s.rooms.Get(name)
	if err != nil {
		if errors.Is(err, room.ErrClosed) {
			http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		} else {
			http.Error(w, err.Error(), http.StatusBadRequest)
		}
		return nil, false
	}
	return rm, true
}

// accept upgrades the HTTP request to a WebSocket connection.
func (s *Server) accept(w http.ResponseWriter, r *http.Request) (*websocket.Conn, error) {
	return websocket.Accept(w, r, nil)
}

// writeJSON marshals v and writes it as one text frame with a bounded
// deadline.
func writeJSON(ctx context.Context, conn *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return conn.Write(wctx, websocket.MessageText, data)
}
