package http

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"quiz-sync-service/internal/coordinator"
	"quiz-sync-service/internal/domain"
	"quiz-sync-service/internal/store"
)

// WSHandler hosts one coordinator per websocket connection. Every connection
// behaves as an independent client of the shared session store, which is how
// the progression algorithm is meant to be deployed.
type WSHandler struct {
	store    store.Store
	content  store.QuestionSetRepository
	cfg      coordinator.Config
	log      zerolog.Logger
	upgrader websocket.Upgrader
}

func NewWSHandler(st store.Store, content store.QuestionSetRepository, cfg coordinator.Config, logger zerolog.Logger) *WSHandler {
	return &WSHandler{
		store:   st,
		content: content,
		cfg:     cfg,
		log:     logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

type inboundMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type outboundMessage[T any] struct {
	Type    string `json:"type"`
	Payload T      `json:"payload"`
}

type errorPayload struct {
	Message string `json:"message"`
}

// ServeWS upgrades the request and wires the connection into a coordinator
// instance for the given session and player.
func (h *WSHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("sessionId")
	uid := r.URL.Query().Get("userId")
	displayName := r.URL.Query().Get("name")
	if sessionID == "" || uid == "" || displayName == "" {
		http.Error(w, "missing sessionId, userId, or name", http.StatusBadRequest)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("ws upgrade failed")
		return
	}
	defer conn.Close()

	ctx := r.Context()
	if err := h.ensureSession(r, sessionID); err != nil {
		_ = conn.WriteJSON(outboundMessage[errorPayload]{Type: "error", Payload: errorPayload{Message: err.Error()}})
		return
	}
	if err := h.store.JoinSession(ctx, sessionID, uid, displayName); err != nil {
		_ = conn.WriteJSON(outboundMessage[errorPayload]{Type: "error", Payload: errorPayload{Message: err.Error()}})
		return
	}

	coord := coordinator.New(h.store, sessionID, uid, h.cfg, h.log)
	snapshots, cancelSnapshots := coord.Subscribe()
	defer cancelSnapshots()

	runDone := make(chan error, 1)
	go func() { runDone <- coord.Run(ctx) }()

	send := make(chan outboundMessage[any], 16)
	closeSignals := make(chan struct{})
	writerDone := make(chan struct{})
	updatesDone := make(chan struct{})

	// Single writer goroutine; gorilla connections do not allow concurrent writes.
	go func() {
		defer close(writerDone)
		for msg := range send {
			if err := conn.WriteJSON(msg); err != nil {
				h.log.Debug().Err(err).Msg("ws write error")
				return
			}
		}
	}()

	go func() {
		defer close(updatesDone)
		for {
			select {
			case snap, ok := <-snapshots:
				if !ok {
					return
				}
				select {
				case send <- outboundMessage[any]{Type: "state", Payload: snap}:
				case <-closeSignals:
					return
				}
			case <-closeSignals:
				return
			}
		}
	}()

	send <- outboundMessage[any]{Type: "joined", Payload: coord.Snapshot()}

	for {
		var inbound inboundMessage
		if err := conn.ReadJSON(&inbound); err != nil {
			break
		}
		if done := h.handleMessage(r, coord, sessionID, inbound, send); done {
			break
		}
	}

	close(closeSignals)
	<-updatesDone
	close(send)
	<-writerDone
	<-runDone
}

// handleMessage dispatches one inbound client message, reporting whether the
// connection should wind down.
func (h *WSHandler) handleMessage(r *http.Request, coord *coordinator.Coordinator, sessionID string, inbound inboundMessage, send chan outboundMessage[any]) bool {
	ctx := r.Context()
	switch inbound.Type {
	case "answer":
		var resp domain.Response
		if len(inbound.Payload) > 0 {
			if err := json.Unmarshal(inbound.Payload, &resp); err != nil {
				send <- outboundMessage[any]{Type: "error", Payload: errorPayload{Message: "invalid answer payload"}}
				return false
			}
		}
		result, err := coord.Submit(ctx, resp)
		if err != nil {
			send <- outboundMessage[any]{Type: "error", Payload: errorPayload{Message: err.Error()}}
			return false
		}
		send <- outboundMessage[any]{Type: "answerResult", Payload: result}
	case "start":
		if err := h.store.StartSession(ctx, sessionID); err != nil {
			send <- outboundMessage[any]{Type: "error", Payload: errorPayload{Message: err.Error()}}
		}
	case "resume":
		if err := coord.Resume(ctx); err != nil {
			send <- outboundMessage[any]{Type: "error", Payload: errorPayload{Message: err.Error()}}
		}
	case "leave":
		if err := coord.Leave(ctx); err != nil {
			h.log.Debug().Err(err).Msg("leave failed")
		}
		return true
	default:
		send <- outboundMessage[any]{Type: "error", Payload: errorPayload{Message: "unsupported message type"}}
	}
	return false
}

// ensureSession lazily creates the session record from the question set of
// the same ID, so the first player in brings the game up.
func (h *WSHandler) ensureSession(r *http.Request, sessionID string) error {
	ctx := r.Context()
	_, err := h.store.GetSession(ctx, sessionID)
	if err == nil {
		return nil
	}
	if !errors.Is(err, domain.ErrSessionNotFound) {
		return err
	}

	set, err := h.content.GetQuestionSet(ctx, sessionID)
	if err != nil {
		return err
	}
	if err := h.store.CreateSession(ctx, domain.NewSession(sessionID, set)); err != nil && !errors.Is(err, domain.ErrSessionExists) {
		return err
	}
	return nil
}
