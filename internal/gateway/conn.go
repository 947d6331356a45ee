package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"

	"aegis/collab/internal/auth"
	"aegis/collab/internal/conflict"
	"aegis/collab/internal/session"
	"aegis/collab/internal/store"
)

const (
	sendBuffer   = 64
	writeTimeout = 5 * time.Second
	// opTimeout bounds one engine round trip; past it the client gets
	// operation-timeout instead of waiting on a stuck lock or store.
	opTimeout = 10 * time.Second
)

type connState int

const (
	stateAuthenticating connState = iota
	stateAuthenticated
	stateInRoom
	stateClosed
)

// connection is one WebSocket client. The read loop is the only writer of
// state transitions; the mutex exists because the grace and idle timers
// observe state from their own goroutines.
type connection struct {
	id     string
	srv    *Server
	ws     *websocket.Conn
	send   chan session.Event
	cancel context.CancelFunc

	mu       sync.Mutex
	state    connState
	identity auth.Identity
	document string
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: splitOrigins(s.cfg.AllowedOrigins),
	})
	if err != nil {
		log.Printf("gateway: accept: %v", err)
		return
	}

	c := &connection{
		id:   uuid.NewString(),
		srv:  s,
		ws:   ws,
		send: make(chan session.Event, sendBuffer),
	}
	c.run(r.Context())
}

func (c *connection) run(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	c.cancel = cancel
	defer cancel()
	defer c.cleanup()

	go c.writeLoop(ctx)

	// Unauthenticated connections get a short grace window, then are cut.
	grace := time.AfterFunc(c.srv.cfg.AuthGrace, func() {
		if c.currentState() == stateAuthenticating {
			c.ws.Close(websocket.StatusPolicyViolation, "authentication timeout")
		}
	})
	defer grace.Stop()

	idle := time.AfterFunc(c.srv.cfg.HeartbeatIdle, func() {
		c.ws.Close(websocket.StatusPolicyViolation, "connection idle")
	})
	defer idle.Stop()

	for {
		var env envelope
		if err := wsjson.Read(ctx, c.ws, &env); err != nil {
			return
		}
		idle.Reset(c.srv.cfg.HeartbeatIdle)
		c.dispatch(ctx, env)
	}
}

func (c *connection) dispatch(ctx context.Context, env envelope) {
	switch env.Event {
	case evAuthenticate:
		c.handleAuthenticate(env.Data)
	case evHeartbeat:
		c.handleHeartbeat(env.Data)
	default:
	}
	if c.currentState() == stateAuthenticating {
		// Default deny: everything except authenticate and heartbeat is
		// dropped until the connection proves who it is.
		return
	}

	switch env.Event {
	case evAuthenticate, evHeartbeat:
	case evJoinRoom:
		c.handleJoinRoom(env.Data)
	case evLeaveRoom:
		c.handleLeaveRoom()
	case evCursorMove:
		c.handleCursorMove(env.Data)
	case evTypingStart:
		c.handleTypingStart(env.Data)
	case evTypingStop:
		c.handleTypingStop(env.Data)
	case evSelectionChange:
		c.handleSelectionChange(env.Data)
	case evAddComment:
		c.handleAddComment(ctx, env.Data)
	case evOperation:
		c.handleOperation(ctx, env.Data)
	case evBatchOperations:
		c.handleBatch(ctx, env.Data)
	case evResolveConflict:
		c.handleResolveConflict(ctx, env.Data)
	default:
		log.Printf("gateway: conn %s sent unknown event %q", c.id, env.Event)
	}
}

func (c *connection) handleAuthenticate(data json.RawMessage) {
	// The identity is fixed for the life of the connection; re-binding it
	// would desync the room's participant entries.
	if c.currentState() != stateAuthenticating {
		c.enqueue(evAuthenticated, authenticatedPayload{Success: false, Error: "already authenticated"})
		return
	}

	var p authenticatePayload
	if err := json.Unmarshal(data, &p); err != nil {
		c.enqueue(evAuthenticated, authenticatedPayload{Success: false, Error: "invalid authenticate payload"})
		return
	}

	id, err := auth.Verify([]byte(c.srv.cfg.TokenSecret), p.Token)
	if err != nil {
		c.enqueue(evAuthenticated, authenticatedPayload{Success: false, Error: "invalid or expired token"})
		return
	}
	if p.UserID != "" && p.UserID != id.UserID {
		c.enqueue(evAuthenticated, authenticatedPayload{Success: false, Error: "token does not belong to user"})
		return
	}

	c.mu.Lock()
	c.state = stateAuthenticated
	c.identity = id
	c.mu.Unlock()

	c.enqueue(evAuthenticated, authenticatedPayload{
		Success:  true,
		UserID:   id.UserID,
		Username: id.Username,
	})
}

func (c *connection) handleHeartbeat(data json.RawMessage) {
	var p heartbeatPayload
	_ = json.Unmarshal(data, &p)
	c.enqueue(evHeartbeatResponse, heartbeatResponsePayload{
		Timestamp:  p.Timestamp,
		ServerTime: time.Now().UnixMilli(),
	})
}

func (c *connection) handleJoinRoom(data json.RawMessage) {
	var p roomPayload
	if err := json.Unmarshal(data, &p); err != nil || p.ThreatModelID == "" {
		log.Printf("gateway: conn %s join-room without threatModelId", c.id)
		return
	}

	// A connection sits in at most one room.
	c.leaveRoom()

	identity := c.currentIdentity()
	ch, snapshot := c.srv.registry.Join(p.ThreatModelID, c.id, identity.UserID, identity.Username, sendBuffer)
	go c.forward(ch)

	c.mu.Lock()
	c.document = p.ThreatModelID
	if c.state == stateAuthenticated {
		c.state = stateInRoom
	}
	c.mu.Unlock()

	if snapshot == nil {
		snapshot = []session.Participant{}
	}
	c.enqueue(evRoomJoined, roomJoinedPayload{ThreatModelID: p.ThreatModelID, Users: snapshot})
	c.announce(p.ThreatModelID, evUserJoined, userPresencePayload{
		UserID:   identity.UserID,
		Username: identity.Username,
	})
}

func (c *connection) handleLeaveRoom() {
	doc := c.leaveRoom()
	if doc == "" {
		return
	}
	c.enqueue(evRoomLeft, roomPayload{ThreatModelID: doc})
}

// leaveRoom detaches the connection from its room, announcing the departure
// exactly once. Returns the room left, or "" when not in one.
func (c *connection) leaveRoom() string {
	c.mu.Lock()
	doc := c.document
	c.document = ""
	if c.state == stateInRoom {
		c.state = stateAuthenticated
	}
	c.mu.Unlock()
	if doc == "" {
		return ""
	}

	if p, ok := c.srv.registry.Leave(doc, c.id); ok {
		c.announce(doc, evUserLeft, userPresencePayload{UserID: p.UserID, Username: p.Username})
	}
	return doc
}

func (c *connection) handleCursorMove(data json.RawMessage) {
	doc := c.currentDocument()
	if doc == "" {
		return
	}
	var p cursorMovePayload
	if err := json.Unmarshal(data, &p); err != nil {
		return
	}
	if !c.srv.registry.UpdateCursor(doc, c.id, p.Position) {
		return
	}
	c.announce(doc, evCursorUpdated, cursorUpdatedPayload{
		UserID:   c.currentIdentity().UserID,
		Position: p.Position,
	})
}

func (c *connection) handleTypingStart(data json.RawMessage) {
	doc := c.currentDocument()
	if doc == "" {
		return
	}
	var p typingPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return
	}
	if !c.srv.registry.SetTyping(doc, c.id, session.Typing{ElementID: p.ElementID, ElementType: p.ElementType}) {
		return
	}
	c.announce(doc, evUserTyping, userTypingPayload{
		UserID:      c.currentIdentity().UserID,
		ElementID:   p.ElementID,
		ElementType: p.ElementType,
	})
}

func (c *connection) handleTypingStop(data json.RawMessage) {
	doc := c.currentDocument()
	if doc == "" {
		return
	}
	var p typingPayload
	_ = json.Unmarshal(data, &p)
	if !c.srv.registry.ClearTyping(doc, c.id) {
		return
	}
	c.announce(doc, evUserStoppedTyping, userTypingPayload{
		UserID:    c.currentIdentity().UserID,
		ElementID: p.ElementID,
	})
}

func (c *connection) handleSelectionChange(data json.RawMessage) {
	doc := c.currentDocument()
	if doc == "" {
		return
	}
	var p selectionChangePayload
	if err := json.Unmarshal(data, &p); err != nil {
		return
	}
	selection, ok := c.srv.registry.UpdateSelection(doc, c.id, p.ElementIDs, p.Action)
	if !ok {
		return
	}
	c.announce(doc, evSelectionUpdated, selectionUpdatedPayload{
		UserID:     c.currentIdentity().UserID,
		ElementIDs: selection,
		Action:     p.Action,
	})
}

func (c *connection) handleAddComment(ctx context.Context, data json.RawMessage) {
	doc := c.currentDocument()
	var p addCommentPayload
	if err := json.Unmarshal(data, &p); err != nil || p.Comment == "" {
		return
	}
	threatModelID := p.ThreatModelID
	if threatModelID == "" {
		threatModelID = doc
	}
	if threatModelID == "" {
		return
	}

	identity := c.currentIdentity()
	comment := store.Comment{
		ID:            uuid.NewString(),
		ThreatModelID: threatModelID,
		ElementID:     p.ElementID,
		AuthorID:      identity.UserID,
		AuthorName:    identity.Username,
		Content:       p.Comment,
		CreatedAt:     time.Now().UTC(),
	}
	if p.Position != nil {
		comment.Position = &store.Position{X: p.Position.X, Y: p.Position.Y}
	}

	if c.srv.data != nil {
		cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := c.srv.data.InsertComment(cctx, comment)
		cancel()
		if err != nil {
			log.Printf("gateway: persist comment %s: %v", comment.ID, err)
		}
	}
	if c.srv.search != nil {
		c.srv.search.IndexComment(comment)
	}

	payload := commentAddedPayload{
		CommentID: comment.ID,
		UserID:    identity.UserID,
		Username:  identity.Username,
		ElementID: p.ElementID,
		Content:   p.Comment,
		Position:  p.Position,
	}
	c.enqueue(evCommentAdded, payload)
	if doc != "" {
		c.announce(doc, evCommentAdded, payload)
	}
}

func (c *connection) handleOperation(ctx context.Context, data json.RawMessage) {
	var op conflict.Operation
	if err := json.Unmarshal(data, &op); err != nil {
		c.enqueue(evOperationResult, operationResultPayload{
			Success: false,
			Error:   "invalid operation payload",
		})
		return
	}
	c.processOperation(ctx, op)
}

func (c *connection) handleBatch(ctx context.Context, data json.RawMessage) {
	var batch batchPayload
	if err := json.Unmarshal(data, &batch); err != nil {
		// Accept the bare-array form too.
		if err := json.Unmarshal(data, &batch.Operations); err != nil {
			c.enqueue(evOperationResult, operationResultPayload{
				Success: false,
				Error:   "invalid batch payload",
			})
			return
		}
	}
	// Each operation stands alone: its own rate limit slot, lock cycle and
	// result frame. One conflicted item does not abort the rest.
	for _, op := range batch.Operations {
		c.processOperation(ctx, op)
	}
}

func (c *connection) processOperation(ctx context.Context, op conflict.Operation) {
	decision := c.srv.limiter.Allow(c.id)
	if !decision.Allowed {
		c.enqueue(evRateLimitExceeded, rateLimitPayload{
			Message:    fmt.Sprintf("edit limit of %d per %s exceeded", decision.Limit, c.srv.cfg.EditWindow),
			RetryAfter: decision.RetryAfter.Milliseconds(),
		})
		return
	}

	if op.ID == "" {
		op.ID = uuid.NewString()
	}
	if op.DocumentID == "" {
		op.DocumentID = c.currentDocument()
	}
	op.ActorID = c.currentIdentity().UserID
	if op.IssuedAt.IsZero() {
		op.IssuedAt = time.Now().UTC()
	}

	res, timedOut := c.runEngine(ctx, func(octx context.Context) conflict.Result {
		return c.srv.engine.Process(octx, op)
	})
	if timedOut {
		c.enqueue(evOperationTimeout, operationTimeoutPayload{OperationID: op.ID})
		return
	}
	c.deliverResult(op.ID, res)
}

func (c *connection) handleResolveConflict(ctx context.Context, data json.RawMessage) {
	var p resolveConflictPayload
	if err := json.Unmarshal(data, &p); err != nil || p.OperationID == "" {
		return
	}

	// Accept and merge mutate the document, so a resolution spends an edit
	// slot just like a fresh operation.
	decision := c.srv.limiter.Allow(c.id)
	if !decision.Allowed {
		c.enqueue(evRateLimitExceeded, rateLimitPayload{
			Message:    fmt.Sprintf("edit limit of %d per %s exceeded", decision.Limit, c.srv.cfg.EditWindow),
			RetryAfter: decision.RetryAfter.Milliseconds(),
		})
		return
	}

	documentID := p.ThreatModelID
	if documentID == "" {
		documentID = c.currentDocument()
	}

	res, timedOut := c.runEngine(ctx, func(octx context.Context) conflict.Result {
		return c.srv.engine.Resolve(octx, documentID, p.OperationID, conflict.Strategy(p.Resolution), p.MergeData)
	})
	if timedOut {
		c.enqueue(evOperationTimeout, operationTimeoutPayload{OperationID: p.OperationID})
		return
	}

	c.enqueue(evConflictResolved, conflictResolvedPayload{
		OperationID: p.OperationID,
		Resolution:  p.Resolution,
		Result:      c.resultPayload(p.OperationID, res),
	})
	if res.Outcome == conflict.OutcomeApplied {
		if doc := c.currentDocument(); doc != "" {
			c.announce(doc, evOperationResult, *c.resultPayload(p.OperationID, res))
		}
	}
}

// runEngine runs one engine call under the operation deadline. The engine
// releases its own lock even when the caller stops waiting. A panic inside
// the engine is confined to this operation and reported as a failure.
func (c *connection) runEngine(ctx context.Context, fn func(context.Context) conflict.Result) (conflict.Result, bool) {
	octx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	done := make(chan conflict.Result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				log.Printf("gateway: conn %s engine panic: %v", c.id, r)
				done <- conflict.Result{Outcome: conflict.OutcomeFailed, Reason: "internal error"}
			}
		}()
		done <- fn(octx)
	}()

	select {
	case res := <-done:
		return res, false
	case <-octx.Done():
		return conflict.Result{}, true
	}
}

func (c *connection) deliverResult(operationID string, res conflict.Result) {
	switch res.Outcome {
	case conflict.OutcomeApplied:
		payload := c.resultPayload(operationID, res)
		c.enqueue(evOperationResult, *payload)
		if doc := c.currentDocument(); doc != "" {
			c.announce(doc, evOperationResult, *payload)
		}
	case conflict.OutcomeConflict:
		c.enqueue(evConflictDetected, conflictDetectedPayload{
			OperationID: operationID,
			Conflict:    res.Report,
			Suggestions: res.Suggestions,
		})
	default:
		c.enqueue(evOperationResult, operationResultPayload{
			Success:     false,
			OperationID: operationID,
			Error:       res.Reason,
		})
	}
}

func (c *connection) resultPayload(operationID string, res conflict.Result) *operationResultPayload {
	payload := &operationResultPayload{
		OperationID: operationID,
		UserID:      c.currentIdentity().UserID,
	}
	if res.Outcome == conflict.OutcomeApplied {
		payload.Success = true
		data := &operationResultData{EntityID: res.EntityID}
		if res.State != nil {
			if raw, err := json.Marshal(res.State); err == nil {
				data.State = raw
			}
		}
		payload.Data = data
	} else {
		payload.Error = res.Reason
	}
	return payload
}

// announce fans an event out to the rest of the room, locally and across
// gateway instances. Uses its own context so a closing connection still gets
// its departure published.
func (c *connection) announce(documentID, name string, data any) {
	evt := session.NewEvent(name, data)
	c.srv.registry.Broadcast(documentID, evt, c.id)
	if c.srv.bridge != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := c.srv.bridge.Publish(ctx, documentID, evt); err != nil {
			log.Printf("gateway: bridge publish %s: %v", name, err)
		}
	}
}

// enqueue queues a frame for this connection's writer. A full buffer drops
// the frame rather than stalling the read loop.
func (c *connection) enqueue(name string, data any) {
	select {
	case c.send <- session.NewEvent(name, data):
	default:
		log.Printf("gateway: conn %s send buffer full, dropping %s", c.id, name)
	}
}

// forward copies room broadcasts into the connection's send queue until the
// registry closes the room channel on leave.
func (c *connection) forward(ch chan session.Event) {
	for evt := range ch {
		select {
		case c.send <- evt:
		default:
		}
	}
}

func (c *connection) writeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt := <-c.send:
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := wsjson.Write(wctx, c.ws, evt)
			cancel()
			if err != nil {
				c.cancel()
				return
			}
		}
	}
}

func (c *connection) cleanup() {
	c.leaveRoom()
	c.mu.Lock()
	c.state = stateClosed
	c.mu.Unlock()
	c.srv.limiter.Forget(c.id)
	c.ws.Close(websocket.StatusNormalClosure, "")
}

func (c *connection) currentState() connState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *connection) currentDocument() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.document
}

func (c *connection) currentIdentity() auth.Identity {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.identity
}

func splitOrigins(raw string) []string {
	if raw == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
