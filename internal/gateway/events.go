package gateway

import (
	"encoding/json"

	"aegis/collab/internal/conflict"
	"aegis/collab/internal/session"
)

// Client → server event names.
const (
	evAuthenticate    = "authenticate"
	evJoinRoom        = "join-room"
	evLeaveRoom       = "leave-room"
	evCursorMove      = "cursor-move"
	evTypingStart     = "typing-start"
	evTypingStop      = "typing-stop"
	evSelectionChange = "selection-change"
	evAddComment      = "add-comment"
	evOperation       = "threat-model-operation"
	evBatchOperations = "batch-operations"
	evResolveConflict = "resolve-conflict"
	evHeartbeat       = "heartbeat"
)

// Server → client event names.
const (
	evAuthenticated     = "authenticated"
	evRoomJoined        = "room-joined"
	evRoomLeft          = "room-left"
	evUserJoined        = "user-joined"
	evUserLeft          = "user-left"
	evCursorUpdated     = "cursor-updated"
	evUserTyping        = "user-typing"
	evUserStoppedTyping = "user-stopped-typing"
	evSelectionUpdated  = "selection-updated"
	evCommentAdded      = "comment-added"
	evOperationResult   = "operation-result"
	evConflictDetected  = "conflict-detected"
	evConflictResolved  = "conflict-resolved"
	evOperationTimeout  = "operation-timeout"
	evHeartbeatResponse = "heartbeat-response"
	evRateLimitExceeded = "rate-limit-exceeded"
)

// envelope is the bidirectional wire frame.
type envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type authenticatePayload struct {
	Token  string `json:"token"`
	UserID string `json:"userId"`
}

type authenticatedPayload struct {
	Success  bool   `json:"success"`
	UserID   string `json:"userId,omitempty"`
	Username string `json:"username,omitempty"`
	Error    string `json:"error,omitempty"`
}

type roomPayload struct {
	ThreatModelID string `json:"threatModelId"`
}

type roomJoinedPayload struct {
	ThreatModelID string                `json:"threatModelId"`
	Users         []session.Participant `json:"users"`
}

type userPresencePayload struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
}

type cursorMovePayload struct {
	Position session.Cursor `json:"position"`
}

type cursorUpdatedPayload struct {
	UserID   string         `json:"userId"`
	Position session.Cursor `json:"position"`
}

type typingPayload struct {
	ElementID   string `json:"elementId"`
	ElementType string `json:"elementType,omitempty"`
}

type userTypingPayload struct {
	UserID      string `json:"userId"`
	ElementID   string `json:"elementId"`
	ElementType string `json:"elementType,omitempty"`
}

type selectionChangePayload struct {
	ElementIDs []string `json:"elementIds"`
	Action     string   `json:"action,omitempty"`
}

type selectionUpdatedPayload struct {
	UserID     string   `json:"userId"`
	ElementIDs []string `json:"elementIds"`
	Action     string   `json:"action,omitempty"`
}

type addCommentPayload struct {
	ThreatModelID string          `json:"threatModelId,omitempty"`
	ElementID     string          `json:"elementId"`
	Comment       string          `json:"comment"`
	Position      *session.Cursor `json:"position,omitempty"`
}

type commentAddedPayload struct {
	CommentID string          `json:"commentId"`
	UserID    string          `json:"userId"`
	Username  string          `json:"username"`
	ElementID string          `json:"elementId"`
	Content   string          `json:"content"`
	Position  *session.Cursor `json:"position,omitempty"`
}

type operationResultPayload struct {
	Success     bool                 `json:"success"`
	OperationID string               `json:"operationId"`
	UserID      string               `json:"userId,omitempty"`
	Data        *operationResultData `json:"data,omitempty"`
	Error       string               `json:"error,omitempty"`
}

type operationResultData struct {
	EntityID string          `json:"entityId,omitempty"`
	State    json.RawMessage `json:"state,omitempty"`
}

type conflictDetectedPayload struct {
	OperationID string           `json:"operationId"`
	Conflict    *conflict.Report `json:"conflict"`
	Suggestions []string         `json:"suggestions"`
}

type batchPayload struct {
	Operations []conflict.Operation `json:"operations"`
}

type resolveConflictPayload struct {
	ThreatModelID string          `json:"threatModelId,omitempty"`
	OperationID   string          `json:"operationId"`
	Resolution    string          `json:"resolution"`
	MergeData     json.RawMessage `json:"mergeData,omitempty"`
}

type conflictResolvedPayload struct {
	OperationID string                  `json:"operationId"`
	Resolution  string                  `json:"resolution"`
	Result      *operationResultPayload `json:"result"`
}

type operationTimeoutPayload struct {
	OperationID string `json:"operationId"`
}

type heartbeatPayload struct {
	Timestamp int64 `json:"timestamp"`
}

type heartbeatResponsePayload struct {
	Timestamp  int64 `json:"timestamp"`
	ServerTime int64 `json:"serverTime"`
}

type rateLimitPayload struct {
	Message    string `json:"message"`
	RetryAfter int64  `json:"retryAfter"` // milliseconds
}
