package protocol

import "encoding/json"

// Modality selects which matching queue a user waits in.
// One queue exists per modality; pairing never crosses modalities.
type Modality string

const (
	ModalityVideo Modality = "video"
	ModalityAudio Modality = "audio"
	ModalityText  Modality = "text"
)

// Modalities lists every valid modality, in the order queues are swept.
var Modalities = []Modality{ModalityVideo, ModalityAudio, ModalityText}

// Valid reports whether m names a known modality.
func (m Modality) Valid() bool {
	switch m {
	case ModalityVideo, ModalityAudio, ModalityText:
		return true
	}
	return false
}

// Inbound message types (client → server).
const (
	MsgAuth       = "auth"
	MsgQueueJoin  = "queue:join"
	MsgQueueLeave = "queue:leave"
	MsgMatchNext  = "match:next"
	MsgCallOffer  = "call:offer"
	MsgCallAnswer = "call:answer"
	MsgCallICE    = "call:ice"
	MsgCallEnd    = "call:end"
	MsgChatText   = "chat:message"
	MsgChatTyping = "chat:typing"
	MsgChatStop   = "chat:stop_typing"
	MsgFriendCall = "friend:call"
	MsgReportUser = "report:user"
)

// Outbound event types (server → client).
const (
	EvtAuthSuccess       = "auth:success"
	EvtAuthError         = "auth:error"
	EvtQueuePosition     = "queue:position"
	EvtQueueError        = "queue:error"
	EvtMatchFound        = "match:found"
	EvtMatchDisconnected = "match:disconnected"
	EvtMatchError        = "match:error"
	EvtChatMessage       = "chat:message"
	EvtChatTyping        = "chat:typing"
	EvtChatStop          = "chat:stop_typing"
	EvtCallOffer         = "call:offer"
	EvtCallAnswer        = "call:answer"
	EvtCallICE           = "call:ice"
	EvtCallEnd           = "call:end"
	EvtCallError         = "call:error"
	EvtUserCount         = "user:count"
	EvtError             = "error"
)

// Envelope is the wire frame exchanged over the WebSocket after the auth
// handshake. Payload layout depends on Type.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// AuthPayload is the first frame a client must send.
type AuthPayload struct {
	Token string `json:"token"`
}

// AuthSuccess acknowledges a verified connection.
type AuthSuccess struct {
	SocketID string `json:"socketId"`
	UserID   string `json:"userId"`
	Username string `json:"username"`
}

// QueueJoinPayload selects the modality for queue:join / queue:leave.
type QueueJoinPayload struct {
	Type Modality `json:"type"`
}

// QueuePosition reports 1-based position in the waiting queue.
type QueuePosition struct {
	Position      int     `json:"position"`
	EstimatedWait float64 `json:"estimatedWait"` // seconds
}

// MatchFound notifies both peers of a new session.
type MatchFound struct {
	SessionID       string   `json:"sessionId"`
	PartnerID       string   `json:"partnerId"`
	PartnerUsername string   `json:"partnerUsername"`
	SessionType     Modality `json:"sessionType"`
}

// MatchDisconnected tells the surviving peer why the session ended.
type MatchDisconnected struct {
	Reason string `json:"reason"`
}

// ChatPayload carries an inbound chat message body.
type ChatPayload struct {
	Text string `json:"text"`
}

// ChatMessage is the relayed form delivered to the partner. Bodies are
// never persisted; this struct only ever crosses the wire.
type ChatMessage struct {
	SenderID  string `json:"senderId"`
	Text      string `json:"text"`
	Timestamp int64  `json:"timestamp"` // unix ms
}

// SignalPayload carries opaque WebRTC signaling blobs. The server never
// inspects SDP or candidate contents.
type SignalPayload struct {
	SDP       json.RawMessage `json:"sdp,omitempty"`
	Candidate json.RawMessage `json:"candidate,omitempty"`
}

// FriendCallPayload requests a direct session bypassing the queues.
type FriendCallPayload struct {
	FriendID string   `json:"friendId"`
	Type     Modality `json:"type"`
}

// ReportPayload files a report against another user.
type ReportPayload struct {
	ReportedUserID string `json:"reportedUserId"`
	Reason         string `json:"reason"`
	Description    string `json:"description,omitempty"`
	SessionID      string `json:"sessionId,omitempty"`
}

// UserCount is broadcast periodically to connected clients.
type UserCount struct {
	N int `json:"n"`
}

// MaxChatLen caps chat:message bodies, counted in runes so multi-byte
// text gets the same allowance as ASCII.
const MaxChatLen = 1000
