package models

// CreateCallRequest is the request body for creating a call session
type CreateCallRequest struct {
	CallID string             `json:"callId" binding:"required"`
	Offer  SessionDescription `json:"offer"`
}

// CreateCallResponse is the response for creating a call session
type CreateCallResponse struct {
	CallID  string `json:"callId"`
	OwnerID string `json:"ownerId,omitempty"`
}

// SetAnswerRequest is the request body for answering a call session
type SetAnswerRequest struct {
	Answer SessionDescription `json:"answer"`
}

// StreamMessageType tags the frames sent on a watch WebSocket
type StreamMessageType string

const (
	StreamTypeSnapshot  StreamMessageType = "snapshot"
	StreamTypeCandidate StreamMessageType = "candidate"
	StreamTypeError     StreamMessageType = "error"
)

// StreamMessage is one frame of a session or candidate watch stream
type StreamMessage struct {
	Type      StreamMessageType `json:"type"`
	Snapshot  *SessionSnapshot  `json:"snapshot,omitempty"`
	Candidate *CandidateRecord  `json:"candidate,omitempty"`
	Error     string            `json:"error,omitempty"`
}

// LoginRequest represents the login request body
type LoginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// LoginResponse represents the login response
type LoginResponse struct {
	Token  string `json:"token"`
	UserID string `json:"user_id"`
}
