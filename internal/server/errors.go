package server

import "errors"

// Error taxonomy for the chat core. Handlers wrap these with detail and
// callers match with errors.Is.
var (
	ErrMalformedEvent     = errors.New("malformed event")
	ErrUsernameTaken      = errors.New("username taken")
	ErrProtocolViolation  = errors.New("protocol violation")
	ErrPersistenceFailure = errors.New("persistence failure")
	ErrPeerUnreachable    = errors.New("peer unreachable")
	ErrConnectionClosed   = errors.New("connection closed")
)

// Client-facing rejection texts.
const (
	replyInvalidMessage = "Invalid message"
	replyUsernameTaken  = "User is already in use."
	replyAlreadyLogged  = "Already logged in."
	replyLoginRequired  = "Login required."
	replyNotLoggedIn    = "Not logged in."
)

// rejectionReason labels a rejection for metrics.
func rejectionReason(err error) string {
	switch {
	case errors.Is(err, ErrMalformedEvent):
		return "malformed"
	case errors.Is(err, ErrUsernameTaken):
		return "username_taken"
	case errors.Is(err, ErrProtocolViolation):
		return "protocol_violation"
	case errors.Is(err, ErrConnectionClosed):
		return "closed"
	default:
		return "other"
	}
}

// rejection is an error the sender is told about. reply is the text sent back
// in an ErrorReply; an empty reply means the sender gets nothing.
type rejection struct {
	reply string
	err   error
}

func reject(err error, reply string) error {
	return &rejection{reply: reply, err: err}
}

func (r *rejection) Error() string {
	return r.err.Error()
}

func (r *rejection) Unwrap() error {
	return r.err
}
