package collaboration

import (
	"errors"

	"collabsync/internal/models"
	"collabsync/internal/protocol"
	"collabsync/internal/services/syncengine"
)

var (
	ErrUnauthenticated  = errors.New("authentication failed")
	ErrAccessDenied     = errors.New("access denied")
	ErrDocumentNotFound = models.ErrDocumentNotFound
	ErrNotInRoom        = errors.New("not in document room")
	ErrReadOnly         = errors.New("read-only access")
	ErrBadRequest       = errors.New("bad request")
)

// codeFor maps an error to the code sent on the wire
func codeFor(err error) protocol.ErrorCode {
	switch {
	case errors.Is(err, ErrAccessDenied):
		return protocol.CodeAccessDenied
	case errors.Is(err, ErrDocumentNotFound):
		return protocol.CodeNotFound
	case errors.Is(err, ErrNotInRoom):
		return protocol.CodeNotInRoom
	case errors.Is(err, ErrReadOnly):
		return protocol.CodeReadOnly
	case errors.Is(err, syncengine.ErrMissingDependencies):
		return protocol.CodeMissingDependencies
	case errors.Is(err, syncengine.ErrMergeFailed):
		return protocol.CodeMergeFailed
	case errors.Is(err, ErrBadRequest):
		return protocol.CodeBadRequest
	default:
		return protocol.CodeInternal
	}
}

// messageFor is the user-facing text of an error code
func messageFor(code protocol.ErrorCode) string {
	switch code {
	case protocol.CodeAccessDenied:
		return "Access denied"
	case protocol.CodeNotFound:
		return "Document not found"
	case protocol.CodeNotInRoom:
		return "Not in document room"
	case protocol.CodeReadOnly:
		return "Document is read-only for you"
	case protocol.CodeMergeFailed:
		return "Update could not be merged"
	case protocol.CodeMissingDependencies:
		return "Update depends on changes the server has not seen, resend it with your full state"
	case protocol.CodeBadRequest:
		return "Malformed message"
	default:
		return "Internal error"
	}
}
