package ws

import (
	"errors"
	"net/http"

	"github.com/kiliankoe/callfold/internal/auction"
	"github.com/kiliankoe/callfold/internal/identity"
)

const (
	CodeUnauthorized  = "unauthorized"
	CodeForbidden     = "forbidden"
	CodePrecondition  = "precondition_failed"
	CodeUploadFailed  = "upload_failed"
	CodeNotRegistered = "not_registered"
	CodeBadRequest    = "bad_request"
	CodeInternal      = "internal"
)

// ErrorCode maps a domain error onto the code clients switch on.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, identity.ErrUnauthenticated), errors.Is(err, identity.ErrInvalidCredentials):
		return CodeUnauthorized
	case errors.Is(err, identity.ErrForbidden):
		return CodeForbidden
	case errors.Is(err, auction.ErrUploadFailed):
		return CodeUploadFailed
	case errors.Is(err, auction.ErrParticipantNotFound):
		return CodeNotRegistered
	case errors.Is(err, auction.ErrAuctionInProgress),
		errors.Is(err, auction.ErrAuctionNotRunning),
		errors.Is(err, auction.ErrAuctionEnded),
		errors.Is(err, auction.ErrInvalidSetup),
		errors.Is(err, auction.ErrInvalidDuration),
		errors.Is(err, auction.ErrInvalidParticipant),
		errors.Is(err, auction.ErrNotEligible),
		errors.Is(err, auction.ErrRoundClosed),
		errors.Is(err, auction.ErrWindowClosed),
		errors.Is(err, auction.ErrAlreadyDecided):
		return CodePrecondition
	default:
		return CodeInternal
	}
}

// HTTPStatus is the status the HTTP API answers with for a code.
func HTTPStatus(code string) int {
	switch code {
	case CodeUnauthorized:
		return http.StatusUnauthorized
	case CodeForbidden:
		return http.StatusForbidden
	case CodePrecondition:
		return http.StatusConflict
	case CodeUploadFailed:
		return http.StatusBadGateway
	case CodeNotRegistered:
		return http.StatusNotFound
	case CodeBadRequest:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
