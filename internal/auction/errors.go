package auction

import "errors"

var (
	ErrAuctionInProgress = errors.New("auction already in progress")
	ErrAuctionNotRunning = errors.New("auction not running")
	ErrAuctionEnded      = errors.New("auction has ended")
	ErrInvalidSetup      = errors.New("invalid auction setup")
	ErrInvalidDuration   = errors.New("timer duration must be positive")
	ErrUploadFailed      = errors.New("image upload failed")

	ErrParticipantNotFound = errors.New("participant not found")
	ErrInvalidParticipant  = errors.New("invalid participant")
	ErrNotEligible         = errors.New("participant not verified or not active")
	ErrRoundClosed         = errors.New("no open round")
	ErrWindowClosed        = errors.New("response window closed")
	ErrAlreadyDecided      = errors.New("participant already responded this round")

	ErrInvalidPolicy = errors.New("invalid auction policy")
)
