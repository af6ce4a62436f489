package session

import "errors"

// Rejection taxonomy. Legality and state-machine violations are rejected
// synchronously and never reach the network layer.
var (
	ErrNotWaiting       = errors.New("session is not accepting joins")
	ErrNotPlaying       = errors.New("session is not in play")
	ErrFinished         = errors.New("session already finished")
	ErrSeatConflict     = errors.New("seat already occupied")
	ErrNotParticipant   = errors.New("player does not hold a seat")
	ErrNotYourTurn      = errors.New("not your turn")
	ErrOfferPending     = errors.New("an offer of this kind is already outstanding")
	ErrNoOffer          = errors.New("no outstanding offer")
	ErrOwnOffer         = errors.New("offer cannot be answered by its maker")
	ErrNothingToRevert  = errors.New("move log is empty")
	ErrClockStillAlive  = errors.New("clock has not expired")
	ErrClockExpired     = errors.New("clock expired")
	ErrNotFinished      = errors.New("session is still in progress")
	ErrSettlementRepeat = errors.New("settlement already dispatched")
)
