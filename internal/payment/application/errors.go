package application

import "errors"

var (
	ErrGameNotFound     = errors.New("game not found")
	ErrPaymentNotFound  = errors.New("payment not found")
	ErrAlreadyOwned     = errors.New("game already owned by user")
	ErrAlreadyProcessed = errors.New("payment already processed")
	ErrStoreUnavailable = errors.New("store unavailable")
)
