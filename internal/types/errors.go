package types

import "errors"

var (
	ErrAuthRequired       = errors.New("authentication required")
	ErrUnauthorized       = errors.New("unauthorized")
	ErrRoomNotFound       = errors.New("room not found")
	ErrRoomFull           = errors.New("room is full")
	ErrAlreadyInRoom      = errors.New("already in a room")
	ErrDeviceAccessDenied = errors.New("capture device access denied")
	ErrTransportFailure   = errors.New("transport failure")
	ErrPlayerFailure      = errors.New("player failure")
)
