package server

import (
	"encoding/json"
	"net/http"

	"github.com/watchparty/watchparty/internal/store"
)

func NoErrOK(id int) *store.ServerMessage {
	return &store.ServerMessage{
		Response: &store.Response{
			ID:   id,
			Code: http.StatusOK,
		},
	}
}

func NoErrValue(id int, value json.RawMessage) *store.ServerMessage {
	return &store.ServerMessage{
		Response: &store.Response{
			ID:    id,
			Code:  http.StatusOK,
			Value: value,
		},
	}
}

func NoErrKey(id int, key string) *store.ServerMessage {
	return &store.ServerMessage{
		Response: &store.Response{
			ID:   id,
			Code: http.StatusOK,
			Key:  key,
		},
	}
}

func ErrInvalidRequest(id int) *store.ServerMessage {
	return &store.ServerMessage{
		Response: &store.Response{
			ID:    id,
			Code:  http.StatusBadRequest,
			Error: "invalid request",
		},
	}
}

func ErrInternalError(id int) *store.ServerMessage {
	return &store.ServerMessage{
		Response: &store.Response{
			ID:    id,
			Code:  http.StatusInternalServerError,
			Error: "internal server error",
		},
	}
}

func ErrServiceUnavailable(id int) *store.ServerMessage {
	return &store.ServerMessage{
		Response: &store.Response{
			ID:    id,
			Code:  http.StatusServiceUnavailable,
			Error: "service unavailable",
		},
	}
}

func newEvent(subID int, kind store.SubKind, key string, value json.RawMessage) *store.ServerMessage {
	return &store.ServerMessage{
		Event: &store.Event{
			SubID: subID,
			Kind:  kind,
			Key:   key,
			Value: value,
		},
	}
}
