package store

import (
	"encoding/json"
	"net/http"
)

// Wire protocol spoken between RemoteStore and the sync server. Every
// request carries a client-assigned id; the server answers each request
// with exactly one Response and delivers subscription traffic as Events.
// Subscription ids are the id of the subscribe request that opened them.

type Request struct {
	ID          int             `json:"id"`
	Read        *PathArg        `json:"read,omitempty"`
	Write       *ValueArg       `json:"write,omitempty"`
	Update      *UpdateArg      `json:"update,omitempty"`
	Append      *ValueArg       `json:"append,omitempty"`
	Remove      *PathArg        `json:"remove,omitempty"`
	Subscribe   *SubscribeArg   `json:"subscribe,omitempty"`
	Unsubscribe *UnsubscribeArg `json:"unsubscribe,omitempty"`
}

type PathArg struct {
	Path string `json:"path"`
}

type ValueArg struct {
	Path  string          `json:"path"`
	Value json.RawMessage `json:"value,omitempty"`
}

type UpdateArg struct {
	Path   string                     `json:"path"`
	Fields map[string]json.RawMessage `json:"fields"`
}

type SubscribeArg struct {
	Path string  `json:"path"`
	Kind SubKind `json:"kind"`
}

type UnsubscribeArg struct {
	SubID int `json:"sub_id"`
}

type ServerMessage struct {
	Response *Response `json:"response,omitempty"`
	Event    *Event    `json:"event,omitempty"`
}

type Response struct {
	ID    int             `json:"id"`
	Code  int             `json:"code"`
	Error string          `json:"error,omitempty"`
	Value json.RawMessage `json:"value,omitempty"`
	Key   string          `json:"key,omitempty"`
}

type Event struct {
	SubID int             `json:"sub_id"`
	Kind  SubKind         `json:"kind"`
	Key   string          `json:"key,omitempty"`
	Value json.RawMessage `json:"value,omitempty"`
}

func (r Response) OK() bool {
	return r.Code == http.StatusOK
}
