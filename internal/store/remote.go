package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/watchparty/watchparty/internal/types"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = (pongWait * 9) / 10
	maxMessageSize = 512 * 1024
	eventQueueSize = 1024
)

// RemoteStore is a Store backed by a sync server over one long-lived
// websocket. Requests are correlated by id; subscription events are
// delivered on a single dispatch goroutine, in server order.
type RemoteStore struct {
	conn *websocket.Conn
	log  *log.Logger

	mu      sync.Mutex
	pending map[int]chan Response
	subs    map[int]*remoteSub
	nextID  int
	closed  bool

	send   chan []byte
	events chan Event
	done   chan struct{}
}

type remoteSub struct {
	store    *RemoteStore
	id       int
	kind     SubKind
	valueFn  func(any)
	childFn  func(string, any)
	canceled atomic.Bool
}

func (s *remoteSub) Cancel() {
	if s.canceled.Swap(true) {
		return
	}
	s.store.mu.Lock()
	delete(s.store.subs, s.id)
	closed := s.store.closed
	s.store.mu.Unlock()
	if closed {
		return
	}
	// Best effort: the server keeps no client state beyond the
	// connection, so a lost unsubscribe only costs dropped events.
	go func() {
		_, _ = s.store.request(context.Background(), func(req *Request) {
			req.Unsubscribe = &UnsubscribeArg{SubID: s.id}
		})
	}()
}

// Dial connects to a sync server's /ws endpoint, authenticating with the
// identity provider token.
func Dial(ctx context.Context, url, token string, logger *log.Logger) (*RemoteStore, error) {
	hdr := http.Header{}
	hdr.Set("Authorization", "Bearer "+token)

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, hdr)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", types.ErrTransportFailure, url, err)
	}

	r := &RemoteStore{
		conn:    conn,
		log:     logger,
		pending: make(map[int]chan Response),
		subs:    make(map[int]*remoteSub),
		send:    make(chan []byte, 256),
		events:  make(chan Event, eventQueueSize),
		done:    make(chan struct{}),
	}

	go r.readLoop()
	go r.writeLoop()
	go r.dispatch()

	return r, nil
}

func (r *RemoteStore) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	for id, ch := range r.pending {
		close(ch)
		delete(r.pending, id)
	}
	r.mu.Unlock()

	close(r.done)
	return r.conn.Close()
}

func (r *RemoteStore) readLoop() {
	defer r.Close()

	r.conn.SetReadLimit(maxMessageSize)
	r.conn.SetReadDeadline(time.Now().Add(pongWait))
	r.conn.SetPongHandler(func(string) error {
		r.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := r.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway,
				websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				r.log.Printf("store: read: %v", err)
			}
			return
		}

		var msg ServerMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			r.log.Printf("store: bad server message: %v", err)
			continue
		}

		switch {
		case msg.Response != nil:
			r.mu.Lock()
			ch, ok := r.pending[msg.Response.ID]
			if ok {
				delete(r.pending, msg.Response.ID)
			}
			r.mu.Unlock()
			if ok {
				ch <- *msg.Response
			}
		case msg.Event != nil:
			select {
			case r.events <- *msg.Event:
			case <-r.done:
				return
			}
		}
	}
}

func (r *RemoteStore) writeLoop() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		r.conn.Close()
	}()

	for {
		select {
		case raw := <-r.send:
			r.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := r.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
				r.log.Printf("store: write: %v", err)
				return
			}
		case <-ticker.C:
			r.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := r.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-r.done:
			return
		}
	}
}

func (r *RemoteStore) dispatch() {
	for {
		select {
		case ev := <-r.events:
			r.mu.Lock()
			sub := r.subs[ev.SubID]
			r.mu.Unlock()
			if sub == nil || sub.canceled.Load() {
				continue
			}

			var value any
			if len(ev.Value) > 0 {
				if err := json.Unmarshal(ev.Value, &value); err != nil {
					r.log.Printf("store: bad event value: %v", err)
					continue
				}
			}

			if sub.kind == SubValue {
				sub.valueFn(value)
			} else {
				sub.childFn(ev.Key, value)
			}
		case <-r.done:
			return
		}
	}
}

func (r *RemoteStore) request(ctx context.Context, build func(*Request)) (Response, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return Response{}, fmt.Errorf("%w: store closed", types.ErrTransportFailure)
	}
	r.nextID++
	req := Request{ID: r.nextID}
	build(&req)
	ch := make(chan Response, 1)
	r.pending[req.ID] = ch
	r.mu.Unlock()

	raw, err := json.Marshal(req)
	if err != nil {
		return Response{}, fmt.Errorf("marshal request: %w", err)
	}

	select {
	case r.send <- raw:
	case <-r.done:
		return Response{}, fmt.Errorf("%w: store closed", types.ErrTransportFailure)
	case <-ctx.Done():
		return Response{}, ctx.Err()
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return Response{}, fmt.Errorf("%w: connection lost", types.ErrTransportFailure)
		}
		return resp, nil
	case <-ctx.Done():
		r.mu.Lock()
		delete(r.pending, req.ID)
		r.mu.Unlock()
		return Response{}, ctx.Err()
	}
}

func (r *RemoteStore) call(ctx context.Context, build func(*Request)) (Response, error) {
	resp, err := r.request(ctx, build)
	if err != nil {
		return Response{}, err
	}
	if !resp.OK() {
		return Response{}, fmt.Errorf("store op failed: %s", resp.Error)
	}
	return resp, nil
}

func (r *RemoteStore) Read(ctx context.Context, path string) (any, error) {
	resp, err := r.call(ctx, func(req *Request) {
		req.Read = &PathArg{Path: path}
	})
	if err != nil {
		return nil, err
	}
	if len(resp.Value) == 0 {
		return nil, nil
	}
	var v any
	if err := json.Unmarshal(resp.Value, &v); err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return v, nil
}

func (r *RemoteStore) Write(ctx context.Context, path string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	_, err = r.call(ctx, func(req *Request) {
		req.Write = &ValueArg{Path: path, Value: raw}
	})
	return err
}

func (r *RemoteStore) Update(ctx context.Context, path string, fields map[string]any) error {
	rawFields := make(map[string]json.RawMessage, len(fields))
	for k, v := range fields {
		raw, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("update %s: %w", path, err)
		}
		rawFields[k] = raw
	}
	_, err := r.call(ctx, func(req *Request) {
		req.Update = &UpdateArg{Path: path, Fields: rawFields}
	})
	return err
}

func (r *RemoteStore) Append(ctx context.Context, path string, value any) (string, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return "", fmt.Errorf("append %s: %w", path, err)
	}
	resp, err := r.call(ctx, func(req *Request) {
		req.Append = &ValueArg{Path: path, Value: raw}
	})
	if err != nil {
		return "", err
	}
	return resp.Key, nil
}

func (r *RemoteStore) Remove(ctx context.Context, path string) error {
	_, err := r.call(ctx, func(req *Request) {
		req.Remove = &PathArg{Path: path}
	})
	return err
}

func (r *RemoteStore) OnValue(path string, fn func(value any)) (Subscription, error) {
	// The sub registers under its request id before the round-trip
	// completes: the server may deliver the initial snapshot event ahead
	// of the response being processed here. The build callback runs under
	// r.mu inside request.
	sub := &remoteSub{store: r, kind: SubValue, valueFn: fn}
	resp, err := r.request(context.Background(), func(req *Request) {
		sub.id = req.ID
		r.subs[req.ID] = sub
		req.Subscribe = &SubscribeArg{Path: path, Kind: SubValue}
	})
	if err != nil {
		return nil, err
	}
	if !resp.OK() {
		sub.Cancel()
		return nil, fmt.Errorf("subscribe %s: %s", path, resp.Error)
	}
	return sub, nil
}

func (r *RemoteStore) OnChildAdded(path string, fn func(key string, value any)) (Subscription, error) {
	sub := &remoteSub{store: r, kind: SubChildAdded, childFn: fn}
	resp, err := r.request(context.Background(), func(req *Request) {
		sub.id = req.ID
		r.subs[req.ID] = sub
		req.Subscribe = &SubscribeArg{Path: path, Kind: SubChildAdded}
	})
	if err != nil {
		return nil, err
	}
	if !resp.OK() {
		sub.Cancel()
		return nil, fmt.Errorf("subscribe %s: %s", path, resp.Error)
	}
	return sub, nil
}
