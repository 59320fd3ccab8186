package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync"

	"github.com/watchparty/watchparty/internal/database"
	"github.com/watchparty/watchparty/internal/stats"
	"github.com/watchparty/watchparty/internal/store"
)

const (
	metricActiveConnections   = "ActiveConnections"
	metricActiveSubscriptions = "ActiveSubscriptions"
	metricOpsApplied          = "OpsApplied"
)

// SyncServer hosts the shared tree. It applies client ops against an
// in-memory tree, persists the enclosing room document after every
// mutation, and bridges client subscriptions onto tree subscriptions.
type SyncServer struct {
	log   *log.Logger
	tree  *store.MemoryStore
	repo  database.RoomRepository
	stats stats.Provider

	// opMu serializes apply+persist so a slow writer can never persist
	// a stale snapshot over a newer one.
	opMu    sync.Mutex
	closing bool

	clientsMu sync.Mutex
	clients   map[*Client]struct{}
}

func NewSyncServer(logger *log.Logger, repo database.RoomRepository, sp stats.Provider) (*SyncServer, error) {
	sp.RegisterMetric(metricActiveConnections)
	sp.RegisterMetric(metricActiveSubscriptions)
	sp.RegisterMetric(metricOpsApplied)

	return &SyncServer{
		log:     logger,
		tree:    store.NewMemoryStore(),
		repo:    repo,
		stats:   sp,
		clients: make(map[*Client]struct{}),
	}, nil
}

// Load restores every persisted room document into the live tree.
func (s *SyncServer) Load(ctx context.Context) error {
	docs, err := s.repo.ListRooms()
	if err != nil {
		return fmt.Errorf("list rooms: %w", err)
	}

	for _, d := range docs {
		var v any
		if err := json.Unmarshal(d.Doc, &v); err != nil {
			s.log.Printf("skipping corrupt room doc %q: %v", d.ID, err)
			continue
		}
		if err := s.tree.Write(ctx, "rooms/"+d.ID, v); err != nil {
			return fmt.Errorf("restore room %q: %w", d.ID, err)
		}
	}

	s.log.Printf("restored %d rooms", len(docs))
	return nil
}

func (s *SyncServer) Register(c *Client) {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	s.clients[c] = struct{}{}
	s.stats.Incr(metricActiveConnections)
	s.log.Printf("adding connection from %q", c.identity.UserID)
}

func (s *SyncServer) Deregister(c *Client) {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	if _, ok := s.clients[c]; !ok {
		return
	}
	delete(s.clients, c)
	s.stats.Decr(metricActiveConnections)
	s.log.Printf("removing connection from %q", c.identity.UserID)
}

func (s *SyncServer) Shutdown(ctx context.Context) error {
	s.opMu.Lock()
	s.closing = true
	s.opMu.Unlock()

	s.clientsMu.Lock()
	for c := range s.clients {
		c.stopClient()
	}
	s.clientsMu.Unlock()

	s.tree.Close()
	return nil
}

// apply executes one non-subscription op and returns the reply.
func (s *SyncServer) apply(ctx context.Context, req *store.Request) *store.ServerMessage {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	if s.closing {
		return ErrServiceUnavailable(req.ID)
	}

	s.stats.Incr(metricOpsApplied)

	switch {
	case req.Read != nil:
		v, err := s.tree.Read(ctx, req.Read.Path)
		if err != nil {
			s.log.Printf("read %q: %v", req.Read.Path, err)
			return ErrInvalidRequest(req.ID)
		}
		if v == nil {
			return NoErrOK(req.ID)
		}
		raw, err := json.Marshal(v)
		if err != nil {
			s.log.Printf("read %q: marshal: %v", req.Read.Path, err)
			return ErrInternalError(req.ID)
		}
		return NoErrValue(req.ID, raw)

	case req.Write != nil:
		var v any
		if len(req.Write.Value) > 0 {
			if err := json.Unmarshal(req.Write.Value, &v); err != nil {
				return ErrInvalidRequest(req.ID)
			}
		}
		if err := s.tree.Write(ctx, req.Write.Path, v); err != nil {
			s.log.Printf("write %q: %v", req.Write.Path, err)
			return ErrInvalidRequest(req.ID)
		}
		s.persist(ctx, req.Write.Path)
		return NoErrOK(req.ID)

	case req.Update != nil:
		fields := make(map[string]any, len(req.Update.Fields))
		for k, raw := range req.Update.Fields {
			var v any
			if len(raw) > 0 {
				if err := json.Unmarshal(raw, &v); err != nil {
					return ErrInvalidRequest(req.ID)
				}
			}
			fields[k] = v
		}
		if err := s.tree.Update(ctx, req.Update.Path, fields); err != nil {
			s.log.Printf("update %q: %v", req.Update.Path, err)
			return ErrInvalidRequest(req.ID)
		}
		s.persist(ctx, req.Update.Path)
		return NoErrOK(req.ID)

	case req.Append != nil:
		var v any
		if err := json.Unmarshal(req.Append.Value, &v); err != nil {
			return ErrInvalidRequest(req.ID)
		}
		key, err := s.tree.Append(ctx, req.Append.Path, v)
		if err != nil {
			s.log.Printf("append %q: %v", req.Append.Path, err)
			return ErrInvalidRequest(req.ID)
		}
		s.persist(ctx, req.Append.Path)
		return NoErrKey(req.ID, key)

	case req.Remove != nil:
		if err := s.tree.Remove(ctx, req.Remove.Path); err != nil {
			s.log.Printf("remove %q: %v", req.Remove.Path, err)
			return ErrInvalidRequest(req.ID)
		}
		s.persist(ctx, req.Remove.Path)
		return NoErrOK(req.ID)
	}

	return ErrInvalidRequest(req.ID)
}

// persist saves or deletes the room document enclosing path. The tree
// is authoritative while the server runs; a persistence failure is
// logged, not surfaced to the writer.
func (s *SyncServer) persist(ctx context.Context, path string) {
	roomID := roomIDFromPath(path)
	if roomID == "" {
		return
	}

	v, err := s.tree.Read(ctx, "rooms/"+roomID)
	if err != nil {
		s.log.Printf("persist %q: read: %v", roomID, err)
		return
	}

	if v == nil {
		if err := s.repo.DeleteRoom(roomID); err != nil {
			s.log.Printf("persist %q: delete: %v", roomID, err)
		}
		return
	}

	doc, err := json.Marshal(v)
	if err != nil {
		s.log.Printf("persist %q: marshal: %v", roomID, err)
		return
	}
	if err := s.repo.UpsertRoom(roomID, doc); err != nil {
		s.log.Printf("persist %q: upsert: %v", roomID, err)
	}
}

func roomIDFromPath(path string) string {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) < 2 || parts[0] != "rooms" {
		return ""
	}
	return parts[1]
}
