package bridge

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/quietloop/steward/pkg/protocol"
)

// subjectsTTL bounds how long a cached group listing is served before
// the bridge is asked again.
const subjectsTTL = 5 * time.Minute

// ListGroupSubjects fetches every group the account participates in.
// Admin group discovery matches references against these subjects.
func (s *Supervisor) ListGroupSubjects(ctx context.Context) ([]protocol.GroupSubject, error) {
	token, err := s.Token()
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, s.cfg.BridgeURL(), nil)
	if err != nil {
		return nil, fmt.Errorf("dial bridge: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	if err := writeFrame(ctx, conn, protocol.TypeAuth, protocol.Auth{Token: token, Version: protocol.Version}); err != nil {
		return nil, err
	}
	if err := writeFrame(ctx, conn, protocol.TypeListGroups, protocol.ListGroups{}); err != nil {
		return nil, err
	}
	var groups protocol.Groups
	if err := awaitFrame(ctx, conn, protocol.TypeGroups, &groups); err != nil {
		return nil, err
	}
	return groups.Groups, nil
}

// SubjectCache serves group subjects with a short TTL so repeated admin
// lookups do not hammer the bridge socket.
type SubjectCache struct {
	supervisor *Supervisor

	mu      sync.Mutex
	cached  map[string]string // chat id -> subject
	fetched time.Time
}

func NewSubjectCache(supervisor *Supervisor) *SubjectCache {
	return &SubjectCache{supervisor: supervisor}
}

// Subjects returns the chat-id to subject map, refreshing on expiry.
// A failed refresh serves the stale copy when one exists.
func (c *SubjectCache) Subjects(ctx context.Context) map[string]string {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cached != nil && time.Since(c.fetched) < subjectsTTL {
		return c.cached
	}
	groups, err := c.supervisor.ListGroupSubjects(ctx)
	if err != nil {
		return c.cached
	}
	subjects := make(map[string]string, len(groups))
	for _, g := range groups {
		subjects[g.ChatID] = g.Subject
	}
	c.cached = subjects
	c.fetched = time.Now()
	return subjects
}
