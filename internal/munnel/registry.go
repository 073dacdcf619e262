package munnel

import "sync"

// SessionState is the lifecycle state of a Server-side AgentSession.
type SessionState int

const (
	SessionAccepted SessionState = iota
	SessionHelloReceived
	SessionLive
	SessionDraining
	SessionDead
)

// noGroup is the bucket key used for agents that registered with no group,
// and for services configured with no group. Per the pinned semantics of
// spec.md §4.3/§9, these two populations are matched only to each other:
// an agent with an explicit group never serves a no-group service and vice
// versa.
const noGroup = ""

// groupBucket holds the live agent ids for one group and a round-robin
// cursor into that slice. Removals compact the slice and reseat the cursor
// modulo the new length so dispatch never skips a surviving member.
type groupBucket struct {
	agentIDs []uint64
	cursor   int
}

func (b *groupBucket) remove(id uint64) {
	for i, existing := range b.agentIDs {
		if existing == id {
			b.agentIDs = append(b.agentIDs[:i], b.agentIDs[i+1:]...)
			if len(b.agentIDs) > 0 {
				b.cursor = b.cursor % len(b.agentIDs)
			} else {
				b.cursor = 0
			}
			return
		}
	}
}

func (b *groupBucket) next() (uint64, bool) {
	if len(b.agentIDs) == 0 {
		return 0, false
	}
	id := b.agentIDs[b.cursor%len(b.agentIDs)]
	b.cursor = (b.cursor + 1) % len(b.agentIDs)
	return id, true
}

// AgentRegistry holds every currently connected agent, indexed by group,
// and performs round-robin dispatch within a group. It is the Server-wide
// rendezvous point that Service Listeners consult on every accepted
// client; all of its state is protected by a single mutex, touched only in
// short critical sections with no I/O performed while held.
type AgentRegistry struct {
	mu       sync.Mutex
	sessions map[uint64]*AgentSession
	buckets  map[string]*groupBucket
	nextID   uint64
}

// NewAgentRegistry creates an empty AgentRegistry.
func NewAgentRegistry() *AgentRegistry {
	return &AgentRegistry{
		sessions: make(map[uint64]*AgentSession),
		buckets:  make(map[string]*groupBucket),
	}
}

// Insert assigns a fresh agent_id to session, adds it to its group's
// bucket, and marks it Live. Called once Hello has been processed.
func (r *AgentRegistry) Insert(session *AgentSession) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	id := r.nextID
	session.id = id
	session.state = SessionLive
	r.sessions[id] = session

	bucket := r.buckets[session.group]
	if bucket == nil {
		bucket = &groupBucket{}
		r.buckets[session.group] = bucket
	}
	bucket.agentIDs = append(bucket.agentIDs, id)
	return id
}

// Remove takes agentID out of every bucket and marks its session Dead. It
// returns the removed session (or nil if unknown) so the caller can cancel
// that agent's pending requests outside the registry lock.
func (r *AgentRegistry) Remove(agentID uint64) *AgentSession {
	r.mu.Lock()
	defer r.mu.Unlock()
	session, ok := r.sessions[agentID]
	if !ok {
		return nil
	}
	delete(r.sessions, agentID)
	session.state = SessionDead
	if bucket, ok := r.buckets[session.group]; ok {
		bucket.remove(agentID)
	}
	return session
}

// Select returns the next agent_id to dispatch a new request to for the
// given service group, round-robin among that group's Live agents. group
// == "" selects among agents that registered with no group. It returns
// false if the bucket does not exist or currently has no live members.
func (r *AgentRegistry) Select(group string) (uint64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	bucket, ok := r.buckets[group]
	if !ok {
		return 0, false
	}
	return bucket.next()
}

// Get looks up a session by agent_id without affecting dispatch order.
func (r *AgentRegistry) Get(agentID uint64) (*AgentSession, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[agentID]
	return s, ok
}

// Len reports how many agents are currently registered, live or draining.
func (r *AgentRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}
