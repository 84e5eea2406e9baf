package ws

import (
	"encoding/json"
	"log"
	"sync"
	"sync/atomic"

	"gridstream.dev/internal/protocol"
	"gridstream.dev/internal/stream"
)

// Gateway bridges the pipeline's outbound boundary to the connected game
// session. It also tracks which entities the game reports as existing and the
// last known viewpoint. One game session is active at a time; a reconnect
// replaces the previous session.
type Gateway struct {
	log *log.Logger

	sess atomic.Pointer[session]

	mu        sync.Mutex
	known     map[stream.EntityID]struct{}
	viewpoint stream.Vec3
	hasView   bool

	sendDropTotal atomic.Uint64
}

func NewGateway(logger *log.Logger) *Gateway {
	return &Gateway{
		log:   logger,
		known: map[stream.EntityID]struct{}{},
	}
}

// Dispatch implements the admission dispatch callback: tell the game to
// create the entity. Without a session the message is dropped; the stuck
// in-flight eviction re-admits the entity later.
func (g *Gateway) Dispatch(id stream.EntityID, prio stream.Priority) {
	g.send(protocol.DispatchMsg{
		Type:            protocol.TypeDispatch,
		ProtocolVersion: protocol.Version,
		EntityID:        uint64(id),
		Priority:        prio.String(),
	})
}

// CreatePhysics implements stream.PhysicsBoundary.
func (g *Gateway) CreatePhysics(t stream.PhysicsTarget) error {
	g.send(protocol.CreatePhysicsMsg{
		Type:            protocol.TypeCreatePhysics,
		ProtocolVersion: protocol.Version,
		EntityID:        uint64(t.EntityID()),
	})
	return nil
}

// Discard implements stream.PhysicsBoundary: close the object game-side
// without materializing physics.
func (g *Gateway) Discard(t stream.PhysicsTarget) error {
	id := t.EntityID()
	g.send(protocol.DiscardMsg{
		Type:            protocol.TypeDiscard,
		ProtocolVersion: protocol.Version,
		EntityID:        uint64(id),
	})
	if rt, ok := t.(*remoteTarget); ok {
		rt.closed.Store(true)
	}
	g.forget(id)
	return nil
}

// EntityExists reports whether the game has told us the entity exists
// (CREATED confirmation or DEFER registration).
func (g *Gateway) EntityExists(id stream.EntityID) bool {
	g.mu.Lock()
	_, ok := g.known[id]
	g.mu.Unlock()
	return ok
}

// Viewpoint returns the last reported local position.
func (g *Gateway) Viewpoint() (stream.Vec3, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.viewpoint, g.hasView
}

func (g *Gateway) markKnown(id stream.EntityID) {
	g.mu.Lock()
	g.known[id] = struct{}{}
	g.mu.Unlock()
}

func (g *Gateway) forget(id stream.EntityID) {
	g.mu.Lock()
	delete(g.known, id)
	g.mu.Unlock()
}

func (g *Gateway) setViewpoint(v stream.Vec3) {
	g.mu.Lock()
	g.viewpoint = v
	g.hasView = true
	g.mu.Unlock()
}

// attach makes sess the active session, closing out any previous one.
func (g *Gateway) attach(sess *session) {
	if old := g.sess.Swap(sess); old != nil && old != sess {
		old.close()
	}
}

// detach clears the active session if it is still sess.
func (g *Gateway) detach(sess *session) {
	g.sess.CompareAndSwap(sess, nil)
	sess.close()
}

// SendDropTotal counts outbound messages dropped for lack of a session or a
// saturated send queue.
func (g *Gateway) SendDropTotal() uint64 { return g.sendDropTotal.Load() }

func (g *Gateway) send(v any) {
	sess := g.sess.Load()
	if sess == nil || sess.isClosed() {
		g.sendDropTotal.Add(1)
		return
	}
	b, err := json.Marshal(v)
	if err != nil {
		g.logf("marshal outbound: %v", err)
		return
	}
	if !sess.trySend(b) {
		g.sendDropTotal.Add(1)
		g.logf("session %s send queue full; dropping message", sess.id)
	}
}

func (g *Gateway) logf(format string, args ...any) {
	if g.log != nil {
		g.log.Printf(format, args...)
	}
}

// remoteTarget is the sidecar's non-owning view of a deferred game object.
// Liveness follows both the explicit discard flag and the session it arrived
// on: a dead session means the handle is gone.
type remoteTarget struct {
	sess   *session
	id     stream.EntityID
	name   string
	pos    stream.Vec3
	orient [4]float64
	size   stream.Vec3
	planet bool

	closed       atomic.Bool
	autoDisabled atomic.Bool
}

func newRemoteTarget(sess *session, m protocol.DeferMsg) *remoteTarget {
	return &remoteTarget{
		sess:   sess,
		id:     stream.EntityID(m.EntityID),
		name:   m.Name,
		pos:    stream.Vec3{X: m.Pos[0], Y: m.Pos[1], Z: m.Pos[2]},
		orient: m.Orient,
		size:   stream.Vec3{X: m.Size[0], Y: m.Size[1], Z: m.Size[2]},
		planet: m.PlanetClass,
	}
}

func (t *remoteTarget) EntityID() stream.EntityID  { return t.id }
func (t *remoteTarget) DisplayName() string        { return t.name }
func (t *remoteTarget) BoundingSize() stream.Vec3  { return t.size }
func (t *remoteTarget) Position() stream.Vec3      { return t.pos }
func (t *remoteTarget) Orientation() [4]float64    { return t.orient }
func (t *remoteTarget) PlanetClass() bool          { return t.planet }
func (t *remoteTarget) SetAutoBodyDisabled(d bool) { t.autoDisabled.Store(d) }

func (t *remoteTarget) Closed() bool {
	if t.closed.Load() {
		return true
	}
	return t.sess != nil && t.sess.isClosed()
}
