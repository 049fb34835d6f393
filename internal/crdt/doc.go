package crdt

import (
	"errors"
	"math/rand"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lilvirgola/p2pdocs/internal/ostree"
	"github.com/lilvirgola/p2pdocs/internal/types"
)

// ErrIndexOutOfRange reports a contract violation on the local editing
// surface; the document state is unchanged.
var ErrIndexOutOfRange = errors.New("index out of range")

// Doc is a sequence CRDT over dense position identifiers. Characters live in
// an order-statistics tree keyed by (position, id), bracketed by two
// sentinels, so index<->position translation is O(log n).
type Doc struct {
	mu         sync.Mutex
	peerID     types.PeerID
	counter    uint64
	tree       *ostree.Tree[types.Char]
	posByID    map[types.CharID]types.Position
	strategies map[int]strategy
	rng        *rand.Rand
	log        *zap.Logger
}

// New returns an empty document for the given peer.
func New(peerID types.PeerID, log *zap.Logger) *Doc {
	return NewSeeded(peerID, log, time.Now().UnixNano())
}

// NewSeeded is New with a fixed randomness seed for the allocation
// strategies.
func NewSeeded(peerID types.PeerID, log *zap.Logger, seed int64) *Doc {
	if log == nil {
		log = zap.NewNop()
	}
	d := &Doc{
		peerID:     peerID,
		posByID:    make(map[types.CharID]types.Position),
		strategies: make(map[int]strategy),
		rng:        rand.New(rand.NewSource(seed)),
		log:        log,
	}
	d.tree = ostree.New(types.CompareChars)
	d.tree.Insert(beginSentinel())
	d.tree.Insert(endSentinel())
	return d
}

func beginSentinel() types.Char {
	return types.Char{ID: types.CharID{Peer: types.SentinelAuthor, Seq: 0}, Pos: types.BeginPos()}
}

func endSentinel() types.Char {
	return types.Char{ID: types.CharID{Peer: types.SentinelAuthor, Seq: 1}, Pos: types.EndPos()}
}

// PeerID returns the owning peer's id.
func (d *Doc) PeerID() types.PeerID { return d.peerID }

// Len returns the number of live characters.
func (d *Doc) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.tree.Size() - 2
}

// Counter returns the per-peer character counter.
func (d *Doc) Counter() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.counter
}

// InsertLocal inserts value after the index-th live character (1-based;
// index 0 inserts before the first). The returned character carries the
// freshly allocated position and is what gets broadcast.
func (d *Doc) InsertLocal(index int, value rune) (types.Char, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	live := d.tree.Size() - 2
	if index < 0 || index > live {
		return types.Char{}, ErrIndexOutOfRange
	}

	left, _ := d.tree.Kth(index + 1)
	right, _ := d.tree.Kth(index + 2)

	d.counter++
	ch := types.Char{
		ID:    types.CharID{Peer: d.peerID, Seq: d.counter},
		Pos:   d.allocBetween(left.Pos, right.Pos),
		Value: value,
	}
	d.tree.Insert(ch)
	d.posByID[ch.ID] = ch.Pos
	return ch, nil
}

// DeleteLocal removes the index-th live character (1-based) and returns its
// id for broadcast.
func (d *Doc) DeleteLocal(index int) (types.CharID, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	live := d.tree.Size() - 2
	if index < 1 || index > live {
		return types.CharID{}, ErrIndexOutOfRange
	}

	ch, _ := d.tree.Kth(index + 1)
	d.tree.Delete(ch)
	delete(d.posByID, ch.ID)
	return ch.ID, nil
}

// ApplyRemoteInsert applies a remote insert. It is idempotent: a character
// whose id is already known is a no-op reporting applied=false. On success
// it returns the character's 1-based index among live characters.
func (d *Doc) ApplyRemoteInsert(ch types.Char) (int, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, known := d.posByID[ch.ID]; known {
		return 0, false
	}
	d.tree.Insert(ch)
	d.posByID[ch.ID] = ch.Pos
	rank, ok := d.tree.Rank(ch)
	if !ok {
		panic("crdt: inserted character missing from tree")
	}
	return rank - 1, true
}

// ApplyRemoteDelete applies a remote delete. Unknown ids are a no-op. On
// success it returns the character's live index just before removal.
func (d *Doc) ApplyRemoteDelete(id types.CharID) (int, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	pos, known := d.posByID[id]
	if !known {
		return 0, false
	}
	probe := types.Char{ID: id, Pos: pos}
	rank, ok := d.tree.Rank(probe)
	if !ok {
		panic("crdt: indexed character missing from tree")
	}
	d.tree.Delete(probe)
	delete(d.posByID, id)
	return rank - 1, true
}

// Text returns the plain-text projection in tree order, sentinels excluded.
func (d *Doc) Text() string {
	d.mu.Lock()
	defer d.mu.Unlock()

	var b strings.Builder
	for _, ch := range d.tree.InOrder() {
		if ch.ID.Peer == types.SentinelAuthor {
			continue
		}
		b.WriteRune(ch.Value)
	}
	return b.String()
}

// Snapshot returns all live characters in tree order, for state transfer
// and persistence.
func (d *Doc) Snapshot() []types.Char {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([]types.Char, 0, d.tree.Size()-2)
	for _, ch := range d.tree.InOrder() {
		if ch.ID.Peer == types.SentinelAuthor {
			continue
		}
		out = append(out, ch)
	}
	return out
}

// Install replaces the document contents with a snapshot received from
// another peer. The local peer id is kept and the counter only moves forward,
// past any of this peer's own characters in the snapshot: character
// authorship stays with the originators while future local inserts are
// tagged with the receiver's own identity.
func (d *Doc) Install(chars []types.Char) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.tree = ostree.New(types.CompareChars)
	d.tree.Insert(beginSentinel())
	d.tree.Insert(endSentinel())
	d.posByID = make(map[types.CharID]types.Position, len(chars))
	for _, ch := range chars {
		if d.tree.Insert(ch) {
			d.posByID[ch.ID] = ch.Pos
		}
		if ch.ID.Peer == d.peerID && ch.ID.Seq > d.counter {
			d.counter = ch.ID.Seq
		}
	}
	d.checkOrderInvariant()
}

// Restore reinstates a persisted snapshot including the local counter.
func (d *Doc) Restore(chars []types.Char, counter uint64) {
	d.Install(chars)
	d.mu.Lock()
	if counter > d.counter {
		d.counter = counter
	}
	d.mu.Unlock()
}

// checkOrderInvariant panics if consecutive characters are not strictly
// position-ordered. Called with the lock held after bulk loads.
func (d *Doc) checkOrderInvariant() {
	all := d.tree.InOrder()
	for i := 1; i < len(all); i++ {
		if types.ComparePositions(all[i-1].Pos, all[i].Pos) >= 0 {
			panic("crdt: position order invariant violated")
		}
	}
}
