package state

import (
	crand "crypto/rand"
	"encoding/binary"
	"fmt"
	"math/rand"
	"sort"
	"strconv"
	"time"
)

// ClientID is the identity assigned to a peer on first contact. It is only ever used as a key.
type ClientID uint32

// NoClient is never assigned to a peer.
const NoClient ClientID = 0

func (c ClientID) String() string {
	return strconv.FormatUint(uint64(c), 10)
}

func ParseClientID(raw string) (ClientID, error) {
	v, err := strconv.ParseUint(raw, 10, 32)
	if err != nil {
		return NoClient, fmt.Errorf("invalid client id %q: %w", raw, err)
	}
	return ClientID(v), nil
}

// Peer is the transport level key of a connection, usually the remote ip plus an optional name.
type Peer string

type ClientInfo struct {
	ID           ClientID  `json:"client_id"`
	Peer         Peer      `json:"peer"`
	RegisteredAt time.Time `json:"registered_at"`
}

// IDGenerator produces candidate client ids. Candidates that collide are discarded and retried.
type IDGenerator func() ClientID

// RandomIDs returns a generator backed by a randomly seeded source.
func RandomIDs() IDGenerator {
	var seed [8]byte
	if _, err := crand.Read(seed[:]); err != nil {
		binary.LittleEndian.PutUint64(seed[:], uint64(time.Now().UnixNano()))
	}
	r := rand.New(rand.NewSource(int64(binary.LittleEndian.Uint64(seed[:]))))
	return func() ClientID {
		return ClientID(r.Uint32())
	}
}

// SequentialIDs returns a generator counting up from 1.
func SequentialIDs() IDGenerator {
	var next ClientID
	return func() ClientID {
		next++
		return next
	}
}

// ClientRegistry maps peers to their assigned identity. Entries live for the lifetime of the process.
type ClientRegistry struct {
	clients map[ClientID]ClientInfo
	byPeer  map[Peer]ClientID
	nextID  IDGenerator
	now     func() time.Time
}

func NewClientRegistry(gen IDGenerator) *ClientRegistry {
	if gen == nil {
		gen = RandomIDs()
	}
	return &ClientRegistry{
		clients: make(map[ClientID]ClientInfo),
		byPeer:  make(map[Peer]ClientID),
		nextID:  gen,
		now:     time.Now,
	}
}

// RegisterOrGet returns the identity of peer, minting a new one on first contact.
func (r *ClientRegistry) RegisterOrGet(peer Peer) (ClientInfo, bool) {
	if id, ok := r.byPeer[peer]; ok {
		return r.clients[id], false
	}

	id := r.nextID()
	for {
		if _, taken := r.clients[id]; !taken && id != NoClient {
			break
		}
		id = r.nextID()
	}

	info := ClientInfo{ID: id, Peer: peer, RegisteredAt: r.now()}
	r.clients[id] = info
	r.byPeer[peer] = id
	return info, true
}

func (r *ClientRegistry) Lookup(id ClientID) (ClientInfo, bool) {
	info, ok := r.clients[id]
	return info, ok
}

// IDs returns every registered identity in ascending order.
func (r *ClientRegistry) IDs() []ClientID {
	out := make([]ClientID, 0, len(r.clients))
	for id := range r.clients {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (r *ClientRegistry) Len() int {
	return len(r.clients)
}
