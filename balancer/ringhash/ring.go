package ringhash

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"golang.org/x/exp/slices"
)

var (
	errMemberAlreadyExists  = errors.New("ringhash: member already in ring")
	errMemberNotFound       = errors.New("ringhash: member not in ring")
	errNotEnoughMembers     = errors.New("ringhash: not enough members to satisfy request")
	errInvalidReplication   = errors.New("ringhash: replication factor must be at least 1")
	errVnodeNotFound        = errors.New("ringhash: vnode not found")
	errUnexpectedVnodeCount = errors.New("ringhash: found a different number of vnodes than replication factor")
)

// HasherFunc is the hash algorithm a ring places members with.
type HasherFunc func([]byte) uint64

// ring is a consistent hash ring of subchannelMembers, keyed by
// subchannelMember.key, using a configurable number of virtual nodes per
// member. It is internally synchronized since Policy's own fields are not:
// picker.Pick reads the ring concurrently with the work loop mutating it
// through Policy.ResolverUpdate.
type ring struct {
	hasher            HasherFunc
	replicationFactor uint16

	sync.RWMutex
	nodes        map[string]ringEntry
	virtualNodes []vnode
}

// mustNewRing creates a new ring with the given hasher and replication
// factor. replicationFactor must be >= 1 or this panics.
func mustNewRing(hasher HasherFunc, replicationFactor uint16) *ring {
	r, err := newRing(hasher, replicationFactor)
	if err != nil {
		panic(err)
	}
	return r
}

// newRing creates a new ring with the given hasher and replication factor.
//
// replicationFactor should be a number like 100 for reasonable key
// distribution quality: at 100 the standard deviation of the key->member
// mapping is about 10% of the mean, at 1000 about 3.2%. A higher factor
// costs more memory and slower member selection.
func newRing(hasher HasherFunc, replicationFactor uint16) (*ring, error) {
	if replicationFactor < 1 {
		return nil, errInvalidReplication
	}
	return &ring{
		hasher:            hasher,
		replicationFactor: replicationFactor,
		nodes:             map[string]ringEntry{},
	}, nil
}

// add places member on the ring at replicationFactor virtual node
// positions. It returns errMemberAlreadyExists if a member with the same
// key is already present.
func (r *ring) add(member subchannelMember) error {
	r.Lock()
	defer r.Unlock()

	if _, ok := r.nodes[member.key]; ok {
		return errMemberAlreadyExists
	}

	nodeHash := r.hasher([]byte(member.key))
	entry := ringEntry{
		hashvalue: nodeHash,
		nodeKey:   member.key,
		member:    member,
	}

	// vnodeSeed is a 10-byte buffer: the first 8 bytes are the member's own
	// hash, the last 2 bytes a replica offset. Hashing that buffer gives
	// each replica of the member its own position on the ring.
	vnodeSeed := make([]byte, 10)
	binary.LittleEndian.PutUint64(vnodeSeed, nodeHash)

	for i := uint16(0); i < r.replicationFactor; i++ {
		binary.LittleEndian.PutUint16(vnodeSeed[8:], i)
		vnodeHash := r.hasher(vnodeSeed)

		v := vnode{hashvalue: vnodeHash, entry: entry}
		entry.virtualNodes = append(entry.virtualNodes, v)
		r.virtualNodes = append(r.virtualNodes, v)
	}

	slices.SortFunc(r.virtualNodes, vnodeLess)
	r.nodes[member.key] = entry
	return nil
}

// remove takes member off the ring. It returns errMemberNotFound if no
// member with the same key is present.
func (r *ring) remove(member subchannelMember) error {
	r.Lock()
	defer r.Unlock()

	found, ok := r.nodes[member.key]
	if !ok {
		return errMemberNotFound
	}

	indexesToRemove := make([]int, 0, r.replicationFactor)
	for _, v := range found.virtualNodes {
		v := v
		idx := sort.Search(len(r.virtualNodes), func(i int) bool {
			return !vnodeLess(r.virtualNodes[i], v)
		})
		if idx >= len(r.virtualNodes) {
			return fmt.Errorf("deleting vnode %020d/%020d/%s: %w",
				v.hashvalue, v.entry.hashvalue, v.entry.nodeKey, errVnodeNotFound)
		}
		indexesToRemove = append(indexesToRemove, idx)
	}

	// Removing by swapping each victim with the current tail only works if
	// we walk the victim list from the highest index down, so sort it
	// descending before the swap-delete loop below.
	sort.Slice(indexesToRemove, func(i, j int) bool {
		return indexesToRemove[j] < indexesToRemove[i]
	})

	if len(indexesToRemove) != int(r.replicationFactor) {
		return errUnexpectedVnodeCount
	}

	for i, idx := range indexesToRemove {
		r.virtualNodes[idx] = r.virtualNodes[len(r.virtualNodes)-1-i]
	}
	r.virtualNodes = r.virtualNodes[:len(r.virtualNodes)-len(indexesToRemove)]
	slices.SortFunc(r.virtualNodes, vnodeLess)

	delete(r.nodes, member.key)
	return nil
}

// findN returns the first num distinct members at or after key's hash
// position, wrapping around the ring. It returns errNotEnoughMembers if
// fewer than num members are on the ring at all.
func (r *ring) findN(key []byte, num uint8) ([]subchannelMember, error) {
	r.RLock()
	defer r.RUnlock()

	if int(num) > len(r.nodes) {
		return nil, errNotEnoughMembers
	}

	keyHash := r.hasher(key)
	vnodeIndex := sort.Search(len(r.virtualNodes), func(i int) bool {
		return r.virtualNodes[i].hashvalue >= keyHash
	})

	seen := map[string]struct{}{}
	found := make([]subchannelMember, 0, num)
	for i := 0; i < len(r.virtualNodes) && len(found) < int(num); i++ {
		candidate := r.virtualNodes[(i+vnodeIndex)%len(r.virtualNodes)]
		if _, ok := seen[candidate.entry.nodeKey]; ok {
			continue
		}
		found = append(found, candidate.entry.member)
		seen[candidate.entry.nodeKey] = struct{}{}
	}
	return found, nil
}

// members returns the current ring membership, in no particular order.
func (r *ring) members() []subchannelMember {
	r.RLock()
	defer r.RUnlock()

	out := make([]subchannelMember, 0, len(r.nodes))
	for _, entry := range r.nodes {
		out = append(out, entry.member)
	}
	return out
}

// ringEntry is the per-member bookkeeping record: the member's own hash
// and the virtual nodes it expanded into.
type ringEntry struct {
	hashvalue    uint64
	nodeKey      string
	member       subchannelMember
	virtualNodes []vnode
}

// vnode is one replica position of a member on the ring.
type vnode struct {
	hashvalue uint64
	entry     ringEntry
}

func vnodeLess(a, b vnode) bool {
	if a.hashvalue == b.hashvalue {
		if a.entry.hashvalue == b.entry.hashvalue {
			return strings.Compare(a.entry.nodeKey, b.entry.nodeKey) < 0
		}
		return a.entry.hashvalue < b.entry.hashvalue
	}
	return a.hashvalue < b.hashvalue
}
