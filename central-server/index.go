package centralserver

import (
	"sort"
	"sync"
	"time"
)

// Index maps file names to the peers that reported them. Every method takes
// the single index lock for the duration of a map operation only.
type Index struct {
	mu        sync.Mutex
	files     map[string]map[string]struct{} // filename -> set of peer ids
	lastSeen  map[string]time.Time           // peer id -> last accepted heartbeat
	checksums map[string]map[string]string   // peer id -> filename -> digest
	gen       uint64
	now       func() time.Time
}

// PeerStatus is a snapshot of one live peer.
type PeerStatus struct {
	ID       string
	LastSeen time.Time
	Files    int
}

// IndexStats summarises the index for status output.
type IndexStats struct {
	Peers      int
	Files      int
	Generation uint64
}

func NewIndex() *Index {
	return newIndexWithClock(time.Now)
}

func newIndexWithClock(now func() time.Time) *Index {
	return &Index{
		files:     make(map[string]map[string]struct{}),
		lastSeen:  make(map[string]time.Time),
		checksums: make(map[string]map[string]string),
		now:       now,
	}
}

// Merge replaces peerID's contribution with files. Files the peer no longer
// reports lose it as a holder, and names left without holders are removed.
// changed reports whether the file index was modified; gen and keys describe
// the file index after the merge.
func (idx *Index) Merge(peerID string, files []string, checksums map[string]string) (changed bool, gen uint64, keys []string) {
	reported := make(map[string]struct{}, len(files))
	for _, f := range files {
		reported[f] = struct{}{}
	}

	sums := make(map[string]string, len(checksums))
	for k, v := range checksums {
		sums[k] = v
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()

	for fname, holders := range idx.files {
		if _, held := holders[peerID]; !held {
			continue
		}
		if _, still := reported[fname]; still {
			continue
		}
		delete(holders, peerID)
		if len(holders) == 0 {
			delete(idx.files, fname)
		}
		changed = true
	}

	for fname := range reported {
		holders, ok := idx.files[fname]
		if !ok {
			holders = make(map[string]struct{})
			idx.files[fname] = holders
		}
		if _, held := holders[peerID]; !held {
			holders[peerID] = struct{}{}
			changed = true
		}
	}

	idx.lastSeen[peerID] = idx.now()
	idx.checksums[peerID] = sums

	if !changed {
		return false, idx.gen, nil
	}
	idx.gen++
	return true, idx.gen, idx.keysLocked()
}

// Query returns a sorted copy of the holders of filename; empty when unknown.
func (idx *Index) Query(filename string) []string {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	holders := make([]string, 0, len(idx.files[filename]))
	for peer := range idx.files[filename] {
		holders = append(holders, peer)
	}
	sort.Strings(holders)
	return holders
}

// Sweep evicts every peer whose last heartbeat is older than timeout and
// returns the evicted ids, sorted. A non-empty result means the index changed.
func (idx *Index) Sweep(timeout time.Duration) (evicted []string, gen uint64, keys []string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	cutoff := idx.now().Add(-timeout)
	for peer, seen := range idx.lastSeen {
		if seen.Before(cutoff) {
			evicted = append(evicted, peer)
		}
	}
	if len(evicted) == 0 {
		return nil, idx.gen, nil
	}
	sort.Strings(evicted)

	for _, peer := range evicted {
		delete(idx.lastSeen, peer)
		delete(idx.checksums, peer)
		for fname, holders := range idx.files {
			if _, ok := holders[peer]; !ok {
				continue
			}
			delete(holders, peer)
			if len(holders) == 0 {
				delete(idx.files, fname)
			}
		}
	}
	idx.gen++
	return evicted, idx.gen, idx.keysLocked()
}

// Clear drops all state.
func (idx *Index) Clear() uint64 {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	idx.files = make(map[string]map[string]struct{})
	idx.lastSeen = make(map[string]time.Time)
	idx.checksums = make(map[string]map[string]string)
	idx.gen++
	return idx.gen
}

// Peers lists live peers sorted by id.
func (idx *Index) Peers() []PeerStatus {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	counts := make(map[string]int, len(idx.lastSeen))
	for _, holders := range idx.files {
		for peer := range holders {
			counts[peer]++
		}
	}

	peers := make([]PeerStatus, 0, len(idx.lastSeen))
	for peer, seen := range idx.lastSeen {
		peers = append(peers, PeerStatus{ID: peer, LastSeen: seen, Files: counts[peer]})
	}
	sort.Slice(peers, func(i, j int) bool { return peers[i].ID < peers[j].ID })
	return peers
}

// Checksums returns a copy of the digests last reported by peerID.
func (idx *Index) Checksums(peerID string) (map[string]string, bool) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	sums, ok := idx.checksums[peerID]
	if !ok {
		return nil, false
	}
	out := make(map[string]string, len(sums))
	for k, v := range sums {
		out[k] = v
	}
	return out, true
}

// Files returns the indexed file names, sorted.
func (idx *Index) Files() []string {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return idx.keysLocked()
}

func (idx *Index) Stats() IndexStats {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return IndexStats{Peers: len(idx.lastSeen), Files: len(idx.files), Generation: idx.gen}
}

func (idx *Index) keysLocked() []string {
	keys := make([]string, 0, len(idx.files))
	for fname := range idx.files {
		keys = append(keys, fname)
	}
	sort.Strings(keys)
	return keys
}
