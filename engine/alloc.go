// Allocator (C2) — free-list-backed page allocator with MVCC-aware
// reclamation. Grounded on the teacher's filodb_memory.go FreeList:
// the free page pointers live in a linked list of pages threaded
// through the array itself, same as the teacher, generalized from a
// fixed 4096-byte page to Options.PageSize and carrying a version
// fence so a page freed by a writer isn't handed back out while an
// older snapshot reader might still dereference it (spec.md §4.2).
package engine

import "encoding/binary"

const freeListNodeType = 3

// freeListHeaderSize is the byte offset where pointer/version pairs
// begin: | type(2) size(2) total(8) next(8) |
const freeListHeaderSize = 4 + 8 + 8

// Allocator hands out and reclaims page ids. A page freed by a
// transaction is not immediately reusable: it is only popped once
// minReader has reached the version that freed it, so an
// in-flight snapshot reader never sees a page recycled out from
// under it.
type Allocator struct {
	pageSize int
	head     uint64
	nodes    []uint64 // cached chain, head first
	total    int
	offset   int // items consumed from the front of the chain so far

	version   uint64
	minReader uint64
	pending   []uint64 // freed this transaction, not yet linked in
	popped    int      // ids handed out since the last CommitAllocator

	get func(uint64) *Node
	new func(*Node) uint64
	use func(uint64, *Node)
}

// NewAllocator wires an Allocator to the page callbacks that already
// back the tree (the free list is itself stored as a chain of pages).
func NewAllocator(pageSize int, head uint64, get func(uint64) *Node, new func(*Node) uint64, use func(uint64, *Node)) *Allocator {
	return &Allocator{pageSize: pageSize, head: head, get: get, new: new, use: use}
}

// Head returns the free list's head page id, to be persisted in the
// database header alongside the tree root (spec.md §4.10).
func (a *Allocator) Head() uint64 { return a.head }

// SetMinReader advances the MVCC fence: pages freed at a version
// after this point are withheld from Pop.
func (a *Allocator) SetMinReader(v uint64) { a.minReader = v }

// Pop removes and returns one reusable page id, or 0 if the free list
// is exhausted (the caller must then grow the page array). Items are
// consumed from the head node's top index downward so the count
// handed to CommitAllocator maps onto exactly the entries update
// drops from the durable chain.
func (a *Allocator) Pop() uint64 {
	a.loadCache()
	if a.total == 0 {
		return 0
	}
	node := a.get(a.nodes[0])
	idx := flnSize(node) - 1 - a.offset
	if idx < 0 {
		return 0
	}
	ptr, ver := flnItem(node, idx)
	if versionBefore(a.minReader, ver) {
		return 0
	}
	a.offset++
	a.total--
	a.popped++
	if a.offset >= flnSize(node) {
		a.nodes = a.nodes[1:]
		a.offset = 0
	}
	return ptr
}

// Reserve pops up to n pages, falling short if the free list runs
// out; the caller is responsible for growing the array for the rest.
func (a *Allocator) Reserve(n int) []uint64 {
	ids := make([]uint64, 0, n)
	for i := 0; i < n; i++ {
		id := a.Pop()
		if id == 0 {
			break
		}
		ids = append(ids, id)
	}
	return ids
}

// Add queues freed as reclaimable at the allocator's current version.
// It is not linked into the on-disk chain until CommitAllocator runs,
// matching the teacher's batched Update rather than Add-per-page.
func (a *Allocator) Add(freed []uint64) {
	a.pending = append(a.pending, freed...)
}

// CommitAllocator flushes pending frees into the on-disk chain —
// dropping the entries popped since the last commit, so a reopened
// database never re-offers a page that is now live in the tree —
// stamped with the allocator's version, and returns the (possibly
// unchanged) head page id for the caller to persist.
func (a *Allocator) CommitAllocator(version uint64) uint64 {
	a.version = version
	if len(a.pending) == 0 && a.popped == 0 {
		return a.head
	}
	a.update(a.popped, a.pending)
	a.pending = nil
	a.popped = 0
	return a.head
}

func (a *Allocator) loadCache() {
	if len(a.nodes) > 0 {
		return
	}
	if a.head == 0 {
		a.total, a.offset = 0, 0
		return
	}
	var nodes []uint64
	curr := a.head
	for curr != 0 {
		nodes = append(nodes, curr)
		curr = flnNext(a.get(curr))
	}
	a.nodes = nodes
	a.total = flnSize(a.get(a.head))
	a.offset = 0
}

func (a *Allocator) update(popn int, freed []uint64) {
	perNode := (a.pageSize - freeListHeaderSize) / 16
	total := a.Total()
	reuse := []uint64{}
	type taggedID struct {
		id  uint64
		ver uint64
	}
	taggedFreed := make([]taggedID, 0, len(freed))
	for _, id := range freed {
		taggedFreed = append(taggedFreed, taggedID{id, a.version})
	}

	// Consume head nodes while popped entries remain to be dropped or
	// the new items still need container pages.
	for a.head != 0 && (popn > 0 || len(reuse)*perNode < len(taggedFreed)) {
		node := a.get(a.head)
		taggedFreed = append(taggedFreed, taggedID{a.head, a.version})
		if popn >= flnSize(node) {
			popn -= flnSize(node)
		} else {
			// Pop consumed the top popn items of this node; relink the
			// rest, skimming container pages off the top of the keepers.
			remain := flnSize(node) - popn
			popn = 0
			for remain > 0 && len(reuse)*perNode < len(taggedFreed)+remain {
				remain--
				ptr, _ := flnItem(node, remain)
				reuse = append(reuse, ptr)
			}
			for i := 0; i < remain; i++ {
				ptr, ver := flnItem(node, i)
				taggedFreed = append(taggedFreed, taggedID{ptr, ver})
			}
		}
		total -= flnSize(node)
		a.head = flnNext(node)
	}

	for len(taggedFreed) > 0 || len(reuse) > 0 {
		if len(taggedFreed) == 0 {
			// Container pages skimmed off but never needed are free
			// pages like any other; relink them as items.
			for _, id := range reuse {
				taggedFreed = append(taggedFreed, taggedID{id, a.version})
			}
			reuse = nil
		}
		n := newNode(a.pageSize)
		size := len(taggedFreed)
		if size > perNode {
			size = perNode
		}
		flnSetHeader(n, uint16(size), a.head)
		for i := 0; i < size; i++ {
			flnSetItem(n, i, taggedFreed[i].id, taggedFreed[i].ver)
		}
		taggedFreed = taggedFreed[size:]
		if len(reuse) > 0 {
			a.head, reuse = reuse[0], reuse[1:]
			a.use(a.head, n)
		} else {
			a.head = a.new(n)
		}
	}
	if a.head != 0 {
		flnSetTotal(a.get(a.head), uint64(total+len(freed)))
	}
	a.nodes = nil // cache invalidated, reloaded lazily
}

// Total reports the number of reusable pages currently linked.
func (a *Allocator) Total() int {
	if a.head == 0 {
		return 0
	}
	total := 0
	id := a.head
	for id != 0 {
		node := a.get(id)
		total += flnSize(node)
		id = flnNext(node)
	}
	return total
}

func versionBefore(minReader, ver uint64) bool {
	return int64(minReader-ver) < 0
}

func flnItem(n *Node, offset int) (uint64, uint64) {
	pos := freeListHeaderSize + offset*16
	if len(n.data) < pos+16 {
		return 0, 0
	}
	ptr := binary.LittleEndian.Uint64(n.data[pos : pos+8])
	ver := binary.LittleEndian.Uint64(n.data[pos+8 : pos+16])
	return ptr, ver
}

func flnSetItem(n *Node, offset int, ptr, ver uint64) {
	pos := freeListHeaderSize + offset*16
	binary.LittleEndian.PutUint64(n.data[pos:pos+8], ptr)
	binary.LittleEndian.PutUint64(n.data[pos+8:pos+16], ver)
}

func flnSize(n *Node) int { return int(n.nKeys()) }

func flnNext(n *Node) uint64 { return binary.LittleEndian.Uint64(n.data[4+8:]) }

func flnSetHeader(n *Node, size uint16, next uint64) {
	binary.LittleEndian.PutUint16(n.data[2:], size)
	binary.LittleEndian.PutUint64(n.data[4+8:], next)
}

func flnSetTotal(n *Node, total uint64) {
	binary.LittleEndian.PutUint64(n.data[4:], total)
}
