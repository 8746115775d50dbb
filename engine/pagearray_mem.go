package engine

import (
	"fmt"
	"io"
	"sync"
)

// pageArrayMem is an in-memory PageArray, used by tests that want to
// exercise the tree/lock/txn layers without touching a file.
type pageArrayMem struct {
	mu        sync.Mutex
	pageSize  int
	readOnly  bool
	pages     map[uint64][]byte
	pagesUsed uint64

	root, freeListHead, version uint64
	headerStored                bool

	preImage func(id uint64, old []byte)
}

// NewMemPageArray returns a PageArray backed entirely by process
// memory. readOnly makes RestoreFromSnapshot refuse with ErrReadOnly;
// WritePage, Extend and StoreHeader do not check it.
func NewMemPageArray(pageSize int, readOnly bool) PageArray {
	return &pageArrayMem{pageSize: pageSize, readOnly: readOnly, pages: make(map[uint64][]byte), pagesUsed: 1}
}

func (a *pageArrayMem) PageSize() int      { return a.pageSize }
func (a *pageArrayMem) PagesUsed() uint64 { return a.pagesUsed }

func (a *pageArrayMem) SetPreImageHook(hook func(id uint64, old []byte)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.preImage = hook
}

func (a *pageArrayMem) ReadPage(id uint64) []byte {
	a.mu.Lock()
	defer a.mu.Unlock()
	if p, ok := a.pages[id]; ok {
		return p
	}
	p := make([]byte, a.pageSize)
	a.pages[id] = p
	return p
}

func (a *pageArrayMem) WritePage(id uint64, data []byte) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.preImage != nil {
		if old, ok := a.pages[id]; ok {
			cp := make([]byte, len(old))
			copy(cp, old)
			a.preImage(id, cp)
		}
	}
	p := make([]byte, a.pageSize)
	copy(p, data)
	a.pages[id] = p
}

func (a *pageArrayMem) Extend(pages int) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if uint64(pages) > a.pagesUsed {
		a.pagesUsed = uint64(pages)
	}
	return nil
}

func (a *pageArrayMem) Sync() error { return nil }
func (a *pageArrayMem) Close() error { return nil }

func (a *pageArrayMem) StoreHeader(root, freeListHead, pagesUsed, version uint64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.root, a.freeListHead, a.version = root, freeListHead, version
	a.pagesUsed = pagesUsed
	a.headerStored = true
	return nil
}

func (a *pageArrayMem) LoadHeader() (root, freeListHead, pagesUsed, version uint64, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.headerStored {
		return 0, 0, a.pagesUsed, 0, nil
	}
	return a.root, a.freeListHead, a.pagesUsed, a.version, nil
}

// RestoreFromSnapshot implements PageArray.RestoreFromSnapshot, the
// in-memory counterpart of mmapPageArray's.
func (a *pageArrayMem) RestoreFromSnapshot(r io.Reader) error {
	a.mu.Lock()
	if a.readOnly {
		a.mu.Unlock()
		return ErrReadOnly
	}
	if len(a.pages) != 0 || a.headerStored {
		a.mu.Unlock()
		return fmt.Errorf("tupl: restore from snapshot: %w", ErrNotEmpty)
	}
	a.mu.Unlock()

	buf := make([]byte, a.pageSize)
	var id uint64
	for {
		n, err := io.ReadFull(r, buf)
		if n == 0 {
			if err == io.EOF {
				break
			}
			if err != nil {
				return fmt.Errorf("tupl: restore from snapshot: %w", err)
			}
		}
		a.WritePage(id, buf[:n])
		if id+1 > a.pagesUsed {
			a.pagesUsed = id + 1
		}
		id++
		if err == io.ErrUnexpectedEOF || err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("tupl: restore from snapshot: %w", err)
		}
	}
	return nil
}
