// Package vmmap is a process's virtual address space: an ordered set of
// non-overlapping mapped regions (Areas), each backed by a memory object.
package vmmap

import (
	"context"
	"sort"

	"github.com/weenixfs/kernel/internal/kernel/kerrno"
	"github.com/weenixfs/kernel/internal/kernel/ksync"
	"github.com/weenixfs/kernel/internal/kernel/pframe"
	"github.com/weenixfs/kernel/internal/vm/mmo"
)

// Direction picks which end of the address space vmmap.FindRange
// searches from first.
type Direction int

const (
	// LoHi finds the lowest-addressed gap big enough for the request.
	LoHi Direction = iota
	// HiLo finds the highest-addressed gap, used for placing the stack.
	HiLo
)

// Protection bits, mirroring mmap(2)'s PROT_* flags.
type Prot int

const (
	ProtNone  Prot = 0
	ProtRead  Prot = 1 << 0
	ProtWrite Prot = 1 << 1
	ProtExec  Prot = 1 << 2
)

// Flags, mirroring mmap(2)'s MAP_* flags.
type Flags int

const (
	MapShared  Flags = 1 << 0
	MapPrivate Flags = 1 << 1
	MapAnon    Flags = 1 << 2
	MapFixed   Flags = 1 << 3
)

// Page number bounds of the user address range; pages below UserPageLow
// or at/above UserPageHigh are reserved for the kernel and never handed
// out by FindRange.
const (
	UserPageLow  = 0x1000
	UserPageHigh = 0xfffff
)

// Area is one contiguous mapped region: [Start, End) in page numbers,
// backed by Obj starting at page Off within it.
type Area struct {
	Start, End uint32
	Off        uint32
	Prot       Prot
	Flags      Flags
	Obj        mmo.Object
}

func (a *Area) contains(vfn uint32) bool { return vfn >= a.Start && vfn < a.End }

// ObjPage converts a virtual page number within this area to the page
// number within the area's backing object.
func (a *Area) ObjPage(vfn uint32) uint64 {
	if !a.contains(vfn) {
		panic("vmmap: ObjPage called with vfn outside area")
	}
	return uint64(vfn - a.Start + a.Off)
}

// Map is one process's address space: a sorted, non-overlapping list of
// Areas plus the lock serializing changes to it.
type Map struct {
	mu    ksync.RWMutex
	areas []*Area
}

// New creates an empty address space.
func New() *Map { return &Map{} }

func (m *Map) insertLocked(a *Area) {
	i := sort.Search(len(m.areas), func(i int) bool { return m.areas[i].Start >= a.Start })
	m.areas = append(m.areas, nil)
	copy(m.areas[i+1:], m.areas[i:])
	m.areas[i] = a
}

// Insert adds an already-valid, non-overlapping Area to the map.
func (m *Map) Insert(a *Area) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.insertLocked(a)
}

// Destroy puts every area's backing object and empties the map. The Map
// itself may continue to be used afterward as an empty address space.
func (m *Map) Destroy() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.areas {
		a.Obj.Put()
	}
	m.areas = nil
}

// FindRange finds npages contiguous free virtual pages, first-fit, from
// the low or high end of the address space depending on dir. Returns
// false if no such range exists.
func (m *Map) FindRange(npages uint32, dir Direction) (uint32, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.findRangeLocked(npages, dir)
}

func (m *Map) findRangeLocked(npages uint32, dir Direction) (uint32, bool) {
	if len(m.areas) == 0 {
		if dir == HiLo {
			return UserPageHigh - npages, true
		}
		return UserPageLow, true
	}

	if dir == LoHi {
		if m.areas[0].Start-UserPageLow >= npages {
			return UserPageLow, true
		}
		for i := 1; i < len(m.areas); i++ {
			gap := m.areas[i].Start - m.areas[i-1].End
			if gap >= npages {
				return m.areas[i-1].End, true
			}
		}
		last := m.areas[len(m.areas)-1]
		if UserPageHigh-last.End >= npages {
			return last.End, true
		}
		return 0, false
	}

	last := m.areas[len(m.areas)-1]
	if UserPageHigh-last.End >= npages {
		return UserPageHigh - npages, true
	}
	for i := len(m.areas) - 1; i > 0; i-- {
		gap := m.areas[i].Start - m.areas[i-1].End
		if gap >= npages {
			return m.areas[i].Start - npages, true
		}
	}
	first := m.areas[0]
	if first.Start-UserPageLow >= npages {
		return first.Start - npages, true
	}
	return 0, false
}

// Lookup returns the area covering vfn, or nil if vfn is unmapped.
func (m *Map) Lookup(vfn uint32) *Area {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lookupLocked(vfn)
}

func (m *Map) lookupLocked(vfn uint32) *Area {
	i := sort.Search(len(m.areas), func(i int) bool { return m.areas[i].End > vfn })
	if i < len(m.areas) && m.areas[i].contains(vfn) {
		return m.areas[i]
	}
	return nil
}

// IsRangeEmpty reports whether no area in the map overlaps
// [startvfn, startvfn+npages).
func (m *Map) IsRangeEmpty(startvfn, npages uint32) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.isRangeEmptyLocked(startvfn, npages)
}

func (m *Map) isRangeEmptyLocked(startvfn, npages uint32) bool {
	hi := startvfn + npages
	for _, a := range m.areas {
		if a.Start >= hi || a.End <= startvfn {
			continue
		}
		return false
	}
	return true
}

// Clone creates a new Map with one Area per area in m, each pointing at
// the same backing object (with an added reference) but not yet given a
// fresh copy-on-write shadow — that is the caller's job (Fork arranges
// the shadow chain itself, since it must also rewrite the original
// process's areas to point through new shadows).
func (m *Map) Clone() *Map {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := New()
	for _, a := range m.areas {
		cp := &Area{Start: a.Start, End: a.End, Off: a.Off, Prot: a.Prot, Flags: a.Flags, Obj: a.Obj}
		cp.Obj.Ref()
		out.areas = append(out.areas, cp)
	}
	return out
}

// Areas returns a snapshot slice of every area currently mapped, in
// address order.
func (m *Map) Areas() []*Area {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Area, len(m.areas))
	copy(out, m.areas)
	return out
}

// Filler supplies a file-backed mmo.Object for a vnode-backed mapping; the
// vnode package implements this without vmmap needing to import it.
type Filler interface {
	Mmap(ctx context.Context, prot Prot, flags Flags) (mmo.Object, error)
}

// Map inserts a new mapping of npages pages starting at lopage (or, if
// lopage is 0, wherever FindRange places it), backed by file if non-nil
// or a fresh zero-filled anonymous object otherwise. If flags has
// MapPrivate set, a shadow object is layered on top so writes are
// copy-on-write and never reach the underlying file or a forked sibling.
//
// If lopage is non-zero and the requested range overlaps an existing
// mapping, the overlap is unmapped first.
func (m *Map) Map(ctx context.Context, cache *pframe.Cache, file Filler, lopage, npages uint32, prot Prot, flags Flags, off uint64) (*Area, error) {
	if npages == 0 {
		return nil, kerrno.InvalidArgument
	}
	if flags&MapShared != 0 && flags&MapPrivate != 0 {
		return nil, kerrno.InvalidArgument
	}
	if lopage != 0 && (lopage < UserPageLow || lopage+npages > UserPageHigh) {
		return nil, kerrno.InvalidArgument
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	removeFirst := false
	if lopage == 0 {
		found, ok := m.findRangeLocked(npages, LoHi)
		if !ok {
			return nil, kerrno.Wrap(kerrno.OutOfMemory, "no free range", nil)
		}
		lopage = found
	} else {
		removeFirst = true
	}

	var obj mmo.Object
	if flags&MapAnon != 0 || file == nil {
		obj = mmo.NewAnon(cache)
	} else {
		var err error
		obj, err = file.Mmap(ctx, prot, flags)
		if err != nil {
			return nil, err
		}
		obj.Ref()
	}

	if flags&MapPrivate != 0 {
		bottom := mmo.BottomOf(obj)
		bottom.Ref()
		shadow := mmo.NewShadow(cache, obj, bottom)
		obj = shadow
	}

	if removeFirst {
		if err := m.removeLocked(lopage, npages); err != nil {
			obj.Put()
			return nil, err
		}
	}

	a := &Area{Start: lopage, End: lopage + npages, Off: uint32(off / pframe.PageSize), Prot: prot, Flags: flags, Obj: obj}
	m.insertLocked(a)
	return a, nil
}
