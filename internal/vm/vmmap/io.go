package vmmap

import (
	"context"
	"fmt"

	"github.com/weenixfs/kernel/internal/kernel/pframe"
)

func splitPage(addr uint64) (pageno uint32, offset int) {
	return uint32(addr / pframe.PageSize), int(addr % pframe.PageSize)
}

// Read copies count bytes from the address space starting at vaddr into
// buf. Every page touched is assumed to already be mapped; a fault
// handler is expected to have run first for any page that might not be
// resident.
func (m *Map) Read(ctx context.Context, vaddr uint64, buf []byte) error {
	count := len(buf)
	addr := vaddr
	pos := 0

	for pos < count {
		pageno, off := splitPage(addr)
		a := m.Lookup(pageno)
		if a == nil {
			return fmt.Errorf("vmmap: read at unmapped page %d", pageno)
		}

		f, err := a.Obj.LookupPage(ctx, a.ObjPage(pageno), false)
		if err != nil {
			return fmt.Errorf("vmmap: read: %w", err)
		}

		n := pframe.PageSize - off
		if n > count-pos {
			n = count - pos
		}
		copy(buf[pos:pos+n], f.Data[off:off+n])

		pos += n
		addr += uint64(n)
	}
	return nil
}

// Write copies buf into the address space starting at vaddr, dirtying
// every page it touches.
func (m *Map) Write(ctx context.Context, vaddr uint64, buf []byte) error {
	count := len(buf)
	addr := vaddr
	pos := 0

	for pos < count {
		pageno, off := splitPage(addr)
		a := m.Lookup(pageno)
		if a == nil {
			return fmt.Errorf("vmmap: write at unmapped page %d", pageno)
		}

		f, err := a.Obj.LookupPage(ctx, a.ObjPage(pageno), true)
		if err != nil {
			return fmt.Errorf("vmmap: write: %w", err)
		}

		n := pframe.PageSize - off
		if n > count-pos {
			n = count - pos
		}
		copy(f.Data[off:off+n], buf[pos:pos+n])
		if derr := a.Obj.DirtyPage(ctx, a.ObjPage(pageno)); derr != nil {
			return fmt.Errorf("vmmap: write: %w", derr)
		}

		pos += n
		addr += uint64(n)
	}
	return nil
}
