package mmo

import (
	"context"

	"github.com/weenixfs/kernel/internal/kernel/pframe"
)

// Anon is an anonymous memory object: zero-filled pages produced on
// demand, process-private. Anonymous pages never page out, so CleanPage
// is a no-op — there is nowhere to write them back to.
type Anon struct {
	base
}

var _ Object = (*Anon)(nil)

// NewAnon creates a fresh anonymous object with one reference, the one
// returned to its creator (typically vmmap.map).
func NewAnon(cache *pframe.Cache) *Anon {
	return &Anon{base: newBase(cache)}
}

func (a *Anon) Ref() { a.ref() }

func (a *Anon) Put() bool {
	tornDown := a.put()
	if tornDown {
		a.forgetAll(a)
	}
	return tornDown
}

func (a *Anon) FillPage(_ context.Context, _ uint64, buf []byte) error {
	for i := range buf {
		buf[i] = 0
	}
	return nil
}

func (a *Anon) WritePage(context.Context, uint64, []byte) error {
	return nil
}

func (a *Anon) LookupPage(ctx context.Context, pageno uint64, _ bool) (*pframe.Frame, error) {
	return a.getOrFill(ctx, a, pageno)
}

func (a *Anon) DirtyPage(ctx context.Context, pageno uint64) error {
	f, err := a.getOrFill(ctx, a, pageno)
	if err != nil {
		return err
	}
	f.Dirty()
	return nil
}

func (a *Anon) CleanPage(context.Context, uint64) error { return nil }

func (a *Anon) Resident() int     { return a.resident() }
func (a *Anon) RefCount() int64   { return a.refCount() }
