package mmo

import (
	"context"
	"fmt"

	"github.com/weenixfs/kernel/internal/kernel/pframe"
)

// Shadow is the copy-on-write overlay object: it holds a parent pointer
// (the immediately shadowed object, itself a Shadow or the chain's
// non-shadow Bottom) and a direct pointer to Bottom for O(1) access.
type Shadow struct {
	base
	parent Object
	bottom Object
}

var _ Object = (*Shadow)(nil)

// NewShadow creates a shadow overlaying parent, with bottom as the tail of
// the chain. The caller is expected to have already arranged for parent's
// reference count to account for this shadow pointing at it, and must
// call bottom.Ref() itself (shadow creation takes two independent
// references: one on the immediate parent, one on the shared bottom) —
// NewShadow does not take that ref implicitly so that callers which
// already hold a bottom reference can choose not to double it.
//
// Shadow chains are acyclic by construction: parent must never be this
// shadow itself, and bottom's own parent must be nil.
func NewShadow(cache *pframe.Cache, parent, bottom Object) *Shadow {
	if parent == nil || bottom == nil {
		panic("mmo: NewShadow requires non-nil parent and bottom")
	}
	s := &Shadow{base: newBase(cache), parent: parent, bottom: bottom}
	if parent == Object(s) {
		panic("mmo: shadow parent may never be itself")
	}
	return s
}

func (s *Shadow) Ref() { s.ref() }

// Put tears the shadow down once its refcount drops to its resident-page
// count: unpin/clean/free every resident frame, then put the parent and
// the bottom exactly once each (two separate references), then the
// shadow itself is gone.
func (s *Shadow) Put() bool {
	tornDown := s.put()
	if !tornDown {
		return false
	}

	s.forgetAll(s)
	s.parent.Put()
	s.bottom.Put()
	return true
}

// LookupPage implements the copy-avoiding read path and the copy-on-write
// write path, both as iteration over the shadow chain rather than
// recursion so that a long fork chain cannot blow the stack.
func (s *Shadow) LookupPage(ctx context.Context, pageno uint64, forWrite bool) (*pframe.Frame, error) {
	if !forWrite {
		var cur Object = s
		for cur != s.bottom {
			sh, ok := cur.(*Shadow)
			if !ok {
				break
			}
			if f, ok := sh.base.frame(pageno); ok {
				return f, nil
			}
			cur = sh.parent
		}
		return s.bottom.LookupPage(ctx, pageno, false)
	}

	return s.getOrFill(ctx, s, pageno)
}

// FillPage implements the copy-on-write fill: walk from this shadow's
// parent towards the bottom looking for a resident ancestor page to copy;
// if none is found, force a fill at the bottom and copy from there.
func (s *Shadow) FillPage(ctx context.Context, pageno uint64, buf []byte) error {
	cur := s.parent
	for cur != s.bottom {
		sh, ok := cur.(*Shadow)
		if !ok {
			break
		}
		if f, ok := sh.base.frame(pageno); ok {
			copy(buf, f.Data)
			return nil
		}
		cur = sh.parent
	}

	f, err := s.bottom.LookupPage(ctx, pageno, false)
	if err != nil {
		return fmt.Errorf("mmo: shadow fill from bottom: %w", err)
	}
	copy(buf, f.Data)
	return nil
}

// WritePage is unreachable: shadow pages are private, in-memory
// copy-on-write overlays with nowhere to write back to.
func (s *Shadow) WritePage(context.Context, uint64, []byte) error {
	return nil
}

func (s *Shadow) DirtyPage(ctx context.Context, pageno uint64) error {
	f, err := s.LookupPage(ctx, pageno, true)
	if err != nil {
		return err
	}
	f.Dirty()
	return nil
}

func (s *Shadow) CleanPage(context.Context, uint64) error { return nil }

func (s *Shadow) Resident() int   { return s.resident() }
func (s *Shadow) RefCount() int64 { return s.refCount() }

// Parent returns the immediately shadowed object.
func (s *Shadow) Parent() Object { return s.parent }

// Bottom returns the non-shadow object at the tail of the chain.
func (s *Shadow) Bottom() Object { return s.bottom }

// BottomOf walks obj's shadow chain (if any) to find the non-shadow
// object at its tail, or returns obj itself if it is not a shadow.
// Used by vmmap.map to discover the bottom object a fresh shadow should
// point at; a bounded number of steps must reach a non-shadow object.
func BottomOf(obj Object) Object {
	const maxChain = 1 << 20 // defensive bound; real chains are far shorter
	cur := obj
	for i := 0; i < maxChain; i++ {
		sh, ok := cur.(*Shadow)
		if !ok {
			return cur
		}
		cur = sh.parent
	}
	panic("mmo: shadow chain exceeds sanity bound; likely a cycle")
}
