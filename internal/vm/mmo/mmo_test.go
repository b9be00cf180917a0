package mmo_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weenixfs/kernel/internal/kernel/pframe"
	"github.com/weenixfs/kernel/internal/vm/mmo"
)

func TestAnonLookupZeroFillsAndDirtyPageMarksDirty(t *testing.T) {
	cache := pframe.New()
	ctx := context.Background()
	a := mmo.NewAnon(cache)

	f, err := a.LookupPage(ctx, 3, false)
	require.NoError(t, err)
	for _, b := range f.Data {
		assert.Equal(t, byte(0), b)
	}
	assert.False(t, f.IsDirty())
	assert.Equal(t, 1, a.Resident())

	require.NoError(t, a.DirtyPage(ctx, 3))
	f2, err := a.LookupPage(ctx, 3, true)
	require.NoError(t, err)
	assert.True(t, f2.IsDirty())
}

func TestAnonPutTearsDownAtZeroRefs(t *testing.T) {
	cache := pframe.New()
	a := mmo.NewAnon(cache)
	a.Ref()
	assert.Equal(t, int64(2), a.RefCount())

	assert.False(t, a.Put())
	assert.True(t, a.Put())
}

func TestBottomOfWalksShadowChain(t *testing.T) {
	cache := pframe.New()
	bottom := mmo.NewAnon(cache)

	bottom.Ref()
	s1 := mmo.NewShadow(cache, bottom, bottom)
	bottom.Ref()
	s2 := mmo.NewShadow(cache, s1, bottom)

	assert.Same(t, mmo.Object(bottom), mmo.BottomOf(s2))
	assert.Same(t, mmo.Object(bottom), mmo.BottomOf(s1))
	assert.Same(t, mmo.Object(bottom), mmo.BottomOf(bottom))
}

func TestShadowCopyOnWriteIsolatesParentFromChild(t *testing.T) {
	cache := pframe.New()
	ctx := context.Background()
	bottom := mmo.NewAnon(cache)

	// Establish page 0 as resident (zero-filled) in bottom before shadowing.
	_, err := bottom.LookupPage(ctx, 0, false)
	require.NoError(t, err)

	bottom.Ref()
	shadow := mmo.NewShadow(cache, bottom, bottom)

	// A read fault on the shadow defers to bottom, no private copy made.
	rf, err := shadow.LookupPage(ctx, 0, false)
	require.NoError(t, err)
	assert.Equal(t, 0, shadow.Resident())

	// A write fault forces a private copy-on-write page in the shadow.
	wf, err := shadow.LookupPage(ctx, 0, true)
	require.NoError(t, err)
	require.NoError(t, shadow.DirtyPage(ctx, 0))
	assert.Equal(t, 1, shadow.Resident())
	assert.NotSame(t, rf, wf)

	wf.Data[0] = 0xff
	bf, err := bottom.LookupPage(ctx, 0, false)
	require.NoError(t, err)
	assert.Equal(t, byte(0), bf.Data[0])
}

type fakeFiller struct {
	data map[uint64][]byte
}

func newFakeFiller() *fakeFiller { return &fakeFiller{data: make(map[uint64][]byte)} }

func (f *fakeFiller) ReadPage(ctx context.Context, pageno uint64, buf []byte) error {
	if d, ok := f.data[pageno]; ok {
		copy(buf, d)
	}
	return nil
}

func (f *fakeFiller) WritePage(ctx context.Context, pageno uint64, buf []byte) error {
	cp := make([]byte, len(buf))
	copy(cp, buf)
	f.data[pageno] = cp
	return nil
}

func TestFileCleanPageWritesBackOnlyDirtyFrame(t *testing.T) {
	cache := pframe.New()
	ctx := context.Background()
	filler := newFakeFiller()
	file := mmo.NewFile(cache, filler)

	_, err := file.LookupPage(ctx, 0, false)
	require.NoError(t, err)
	require.NoError(t, file.CleanPage(ctx, 0))
	assert.Len(t, filler.data, 0)

	require.NoError(t, file.DirtyPage(ctx, 0))
	require.NoError(t, file.CleanPage(ctx, 0))
	assert.Len(t, filler.data, 1)
}

func TestResidentPagesHoldReferences(t *testing.T) {
	cache := pframe.New()
	ctx := context.Background()
	a := mmo.NewAnon(cache)

	_, err := a.LookupPage(ctx, 0, false)
	require.NoError(t, err)
	_, err = a.LookupPage(ctx, 1, false)
	require.NoError(t, err)

	// One external reference plus one per resident page; the resident
	// count stays strictly below the refcount until final teardown.
	assert.Equal(t, int64(3), a.RefCount())
	assert.Equal(t, 2, a.Resident())
}

func TestFileObjectSurvivesTransientMappingRef(t *testing.T) {
	cache := pframe.New()
	ctx := context.Background()
	filler := newFakeFiller()
	file := mmo.NewFile(cache, filler)

	_, err := file.LookupPage(ctx, 0, false)
	require.NoError(t, err)

	// A mapping takes a reference and later drops it; the owner's
	// reference keeps the object alive even though a page is resident.
	file.Ref()
	assert.False(t, file.Put())

	_, err = file.LookupPage(ctx, 0, false)
	require.NoError(t, err)

	// The owner's drop is final: only page references remain.
	assert.True(t, file.Put())
}

func TestShadowPutReleasesParentAndBottomOnce(t *testing.T) {
	cache := pframe.New()
	bottom := mmo.NewAnon(cache)

	bottom.Ref() // accounts for shadow -> bottom (as parent)
	bottom.Ref() // accounts for shadow -> bottom (as bottom pointer)
	shadow := mmo.NewShadow(cache, bottom, bottom)

	assert.Equal(t, int64(3), bottom.RefCount())
	assert.True(t, shadow.Put())
	assert.Equal(t, int64(1), bottom.RefCount())
}
