package vfs

import (
	"context"
	"strings"

	"github.com/weenixfs/kernel/internal/kernel/kerrno"
)

// OpenFlags mirror the flag bits open(2) and dir_namev's CREATE flag use.
type OpenFlags int

const (
	ORead   OpenFlags = 1 << 0
	OWrite  OpenFlags = 1 << 1
	OAppend OpenFlags = 1 << 2
	OCreate OpenFlags = 1 << 3
)

func splitPath(path string) []string {
	parts := strings.Split(path, "/")
	out := parts[:0]
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// DirNamev splits path into its final component and the directory that
// contains it. If path begins with "/", resolution starts from root;
// otherwise it starts from base (or cwd if base is nil). The parent's
// refcount is incremented on success; callers must Put it.
func DirNamev(ctx context.Context, path string, base, root, cwd *Vnode) (parent *Vnode, name string, err error) {
	if path == "" {
		return nil, "", kerrno.InvalidArgument
	}

	cur := base
	if path[0] == '/' {
		cur = root
	}
	if cur == nil {
		cur = cwd
	}
	cur = cur.Ref()

	comps := splitPath(path)
	if len(comps) == 0 {
		// Path was "/" or "///...": parent is root itself and the
		// basename is ".".
		return cur, ".", nil
	}

	for _, c := range comps[:len(comps)-1] {
		if len(c) > NameMax {
			cur.Put()
			return nil, "", kerrno.NameTooLong
		}
		next, lerr := Lookup(ctx, cur, c)
		cur.Put()
		if lerr != nil {
			return nil, "", lerr
		}
		cur = next
	}

	last := comps[len(comps)-1]
	if len(last) > NameMax {
		cur.Put()
		return nil, "", kerrno.NameTooLong
	}
	if !cur.IsDir() {
		cur.Put()
		return nil, "", kerrno.NotADirectory
	}
	return cur, last, nil
}

// OpenNamev resolves path fully, creating the final component via the
// parent's Create operation if it is missing and flags requests CREATE.
func OpenNamev(ctx context.Context, path string, flags OpenFlags, base, root, cwd *Vnode) (*Vnode, error) {
	parent, name, err := DirNamev(ctx, path, base, root, cwd)
	if err != nil {
		return nil, err
	}
	defer parent.Put()

	vn, err := Lookup(ctx, parent, name)
	if err == nil {
		return vn, nil
	}
	kind, ok := kerrno.Kind(err)
	if !ok || kind != kerrno.NoEntry {
		return nil, err
	}
	if flags&OCreate == 0 {
		return nil, kerrno.NoEntry
	}

	back, cerr := parent.back.Create(ctx, name)
	if cerr != nil {
		return nil, cerr
	}
	return wrap(ctx, parent.FS, back), nil
}
