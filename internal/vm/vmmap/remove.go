package vmmap

// Remove unmaps [lopage, lopage+npages) from the address space. Any area
// that only partially overlaps the range is shortened or split; any area
// wholly contained within it is dropped and its backing object put.
func (m *Map) Remove(lopage, npages uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.removeLocked(lopage, npages)
}

// removeLocked splits the target range's overlap with each existing area
// into one of four shapes: fully inside (split the area in two), right
// overlap (shorten the end), left overlap (shorten the start, and shift
// vma_off), or fully contained (drop the area entirely).
func (m *Map) removeLocked(lopage, npages uint32) error {
	if len(m.areas) == 0 || m.isRangeEmptyLocked(lopage, npages) {
		return nil
	}

	hi := lopage + npages
	var kept []*Area

	for _, a := range m.areas {
		if a.Start >= hi || a.End <= lopage {
			kept = append(kept, a)
			continue
		}

		switch {
		case a.Start < lopage && a.End > hi:
			// Fully inside: split into [a.Start, lopage) and [hi, a.End).
			left := &Area{Start: a.Start, End: lopage, Off: a.Off, Prot: a.Prot, Flags: a.Flags, Obj: a.Obj}
			a.Obj.Ref()
			right := &Area{Start: hi, End: a.End, Off: a.Off + (hi - a.Start), Prot: a.Prot, Flags: a.Flags, Obj: a.Obj}
			kept = append(kept, left, right)

		case a.Start < lopage && a.End <= hi:
			// Right overlap: shorten the end.
			a.End = lopage
			kept = append(kept, a)

		case a.Start >= lopage && a.End > hi:
			// Left overlap: shorten the start, shift the object offset.
			a.Off += hi - a.Start
			a.Start = hi
			kept = append(kept, a)

		default:
			// Fully contained: drop it.
			a.Obj.Put()
		}
	}

	m.areas = kept
	return nil
}
