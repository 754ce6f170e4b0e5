package pmm

// freeList is a per-order set of free block heads with O(1) push, pop and
// removal. Removal by index is what buddy merging needs: when a block is
// freed we try to pull its buddy off the same order's list.
type freeList struct {
	blocks []uint64
	index  map[uint64]int
}

func (f *freeList) len() int {
	return len(f.blocks)
}

func (f *freeList) push(frame uint64) {
	if f.index == nil {
		f.index = make(map[uint64]int)
	}

	f.index[frame] = len(f.blocks)
	f.blocks = append(f.blocks, frame)
}

func (f *freeList) pop() uint64 {
	frame := f.blocks[len(f.blocks)-1]
	f.blocks = f.blocks[:len(f.blocks)-1]
	delete(f.index, frame)
	return frame
}

func (f *freeList) remove(frame uint64) bool {
	i, ok := f.index[frame]
	if !ok {
		return false
	}

	last := len(f.blocks) - 1
	if i != last {
		moved := f.blocks[last]
		f.blocks[i] = moved
		f.index[moved] = i
	}

	f.blocks = f.blocks[:last]
	delete(f.index, frame)

	return true
}
