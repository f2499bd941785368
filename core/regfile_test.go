package core

// regFile is a plain register file that logs writes.
type regFile struct {
	vals   map[uint32]uint32
	writes []regWrite
}

type regWrite struct {
	off, val uint32
}

func newRegFile() *regFile {
	return &regFile{vals: make(map[uint32]uint32)}
}

func (r *regFile) Read32(offset uint32) uint32 {
	return r.vals[offset]
}

func (r *regFile) Write32(offset uint32, val uint32) {
	r.vals[offset] = val
	r.writes = append(r.writes, regWrite{offset, val})
}
