package symbol

import (
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

// msf is a reader of the multi-stream container underneath a PDB.
//
// layout: superblock (block 0) -> block map -> stream directory -> streams,
// every stream stored as a list of fixed size blocks.
type msf struct {
	r         io.ReaderAt
	blockSize uint32
	numBlocks uint32
	sizes     []uint32
	blocks    [][]uint32
}

const (
	superBlockSize = 56
	nilStreamSize  = 0xffffffff
)

func openMSF(r io.ReaderAt) (*msf, error) {
	sb := make([]byte, superBlockSize)
	if _, err := r.ReadAt(sb, 0); err != nil {
		return nil, errors.Wrap(err, "read superblock")
	}
	for i, c := range msfMagic {
		if sb[i] != c {
			return nil, errors.New("bad msf magic")
		}
	}

	m := &msf{
		r:         r,
		blockSize: binary.LittleEndian.Uint32(sb[32:]),
		numBlocks: binary.LittleEndian.Uint32(sb[40:]),
	}
	switch m.blockSize {
	case 512, 1024, 2048, 4096:
	default:
		return nil, errors.Errorf("invalid block size %d", m.blockSize)
	}
	numDirBytes := binary.LittleEndian.Uint32(sb[44:])
	blockMapAddr := binary.LittleEndian.Uint32(sb[52:])

	// block map: indices of the blocks holding the directory
	numDirBlocks := m.blockCount(numDirBytes)
	raw := make([]byte, 4*numDirBlocks)
	if _, err := r.ReadAt(raw, int64(blockMapAddr)*int64(m.blockSize)); err != nil {
		return nil, errors.Wrap(err, "read block map")
	}
	dirBlocks := make([]uint32, numDirBlocks)
	for i := range dirBlocks {
		dirBlocks[i] = binary.LittleEndian.Uint32(raw[4*i:])
	}

	dir, err := m.read(dirBlocks, numDirBytes)
	if err != nil {
		return nil, errors.Wrap(err, "read stream directory")
	}
	if err := m.parseDirectory(dir); err != nil {
		return nil, errors.Wrap(err, "parse stream directory")
	}
	return m, nil
}

func (m *msf) blockCount(size uint32) uint32 {
	if size == nilStreamSize {
		return 0
	}
	return (size + m.blockSize - 1) / m.blockSize
}

func (m *msf) parseDirectory(dir []byte) error {
	if len(dir) < 4 {
		return io.ErrUnexpectedEOF
	}
	n := binary.LittleEndian.Uint32(dir)
	pos := 4
	if uint64(len(dir)) < 4+4*uint64(n) {
		return io.ErrUnexpectedEOF
	}

	m.sizes = make([]uint32, n)
	for i := range m.sizes {
		m.sizes[i] = binary.LittleEndian.Uint32(dir[pos:])
		pos += 4
	}

	m.blocks = make([][]uint32, n)
	for i, size := range m.sizes {
		count := int(m.blockCount(size))
		if len(dir) < pos+4*count {
			return io.ErrUnexpectedEOF
		}
		list := make([]uint32, count)
		for j := range list {
			list[j] = binary.LittleEndian.Uint32(dir[pos:])
			pos += 4
		}
		m.blocks[i] = list
	}
	return nil
}

// read assembles size bytes from the given blocks.
func (m *msf) read(blocks []uint32, size uint32) ([]byte, error) {
	out := make([]byte, 0, size)
	remaining := size
	buf := make([]byte, m.blockSize)
	for _, b := range blocks {
		if b >= m.numBlocks {
			return nil, errors.Errorf("block %d out of range (%d blocks)", b, m.numBlocks)
		}
		chunk := m.blockSize
		if remaining < chunk {
			chunk = remaining
		}
		if _, err := m.r.ReadAt(buf[:chunk], int64(b)*int64(m.blockSize)); err != nil {
			return nil, err
		}
		out = append(out, buf[:chunk]...)
		remaining -= chunk
	}
	if remaining != 0 {
		return nil, io.ErrUnexpectedEOF
	}
	return out, nil
}

// stream returns the contents of stream i, or nil for absent streams.
func (m *msf) stream(i int) ([]byte, error) {
	if i < 0 || i >= len(m.sizes) {
		return nil, errors.Errorf("stream %d does not exist", i)
	}
	if m.sizes[i] == nilStreamSize {
		return nil, nil
	}
	return m.read(m.blocks[i], m.sizes[i])
}
