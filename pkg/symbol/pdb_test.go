package symbol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testBlockSize = 512

var le = binary.LittleEndian

// buildMSF lays out streams in an MSF 7.00 container. A nil stream is
// recorded as absent.
func buildMSF(streams [][]byte) []byte {
	blocks := make([][]byte, 3) // superblock + two free block maps
	alloc := func(data []byte) []uint32 {
		var list []uint32
		for off := 0; off < len(data); off += testBlockSize {
			b := make([]byte, testBlockSize)
			copy(b, data[off:min(off+testBlockSize, len(data))])
			list = append(list, uint32(len(blocks)))
			blocks = append(blocks, b)
		}
		return list
	}

	var dir bytes.Buffer
	binary.Write(&dir, le, uint32(len(streams)))
	lists := make([][]uint32, len(streams))
	for i, s := range streams {
		if s == nil {
			binary.Write(&dir, le, uint32(nilStreamSize))
			continue
		}
		binary.Write(&dir, le, uint32(len(s)))
		lists[i] = alloc(s)
	}
	for _, l := range lists {
		for _, b := range l {
			binary.Write(&dir, le, b)
		}
	}
	dirBlocks := alloc(dir.Bytes())

	var bm bytes.Buffer
	for _, b := range dirBlocks {
		binary.Write(&bm, le, b)
	}
	bmBlock := alloc(bm.Bytes())[0]

	sb := make([]byte, testBlockSize)
	copy(sb, msfMagic)
	le.PutUint32(sb[32:], testBlockSize)
	le.PutUint32(sb[36:], 1)
	le.PutUint32(sb[40:], uint32(len(blocks)))
	le.PutUint32(sb[44:], uint32(dir.Len()))
	le.PutUint32(sb[52:], bmBlock)
	blocks[0] = sb
	blocks[1] = make([]byte, testBlockSize)
	blocks[2] = make([]byte, testBlockSize)

	return bytes.Join(blocks, nil)
}

func buildDBI(symStream uint16, dbg []uint16) []byte {
	h := make([]byte, dbiHeaderSize)
	le.PutUint32(h[0:], 0xffffffff)
	le.PutUint32(h[4:], 19990903)
	le.PutUint16(h[12:], noStream)
	le.PutUint16(h[16:], noStream)
	le.PutUint16(h[20:], symStream)
	le.PutUint32(h[48:], uint32(2*len(dbg)))
	le.PutUint16(h[58:], 0x8664)
	for _, s := range dbg {
		h = binary.LittleEndian.AppendUint16(h, s)
	}
	return h
}

func debugHeader(slots map[int]uint16) []uint16 {
	dbg := make([]uint16, 11)
	for i := range dbg {
		dbg[i] = noStream
	}
	for k, v := range slots {
		dbg[k] = v
	}
	return dbg
}

func sectionHeaders(vas ...uint32) []byte {
	var out []byte
	for i, va := range vas {
		h := make([]byte, sectionHdrSize)
		copy(h, []byte{'.', 's', 'e', 'c', byte('0' + i)})
		le.PutUint32(h[8:], 0x1000)
		le.PutUint32(h[12:], va)
		out = append(out, h...)
	}
	return out
}

func pub32(flags uint32, seg uint16, off uint32, name string) []byte {
	body := make([]byte, 10)
	le.PutUint32(body[0:], flags)
	le.PutUint32(body[4:], off)
	le.PutUint16(body[8:], seg)
	body = append(body, name...)
	body = append(body, 0)
	for (4+len(body))%4 != 0 {
		body = append(body, 0)
	}
	rec := make([]byte, 4)
	le.PutUint16(rec[0:], uint16(2+len(body)))
	le.PutUint16(rec[2:], symPub32)
	return append(rec, body...)
}

const runMangled = "_ZN8bevy_ecs8schedule8schedule8Schedule3run17h0123456789abcdefE"

func writePDB(t *testing.T, streams [][]byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "target.pdb")
	require.NoError(t, os.WriteFile(path, buildMSF(streams), 0o644))
	return path
}

func samplePDB(t *testing.T) string {
	var records []byte
	records = append(records, pub32(0, 2, 0x40, runMangled)...)                   // data, not a function
	records = append(records, pub32(pubFlagFunction, 1, 0x82ab30, runMangled)...) // first function match
	records = append(records, pub32(pubFlagFunction, 1, 0x900000, "_ZN8bevy_ecs8schedule8schedule8Schedule3run17hfedcba9876543210E")...)
	records = append(records, pub32(pubFlagFunction, 1, 0x10, "main")...)

	return writePDB(t, [][]byte{
		{},
		{},
		{},
		buildDBI(4, debugHeader(map[int]uint16{dbgSectionHdr: 5})),
		records,
		sectionHeaders(0x1000, 0x2000000),
	})
}

func TestResolvePDB(t *testing.T) {
	path := samplePDB(t)

	off, err := Resolve(path, HasPrefix("bevy_ecs::schedule::schedule::Schedule::run"))
	require.NoError(t, err)
	assert.Equal(t, Offset(0x1000+0x82ab30), off)

	tab, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "pdb", tab.Format)
	assert.Len(t, tab.Symbols, 4)
	assert.Len(t, tab.Filter(Contains("Schedule::run")), 2)
	all := tab.FilterAll(Contains("Schedule::run"))
	require.Len(t, all, 3)
	assert.False(t, all[0].Function)
	assert.Equal(t, Offset(0x2000040), all[0].RVA)

	main, err := tab.Find(func(n string) bool { return n == "main" })
	require.NoError(t, err)
	assert.Equal(t, Offset(0x1010), main.RVA)
}

func TestResolvePDBNotFound(t *testing.T) {
	_, err := Resolve(samplePDB(t), HasPrefix("bevy_app::App::run"))
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestResolvePDBOmap(t *testing.T) {
	omap := make([]byte, 16)
	le.PutUint32(omap[0:], 0x1000)
	le.PutUint32(omap[4:], 0x5000)
	le.PutUint32(omap[8:], 0x1800)
	le.PutUint32(omap[12:], 0)

	path := writePDB(t, [][]byte{
		{}, {}, {},
		buildDBI(4, debugHeader(map[int]uint16{dbgOmapFromSrc: 6, dbgSectionHdr: 5, dbgSectionHdrOrig: 7})),
		append(pub32(pubFlagFunction, 1, 0x100, "moved"), pub32(pubFlagFunction, 1, 0x900, "dropped")...),
		sectionHeaders(0x9000),
		omap,
		sectionHeaders(0x1000),
	})

	tab, err := Load(path)
	require.NoError(t, err)
	require.Len(t, tab.Symbols, 1)
	assert.Equal(t, "moved", tab.Symbols[0].Name)
	assert.Equal(t, Offset(0x5100), tab.Symbols[0].RVA)
}

func TestLoadPDBMissingTables(t *testing.T) {
	records := pub32(pubFlagFunction, 1, 0x10, "main")

	tests := []struct {
		name    string
		streams [][]byte
	}{
		{
			name:    "no symbol records",
			streams: [][]byte{{}, {}, {}, buildDBI(noStream, debugHeader(map[int]uint16{dbgSectionHdr: 4})), sectionHeaders(0x1000)},
		},
		{
			name:    "no section headers",
			streams: [][]byte{{}, {}, {}, buildDBI(4, debugHeader(nil)), records},
		},
		{
			name:    "truncated dbi",
			streams: [][]byte{{}, {}, {}, make([]byte, 12)},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writePDB(t, tt.streams))
			var dbErr *DatabaseError
			assert.True(t, errors.As(err, &dbErr), "got %v", err)
		})
	}
}

func TestLoadUnknownFormat(t *testing.T) {
	path := filepath.Join(t.TempDir(), "junk")
	require.NoError(t, os.WriteFile(path, []byte("not a symbol database"), 0o644))

	_, err := Load(path)
	var dbErr *DatabaseError
	assert.True(t, errors.As(err, &dbErr))

	_, err = Load(filepath.Join(t.TempDir(), "missing.pdb"))
	assert.True(t, errors.As(err, &dbErr))
}

func TestRebase(t *testing.T) {
	off, err := Rebase(0x14082bb30, 0x140000000)
	require.NoError(t, err)
	assert.Equal(t, Offset(0x82bb30), off)
	assert.Equal(t, "0x82bb30", off.String())

	_, err = Rebase(0x1000, 0x140000000)
	assert.Error(t, err)
}
