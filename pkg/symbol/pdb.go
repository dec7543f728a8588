package symbol

import (
	"bytes"
	"encoding/binary"
	"io"
	"sort"

	"github.com/pkg/errors"
)

// fixed stream indices
const (
	streamDBI = 3

	dbiHeaderSize   = 64
	noStream        = 0xffff
	sectionHdrSize  = 40
	symPub32        = 0x110e
	pubFlagFunction = 0x2
)

// optional debug header slots of the DBI stream
const (
	dbgOmapFromSrc    = 4
	dbgSectionHdr     = 5
	dbgSectionHdrOrig = 10
)

type dbiHeader struct {
	symRecordStream   uint16
	modInfoSize       int32
	secContribSize    int32
	sectionMapSize    int32
	sourceInfoSize    int32
	typeServerMapSize int32
	dbgHeaderSize     int32
	ecSize            int32
}

func loadPDB(r io.ReaderAt) (*Table, error) {
	m, err := openMSF(r)
	if err != nil {
		return nil, err
	}

	dbi, err := m.stream(streamDBI)
	if err != nil {
		return nil, errors.Wrap(err, "read dbi stream")
	}
	hdr, dbg, err := parseDBI(dbi)
	if err != nil {
		return nil, errors.Wrap(err, "parse dbi stream")
	}

	amap, err := loadAddressMap(m, dbg)
	if err != nil {
		return nil, err
	}

	if hdr.symRecordStream == noStream {
		return nil, errors.New("missing symbol records stream")
	}
	records, err := m.stream(int(hdr.symRecordStream))
	if err != nil {
		return nil, errors.Wrap(err, "read symbol records")
	}
	if records == nil {
		return nil, errors.New("missing symbol records stream")
	}

	tab := &Table{Format: "pdb"}
	err = walkPublics(records, func(flags, offset uint32, segment uint16, name string) {
		rva, ok := amap.rva(segment, offset)
		if !ok {
			return
		}
		tab.Symbols = append(tab.Symbols, Symbol{
			Name:     demangleName(name),
			Mangled:  name,
			RVA:      Offset(rva),
			Function: flags&pubFlagFunction != 0,
		})
	})
	if err != nil {
		return nil, errors.Wrap(err, "parse symbol records")
	}
	return tab, nil
}

func parseDBI(data []byte) (dbiHeader, []uint16, error) {
	var h dbiHeader
	if len(data) < dbiHeaderSize {
		return h, nil, io.ErrUnexpectedEOF
	}
	le := binary.LittleEndian
	h.symRecordStream = le.Uint16(data[20:])
	h.modInfoSize = int32(le.Uint32(data[24:]))
	h.secContribSize = int32(le.Uint32(data[28:]))
	h.sectionMapSize = int32(le.Uint32(data[32:]))
	h.sourceInfoSize = int32(le.Uint32(data[36:]))
	h.typeServerMapSize = int32(le.Uint32(data[40:]))
	h.dbgHeaderSize = int32(le.Uint32(data[48:]))
	h.ecSize = int32(le.Uint32(data[52:]))

	// substreams: modinfo, section contributions, section map, source info,
	// type server map, ec, optional debug header
	skip := []int32{h.modInfoSize, h.secContribSize, h.sectionMapSize, h.sourceInfoSize, h.typeServerMapSize, h.ecSize}
	pos := int64(dbiHeaderSize)
	for _, n := range skip {
		if n < 0 {
			return h, nil, errors.Errorf("negative substream size %d", n)
		}
		pos += int64(n)
	}
	end := pos + int64(h.dbgHeaderSize)
	if h.dbgHeaderSize < 0 || end > int64(len(data)) {
		return h, nil, io.ErrUnexpectedEOF
	}

	dbg := make([]uint16, h.dbgHeaderSize/2)
	for i := range dbg {
		dbg[i] = le.Uint16(data[pos+int64(2*i):])
	}
	return h, dbg, nil
}

// addressMap translates segment:offset pairs into RVAs.
type addressMap struct {
	sections []uint32 // virtual address of each section, 1-based segments
	omap     []omapEntry
}

type omapEntry struct {
	from, to uint32
}

func dbgStream(dbg []uint16, slot int) int {
	if slot >= len(dbg) || dbg[slot] == noStream {
		return -1
	}
	return int(dbg[slot])
}

func loadAddressMap(m *msf, dbg []uint16) (*addressMap, error) {
	amap := &addressMap{}

	// with OMAP the symbols refer to the original (pre-transform) sections
	hdrSlot := dbgSectionHdr
	if omapIdx := dbgStream(dbg, dbgOmapFromSrc); omapIdx >= 0 && dbgStream(dbg, dbgSectionHdrOrig) >= 0 {
		data, err := m.stream(omapIdx)
		if err != nil {
			return nil, errors.Wrap(err, "read omap")
		}
		for i := 0; i+8 <= len(data); i += 8 {
			amap.omap = append(amap.omap, omapEntry{
				from: binary.LittleEndian.Uint32(data[i:]),
				to:   binary.LittleEndian.Uint32(data[i+4:]),
			})
		}
		sort.Slice(amap.omap, func(i, j int) bool { return amap.omap[i].from < amap.omap[j].from })
		hdrSlot = dbgSectionHdrOrig
	}

	idx := dbgStream(dbg, hdrSlot)
	if idx < 0 {
		return nil, errors.New("missing section headers (address map)")
	}
	data, err := m.stream(idx)
	if err != nil {
		return nil, errors.Wrap(err, "read section headers")
	}
	if len(data) == 0 {
		return nil, errors.New("missing section headers (address map)")
	}
	for i := 0; i+sectionHdrSize <= len(data); i += sectionHdrSize {
		amap.sections = append(amap.sections, binary.LittleEndian.Uint32(data[i+12:]))
	}
	return amap, nil
}

func (a *addressMap) rva(segment uint16, offset uint32) (uint32, bool) {
	if segment == 0 || int(segment) > len(a.sections) {
		return 0, false
	}
	addr := a.sections[segment-1] + offset
	if a.omap == nil {
		return addr, true
	}

	i := sort.Search(len(a.omap), func(i int) bool { return a.omap[i].from > addr }) - 1
	if i < 0 || a.omap[i].to == 0 {
		return 0, false
	}
	return a.omap[i].to + (addr - a.omap[i].from), true
}

// walkPublics calls fn for every S_PUB32 record in the symbol record stream.
func walkPublics(data []byte, fn func(flags, offset uint32, segment uint16, name string)) error {
	le := binary.LittleEndian
	for pos := 0; pos+4 <= len(data); {
		reclen := int(le.Uint16(data[pos:]))
		if reclen < 2 {
			return errors.Errorf("bad record length %d at %#x", reclen, pos)
		}
		end := pos + 2 + reclen
		if end > len(data) {
			return errors.Errorf("record at %#x overruns stream", pos)
		}
		kind := le.Uint16(data[pos+2:])
		body := data[pos+4 : end]
		pos = end

		if kind != symPub32 || len(body) < 10 {
			continue
		}
		name := body[10:]
		if i := bytes.IndexByte(name, 0); i >= 0 {
			name = name[:i]
		}
		fn(le.Uint32(body), le.Uint32(body[4:]), le.Uint16(body[8:]), string(name))
	}
	return nil
}
