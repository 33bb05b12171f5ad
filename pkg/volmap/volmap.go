// Package volmap implements component C4: allocation, formatting, and
// retirement of the linked list of volmap/voltab blocks that persist the
// distribution table on the metadata brick. Grounded on the teacher's
// pkg/ext4 block-layout reading style (fixed binary headers decoded with
// encoding/binary, chains walked one block pointer at a time).
package volmap

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"

	"github.com/pkg/errors"
	"github.com/vorteil/stripefs/pkg/distribution"
	"github.com/vorteil/stripefs/pkg/volerr"
	"github.com/vorteil/stripefs/pkg/volume"
)

// volmapMagic is "R4VoLMaP", the on-disk tag of every volmap block (§5/§6).
var volmapMagic = [8]byte{'R', '4', 'V', 'o', 'L', 'M', 'a', 'P'}

type volmapHeader struct {
	Checksum   uint32
	Magic      [8]byte
	NextVolmap uint64
}

type voltabEntry struct {
	VoltabBlock uint64
	Checksum    uint32
}

// volmapBlockChecksum and voltabBlockChecksum compute the §6 u32 checksum
// fields the same way the teacher computes a GPT header's CRC
// (pkg/vimg/partitions.go: zero the checksum field, hash the rest, store the
// result) — here the volmap header's Checksum field occupies the first four
// bytes of the block, so the hash covers block[4:] and leaves the field out
// instead of clearing it first.
func volmapBlockChecksum(block []byte) uint32 {
	return crc32.ChecksumIEEE(block[4:])
}

func voltabBlockChecksum(buf []byte) uint32 {
	return crc32.ChecksumIEEE(buf)
}

// entriesPerVolmap and bytesPerVoltabEntry are the derived constants of §5.
const bytesPerVoltabEntry = 12 // u64 + u32

func entriesPerVolmap(blockSize int) int {
	return (blockSize - volmapHeaderSize()) / bytesPerVoltabEntry
}

func volmapHeaderSize() int {
	return binary.Size(volmapHeader{})
}

// segmentsPerVoltab returns 1 << (blockSizeBits - segBits), the number of
// distribution-table segments packed per voltab block.
func segmentsPerVoltab(blockSizeBits, segBits uint8) int {
	if segBits > blockSizeBits {
		return 1
	}
	return 1 << (blockSizeBits - segBits)
}

// blockSizeBits assumes volume.BlockSize (4096), giving 12.
const blockSizeBits = 12

// Load walks the volmap chain starting at loc (volmap_loc[CUR] or [NEW]),
// reading every voltab block it references and reassembling the
// distribution table via plugin.Unpack. loc == 0 yields an empty table
// (§5 load): the volume still has exactly one brick.
func Load(dev volume.Device, plugin distribution.Plugin, loc uint64, segBits uint8) (*distribution.Table, error) {
	table := distribution.NewTable(segBits)
	if loc == 0 {
		return table, nil
	}

	segPerVoltab := segmentsPerVoltab(blockSizeBits, segBits)
	firstSegment := 0
	next := loc

	for next != 0 {
		buf, err := volume.ReadBlock(dev, next)
		if err != nil {
			return nil, errors.Wrap(err, "volmap: read volmap block")
		}

		var hdr volmapHeader
		r := bytes.NewReader(buf)
		if err := binary.Read(r, binary.LittleEndian, &hdr); err != nil {
			return nil, errors.Wrap(err, "volmap: decode volmap header")
		}
		if hdr.Magic != volmapMagic {
			return nil, volerr.New(volerr.KindCorrupt, "volmap: bad magic in volmap block")
		}
		if hdr.Checksum != volmapBlockChecksum(buf) {
			return nil, volerr.New(volerr.KindCorrupt, "volmap: bad checksum in volmap block")
		}

		n := entriesPerVolmap(volume.BlockSize)
		for i := 0; i < n; i++ {
			var ent voltabEntry
			if err := binary.Read(r, binary.LittleEndian, &ent); err != nil {
				break
			}
			if ent.VoltabBlock == 0 {
				continue
			}
			vbuf, err := volume.ReadBlock(dev, ent.VoltabBlock)
			if err != nil {
				return nil, errors.Wrap(err, "volmap: read voltab block")
			}
			if ent.Checksum != voltabBlockChecksum(vbuf) {
				return nil, volerr.New(volerr.KindCorrupt, "volmap: bad checksum in voltab block")
			}
			if err := plugin.Unpack(table, vbuf, firstSegment, segPerVoltab); err != nil {
				return nil, errors.Wrap(err, "volmap: unpack voltab block")
			}
			firstSegment += segPerVoltab
		}

		next = hdr.NextVolmap
	}

	return table, nil
}

// Alloc builds a new volmap/voltab chain from table on the given brick,
// handing out fresh block numbers via alloc (an external block allocator,
// out of this package's scope per spec section 1) and writing formatted
// blocks through dev. Returns the address of the chain's first volmap
// block, to be installed at volmap_loc[NEW] by the caller (§4 reconfigure
// control flow).
func Alloc(dev volume.Device, plugin distribution.Plugin, table *distribution.Table, alloc func() (uint64, error)) (uint64, error) {
	segPerVoltab := segmentsPerVoltab(blockSizeBits, table.SegBits)
	n := entriesPerVolmap(volume.BlockSize)

	nSegments := len(table.Segments)
	nVoltabs := (nSegments + segPerVoltab - 1) / segPerVoltab
	if nVoltabs == 0 {
		nVoltabs = 1
	}

	voltabAddrs := make([]uint64, nVoltabs)
	voltabChecksums := make([]uint32, nVoltabs)
	for i := range voltabAddrs {
		addr, err := alloc()
		if err != nil {
			return 0, errors.Wrap(err, "volmap: alloc voltab block")
		}
		voltabAddrs[i] = addr

		buf := make([]byte, volume.BlockSize)
		firstSegment := i * segPerVoltab
		if err := plugin.Pack(table, buf, firstSegment, segPerVoltab); err != nil {
			return 0, errors.Wrap(err, "volmap: pack voltab block")
		}
		voltabChecksums[i] = voltabBlockChecksum(buf)
		if err := volume.WriteBlock(dev, addr, buf); err != nil {
			return 0, errors.Wrap(err, "volmap: write voltab block")
		}
	}

	var firstVolmapAddr uint64
	var prevBuf []byte
	var prevAddr uint64

	for start := 0; start < len(voltabAddrs) || start == 0; start += n {
		end := start + n
		if end > len(voltabAddrs) {
			end = len(voltabAddrs)
		}

		addr, err := alloc()
		if err != nil {
			return 0, errors.Wrap(err, "volmap: alloc volmap block")
		}
		if firstVolmapAddr == 0 {
			firstVolmapAddr = addr
		}

		buf := new(bytes.Buffer)
		hdr := volmapHeader{Magic: volmapMagic}
		binary.Write(buf, binary.LittleEndian, &hdr)
		for i := start; i < end; i++ {
			ent := voltabEntry{VoltabBlock: voltabAddrs[i], Checksum: voltabChecksums[i]}
			binary.Write(buf, binary.LittleEndian, &ent)
		}
		block := make([]byte, volume.BlockSize)
		copy(block, buf.Bytes())

		if prevBuf != nil {
			// Patch the previous block's next-volmap pointer now that addr
			// is known, recompute its checksum over the now-final content,
			// and flush it.
			binary.LittleEndian.PutUint64(prevBuf[4+8:], addr)
			binary.LittleEndian.PutUint32(prevBuf[0:4], volmapBlockChecksum(prevBuf))
			if err := volume.WriteBlock(dev, prevAddr, prevBuf); err != nil {
				return 0, errors.Wrap(err, "volmap: write volmap block")
			}
		}

		prevBuf = block
		prevAddr = addr

		if end >= len(voltabAddrs) {
			break
		}
	}

	if prevBuf != nil {
		binary.LittleEndian.PutUint32(prevBuf[0:4], volmapBlockChecksum(prevBuf))
		if err := volume.WriteBlock(dev, prevAddr, prevBuf); err != nil {
			return 0, errors.Wrap(err, "volmap: write final volmap block")
		}
	}

	return firstVolmapAddr, nil
}

// Swap sets volmap_loc[CUR] := volmap_loc[NEW], volmap_loc[NEW] := 0 on
// brick, returning the previous CUR chain head so the caller can Release
// it (deferred, via the journal, in the real engine — here the caller
// decides timing).
func Swap(brick *volume.Brick) uint64 {
	oldCur := brick.VolmapLoc[volume.VolmapCur]
	brick.VolmapLoc[volume.VolmapCur] = brick.VolmapLoc[volume.VolmapNew]
	brick.VolmapLoc[volume.VolmapNew] = 0
	return oldCur
}

// Release deallocates every volmap block in the chain starting at loc, and
// every voltab block it references, via free (an external block
// deallocator, out of this package's scope).
func Release(dev volume.Device, loc uint64, free func(uint64) error) error {
	n := entriesPerVolmap(volume.BlockSize)
	next := loc

	for next != 0 {
		buf, err := volume.ReadBlock(dev, next)
		if err != nil {
			return errors.Wrap(err, "volmap: read volmap block for release")
		}

		var hdr volmapHeader
		r := bytes.NewReader(buf)
		if err := binary.Read(r, binary.LittleEndian, &hdr); err != nil {
			return errors.Wrap(err, "volmap: decode volmap header for release")
		}
		if hdr.Magic != volmapMagic {
			return volerr.New(volerr.KindCorrupt, "volmap: bad magic in volmap block during release")
		}
		if hdr.Checksum != volmapBlockChecksum(buf) {
			return volerr.New(volerr.KindCorrupt, "volmap: bad checksum in volmap block during release")
		}

		for i := 0; i < n; i++ {
			var ent voltabEntry
			if err := binary.Read(r, binary.LittleEndian, &ent); err != nil {
				break
			}
			if ent.VoltabBlock == 0 {
				continue
			}
			if err := free(ent.VoltabBlock); err != nil {
				return errors.Wrap(err, "volmap: free voltab block")
			}
		}

		cur := next
		next = hdr.NextVolmap
		if err := free(cur); err != nil {
			return errors.Wrap(err, "volmap: free volmap block")
		}
	}

	return nil
}
