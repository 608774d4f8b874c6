// Package uf2 parses the UF2 firmware container format into addressed
// payload blocks ready for flashing.
package uf2

import (
	"crypto/md5"
	"encoding/binary"
	"sort"
)

// UF2 record framing.
const (
	Magic0    = 0x0A324655 // "UF2\n"
	Magic1    = 0x9E5D5157
	MagicEnd  = 0x0AB16F30
	BlockSize = 512 // every record is exactly this long

	dataAreaSize = 476
	md5InfoSize  = 24 // region start + region length + MD5 digest
)

// Record flags.
const (
	FlagNotMainFlash    = 0x00000001
	FlagFileContainer   = 0x00001000
	FlagFamilyIDPresent = 0x00002000
	FlagMD5Present      = 0x00004000
	FlagExtensionTags   = 0x00008000
)

// FamilyRP2040 is the UF2 family ID for the RP2040.
const FamilyRP2040 = 0xE48BFF56

// Block is one addressed payload extracted from a container.
type Block struct {
	Addr uint32
	Data []byte
}

// End returns the exclusive end address of the block.
func (b Block) End() uint32 {
	return b.Addr + uint32(len(b.Data))
}

type md5Region struct {
	start  uint32
	length uint32
	sum    [16]byte
}

// Parse decodes a whole UF2 container into blocks, in file order.
//
// Every record is validated before its payload is trusted: a single corrupt
// record fails the entire parse. Records flagged as not targeting main flash
// are skipped. File order is preserved; callers must not assume it implies
// address order.
func Parse(raw []byte) ([]Block, error) {
	if len(raw) == 0 {
		return nil, &MalformedContainerError{Record: -1, Reason: "empty container"}
	}
	if len(raw)%BlockSize != 0 {
		return nil, &MalformedContainerError{Record: -1, Reason: "container size is not a multiple of the record size"}
	}

	numRecords := len(raw) / BlockSize
	var blocks []Block
	var regions []md5Region

	for i := 0; i < numRecords; i++ {
		rec := raw[i*BlockSize : (i+1)*BlockSize]

		if binary.LittleEndian.Uint32(rec[0:4]) != Magic0 ||
			binary.LittleEndian.Uint32(rec[4:8]) != Magic1 {
			return nil, &MalformedContainerError{Record: i, Reason: "bad start magic"}
		}
		if binary.LittleEndian.Uint32(rec[508:512]) != MagicEnd {
			return nil, &MalformedContainerError{Record: i, Reason: "bad end magic"}
		}

		flags := binary.LittleEndian.Uint32(rec[8:12])
		addr := binary.LittleEndian.Uint32(rec[12:16])
		length := binary.LittleEndian.Uint32(rec[16:20])
		seq := binary.LittleEndian.Uint32(rec[20:24])
		total := binary.LittleEndian.Uint32(rec[24:28])
		family := binary.LittleEndian.Uint32(rec[28:32])

		if seq != uint32(i) {
			return nil, &MalformedContainerError{Record: i, Reason: "sequence number out of order"}
		}
		if total != uint32(numRecords) {
			return nil, &MalformedContainerError{Record: i, Reason: "inconsistent total record count"}
		}

		maxLen := uint32(dataAreaSize)
		if flags&FlagMD5Present != 0 {
			maxLen -= md5InfoSize
		}
		if length == 0 || length > maxLen {
			return nil, &MalformedContainerError{Record: i, Reason: "payload length out of bounds"}
		}

		if flags&FlagFamilyIDPresent != 0 && family != FamilyRP2040 {
			return nil, &UnsupportedFamilyError{Family: family}
		}

		if flags&FlagMD5Present != 0 {
			var r md5Region
			info := rec[32+dataAreaSize-md5InfoSize : 32+dataAreaSize]
			r.start = binary.LittleEndian.Uint32(info[0:4])
			r.length = binary.LittleEndian.Uint32(info[4:8])
			copy(r.sum[:], info[8:24])
			regions = append(regions, r)
		}

		if flags&FlagNotMainFlash != 0 || flags&FlagFileContainer != 0 {
			continue
		}

		data := make([]byte, length)
		copy(data, rec[32:32+length])
		blocks = append(blocks, Block{Addr: addr, Data: data})
	}

	if len(blocks) == 0 {
		return nil, &MalformedContainerError{Record: -1, Reason: "no flashable records"}
	}

	if err := checkOverlaps(blocks); err != nil {
		return nil, err
	}
	if err := checkRegions(blocks, regions); err != nil {
		return nil, err
	}

	return blocks, nil
}

// checkOverlaps rejects containers whose blocks cover the same address twice.
// Gaps between blocks are allowed.
func checkOverlaps(blocks []Block) error {
	sorted := make([]Block, len(blocks))
	copy(sorted, blocks)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Addr < sorted[j].Addr })

	for i := 1; i < len(sorted); i++ {
		if sorted[i].Addr < sorted[i-1].End() {
			return &MalformedContainerError{Record: -1, Reason: "overlapping block addresses"}
		}
	}
	return nil
}

// checkRegions verifies every MD5-declared region against the assembled
// payload bytes.
func checkRegions(blocks []Block, regions []md5Region) error {
	seen := make(map[md5Region]bool)
	for _, r := range regions {
		if seen[r] {
			continue
		}
		seen[r] = true

		data, ok := extract(blocks, r.start, r.length)
		if !ok {
			return &MalformedContainerError{Record: -1, Reason: "checksum region not covered by payload"}
		}
		if md5.Sum(data) != r.sum {
			return &MalformedContainerError{Record: -1, Reason: "record checksum mismatch"}
		}
	}
	return nil
}

// extract assembles the payload bytes for [start, start+length), returning
// false if any byte in the range is not covered by a block.
func extract(blocks []Block, start, length uint32) ([]byte, bool) {
	sorted := make([]Block, len(blocks))
	copy(sorted, blocks)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Addr < sorted[j].Addr })

	out := make([]byte, 0, length)
	pos := start
	end := start + length
	for _, b := range sorted {
		if pos >= end {
			break
		}
		if b.End() <= pos {
			continue
		}
		if b.Addr > pos {
			return nil, false // gap inside the declared region
		}
		from := pos - b.Addr
		to := uint32(len(b.Data))
		if b.Addr+to > end {
			to = end - b.Addr
		}
		out = append(out, b.Data[from:to]...)
		pos = b.Addr + to
	}
	if pos < end {
		return nil, false
	}
	return out, true
}
