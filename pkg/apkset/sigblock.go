package apkset

import (
	"encoding/binary"
	"fmt"
)

// The signing block sits between the zip contents and the central
// directory:
//
//	uint64 size of block (excluding this field)
//	repeated id-value pairs: uint64 length, uint32 id, value bytes
//	uint64 size of block (same value)
//	16-byte magic
//
// The EOCD's central-directory offset is patched when the block is
// inserted, so the signature must be computed over the original offset.
const (
	sigBlockMagic = "APK Sig Block 42"

	// blockIDSignature holds the primary PKCS#7 signature pair.
	blockIDSignature uint32 = 0x7109871a
	// blockIDStamp holds the source-stamp pair.
	blockIDStamp uint32 = 0x6dff800d

	eocdSignature  = 0x06054b50
	eocdMinSize    = 22
	eocdCDSizeOff  = 12
	eocdCDStartOff = 16
)

// blockPair is one id-value pair of the signing block.
type blockPair struct {
	id    uint32
	value []byte
}

// zipSections is a zip file split at its central directory, the unit the
// signing engine works on.
type zipSections struct {
	contents   []byte
	centralDir []byte
	eocd       []byte
}

// splitZip locates the end-of-central-directory record and splits the file
// into contents, central directory and EOCD.
func splitZip(data []byte) (*zipSections, error) {
	if len(data) < eocdMinSize {
		return nil, fmt.Errorf("package too short to be a zip (%d bytes)", len(data))
	}

	// Scan backwards for an EOCD whose comment length is consistent with
	// its position; the comment is the only variable-length tail.
	eocdStart := -1
	for i := len(data) - eocdMinSize; i >= 0; i-- {
		if binary.LittleEndian.Uint32(data[i:]) != eocdSignature {
			continue
		}
		commentLen := int(binary.LittleEndian.Uint16(data[i+20:]))
		if i+eocdMinSize+commentLen == len(data) {
			eocdStart = i
			break
		}
	}
	if eocdStart < 0 {
		return nil, fmt.Errorf("no end-of-central-directory record found")
	}

	eocd := data[eocdStart:]
	cdSize := int(binary.LittleEndian.Uint32(eocd[eocdCDSizeOff:]))
	cdStart := int(binary.LittleEndian.Uint32(eocd[eocdCDStartOff:]))
	if cdStart+cdSize != eocdStart {
		return nil, fmt.Errorf("central directory [%d..%d) does not abut EOCD at %d", cdStart, cdStart+cdSize, eocdStart)
	}

	return &zipSections{
		contents:   data[:cdStart],
		centralDir: data[cdStart:eocdStart],
		eocd:       eocd,
	}, nil
}

// joinWithBlock reassembles the zip with the signing block inserted before
// the central directory, patching the EOCD's central-directory offset.
func (s *zipSections) joinWithBlock(block []byte) []byte {
	out := make([]byte, 0, len(s.contents)+len(block)+len(s.centralDir)+len(s.eocd))
	out = append(out, s.contents...)
	out = append(out, block...)
	out = append(out, s.centralDir...)

	eocd := append([]byte(nil), s.eocd...)
	binary.LittleEndian.PutUint32(eocd[eocdCDStartOff:], uint32(len(s.contents)+len(block)))
	return append(out, eocd...)
}

// buildSigningBlock serializes the id-value pairs into the block format.
func buildSigningBlock(pairs []blockPair) []byte {
	pairsLen := 0
	for _, p := range pairs {
		pairsLen += 8 + 4 + len(p.value)
	}
	// Both size fields cover everything except the leading size field.
	blockSize := uint64(pairsLen + 8 + len(sigBlockMagic))

	out := make([]byte, 0, 8+blockSize)
	out = binary.LittleEndian.AppendUint64(out, blockSize)
	for _, p := range pairs {
		out = binary.LittleEndian.AppendUint64(out, uint64(4+len(p.value)))
		out = binary.LittleEndian.AppendUint32(out, p.id)
		out = append(out, p.value...)
	}
	out = binary.LittleEndian.AppendUint64(out, blockSize)
	return append(out, sigBlockMagic...)
}

// findSigningBlock locates and parses the signing block of a signed
// package. It returns the parsed pairs and the offset the block starts at.
func findSigningBlock(data []byte) (pairs []blockPair, blockStart int, err error) {
	sections, err := splitZip(data)
	if err != nil {
		return nil, 0, err
	}
	cdStart := len(sections.contents)
	if cdStart < 8+8+len(sigBlockMagic) {
		return nil, 0, fmt.Errorf("no signing block present")
	}
	if string(data[cdStart-len(sigBlockMagic):cdStart]) != sigBlockMagic {
		return nil, 0, fmt.Errorf("no signing block present")
	}

	footerSize := binary.LittleEndian.Uint64(data[cdStart-len(sigBlockMagic)-8:])
	blockStart = cdStart - int(footerSize) - 8
	if blockStart < 0 {
		return nil, 0, fmt.Errorf("signing block size %d exceeds file", footerSize)
	}
	headerSize := binary.LittleEndian.Uint64(data[blockStart:])
	if headerSize != footerSize {
		return nil, 0, fmt.Errorf("signing block size fields disagree: %d != %d", headerSize, footerSize)
	}

	pairsData := data[blockStart+8 : cdStart-len(sigBlockMagic)-8]
	for len(pairsData) > 0 {
		if len(pairsData) < 12 {
			return nil, 0, fmt.Errorf("truncated signing block pair")
		}
		pairLen := binary.LittleEndian.Uint64(pairsData)
		id := binary.LittleEndian.Uint32(pairsData[8:])
		if pairLen < 4 || uint64(len(pairsData)-8) < pairLen {
			return nil, 0, fmt.Errorf("signing block pair length %d out of range", pairLen)
		}
		pairs = append(pairs, blockPair{id: id, value: pairsData[12 : 8+pairLen]})
		pairsData = pairsData[8+pairLen:]
	}

	return pairs, blockStart, nil
}

// stripSigningBlock reconstructs the unsigned package bytes: the block is
// removed and the EOCD's central-directory offset restored. The result is
// exactly the content the primary signature covers.
func stripSigningBlock(data []byte) ([]byte, error) {
	_, blockStart, err := findSigningBlock(data)
	if err != nil {
		return nil, err
	}
	sections, err := splitZip(data)
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, blockStart+len(sections.centralDir)+len(sections.eocd))
	out = append(out, sections.contents[:blockStart]...)
	out = append(out, sections.centralDir...)

	eocd := append([]byte(nil), sections.eocd...)
	binary.LittleEndian.PutUint32(eocd[eocdCDStartOff:], uint32(blockStart))
	return append(out, eocd...), nil
}
