package oggopus

import (
	"encoding/binary"
	"io"
)

// Ogg page header flags.
const (
	flagContinued = 0x01
	flagFirstPage = 0x02
	flagLastPage  = 0x04
)

// maxPacketsPerPage bounds how many Opus packets are laced into a single Ogg
// page. With 20 ms packets this yields one page per second of audio.
const maxPacketsPerPage = 50

// crcTable is the lookup table for the Ogg page checksum: CRC-32 with
// polynomial 0x04c11db7, zero initial value, no final inversion, and no bit
// reflection. This differs from the IEEE CRC-32 in hash/crc32, which is
// reflected.
var crcTable = func() [256]uint32 {
	var t [256]uint32
	for i := range t {
		r := uint32(i) << 24
		for j := 0; j < 8; j++ {
			if r&0x80000000 != 0 {
				r = (r << 1) ^ 0x04c11db7
			} else {
				r <<= 1
			}
		}
		t[i] = r
	}
	return t
}()

func oggCRC(data []byte) uint32 {
	var crc uint32
	for _, b := range data {
		crc = (crc << 8) ^ crcTable[byte(crc>>24)^b]
	}
	return crc
}

// pageWriter assembles Ogg pages for a single logical bitstream.
type pageWriter struct {
	w      io.Writer
	serial uint32
	seq    uint32
}

// writePage emits one Ogg page containing the given whole packets. granule is
// the absolute granule position (48 kHz sample count) of the last packet that
// completes on this page.
func (p *pageWriter) writePage(packets [][]byte, headerType byte, granule uint64) error {
	var lacing []byte
	var payload []byte
	for _, pkt := range packets {
		n := len(pkt)
		for n >= 255 {
			lacing = append(lacing, 255)
			n -= 255
		}
		lacing = append(lacing, byte(n))
		payload = append(payload, pkt...)
	}

	header := make([]byte, 27, 27+len(lacing))
	copy(header, "OggS")
	header[4] = 0 // stream structure version
	header[5] = headerType
	binary.LittleEndian.PutUint64(header[6:], granule)
	binary.LittleEndian.PutUint32(header[14:], p.serial)
	binary.LittleEndian.PutUint32(header[18:], p.seq)
	// header[22:26] is the CRC, computed below over the page with this field zeroed.
	header[26] = byte(len(lacing))
	header = append(header, lacing...)

	page := append(header, payload...)
	binary.LittleEndian.PutUint32(page[22:], oggCRC(page))

	p.seq++
	_, err := p.w.Write(page)
	return err
}

// opusHead builds the Opus identification header (RFC 7845 §5.1) for a mono
// stream at the given input sample rate.
func opusHead(sampleRate int, preSkip uint16) []byte {
	h := make([]byte, 19)
	copy(h, "OpusHead")
	h[8] = 1 // version
	h[9] = 1 // channel count
	binary.LittleEndian.PutUint16(h[10:], preSkip)
	binary.LittleEndian.PutUint32(h[12:], uint32(sampleRate))
	// output gain 0, mapping family 0
	return h
}

// opusTags builds a minimal Opus comment header (RFC 7845 §5.2).
func opusTags(vendor string) []byte {
	t := make([]byte, 0, 16+len(vendor))
	t = append(t, "OpusTags"...)
	t = binary.LittleEndian.AppendUint32(t, uint32(len(vendor)))
	t = append(t, vendor...)
	t = binary.LittleEndian.AppendUint32(t, 0) // no user comments
	return t
}
