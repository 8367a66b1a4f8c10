package walio

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"

	"github.com/keystonedb/keystone/internal/record"
)

// MagicBytes is the WAL file magic, written big-endian so `xxd` shows the
// readable bytes "WAL\0".
var MagicBytes = [4]byte{0x57, 0x41, 0x4C, 0x00}

// FormatVersion is the only version this engine understands. A reader
// encountering a different version aborts with CORRUPTION rather than
// guessing.
const FormatVersion uint32 = 1

const headerLen = 4 + 4 + 4 // magic + version + reserved

// maxPayloadLen bounds a single record's payload to guard against a corrupt
// length field causing a runaway allocation during replay.
const maxPayloadLen = 64 << 20 // 64MiB

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

func writeHeader(w io.WriterAt) error {
	buf := make([]byte, headerLen)
	copy(buf[0:4], MagicBytes[:])
	binary.LittleEndian.PutUint32(buf[4:8], FormatVersion)
	// buf[8:12] reserved, left zero
	_, err := w.WriteAt(buf, 0)
	return err
}

func readHeader(r io.ReaderAt) (version uint32, err error) {
	buf := make([]byte, headerLen)
	if _, err := r.ReadAt(buf, 0); err != nil {
		return 0, fmt.Errorf("walio: read header: %w", err)
	}
	if !bytes.Equal(buf[0:4], MagicBytes[:]) {
		return 0, fmt.Errorf("%w: bad WAL magic", ErrCorrupt)
	}
	version = binary.LittleEndian.Uint32(buf[4:8])
	if version != FormatVersion {
		return 0, fmt.Errorf("%w: unsupported WAL version %d", ErrCorrupt, version)
	}
	return version, nil
}

// encodeRecord renders one WAL record: lsn_u64_le || payload_len_u32_le ||
// payload || crc32c_u32_le, where the CRC covers lsn+len+payload.
func encodeRecord(lsn uint64, rec record.Record) ([]byte, error) {
	var payload bytes.Buffer
	if err := record.EncodeFull(&payload, rec); err != nil {
		return nil, err
	}

	body := make([]byte, 8+4+payload.Len())
	binary.LittleEndian.PutUint64(body[0:8], lsn)
	binary.LittleEndian.PutUint32(body[8:12], uint32(payload.Len()))
	copy(body[12:], payload.Bytes())

	crc := crc32.Checksum(body, castagnoli)

	out := make([]byte, len(body)+4)
	copy(out, body)
	binary.LittleEndian.PutUint32(out[len(body):], crc)
	return out, nil
}

// decodeRecord reads exactly one record from r. It returns io.EOF (wrapped,
// comparable with errors.Is) when the stream ends cleanly on a record
// boundary, io.ErrUnexpectedEOF when it ends mid-record (a torn tail — the
// caller should treat everything read so far as durable), and ErrCorrupt
// when a complete record's checksum fails to verify (not a truncation, so
// there is no way to safely resynchronize past it).
func decodeRecord(r io.Reader) (lsn uint64, rec record.Record, err error) {
	head := make([]byte, 8+4)
	if _, err := io.ReadFull(r, head); err != nil {
		if err == io.EOF {
			return 0, record.Record{}, io.EOF
		}
		return 0, record.Record{}, io.ErrUnexpectedEOF
	}

	lsn = binary.LittleEndian.Uint64(head[0:8])
	payloadLen := binary.LittleEndian.Uint32(head[8:12])
	if payloadLen > maxPayloadLen {
		return 0, record.Record{}, fmt.Errorf("%w: payload length %d exceeds max", ErrCorrupt, payloadLen)
	}

	payload := make([]byte, payloadLen)
	if _, err := io.ReadFull(r, payload); err != nil {
		return 0, record.Record{}, io.ErrUnexpectedEOF
	}

	crcBuf := make([]byte, 4)
	if _, err := io.ReadFull(r, crcBuf); err != nil {
		return 0, record.Record{}, io.ErrUnexpectedEOF
	}
	storedCRC := binary.LittleEndian.Uint32(crcBuf)

	body := make([]byte, len(head)+len(payload))
	copy(body, head)
	copy(body[len(head):], payload)
	if crc32.Checksum(body, castagnoli) != storedCRC {
		return 0, record.Record{}, fmt.Errorf("%w: record checksum mismatch at lsn %d", ErrCorrupt, lsn)
	}

	rec, err = record.DecodeFull(bytes.NewReader(payload))
	if err != nil {
		return 0, record.Record{}, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return lsn, rec, nil
}
