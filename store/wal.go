package store

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"sync"
)

// wal is the optional write-ahead log. Every insert is appended before the
// leaf is modified.
//
// Record format:
//   - CRC32 of the remainder (4 bytes)
//   - key length (2 bytes)
//   - value length (2 bytes)
//   - key, value
type wal struct {
	mu     sync.Mutex
	file   *os.File
	writer *bufio.Writer
}

const walHeaderSize = 8

func openWAL(path string) (*wal, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log %s: %w", path, err)
	}

	return &wal{
		file:   f,
		writer: bufio.NewWriterSize(f, 64*1024),
	}, nil
}

func (w *wal) append(key, value []byte) error {
	rec := make([]byte, walHeaderSize+len(key)+len(value))
	binary.LittleEndian.PutUint16(rec[4:6], uint16(len(key)))
	binary.LittleEndian.PutUint16(rec[6:8], uint16(len(value)))
	copy(rec[walHeaderSize:], key)
	copy(rec[walHeaderSize+len(key):], value)
	binary.LittleEndian.PutUint32(rec[0:4], crc32.ChecksumIEEE(rec[4:]))

	w.mu.Lock()
	defer w.mu.Unlock()

	_, err := w.writer.Write(rec)

	return err
}

func (w *wal) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.writer.Flush(); err != nil {
		w.file.Close()

		return fmt.Errorf("flush log: %w", err)
	}
	if err := w.file.Sync(); err != nil {
		w.file.Close()

		return fmt.Errorf("sync log: %w", err)
	}

	return w.file.Close()
}

// ReplayLog calls fn for every record in a log written by a store, in
// append order, and returns the number of records. A torn final record is
// ignored; a checksum mismatch is reported as ErrCorruptLog.
func ReplayLog(path string, fn func(key, value []byte) error) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("open log %s: %w", path, err)
	}
	defer f.Close()

	r := bufio.NewReaderSize(f, 64*1024)
	header := make([]byte, walHeaderSize)

	var n int
	for {
		if _, err := io.ReadFull(r, header); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return n, nil
			}

			return n, fmt.Errorf("read log header: %w", err)
		}

		klen := int(binary.LittleEndian.Uint16(header[4:6]))
		vlen := int(binary.LittleEndian.Uint16(header[6:8]))
		body := make([]byte, klen+vlen)
		if _, err := io.ReadFull(r, body); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return n, nil
			}

			return n, fmt.Errorf("read log record: %w", err)
		}

		crc := crc32.NewIEEE()
		crc.Write(header[4:])
		crc.Write(body)
		if crc.Sum32() != binary.LittleEndian.Uint32(header[0:4]) {
			return n, fmt.Errorf("%w: record %d", ErrCorruptLog, n)
		}

		if err := fn(body[:klen], body[klen:]); err != nil {
			return n, err
		}
		n++
	}
}
