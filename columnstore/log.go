package columnstore

import (
	"bufio"
	"fmt"
	"io"
	"os"

	"github.com/forest-chain/forest-archive/tooling"
	"github.com/multiformats/go-varint"
)

// journal is the append-only primary log backing one column: every put is a
// varint-length-prefixed key followed by a varint-length-prefixed value,
// written back to back. The in-memory index (held by the column, not here)
// maps a key to the location of its value bytes within this file; replaying
// the journal from byte zero rebuilds that index after a restart. Records
// are never rewritten in place, only appended, with the newest record for
// a key winning on replay.
type journal struct {
	path string
	file *os.File
	buf  *tooling.BufferedWritableFile

	writeOffset uint64
}

func openJournal(path string) (*journal, error) {
	var startOffset uint64
	if info, err := os.Stat(path); err == nil {
		startOffset = uint64(info.Size())
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("columnstore: stat journal %s: %w", path, err)
	}

	buf, err := tooling.NewAppendableFile(path)
	if err != nil {
		return nil, fmt.Errorf("columnstore: open journal %s: %w", path, err)
	}
	file, err := os.Open(path)
	if err != nil {
		buf.Abort()
		return nil, fmt.Errorf("columnstore: open journal for reads %s: %w", path, err)
	}
	return &journal{
		path:        path,
		file:        file,
		buf:         buf,
		writeOffset: startOffset,
	}, nil
}

// append writes one (key, value) record and returns the location of the
// value bytes.
func (j *journal) append(key, value []byte) (location, error) {
	if len(value) > MaxSize {
		return location{}, fmt.Errorf("columnstore: value of %d bytes exceeds max %d", len(value), MaxSize)
	}

	keyHdr := make([]byte, varint.UvarintSize(uint64(len(key))))
	varint.PutUvarint(keyHdr, uint64(len(key)))
	if _, err := j.buf.Write(keyHdr); err != nil {
		return location{}, err
	}
	if _, err := j.buf.Write(key); err != nil {
		return location{}, err
	}
	j.writeOffset += uint64(len(keyHdr) + len(key))

	valHdr := make([]byte, varint.UvarintSize(uint64(len(value))))
	varint.PutUvarint(valHdr, uint64(len(value)))
	if _, err := j.buf.Write(valHdr); err != nil {
		return location{}, err
	}
	loc := location{offset: j.writeOffset + uint64(len(valHdr)), size: uint32(len(value))}
	if !loc.isValid() {
		return location{}, fmt.Errorf("columnstore: location %+v overflows fixed-width encoding", loc)
	}
	if _, err := j.buf.Write(value); err != nil {
		return location{}, err
	}
	j.writeOffset += uint64(len(valHdr) + len(value))

	return loc, nil
}

// flush commits buffered writes so a concurrent readAt sees them.
func (j *journal) flush() error {
	return j.buf.Sync()
}

// readAt returns the value bytes stored at loc.
func (j *journal) readAt(loc location) ([]byte, error) {
	out := make([]byte, loc.size)
	if _, err := j.file.ReadAt(out, int64(loc.offset)); err != nil {
		return nil, fmt.Errorf("columnstore: read value at offset %d: %w", loc.offset, err)
	}
	return out, nil
}

// replay reads every (key, value) record from the start of the file,
// invoking fn with each key and its location. fn is called in log order, so
// later records for a duplicate key should overwrite earlier ones in the
// caller's index.
func replay(path string, fn func(key []byte, loc location) error) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("columnstore: open journal for replay %s: %w", path, err)
	}
	defer f.Close()

	r := bufio.NewReader(f)
	var offset uint64
	for {
		keyLen, err := varint.ReadUvarint(r)
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("columnstore: replay %s: read key length: %w", path, err)
		}
		offset += uint64(varint.UvarintSize(keyLen))

		key := make([]byte, keyLen)
		if _, err := io.ReadFull(r, key); err != nil {
			return fmt.Errorf("columnstore: replay %s: truncated key: %w", path, err)
		}
		offset += keyLen

		valLen, err := varint.ReadUvarint(r)
		if err != nil {
			return fmt.Errorf("columnstore: replay %s: read value length: %w", path, err)
		}
		offset += uint64(varint.UvarintSize(valLen))

		loc := location{offset: offset, size: uint32(valLen)}
		if _, err := r.Discard(int(valLen)); err != nil {
			return fmt.Errorf("columnstore: replay %s: truncated value: %w", path, err)
		}
		offset += valLen

		if err := fn(key, loc); err != nil {
			return err
		}
	}
}

func (j *journal) close() error {
	ferr := j.file.Close()
	berr := j.buf.Close()
	if berr != nil {
		return berr
	}
	return ferr
}
