package tooling

import (
	"bufio"
	"os"
)

// BufferedWritableFile wraps an *os.File with a large write buffer. Archive
// encoding writes many small zstd-framed chunks in sequence; buffering
// avoids a syscall per frame.
type BufferedWritableFile struct {
	file *os.File
	buf  *bufio.Writer
}

// NewBufferedWritableFile creates a new file for writing, with a buffer.
// The file is created at the given path; if the file already exists, it will be overwritten.
func NewBufferedWritableFile(path string) (*BufferedWritableFile, error) {
	file, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	return &BufferedWritableFile{
		file: file,
		buf:  bufio.NewWriterSize(file, 1024*1024),
	}, nil
}

// NewAppendableFile opens path for buffered append writes, creating it if
// it does not already exist. Unlike NewBufferedWritableFile this never
// truncates: a caller that keeps its own log-structured file across
// process restarts (columnstore's journals) needs the existing bytes left
// alone so replay-on-open can recover them.
func NewAppendableFile(path string) (*BufferedWritableFile, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	return &BufferedWritableFile{
		file: file,
		buf:  bufio.NewWriterSize(file, 1024*1024),
	}, nil
}

func (bwf *BufferedWritableFile) WriteString(s string) error {
	_, err := bwf.buf.WriteString(s)
	return err
}

// Write satisfies io.Writer so the buffered file can be handed directly to
// binary encoders (zstd frames, the index table) rather than only text.
func (bwf *BufferedWritableFile) Write(p []byte) (int, error) {
	return bwf.buf.Write(p)
}

// Name returns the path the file was created at.
func (bwf *BufferedWritableFile) Name() string { return bwf.file.Name() }

// Sync flushes the write buffer and fsyncs the underlying file, without
// closing it. Used before an atomic rename so the renamed file is never
// observed half-written after a crash.
func (bwf *BufferedWritableFile) Sync() error {
	if err := bwf.buf.Flush(); err != nil {
		return err
	}
	return bwf.file.Sync()
}

// Abort discards the buffer and closes the file without fsyncing. Used
// when encoding fails partway and the temp file is about to be removed.
func (bwf *BufferedWritableFile) Abort() error {
	return bwf.file.Close()
}

func (bwf *BufferedWritableFile) Close() error {
	if err := bwf.Sync(); err != nil {
		bwf.file.Close()
		return err
	}
	return bwf.file.Close()
}
