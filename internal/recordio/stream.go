package recordio

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/klauspost/compress/gzip"
)

// GzipSuffix keys the transparent compression of a record stream off its
// file name.
const GzipSuffix = ".gz"

// maxLineSize bounds a single record line; probability vectors are long but
// nowhere near this.
const maxLineSize = 16 * 1024 * 1024

// Writer appends self-delimited JSON lines to a file, flushing after every
// record so a crash after N writes leaves exactly N recoverable records.
type Writer struct {
	path string
	file *os.File
	gz   *gzip.Writer
	buf  *bufio.Writer
}

// NewWriter creates path for writing. When compressed is true the GzipSuffix
// is appended unless already present and the byte stream is gzip-framed;
// record semantics are unaffected.
func NewWriter(path string, compressed bool) (*Writer, error) {
	if compressed && !strings.HasSuffix(path, GzipSuffix) {
		path += GzipSuffix
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("cannot create record stream %s: %w", path, err)
	}
	w := &Writer{path: path, file: f}
	if strings.HasSuffix(path, GzipSuffix) {
		w.gz = gzip.NewWriter(f)
		w.buf = bufio.NewWriter(w.gz)
	} else {
		w.buf = bufio.NewWriter(f)
	}
	return w, nil
}

// Path returns the path actually written, including any appended suffix.
func (w *Writer) Path() string { return w.path }

// Write serializes one record as a single line and flushes it to the OS.
func (w *Writer) Write(record any) error {
	line, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("cannot encode record: %w", err)
	}
	if _, err := w.buf.Write(line); err != nil {
		return err
	}
	if err := w.buf.WriteByte('\n'); err != nil {
		return err
	}
	if err := w.buf.Flush(); err != nil {
		return err
	}
	if w.gz != nil {
		if err := w.gz.Flush(); err != nil {
			return err
		}
	}
	return nil
}

// Close flushes and closes the underlying stream.
func (w *Writer) Close() error {
	if err := w.buf.Flush(); err != nil {
		_ = w.file.Close()
		return err
	}
	if w.gz != nil {
		if err := w.gz.Close(); err != nil {
			_ = w.file.Close()
			return err
		}
	}
	return w.file.Close()
}

// Reader is a lazy, restartable iterator over a record stream. Compression
// is auto-detected from the GzipSuffix.
type Reader struct {
	path    string
	file    *os.File
	gz      *gzip.Reader
	scanner *bufio.Scanner
}

// NewReader opens a record stream for iteration.
func NewReader(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("cannot open record stream %s: %w", path, err)
	}
	r := &Reader{path: path, file: f}
	var src io.Reader = f
	if strings.HasSuffix(path, GzipSuffix) {
		gz, err := gzip.NewReader(f)
		if err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("cannot open gzip stream %s: %w", path, err)
		}
		r.gz = gz
		src = gz
	}
	r.scanner = bufio.NewScanner(src)
	r.scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	return r, nil
}

// Next decodes the next non-blank line. It returns io.EOF when the stream is
// exhausted.
func (r *Reader) Next() (*Record, error) {
	for r.scanner.Scan() {
		line := r.scanner.Bytes()
		if len(strings.TrimSpace(string(line))) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(line, &rec); err != nil {
			return nil, fmt.Errorf("invalid record in %s: %w", r.path, err)
		}
		return &rec, nil
	}
	if err := r.scanner.Err(); err != nil {
		return nil, fmt.Errorf("cannot read record stream %s: %w", r.path, err)
	}
	return nil, io.EOF
}

// Each calls fn for every record until the stream ends or fn errors.
func (r *Reader) Each(fn func(*Record) error) error {
	for {
		rec, err := r.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
}

// Close releases the underlying file.
func (r *Reader) Close() error {
	if r.gz != nil {
		_ = r.gz.Close()
	}
	return r.file.Close()
}
