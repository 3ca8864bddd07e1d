// Copyright (C) 2019-2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package snapshot implements the snapshot stream: a header followed by named
// sections, each holding a count and that many length prefixed rows.
package snapshot

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"hash"
	"io"

	"github.com/ava-labs/avalanchego/ids"
	"github.com/ava-labs/avalanchego/utils/wrappers"
)

const (
	// Version of the stream format.
	Version uint32 = 1

	// MaxRowSize bounds a single row and a section name.
	MaxRowSize = 64 * 1024 * 1024

	magic = "chaindb snapshot"
)

var (
	errBadMagic       = errors.New("not a snapshot stream")
	errBadVersion     = errors.New("unsupported snapshot version")
	errRowTooLarge    = errors.New("snapshot row is too large")
	errNoSection      = errors.New("no open section")
	errRowsLeft       = errors.New("section has unread rows")
	errEmptyName      = errors.New("section name can't be empty")
	errClosed         = errors.New("snapshot stream is closed")
	ErrSectionMissing = errors.New("unexpected snapshot section")
)

// Writer writes a snapshot stream. Rows of a section are buffered until the
// section is complete.
type Writer struct {
	w      io.Writer
	h      hash.Hash
	closed bool
}

func NewWriter(w io.Writer) (*Writer, error) {
	h := sha256.New()
	sw := &Writer{w: io.MultiWriter(w, h), h: h}
	p := wrappers.Packer{MaxSize: len(magic) + wrappers.ShortLen + wrappers.IntLen}
	p.PackStr(magic)
	p.PackInt(Version)
	if p.Errored() {
		return nil, p.Err
	}
	if _, err := sw.w.Write(p.Bytes); err != nil {
		return nil, err
	}
	return sw, nil
}

// WriteSection writes the section [name]. [rows] passes every row to [add].
func (w *Writer) WriteSection(name string, rows func(add func(row []byte) error) error) error {
	if w.closed {
		return errClosed
	}
	if name == "" {
		return errEmptyName
	}
	var (
		size int
		buf  [][]byte
	)
	err := rows(func(row []byte) error {
		if len(row) > MaxRowSize {
			return fmt.Errorf("%w: %d bytes in %s", errRowTooLarge, len(row), name)
		}
		size += wrappers.IntLen + len(row)
		buf = append(buf, append([]byte(nil), row...))
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to write section %s: %w", name, err)
	}
	return w.writeSection(name, buf, size)
}

func (w *Writer) writeSection(name string, rows [][]byte, size int) error {
	p := wrappers.Packer{MaxSize: wrappers.ShortLen + len(name) + wrappers.IntLen + size}
	p.PackStr(name)
	p.PackInt(uint32(len(rows)))
	for _, row := range rows {
		p.PackBytes(row)
	}
	if p.Errored() {
		return p.Err
	}
	_, err := w.w.Write(p.Bytes)
	return err
}

// Close ends the stream and returns the hash of everything written.
func (w *Writer) Close() (ids.ID, error) {
	if w.closed {
		return ids.Empty, errClosed
	}
	p := wrappers.Packer{MaxSize: wrappers.ShortLen}
	p.PackStr("")
	if _, err := w.w.Write(p.Bytes); err != nil {
		return ids.Empty, err
	}
	w.closed = true
	return ids.ToID(w.h.Sum(nil))
}

// Reader reads a snapshot stream section by section.
type Reader struct {
	r    io.Reader
	h    hash.Hash
	name string
	left uint32
	done bool
}

func NewReader(r io.Reader) (*Reader, error) {
	h := sha256.New()
	sr := &Reader{r: io.TeeReader(r, h), h: h}
	name, err := sr.readString()
	if err != nil {
		return nil, err
	}
	if name != magic {
		return nil, errBadMagic
	}
	version, err := sr.readUint32()
	if err != nil {
		return nil, err
	}
	if version != Version {
		return nil, fmt.Errorf("%w: %d", errBadVersion, version)
	}
	return sr, nil
}

func (r *Reader) readFull(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(r.r, b); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return b, nil
}

func (r *Reader) readUint32() (uint32, error) {
	b, err := r.readFull(wrappers.IntLen)
	if err != nil {
		return 0, err
	}
	p := wrappers.Packer{Bytes: b}
	return p.UnpackInt(), p.Err
}

func (r *Reader) readString() (string, error) {
	b, err := r.readFull(wrappers.ShortLen)
	if err != nil {
		return "", err
	}
	p := wrappers.Packer{Bytes: b}
	n := p.UnpackShort()
	if p.Errored() {
		return "", p.Err
	}
	s, err := r.readFull(int(n))
	return string(s), err
}

// Section opens the next section and returns its name and row count. It
// returns io.EOF after the last section.
func (r *Reader) Section() (string, uint32, error) {
	if r.done {
		return "", 0, io.EOF
	}
	if r.left != 0 {
		return "", 0, fmt.Errorf("%w: %d in %s", errRowsLeft, r.left, r.name)
	}
	name, err := r.readString()
	if err != nil {
		return "", 0, err
	}
	if name == "" {
		r.done = true
		return "", 0, io.EOF
	}
	count, err := r.readUint32()
	if err != nil {
		return "", 0, err
	}
	r.name, r.left = name, count
	return name, count, nil
}

// Row reads the next row of the open section.
func (r *Reader) Row() ([]byte, error) {
	if r.left == 0 {
		return nil, errNoSection
	}
	n, err := r.readUint32()
	if err != nil {
		return nil, err
	}
	if n > MaxRowSize {
		return nil, fmt.Errorf("%w: %d bytes in %s", errRowTooLarge, n, r.name)
	}
	row, err := r.readFull(int(n))
	if err != nil {
		return nil, err
	}
	r.left--
	return row, nil
}

// Rows passes the remaining rows of the open section to [f].
func (r *Reader) Rows(f func(row []byte) error) error {
	for r.left != 0 {
		row, err := r.Row()
		if err != nil {
			return err
		}
		if err := f(row); err != nil {
			return fmt.Errorf("failed to read section %s: %w", r.name, err)
		}
	}
	return nil
}

// ReadSection reads the next section, which must be named [name].
func (r *Reader) ReadSection(name string, f func(row []byte) error) error {
	got, _, err := r.Section()
	if err != nil {
		return fmt.Errorf("%w: expected %s: %v", ErrSectionMissing, name, err)
	}
	if got != name {
		return fmt.Errorf("%w: expected %s, found %s", ErrSectionMissing, name, got)
	}
	return r.Rows(f)
}

// Hash returns the hash of the stream. It is complete once Section returned
// io.EOF.
func (r *Reader) Hash() (ids.ID, error) {
	return ids.ToID(r.h.Sum(nil))
}
