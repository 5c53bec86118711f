// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package secret

import (
	"fmt"
	"io"
	"log/slog"
	"sync"

	"golang.org/x/sys/unix"
)

// Redacted is the placeholder rendered in place of secret contents
// wherever a secret reaches a logger or formatter.
const Redacted = "[REDACTED]"

// Buffer holds sensitive data in memory allocated outside the Go heap
// and zeroed on close.
//
// A Buffer must not be copied after creation. After Close, any access
// to the buffer's contents panics.
type Buffer struct {
	mu     sync.Mutex
	data   []byte
	length int
	locked bool
	closed bool
}

// New allocates a new secret buffer of the given size. The region is
// zero-filled by the kernel.
//
// mlock is best-effort: RLIMIT_MEMLOCK is small on most desktop
// systems and a broker holds one buffer per live token. When the lock
// fails the buffer is still outside the Go heap and still zeroed on
// Close.
//
// The caller must call Close when the secret is no longer needed.
func New(size int) (*Buffer, error) {
	if size <= 0 {
		return nil, fmt.Errorf("secret: buffer size must be positive, got %d", size)
	}

	data, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("secret: mmap failed: %w", err)
	}

	locked := unix.Mlock(data) == nil

	if err := excludeFromCoreDump(data); err != nil {
		if locked {
			unix.Munlock(data)
		}
		unix.Munmap(data)
		return nil, fmt.Errorf("secret: %w", err)
	}

	return &Buffer{
		data:   data,
		length: size,
		locked: locked,
	}, nil
}

// NewFromBytes creates a secret buffer from existing data. The source
// bytes are copied into the protected region and then zeroed in place,
// so the caller's slice no longer holds the secret.
func NewFromBytes(source []byte) (*Buffer, error) {
	if len(source) == 0 {
		return nil, fmt.Errorf("secret: cannot create buffer from empty source")
	}

	buffer, err := New(len(source))
	if err != nil {
		Zero(source)
		return nil, err
	}

	copy(buffer.data, source)
	Zero(source)
	return buffer, nil
}

// NewFromString creates a secret buffer from a string. An empty string
// yields a nil buffer and no error: optional secrets such as a missing
// refresh token are represented as nil throughout the module.
//
// The string itself stays on the heap; this is for values that arrive
// as strings at an API boundary (JSON-RPC params, OAuth responses).
func NewFromString(value string) (*Buffer, error) {
	if value == "" {
		return nil, nil
	}
	return NewFromBytes([]byte(value))
}

// Bytes returns the secret data. The returned slice points directly
// into the mmap region; do not retain it beyond the Buffer's lifetime.
// Panics if the buffer has been closed. A nil buffer returns nil.
func (b *Buffer) Bytes() []byte {
	if b == nil {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		panic("secret: read from closed buffer")
	}
	return b.data[:b.length]
}

// String returns a heap copy of the secret. Use only at boundaries that
// require a string (HTTP headers, environment variables, x/oauth2).
// Panics if the buffer has been closed. A nil buffer returns "".
func (b *Buffer) String() string {
	if b == nil {
		return ""
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		panic("secret: read from closed buffer")
	}
	return string(b.data[:b.length])
}

// Len returns the size of the secret data.
func (b *Buffer) Len() int {
	if b == nil {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.length
}

// Clone returns an independent copy of the buffer. A nil buffer clones
// to nil.
func (b *Buffer) Clone() (*Buffer, error) {
	if b == nil {
		return nil, nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		panic("secret: read from closed buffer")
	}
	clone, err := New(b.length)
	if err != nil {
		return nil, err
	}
	copy(clone.data, b.data[:b.length])
	return clone, nil
}

// WriteTo writes the secret to w without an intermediate heap copy.
func (b *Buffer) WriteTo(w io.Writer) (int64, error) {
	if b == nil {
		return 0, nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		panic("secret: read from closed buffer")
	}
	written, err := w.Write(b.data[:b.length])
	return int64(written), err
}

// LogValue implements slog.LogValuer.
func (b *Buffer) LogValue() slog.Value {
	return slog.StringValue(Redacted)
}

// Format implements fmt.Formatter so %v, %s and %q never print the
// contents. Use String for deliberate access.
func (b *Buffer) Format(state fmt.State, verb rune) {
	io.WriteString(state, Redacted)
}

// Close zeros the buffer contents, unlocks and unmaps the memory.
// Close is idempotent and safe on a nil buffer.
func (b *Buffer) Close() error {
	if b == nil {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true

	Zero(b.data)

	var firstError error
	if b.locked {
		if err := unix.Munlock(b.data); err != nil {
			firstError = fmt.Errorf("secret: munlock failed: %w", err)
		}
	}
	if err := unix.Munmap(b.data); err != nil && firstError == nil {
		firstError = fmt.Errorf("secret: munmap failed: %w", err)
	}

	b.data = nil
	return firstError
}

// Zero overwrites a heap slice that held secret material.
func Zero(data []byte) {
	for index := range data {
		data[index] = 0
	}
}
