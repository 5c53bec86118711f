// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package secret

import (
	"bytes"
	"fmt"
	"log/slog"
	"strings"
	"testing"
)

func TestNew_ValidSize(t *testing.T) {
	buffer, err := New(64)
	if err != nil {
		t.Fatalf("New(64) failed: %v", err)
	}
	defer buffer.Close()

	if buffer.Len() != 64 {
		t.Errorf("expected length 64, got %d", buffer.Len())
	}
	for index, value := range buffer.Bytes() {
		if value != 0 {
			t.Fatalf("expected zero at index %d, got %d", index, value)
		}
	}
}

func TestNew_InvalidSize(t *testing.T) {
	for _, size := range []int{0, -1} {
		if _, err := New(size); err == nil {
			t.Errorf("New(%d): expected error", size)
		}
	}
}

func TestNewFromBytes_ZerosSource(t *testing.T) {
	source := []byte("ya29.access-token")

	buffer, err := NewFromBytes(source)
	if err != nil {
		t.Fatalf("NewFromBytes failed: %v", err)
	}
	defer buffer.Close()

	if got := buffer.String(); got != "ya29.access-token" {
		t.Errorf("expected %q, got %q", "ya29.access-token", got)
	}
	for index, value := range source {
		if value != 0 {
			t.Fatalf("source byte %d was not zeroed: got %d", index, value)
		}
	}
}

func TestNewFromBytes_Empty(t *testing.T) {
	if _, err := NewFromBytes([]byte{}); err == nil {
		t.Fatal("expected error for empty source")
	}
}

func TestNewFromString_EmptyIsNil(t *testing.T) {
	buffer, err := NewFromString("")
	if err != nil {
		t.Fatalf("NewFromString: %v", err)
	}
	if buffer != nil {
		t.Fatal("expected nil buffer for empty string")
	}
	if buffer.String() != "" || buffer.Len() != 0 || buffer.Bytes() != nil {
		t.Error("nil buffer should behave as an empty secret")
	}
	if err := buffer.Close(); err != nil {
		t.Errorf("Close on nil buffer: %v", err)
	}
}

func TestBuffer_Clone(t *testing.T) {
	original, err := NewFromString("refresh-token")
	if err != nil {
		t.Fatalf("NewFromString: %v", err)
	}
	clone, err := original.Clone()
	if err != nil {
		t.Fatalf("Clone: %v", err)
	}
	defer clone.Close()

	original.Close()
	if got := clone.String(); got != "refresh-token" {
		t.Errorf("clone = %q after original closed", got)
	}
}

func TestBuffer_WriteTo(t *testing.T) {
	buffer, err := NewFromString("service-account-json")
	if err != nil {
		t.Fatalf("NewFromString: %v", err)
	}
	defer buffer.Close()

	var output bytes.Buffer
	written, err := buffer.WriteTo(&output)
	if err != nil {
		t.Fatalf("WriteTo: %v", err)
	}
	if written != int64(len("service-account-json")) || output.String() != "service-account-json" {
		t.Errorf("WriteTo wrote %d bytes %q", written, output.String())
	}
}

func TestBuffer_NeverFormatsContents(t *testing.T) {
	buffer, err := NewFromString("sk-live-123")
	if err != nil {
		t.Fatalf("NewFromString: %v", err)
	}
	defer buffer.Close()

	for _, verb := range []string{"%v", "%s", "%q", "%+v"} {
		if got := fmt.Sprintf(verb, buffer); strings.Contains(got, "sk-live") {
			t.Errorf("Sprintf(%s) leaked secret: %q", verb, got)
		}
	}

	var logOutput bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&logOutput, nil))
	logger.Info("token", "access_token", buffer)
	if strings.Contains(logOutput.String(), "sk-live") {
		t.Errorf("slog leaked secret: %s", logOutput.String())
	}
	if !strings.Contains(logOutput.String(), Redacted) {
		t.Errorf("expected %s in log output: %s", Redacted, logOutput.String())
	}
}

func TestBuffer_Close_ZerosAndReleases(t *testing.T) {
	buffer, err := New(32)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	copy(buffer.Bytes(), []byte("this should be zeroed"))

	if err := buffer.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if buffer.data != nil {
		t.Error("expected data to be nil after Close")
	}
	if err := buffer.Close(); err != nil {
		t.Fatalf("second Close failed: %v", err)
	}
}

func TestBuffer_PanicsAfterClose(t *testing.T) {
	accessors := map[string]func(*Buffer){
		"Bytes":  func(b *Buffer) { b.Bytes() },
		"String": func(b *Buffer) { _ = b.String() },
	}
	for name, access := range accessors {
		t.Run(name, func(t *testing.T) {
			buffer, err := New(16)
			if err != nil {
				t.Fatalf("New failed: %v", err)
			}
			buffer.Close()

			defer func() {
				if recover() == nil {
					t.Fatalf("expected panic on %s() after Close", name)
				}
			}()
			access(buffer)
		})
	}
}

func TestZero(t *testing.T) {
	data := []byte("secret")
	Zero(data)
	if !bytes.Equal(data, make([]byte, 6)) {
		t.Errorf("Zero left %q", data)
	}
}
