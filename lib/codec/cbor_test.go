// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"bytes"
	"testing"
	"time"
)

type sampleRecord struct {
	Provider string    `cbor:"provider"`
	Account  string    `cbor:"account,omitempty"`
	Scopes   []string  `cbor:"scopes"`
	Expiry   time.Time `cbor:"expiry"`
}

func TestMarshalUnmarshalRoundtrip(t *testing.T) {
	original := sampleRecord{
		Provider: "google",
		Account:  "a@x.com",
		Scopes:   []string{"gmail.readonly"},
		Expiry:   time.Date(2026, 3, 1, 12, 30, 0, 123456789, time.UTC),
	}

	data, err := Marshal(original)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var decoded sampleRecord
	if err := Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if decoded.Provider != original.Provider || decoded.Account != original.Account {
		t.Errorf("roundtrip mismatch: got %+v, want %+v", decoded, original)
	}
	if !decoded.Expiry.Equal(original.Expiry) {
		t.Errorf("expiry lost precision: got %v, want %v", decoded.Expiry, original.Expiry)
	}
}

func TestMarshalDeterministic(t *testing.T) {
	fields := map[string]string{"zeta": "1", "alpha": "2", "mid": "3"}

	first, err := Marshal(fields)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	for range 10 {
		again, err := Marshal(fields)
		if err != nil {
			t.Fatalf("Marshal: %v", err)
		}
		if !bytes.Equal(first, again) {
			t.Fatal("map encoding is not deterministic")
		}
	}
}

func TestUnmarshalAnyUsesStringKeys(t *testing.T) {
	data, err := Marshal(map[string]any{"nested": map[string]any{"key": "value"}})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var decoded any
	if err := Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	outer, ok := decoded.(map[string]any)
	if !ok {
		t.Fatalf("decoded type = %T, want map[string]any", decoded)
	}
	if _, ok := outer["nested"].(map[string]any); !ok {
		t.Fatalf("nested type = %T, want map[string]any", outer["nested"])
	}
}

func TestUnmarshalIgnoresUnknownFields(t *testing.T) {
	data, err := Marshal(map[string]any{"provider": "github", "future_field": 7})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var decoded sampleRecord
	if err := Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if decoded.Provider != "github" {
		t.Errorf("Provider = %q", decoded.Provider)
	}
}
