// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package version

import "testing"

func TestSatisfies(t *testing.T) {
	tests := []struct {
		running string
		min     string
		want    bool
	}{
		{"0.1.0", "", true},
		{"0.1.0", "0.1.0", true},
		{"0.2.3", "0.2.0", true},
		{"0.1.9", "0.2.0", false},
		{"0.2.0-dev", "0.2.0", true},
		{"1.0.0", "0.9", true},
	}
	for _, test := range tests {
		got, err := Satisfies(test.running, test.min)
		if err != nil {
			t.Fatalf("Satisfies(%q, %q): %v", test.running, test.min, err)
		}
		if got != test.want {
			t.Errorf("Satisfies(%q, %q) = %v, want %v", test.running, test.min, got, test.want)
		}
	}
}

func TestSatisfies_Invalid(t *testing.T) {
	if _, err := Satisfies("0.1.0", "not-a-version"); err == nil {
		t.Error("expected error for invalid minimum")
	}
}
