package main

import "testing"

func TestParseAngles(t *testing.T) {
	got, err := parseAngles(" 0, 30,-200 ")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []int{0, 30, -125}
	if len(got) != len(want) {
		t.Fatalf("unexpected angles: %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("angle %d: got %d want %d", i, got[i], want[i])
		}
	}

	if got, err := parseAngles(""); err != nil || got != nil {
		t.Fatalf("empty input: %v %v", got, err)
	}
	if _, err := parseAngles("1,x"); err == nil {
		t.Fatalf("expected error for non-numeric angle")
	}
}

func TestMockRejectsBadFlags(t *testing.T) {
	if code := runMock([]string{"--joints", "a,b"}, discard{}); code != 2 {
		t.Fatalf("unexpected exit code: %d", code)
	}
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }
