package hpatrol

import (
	"fmt"
	"io"
	"testing"
)

func TestLevelOf(t *testing.T) {
	var tests = []struct {
		err  error
		want Level
	}{
		{nil, LevelInfo},
		{E(TimeBudgetExceeded, "collect", io.EOF), LevelInfo},
		{E(ConfigError, "aimpoint", io.EOF), LevelWarn},
		{Errorf(ConnectError, "get", "status %d", 500), LevelWarn},
		{E(DataError, "parse", io.EOF), LevelWarn},
		{E(PlaylistError, "playlist", io.EOF), LevelError},
		{E(StoreError, "put", io.EOF), LevelError},
		{E(FFmpegError, "concat", io.EOF), LevelError},
		{E(EmptyFrames, "order", io.EOF), LevelError},
		{io.EOF, LevelCritical},
	}
	for _, test := range tests {
		got := LevelOf(test.err)
		if got != test.want {
			t.Errorf("LevelOf(%v) = %s, expected %s", test.err, got, test.want)
		}
	}
}

func TestKindSurvivesWrapping(t *testing.T) {
	inner := E(StoreError, "store.Get", io.ErrUnexpectedEOF)
	outer := fmt.Errorf("loading aimpoint: %w", inner)
	if KindOf(outer) != StoreError {
		t.Fatalf("Received kind %s, expected %s", KindOf(outer), StoreError)
	}
	if !Is(outer, StoreError) {
		t.Fatalf("Is(StoreError) false for %v", outer)
	}
	if Is(nil, StoreError) {
		t.Fatalf("nil error reported as StoreError")
	}
	if E(StoreError, "x", nil) != nil {
		t.Fatalf("E with nil cause should be nil")
	}
}

func TestMaxLevel(t *testing.T) {
	if Max(LevelWarn, LevelInfo) != LevelWarn {
		t.Errorf("Max(WARN, INFO) != WARN")
	}
	if Max(LevelError, LevelCritical) != LevelCritical {
		t.Errorf("Max(ERROR, CRITICAL) != CRITICAL")
	}
}
