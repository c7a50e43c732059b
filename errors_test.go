package querycore

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestWithContext(t *testing.T) {
	err := WithContext(ErrDatabaseNotFound, map[string]interface{}{
		"database": "people_contacts",
	})
	if !errors.Is(err, ErrDatabaseNotFound) {
		t.Error("Expected wrapped error to match its sentinel")
	}
	if !strings.Contains(err.Error(), "people_contacts") {
		t.Errorf("Expected context in message, got %q", err.Error())
	}

	if WithContext(nil, map[string]interface{}{"k": "v"}) != nil {
		t.Error("Expected nil error to stay nil")
	}

	bare := WithContext(ErrCacheMiss, nil)
	if bare.Error() != ErrCacheMiss.Error() {
		t.Errorf("Expected plain message without context, got %q", bare.Error())
	}
}

func TestWithContextNesting(t *testing.T) {
	inner := WithContext(ErrBadCursor, map[string]interface{}{"cursor": "xyz"})
	outer := fmt.Errorf("executing query: %w", inner)
	if !errors.Is(outer, ErrBadCursor) {
		t.Error("Expected sentinel to survive double wrapping")
	}
	if !IsBadQuery(outer) {
		t.Error("Expected IsBadQuery through wrapping")
	}
}

func TestErrorClassifiers(t *testing.T) {
	tests := []struct {
		err   error
		check func(error) bool
		want  bool
		name  string
	}{
		{ErrDatabaseNotFound, IsNotFound, true, "database not found"},
		{ErrJobNotFound, IsNotFound, true, "job not found"},
		{ErrBadFilterShape, IsNotFound, false, "filter shape is not not-found"},
		{ErrBadFilterShape, IsBadQuery, true, "bad filter shape"},
		{ErrBadRegex, IsBadQuery, true, "bad regex"},
		{ErrTooComplex, IsBadQuery, true, "too complex"},
		{ErrQueryTimeout, IsCancellation, true, "timeout"},
		{ErrQueryCancelled, IsCancellation, true, "cancelled"},
		{ErrQueryTimeout, IsBadQuery, false, "timeout is not bad query"},
		{ErrCacheIO, IsRecoverable, true, "cache io"},
		{ErrCacheMiss, IsRecoverable, true, "cache miss"},
		{ErrExportFailed, IsRecoverable, false, "export failure surfaces"},
	}
	for _, tt := range tests {
		if got := tt.check(tt.err); got != tt.want {
			t.Errorf("%s: expected %t, got %t", tt.name, tt.want, got)
		}
	}
}
