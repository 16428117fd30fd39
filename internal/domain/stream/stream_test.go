package stream

import "testing"

func TestKindTerminal(t *testing.T) {
	tests := []struct {
		kind Kind
		want bool
	}{
		{Chunk, false},
		{Meta, false},
		{Done, true},
		{Error, true},
	}
	for _, tc := range tests {
		if got := tc.kind.Terminal(); got != tc.want {
			t.Errorf("%s.Terminal() = %v, want %v", tc.kind, got, tc.want)
		}
	}
}
