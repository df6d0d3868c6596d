package validation

import "testing"

func TestSplitFullName(t *testing.T) {
	tests := []struct {
		in        string
		wantFirst string
		wantLast  string
	}{
		{"Jane Doe", "Jane", "Doe"},
		{"Cher", "Cher", ""},
		{"", "", ""},
		{"   ", "", ""},
		{"Gabriel García Márquez", "Gabriel", "García Márquez"},
		{"  Jane   Doe  ", "Jane", "Doe"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			first, last := SplitFullName(tt.in)
			if first != tt.wantFirst || last != tt.wantLast {
				t.Errorf("SplitFullName(%q) = (%q, %q), want (%q, %q)", tt.in, first, last, tt.wantFirst, tt.wantLast)
			}
		})
	}
}
