package severity

import "testing"

func TestFromString(t *testing.T) {
	tests := []struct {
		in   string
		want Level
	}{
		{"critical", Critical},
		{"CRITICAL", Critical},
		{" high ", High},
		{"moderate", Medium},
		{"medium", Medium},
		{"low", Low},
		{"", Unknown},
		{"banana", Unknown},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := FromString(tt.in); got != tt.want {
				t.Errorf("FromString(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestOrdering(t *testing.T) {
	if !Critical.IsHigherThan(High) {
		t.Error("Critical should outrank High")
	}
	if High.IsHigherThan(High) {
		t.Error("IsHigherThan must be strict")
	}
	if !High.IsAtLeast(High) {
		t.Error("IsAtLeast must be inclusive")
	}
	if Low.IsAtLeast(Medium) {
		t.Error("Low should not be at least Medium")
	}
	if Max(Low, Critical) != Critical {
		t.Error("Max(Low, Critical) != Critical")
	}
}

func TestIsValid(t *testing.T) {
	for _, l := range All() {
		if !l.IsValid() {
			t.Errorf("%v should be valid", l)
		}
	}
	if Unknown.IsValid() {
		t.Error("Unknown should not be valid")
	}
}
