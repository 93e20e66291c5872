package device

import "testing"

func TestMachineIdentity(t *testing.T) {
	id, err := MachineIdentity()
	if err != nil {
		t.Skipf("machine identity unavailable: %v", err)
	}

	if !ValidateMachineIdentity(id) {
		t.Errorf("MachineIdentity() = %q, not a valid identity", id)
	}

	// Stable across calls on the same machine.
	again, err := MachineIdentity()
	if err != nil {
		t.Skipf("machine identity unavailable: %v", err)
	}
	if again != id {
		t.Errorf("MachineIdentity() = %q on second call, want %q", again, id)
	}
}

func TestValidateMachineIdentity(t *testing.T) {
	tests := []struct {
		name string
		id   string
		want bool
	}{
		{"valid", "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef", true},
		{"too short", "0123456789abcdef", false},
		{"uppercase", "0123456789ABCDEF0123456789ABCDEF0123456789ABCDEF0123456789ABCDEF", false},
		{"non-hex", "0123456789abcdeg0123456789abcdef0123456789abcdef0123456789abcdef", false},
		{"empty", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ValidateMachineIdentity(tt.id); got != tt.want {
				t.Errorf("ValidateMachineIdentity(%q) = %v, want %v", tt.id, got, tt.want)
			}
		})
	}
}
