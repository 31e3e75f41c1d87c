package adpvantage

import "testing"

func TestMakeID_DeterministicAndSafe(t *testing.T) {
	a := makeID("E 100", "Pay Statement", "2025/01")
	b := makeID("E 100", "Pay Statement", "2025/01")
	if a != b {
		t.Fatalf("makeID not deterministic: %q vs %q", a, b)
	}
	if a != "E_100_Pay_Statement_2025_01" {
		t.Errorf("makeID = %q", a)
	}
}

func TestSafeFilename(t *testing.T) {
	tests := []struct {
		name  string
		parts []string
		want  string
	}{
		{"plain", []string{"Jordan Diaz", "payslip", "2025-01"}, "Jordan_Diaz_payslip_2025-01"},
		{"path separators stripped", []string{"../etc", "passwd"}, ".._etc_passwd"},
		{"empty parts dropped", []string{"", "w2", "  "}, "w2"},
		{"unicode collapsed", []string{"Zoë", "Bülow"}, "Zo_B_low"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := safeFilename(tt.parts...); got != tt.want {
				t.Errorf("safeFilename(%v) = %q, want %q", tt.parts, got, tt.want)
			}
		})
	}
}

func TestSanitize(t *testing.T) {
	if got := sanitize("  __Pay Slip (Jan)__  "); got != "Pay_Slip_Jan" {
		t.Errorf("sanitize = %q", got)
	}
	if got := sanitize("!!!"); got != "" {
		t.Errorf("sanitize(%q) = %q, want empty", "!!!", got)
	}
}
