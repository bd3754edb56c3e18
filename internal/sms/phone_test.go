package sms

import (
	"errors"
	"testing"

	"github.com/joshuapaschall/listhit/internal/sendfault"
)

func TestNormalizeNumber(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    string
		wantErr bool
	}{
		{"bare NANP ten digits", "5551234567", "+15551234567", false},
		{"formatted NANP", "(555) 123-4567", "+15551234567", false},
		{"eleven digits with country code", "15551234567", "+15551234567", false},
		{"already E.164", "+15551234567", "+15551234567", false},
		{"E.164 with punctuation", "+1 555-123-4567", "+15551234567", false},
		{"international", "+442071838750", "+442071838750", false},
		{"too short", "12345", "", true},
		{"empty", "", "", true},
		{"letters only", "call me", "", true},
		{"eleven digits without leading one", "25551234567", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NormalizeNumber(tt.in)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("NormalizeNumber(%q) = %q, want error", tt.in, got)
				}
				var vErr *sendfault.ValidationError
				if !errors.As(err, &vErr) {
					t.Errorf("NormalizeNumber(%q) error is %T, want validation", tt.in, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("NormalizeNumber(%q) failed: %v", tt.in, err)
			}
			if got != tt.want {
				t.Errorf("NormalizeNumber(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}
