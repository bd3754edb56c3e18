package sms

import (
	"fmt"
	"strings"

	"github.com/joshuapaschall/listhit/internal/sendfault"
)

// NormalizeNumber canonicalizes a raw phone number into E.164. Bare
// ten-digit numbers are treated as NANP and get the +1 prefix. A number
// that cannot be normalized is a validation failure, never retried.
func NormalizeNumber(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	hasPlus := strings.HasPrefix(trimmed, "+")

	var digits strings.Builder
	for _, r := range trimmed {
		if r >= '0' && r <= '9' {
			digits.WriteRune(r)
		}
	}
	d := digits.String()

	switch {
	case hasPlus && len(d) >= 8 && len(d) <= 15:
		return "+" + d, nil
	case len(d) == 10:
		return "+1" + d, nil
	case len(d) == 11 && d[0] == '1':
		return "+" + d, nil
	}
	return "", sendfault.Invalid(fmt.Errorf("cannot normalize phone number %q", raw))
}
