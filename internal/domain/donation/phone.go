package donation

import "strings"

// NormalizeKenyanPhone turns the local formats donors type into the 2547XXXXXXXX form the
// STK push expects. Accepted inputs, after stripping every non-digit:
//
//	0712345678   -> 254712345678
//	712345678    -> 254712345678
//	254712345678 -> 254712345678
func NormalizeKenyanPhone(raw string) (string, error) {
	if strings.TrimSpace(raw) == "" {
		return "", ErrValidation{Field: "donor_phone", Message: "phone number is required for M-Pesa payments"}
	}

	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, raw)

	switch {
	case strings.HasPrefix(digits, "0") && len(digits) == 10:
		return "254" + digits[1:], nil
	case strings.HasPrefix(digits, "7") && len(digits) == 9:
		return "254" + digits, nil
	case strings.HasPrefix(digits, "254") && len(digits) == 12:
		return digits, nil
	}

	return "", ErrValidation{
		Field:   "donor_phone",
		Message: "invalid phone number format, use 07XXXXXXXX or 2547XXXXXXXX",
	}
}
