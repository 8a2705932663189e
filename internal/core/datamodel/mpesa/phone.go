package mpesa

import (
	"errors"
	"strings"
)

var ErrInvalidPhone = errors.New("invalid Kenyan mobile number")

// NormalizePhone converts 07XXXXXXXX, 7XXXXXXXX, 01XXXXXXXX, +2547XXXXXXXX and
// 2547XXXXXXXX into the 2547XXXXXXXX form the gateway expects.
func NormalizePhone(phone string) (string, error) {
	replacer := strings.NewReplacer(" ", "", "-", "", "(", "", ")", "")
	p := strings.TrimPrefix(replacer.Replace(strings.TrimSpace(phone)), "+")

	switch {
	case len(p) == 10 && strings.HasPrefix(p, "0"):
		p = "254" + p[1:]
	case len(p) == 9 && (strings.HasPrefix(p, "7") || strings.HasPrefix(p, "1")):
		p = "254" + p
	}

	if len(p) != 12 || !strings.HasPrefix(p, "254") {
		return "", ErrInvalidPhone
	}
	for _, r := range p {
		if r < '0' || r > '9' {
			return "", ErrInvalidPhone
		}
	}
	if p[3] != '7' && p[3] != '1' {
		return "", ErrInvalidPhone
	}
	return p, nil
}
