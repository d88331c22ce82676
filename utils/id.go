package utils

import (
	"crypto/rand"
	"fmt"
	"regexp"
	"strings"
)

const idAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// Mozambican mobile numbers: 84/85 (Vodacom) and 86/87 (Movitel) ranges.
var phonePattern = regexp.MustCompile(`^8[4-7]\d{7}$`)

// NewTransactionID returns a payment transaction identifier in the form
// "TXN" followed by 12 random alphanumeric characters.
func NewTransactionID() string {
	buf := make([]byte, 12)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand failing means the platform entropy source is broken
		panic(fmt.Sprintf("id generation: %v", err))
	}
	for i, b := range buf {
		buf[i] = idAlphabet[int(b)%len(idAlphabet)]
	}
	return "TXN" + string(buf)
}

// NormalizePhone strips spaces, dashes and an optional +258/258 country
// prefix, returning the bare 9-digit subscriber number.
func NormalizePhone(raw string) string {
	s := strings.NewReplacer(" ", "", "-", "", "(", "", ")", "").Replace(raw)
	s = strings.TrimPrefix(s, "+258")
	if len(s) == 12 && strings.HasPrefix(s, "258") {
		s = s[3:]
	}
	return s
}

// ValidPhone reports whether the number belongs to a supported mobile range.
func ValidPhone(raw string) bool {
	return phonePattern.MatchString(NormalizePhone(raw))
}
