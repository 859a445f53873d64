package caller

import (
	"fmt"
	"strings"
)

// minAddressDigits минимум цифр в адресе после нормализации
const minAddressDigits = 3

// NormalizeAddress приводит адрес к виду "цифры и необязательный
// ведущий плюс". Все остальные символы отбрасываются. Нормализация
// идемпотентна.
func NormalizeAddress(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)

	var b strings.Builder
	if strings.HasPrefix(trimmed, "+") {
		b.WriteByte('+')
	}
	digits := 0
	for _, r := range trimmed {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
			digits++
		}
	}
	if digits < minAddressDigits {
		return "", fmt.Errorf("%w: %q", ErrInvalidAddress, raw)
	}
	return b.String(), nil
}
