// Package validation содержит функции валидации входных данных.
package validation

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

// transactionPrefix открывает номер транзакции вида TXN-<касса>-<номер><контрольная цифра>.
const transactionPrefix = "TXN-"

// IsValidLuhn проверяет строку цифр по алгоритму Луна.
func IsValidLuhn(number string) bool {
	if number == "" {
		return false
	}

	sum, ok := luhnSum(number, false)
	if !ok {
		return false
	}
	return sum%10 == 0
}

// LuhnCheckDigit возвращает контрольную цифру, дописываемую к payload.
func LuhnCheckDigit(payload string) (int, error) {
	if payload == "" {
		return 0, fmt.Errorf("empty payload")
	}

	// после дописывания цифры удваиваются позиции payload, начиная с последней
	sum, ok := luhnSum(payload, true)
	if !ok {
		return 0, fmt.Errorf("payload %q contains non-digits", payload)
	}
	return (10 - sum%10) % 10, nil
}

func luhnSum(number string, double bool) (int, bool) {
	sum := 0
	for i := len(number) - 1; i >= 0; i-- {
		ch := rune(number[i])
		if !unicode.IsDigit(ch) {
			return 0, false
		}
		digit := int(ch - '0')
		if double {
			digit *= 2
			if digit > 9 {
				digit -= 9
			}
		}
		sum += digit
		double = !double
	}
	return sum, true
}

// TransactionNumber формирует номер транзакции для кассы registerID и порядкового номера seq.
func TransactionNumber(registerID string, seq int64) string {
	payload := fmt.Sprintf("%06d", seq)
	digit, _ := LuhnCheckDigit(payload)
	return transactionPrefix + registerID + "-" + payload + strconv.Itoa(digit)
}

// ParseTransactionNumber разбирает номер транзакции и проверяет контрольную цифру.
func ParseTransactionNumber(number string) (registerID string, seq int64, ok bool) {
	rest, found := strings.CutPrefix(number, transactionPrefix)
	if !found {
		return "", 0, false
	}

	i := strings.LastIndex(rest, "-")
	if i <= 0 || i == len(rest)-1 {
		return "", 0, false
	}
	registerID, digits := rest[:i], rest[i+1:]

	if len(digits) < 2 || !IsValidLuhn(digits) {
		return "", 0, false
	}

	seq, err := strconv.ParseInt(digits[:len(digits)-1], 10, 64)
	if err != nil {
		return "", 0, false
	}
	return registerID, seq, true
}

// IsValidTransactionNumber проверяет формат и контрольную цифру номера транзакции.
func IsValidTransactionNumber(number string) bool {
	_, _, ok := ParseTransactionNumber(number)
	return ok
}
