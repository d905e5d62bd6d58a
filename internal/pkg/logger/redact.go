package logger

import "strings"

// RedactEmail masks an email address for safe logging.
// "john.doe@example.com" → "jo***@example.com"
// Short local parts (≤2 chars) are fully masked: "ab@example.com" → "***@example.com"
func RedactEmail(email string) string {
	parts := strings.Split(email, "@")
	if len(parts) != 2 {
		return "***@***"
	}
	name := parts[0]
	if len(name) > 2 {
		return name[:2] + "***@" + parts[1]
	}
	return "***@" + parts[1]
}

// RedactPhone masks a phone number for safe logging, keeping the last
// two digits: "+15551234567" → "***67". Numbers shorter than 4 digits
// are fully masked.
func RedactPhone(phone string) string {
	digits := 0
	for _, r := range phone {
		if r >= '0' && r <= '9' {
			digits++
		}
	}
	if digits < 4 {
		return "***"
	}
	return "***" + phone[len(phone)-2:]
}

// RedactAddress masks a channel recipient address: emails through
// RedactEmail, everything else (phone numbers, device tokens) through
// RedactPhone-style suffix masking.
func RedactAddress(addr string) string {
	if strings.Contains(addr, "@") {
		return RedactEmail(addr)
	}
	return RedactPhone(addr)
}
