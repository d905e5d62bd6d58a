package sender

import (
	"strings"

	"github.com/ignite/message-pipeline/internal/domain"
)

// validEmail applies the practical address grammar: local@domain with
// no whitespace and at least one dot in the domain. Deliverability is
// the provider's problem; this only rejects obvious garbage.
func validEmail(addr string) bool {
	if addr == "" || strings.ContainsAny(addr, " \t\r\n") {
		return false
	}
	at := strings.IndexByte(addr, '@')
	if at <= 0 || at == len(addr)-1 {
		return false
	}
	if strings.IndexByte(addr[at+1:], '@') >= 0 {
		return false
	}
	domainPart := addr[at+1:]
	dot := strings.IndexByte(domainPart, '.')
	return dot > 0 && dot < len(domainPart)-1
}

func validateEmailRecipient(payload domain.Payload) *domain.InvalidRecipientError {
	if strings.TrimSpace(payload.Address) == "" {
		return &domain.InvalidRecipientError{Reason: domain.SkipMissingEmail, Message: "no email address on payload"}
	}
	if !validEmail(payload.Address) {
		return &domain.InvalidRecipientError{Reason: domain.SkipInvalidEmail, Message: "malformed email address"}
	}
	return nil
}

// hasDigit reports whether s contains at least one decimal digit.
func hasDigit(s string) bool {
	for _, r := range s {
		if r >= '0' && r <= '9' {
			return true
		}
	}
	return false
}

func validatePhoneRecipient(payload domain.Payload) *domain.InvalidRecipientError {
	if payload.Address == "" {
		return &domain.InvalidRecipientError{Reason: domain.SkipMissingPhone, Message: "no phone number on payload"}
	}
	if strings.TrimSpace(payload.Address) == "" || !hasDigit(payload.Address) {
		return &domain.InvalidRecipientError{Reason: domain.SkipInvalidPhone, Message: "malformed phone number"}
	}
	return nil
}

func validatePushRecipient(payload domain.Payload) *domain.InvalidRecipientError {
	if strings.TrimSpace(payload.Address) == "" {
		return &domain.InvalidRecipientError{Reason: domain.SkipOther, Message: "no device token on payload"}
	}
	return nil
}
