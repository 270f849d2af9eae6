package bot

// IsValidPaymentAddress reports whether text looks like a payment address:
// 32 characters of the uppercase base32 alphabet.
func IsValidPaymentAddress(text string) bool {
	if len(text) != 32 {
		return false
	}
	for _, r := range text {
		switch {
		case r >= 'A' && r <= 'Z':
		case r >= '2' && r <= '7':
		default:
			return false
		}
	}
	return true
}
