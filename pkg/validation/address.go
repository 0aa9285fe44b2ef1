package validation

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

const (
	// evmAddressLength is 20 bytes in hex.
	evmAddressLength = 40
	// coreAddressLength is 22 bytes in hex (network prefix + checksum + 20 bytes).
	coreAddressLength = 44
)

// ValidateAddress validates a wallet address. Both 20-byte EVM and 22-byte Core
// addresses are accepted, with or without the 0x prefix.
func ValidateAddress(addr string) error {
	if addr == "" {
		return fmt.Errorf("address cannot be empty")
	}

	normalized := trimHexPrefix(addr)

	if len(normalized) != evmAddressLength && len(normalized) != coreAddressLength {
		return fmt.Errorf("invalid address length: expected %d or %d characters (without 0x), got %d",
			evmAddressLength, coreAddressLength, len(normalized))
	}

	if _, err := hex.DecodeString(normalized); err != nil {
		return fmt.Errorf("invalid hex address: %w", err)
	}

	return nil
}

// NormalizeAddress converts an address to its canonical lowercase 0x-prefixed form.
func NormalizeAddress(addr string) string {
	return "0x" + strings.ToLower(trimHexPrefix(addr))
}

// ValidateAndNormalizeAddress validates an address and returns its normalized form
func ValidateAndNormalizeAddress(addr string) (string, error) {
	if err := ValidateAddress(addr); err != nil {
		return "", err
	}
	return NormalizeAddress(addr), nil
}

// ValidatePeriod checks a payout period identifier of the form YYYY-MM.
func ValidatePeriod(period string) error {
	if _, err := time.Parse("2006-01", period); err != nil {
		return fmt.Errorf("invalid period %q: expected YYYY-MM", period)
	}
	return nil
}

func trimHexPrefix(addr string) string {
	addr = strings.TrimPrefix(addr, "0x")
	return strings.TrimPrefix(addr, "0X")
}
