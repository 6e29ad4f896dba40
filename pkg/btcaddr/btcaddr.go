package btcaddr

import "regexp"

// Format patterns for the address families the mixer accepts. This is an
// offline plausibility check; the wallet backend has the final say via
// validateaddress.
var patterns = []*regexp.Regexp{
	regexp.MustCompile(`^[13][a-km-zA-HJ-NP-Z1-9]{25,34}$`), // legacy P2PKH/P2SH
	regexp.MustCompile(`^bc1[a-z0-9]{39,59}$`),              // bech32
	regexp.MustCompile(`^[2mn][a-km-zA-HJ-NP-Z1-9]{33}$`),   // testnet
}

// IsValid reports whether the address matches a known Bitcoin address format.
func IsValid(address string) bool {
	for _, p := range patterns {
		if p.MatchString(address) {
			return true
		}
	}
	return false
}
