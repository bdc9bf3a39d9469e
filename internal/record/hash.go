package record

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// DomainRecord separates record fingerprints from any other hash computed
// over canonical JSON. The version suffix allows a future algorithm change.
const DomainRecord = "entsync/record/v1"

// hashWithDomain computes SHA256(domain || 0x00 || data).
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// Fingerprint returns a stable content hash of a record value. Two values
// that are Equal have the same fingerprint.
func Fingerprint(v any) (string, error) {
	data, err := MarshalCanonical(v)
	if err != nil {
		return "", fmt.Errorf("fingerprint: %w", err)
	}
	return hashWithDomain(DomainRecord, data), nil
}
