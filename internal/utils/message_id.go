package utils

import (
	"crypto/sha256"
	"fmt"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

// GenerateMessageID returns an RFC 5322 message id on domain. A non-empty
// metadata adds a short hash of it to the local part.
func GenerateMessageID(domain, metadata string) string {
	id, err := gonanoid.Generate(nanoIDAlphabet, 12)
	if err != nil {
		panic(err)
	}

	timestamp := Now().UnixMicro()

	var hashComponent string
	if metadata != "" {
		hash := sha256.Sum256([]byte(metadata))
		hashComponent = fmt.Sprintf(".%x", hash[:4])
	}

	localPart := fmt.Sprintf("%d.%s%s", timestamp, id, hashComponent)
	return fmt.Sprintf("<%s@%s>", localPart, domain)
}
