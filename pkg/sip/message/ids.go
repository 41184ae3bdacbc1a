package message

import (
	"crypto/rand"
	"encoding/hex"
	"strings"

	"github.com/google/uuid"
)

// BranchMagicCookie префикс ветви RFC 3261
const BranchMagicCookie = "z9hG4bK"

// GenerateBranch генерирует branch для Via
func GenerateBranch() string {
	return BranchMagicCookie + randomHex(8)
}

// GenerateTag генерирует tag для From/To
func GenerateTag() string {
	return randomHex(6)
}

// GenerateCallID генерирует глобально уникальный Call-ID
func GenerateCallID(host string) string {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	if host == "" {
		return id
	}
	return id + "@" + host
}

func randomHex(n int) string {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		// crypto/rand не отказывает на поддерживаемых платформах
		return strings.ReplaceAll(uuid.NewString(), "-", "")[:2*n]
	}
	return hex.EncodeToString(b)
}
