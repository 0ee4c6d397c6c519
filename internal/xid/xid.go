package xid

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

func New(prefix string) string {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("%s-%d", prefix, time.Now().UnixNano())
	}
	return fmt.Sprintf("%s-%d-%s", prefix, time.Now().UnixNano(), hex.EncodeToString(buf))
}

// Reference returns an uppercase ledger reference number. Uniqueness is
// enforced by the store; the random suffix makes collisions implausible
// even across processes.
func Reference() string {
	buf := make([]byte, 6)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("LTY-%d", time.Now().UnixNano())
	}
	return fmt.Sprintf("LTY-%d-%s", time.Now().UTC().Unix(), strings.ToUpper(hex.EncodeToString(buf)))
}
