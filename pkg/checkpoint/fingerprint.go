package checkpoint

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
)

// Fingerprint derives a stable identifier for an execution configuration.
// Tokens carry it so that a run checkpointed under one model/tool/policy
// combination cannot be replayed under another.
func Fingerprint(model string, toolNames []string, policy string) string {
	names := append([]string(nil), toolNames...)
	sort.Strings(names)

	h := sha256.New()
	h.Write([]byte("model=" + model + "\n"))
	h.Write([]byte("tools=" + strings.Join(names, ",") + "\n"))
	h.Write([]byte("policy=" + policy + "\n"))
	return hex.EncodeToString(h.Sum(nil))[:16]
}
