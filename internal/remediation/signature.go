package remediation

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"github.com/forgeline/jobsync/pkg/types"
)

// Signature digests an error batch by content. Order and duplicates within
// the batch do not matter. An empty batch has the empty signature.
func Signature(batch []types.EnvError) string {
	if len(batch) == 0 {
		return ""
	}

	seen := make(map[string]struct{}, len(batch))
	tuples := make([]string, 0, len(batch))
	for _, e := range batch {
		t := fmt.Sprintf("%s|%s|%s:%d:%d", e.Type, strings.TrimSpace(e.Message), e.File, e.Line, e.Column)
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		tuples = append(tuples, t)
	}
	sort.Strings(tuples)

	sum := sha256.Sum256([]byte(strings.Join(tuples, "\n")))
	return hex.EncodeToString(sum[:])
}
