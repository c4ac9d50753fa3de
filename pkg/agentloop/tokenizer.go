package agentloop

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// tokenizer lazily loads the cl100k_base encoding once per process and
// counts tokens for the prompt-budget shrink pass (spec.md §4.5 step 4:
// "shrink to fit the configured prompt-character budget"). If the
// encoding can't be loaded (no network access to fetch its BPE ranks),
// countTokens falls back to a conservative 4-chars-per-token estimate
// rather than failing the agent loop over an accounting detail.
var (
	tokenizerOnce sync.Once
	tokenizerEnc  *tiktoken.Tiktoken
)

func loadTokenizer() *tiktoken.Tiktoken {
	tokenizerOnce.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err == nil {
			tokenizerEnc = enc
		}
	})
	return tokenizerEnc
}

// countTokens returns the token count of s per the cl100k_base encoding,
// or a 4-chars-per-token estimate if the encoding isn't available.
func countTokens(s string) int {
	if enc := loadTokenizer(); enc != nil {
		return len(enc.Encode(s, nil, nil))
	}
	return (len(s) + 3) / 4
}
