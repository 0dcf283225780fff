// Package tokens implements deterministic approximate token counting for a
// string, preferring a real cl100k_base BPE tokenizer and falling back to a
// char/4 heuristic (with a one-shot warning) when the tokenizer cannot be
// loaded.
//
// Grounded almost verbatim on internal/runtime/executor/token_helpers.go's
// tokenizerForModel/countOpenAIChatTokens happy path; the fallback heuristic
// is new — the teacher treats a tokenizer-load failure as a hard error
// because it always has the encoding data on disk, but a client SDK must
// degrade gracefully instead.
package tokens

import (
	"sync"

	log "github.com/sirupsen/logrus"
	"github.com/tiktoken-go/tokenizer"
)

var (
	warnOnce sync.Once
	codecMu  sync.Mutex
	codec    tokenizer.Codec
	codecErr error
	loaded   bool
)

func getCodec() (tokenizer.Codec, error) {
	codecMu.Lock()
	defer codecMu.Unlock()
	if !loaded {
		codec, codecErr = tokenizer.Get(tokenizer.Cl100kBase)
		loaded = true
	}
	return codec, codecErr
}

// EstimateTokens returns a deterministic approximate token count for text.
// model is accepted for forward compatibility but currently unused.
func EstimateTokens(text string, model string) int {
	_ = model
	if text == "" {
		return 0
	}
	if enc, err := getCodec(); err == nil {
		if count, cerr := enc.Count(text); cerr == nil {
			return count
		}
	}
	warnOnce.Do(func() {
		log.Warn("novaai/tokens: no bundled tokenizer available, falling back to a character-count heuristic; callers needing exact counts should supply a tokenizer")
	})
	return fallbackCount(text)
}

// fallbackCount is a pure, deterministic heuristic:
// max(1, floor(len(text)/4)) for non-empty strings.
func fallbackCount(text string) int {
	n := len(text)
	if n == 0 {
		return 0
	}
	count := n / 4
	if count < 1 {
		count = 1
	}
	return count
}
