package voiceapi

import (
	"strings"
	"sync"

	"github.com/neurosnap/sentences"
	"github.com/neurosnap/sentences/english"
)

var (
	tokenizerOnce sync.Once
	tokenizer     *sentences.DefaultSentenceTokenizer
	tokenizerErr  error
)

func sentenceTokenizer() (*sentences.DefaultSentenceTokenizer, error) {
	tokenizerOnce.Do(func() {
		tokenizer, tokenizerErr = english.NewSentenceTokenizer(nil)
	})
	return tokenizer, tokenizerErr
}

// SplitSentences splits reply text into synthesis chunks. Sentences are
// grouped until a chunk would exceed maxChars; a single longer sentence is
// kept whole. maxChars <= 0 yields one chunk per sentence.
func SplitSentences(text string, maxChars int) ([]string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, nil
	}
	tok, err := sentenceTokenizer()
	if err != nil {
		return nil, err
	}

	var chunks []string
	var b strings.Builder
	flush := func() {
		if s := strings.TrimSpace(b.String()); s != "" {
			chunks = append(chunks, s)
		}
		b.Reset()
	}

	for _, s := range tok.Tokenize(text) {
		sent := strings.TrimSpace(s.Text)
		if sent == "" {
			continue
		}
		if b.Len() > 0 && (maxChars <= 0 || b.Len()+1+len(sent) > maxChars) {
			flush()
		}
		if b.Len() > 0 {
			b.WriteString(" ")
		}
		b.WriteString(sent)
	}
	flush()
	return chunks, nil
}
