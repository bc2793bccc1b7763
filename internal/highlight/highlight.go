// Package highlight supplies the two small collaborators spec §1/§6
// treats as opaque: a LanguageDetector and a Highlighter. The detector is
// a real implementation (language classification is squarely in scope for
// DetectFileLanguages, spec §4.2.5); the Highlighter itself stays a thin
// interface boundary, since the actual highlighting engine is explicitly
// out of scope (spec §1 "Out of scope... the syntax highlighter engine
// itself").
package highlight

import (
	"context"
	"path"

	"github.com/src-d/enry/v2"
)

// Detector classifies a blob's language via enry, the same library the
// teacher uses for its own language-detection pipeline item
// (internal/plumbing/languages.go's enry.GetLanguage call).
type Detector struct{}

// DetectLanguage implements jobs.LanguageDetector.
func (Detector) DetectLanguage(ctx context.Context, filePath string, blob []byte) (*string, error) {
	lang := enry.GetLanguage(path.Base(filePath), blob)
	if lang == "" {
		return nil, nil
	}
	return &lang, nil
}

// Token is one highlighted span: a CSS-class-like scope name over a
// byte range of the original blob. The real highlighter engine's output
// shape is out of scope; this is only detailed enough to exercise the
// interface boundary in tests.
type Token struct {
	Scope string
	Start int
	End   int
}

// PassthroughHighlighter is a minimal Highlighter (spec §6) that treats
// the whole blob as one untyped token per line. It exists so
// SyntaxHighlightFile has something real to call in tests and in a
// from-source deployment that hasn't wired an actual highlighting engine;
// production deployments are expected to supply their own Highlighter
// backed by the real engine.
type PassthroughHighlighter struct{}

// Highlight implements jobs.Highlighter.
func (PassthroughHighlighter) Highlight(ctx context.Context, blob []byte, language string, conflicts bool, encodings []string) ([]byte, error) {
	start := 0
	var tokens []Token
	for i, b := range blob {
		if b == '\n' {
			tokens = append(tokens, Token{Scope: "line", Start: start, End: i + 1})
			start = i + 1
		}
	}
	if start < len(blob) {
		tokens = append(tokens, Token{Scope: "line", Start: start, End: len(blob)})
	}
	return encodeTokens(tokens), nil
}

// encodeTokens is a placeholder wire format (start:end:scope per line,
// newline-joined) standing in for whatever the real highlighter engine
// emits; SyntaxHighlightFile only cares that Highlight succeeds and
// returns bytes to persist, per spec §6.
func encodeTokens(tokens []Token) []byte {
	out := make([]byte, 0, len(tokens)*8)
	for _, t := range tokens {
		out = append(out, []byte(t.Scope)...)
		out = append(out, '\n')
	}
	return out
}
