package snippet

import (
	"fmt"
	"regexp"
	"strings"
)

const (
	// defaultMaxSourceBytes bounds generated snippet size, per spec §4.8's
	// call for a byte-size cap before a snippet is handed to a sandbox.
	defaultMaxSourceBytes = 262144
)

var (
	fencePattern      = regexp.MustCompile("(?s)```[a-zA-Z]*\\n(.*?)```")
	packagePattern    = regexp.MustCompile(`\bpackage\s+([A-Za-z_][\w.]*)\s*;`)
	publicClassPattern = regexp.MustCompile(`\bpublic\s+(?:final\s+|abstract\s+)?class\s+([A-Za-z_]\w*)`)
)

// knownSymbolImports maps bare symbol names the model commonly emits
// without a qualifying import to the import path that resolves them. The
// table is only consulted through ResolveKnownImport; no normalization
// step inserts missing imports into a snippet.
var knownSymbolImports = map[string]string{
	"List":       "java.util.List",
	"ArrayList":  "java.util.ArrayList",
	"Map":        "java.util.Map",
	"HashMap":    "java.util.HashMap",
	"Optional":   "java.util.Optional",
	"Collectors": "java.util.stream.Collectors",
}

// StripCodeFence removes a single leading/trailing Markdown code fence from
// an LLM-generated snippet, if present. Models frequently wrap generated
// code in ```lang fences despite prompt instructions not to; rather than
// reject those responses, normalization strips the fence before the
// snippet reaches Compile.
func StripCodeFence(src string) string {
	trimmed := strings.TrimSpace(src)
	if m := fencePattern.FindStringSubmatch(trimmed); m != nil {
		return strings.TrimSpace(m[1])
	}
	return trimmed
}

// ExtractPackage returns the declared package name, if any.
func ExtractPackage(src string) (string, bool) {
	m := packagePattern.FindStringSubmatch(src)
	if m == nil {
		return "", false
	}
	return m[1], true
}

// ExtractPublicClass returns the declared public class name, if any.
func ExtractPublicClass(src string) (string, bool) {
	m := publicClassPattern.FindStringSubmatch(src)
	if m == nil {
		return "", false
	}
	return m[1], true
}

// ResolveKnownImport returns the import path for a known bare symbol, if
// one is registered.
func ResolveKnownImport(symbol string) (string, bool) {
	path, ok := knownSymbolImports[symbol]
	return path, ok
}

// Normalize applies the text-level normalization policies from spec §4.8
// to a raw LLM-generated snippet: strip code fences, enforce the byte-size
// cap, and return a *CompileFailed diagnostic (not a generic error) when
// the cap is exceeded, since the step retry machine treats CompileFailed
// specially. Package and class handling is left to the caller via
// ExtractPackage, ExtractPublicClass and DefaultNamespace.
func Normalize(raw string, maxBytes int) (string, error) {
	if maxBytes <= 0 {
		maxBytes = defaultMaxSourceBytes
	}
	src := StripCodeFence(raw)
	if len(src) > maxBytes {
		return "", &CompileFailed{Diagnostics: []Diagnostic{{
			Message: fmt.Sprintf("snippet exceeds maximum size of %d bytes (got %d)", maxBytes, len(src)),
		}}}
	}
	return src, nil
}

// DefaultNamespace derives the request-scoped namespace a SnippetRuntime
// uses to isolate one execution request's compiled artifacts from
// another's, resolving spec §9's open question: the default namespace is
// not global, it is derived per request as "core_req_<sanitized-request-id>".
func DefaultNamespace(requestID string) string {
	var b strings.Builder
	b.WriteString("core_req_")
	for _, r := range requestID {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}
