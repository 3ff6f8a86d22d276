package plan

import (
	"strings"
	"unicode/utf8"
)

// Objectives shorter than this (in runes) with no action keyword or path
// token are treated as conversation, not work.
const minActionableRunes = 20

var greetings = map[string]struct{}{
	"hi": {}, "hello": {}, "hey": {}, "yo": {}, "sup": {},
	"thanks": {}, "thank you": {}, "ok": {}, "okay": {},
	"good morning": {}, "good evening": {}, "how are you": {},
}

var actionKeywords = []string{
	"implement", "build", "create", "add", "fix", "refactor", "write",
	"update", "remove", "delete", "rename", "migrate", "optimize",
	"test", "debug", "document", "integrate", "deploy", "convert",
	"extract", "replace", "upgrade", "install", "configure", "generate",
}

// IsActionable reports whether an objective describes work worth planning.
// Pure greetings are rejected; anything naming an action or a file path is
// accepted; everything else is accepted only when long enough to carry
// intent.
func IsActionable(objective string) bool {
	s := strings.ToLower(strings.TrimSpace(objective))
	if s == "" {
		return false
	}
	if _, ok := greetings[strings.TrimRight(s, "!.?")]; ok {
		return false
	}
	for _, kw := range actionKeywords {
		if containsWord(s, kw) {
			return true
		}
	}
	if hasPathToken(s) {
		return true
	}
	return utf8.RuneCountInString(s) >= minActionableRunes
}

// containsWord matches kw on word boundaries so "fix" does not fire on
// "prefix".
func containsWord(s, kw string) bool {
	for idx := strings.Index(s, kw); idx >= 0; {
		before := idx == 0 || !isWordRune(s[idx-1])
		end := idx + len(kw)
		after := end == len(s) || !isWordRune(s[end])
		if before && after {
			return true
		}
		next := strings.Index(s[end:], kw)
		if next < 0 {
			return false
		}
		idx = end + next
	}
	return false
}

func isWordRune(b byte) bool {
	return b == '_' || (b >= 'a' && b <= 'z') || (b >= '0' && b <= '9')
}

// hasPathToken looks for something shaped like a file path: a token with a
// slash or a dot-extension.
func hasPathToken(s string) bool {
	for _, tok := range strings.Fields(s) {
		tok = strings.Trim(tok, `"'(),;:`)
		if strings.Contains(tok, "/") && len(tok) > 1 {
			return true
		}
		if dot := strings.LastIndex(tok, "."); dot > 0 && dot < len(tok)-1 {
			ext := tok[dot+1:]
			if len(ext) <= 5 && !strings.ContainsAny(ext, ".!?") {
				return true
			}
		}
	}
	return false
}
