package pipeline

import "strings"

const (
	thinkOpen  = "<think>"
	thinkClose = "</think>"
)

// StripThink removes <think>...</think> spans from a reply with a small
// state machine over the character stream. Only the text outside think
// spans survives; an unterminated span swallows the rest of the input.
// The stripped form is what reaches short-term history and the memory
// writer; callers still receive the raw reply.
func StripThink(s string) string {
	if !strings.Contains(s, thinkOpen) {
		return strings.TrimSpace(s)
	}

	var b strings.Builder
	inThink := false
	i := 0
	for i < len(s) {
		if !inThink {
			if strings.HasPrefix(s[i:], thinkOpen) {
				inThink = true
				i += len(thinkOpen)
				continue
			}
			b.WriteByte(s[i])
			i++
		} else {
			if strings.HasPrefix(s[i:], thinkClose) {
				inThink = false
				i += len(thinkClose)
				continue
			}
			i++
		}
	}
	return strings.TrimSpace(b.String())
}
