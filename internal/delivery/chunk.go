package delivery

import (
	"strings"
	"unicode/utf8"
)

// DefaultMaxChunkLen is the largest message sent in one provider call.
const DefaultMaxChunkLen = 500

// Chunk splits text into provider-safe segments of at most maxLen
// characters (runes).
//
// Text that already fits is returned untouched as a single chunk. Otherwise
// paragraphs ("\n\n") are packed greedily; a paragraph that alone exceeds
// maxLen is packed line by line, and a line that alone exceeds maxLen is cut
// at the last space before the limit. Chunks are trimmed and empty chunks
// dropped.
func Chunk(text string, maxLen int) []string {
	if maxLen <= 0 {
		maxLen = DefaultMaxChunkLen
	}
	if utf8.RuneCountInString(text) <= maxLen {
		return []string{text}
	}

	var (
		chunks []string
		cur    strings.Builder
		curLen int
	)
	emit := func(s string) {
		if s = strings.TrimSpace(s); s != "" {
			chunks = append(chunks, s)
		}
	}
	flush := func() {
		emit(cur.String())
		cur.Reset()
		curLen = 0
	}
	write := func(s, sep string) {
		cur.WriteString(s)
		cur.WriteString(sep)
		curLen += utf8.RuneCountInString(s) + len(sep)
	}

	for _, p := range strings.Split(text, "\n\n") {
		pLen := utf8.RuneCountInString(p)
		switch {
		case pLen > maxLen:
			flush()
			for _, line := range strings.Split(p, "\n") {
				if utf8.RuneCountInString(line) > maxLen {
					flush()
					pieces := hardSplit(line, maxLen)
					for _, piece := range pieces[:len(pieces)-1] {
						emit(piece)
					}
					line = pieces[len(pieces)-1]
				}
				if curLen+utf8.RuneCountInString(line)+1 > maxLen {
					flush()
				}
				write(line, "\n")
			}
		case curLen+pLen+2 <= maxLen:
			write(p, "\n\n")
		default:
			flush()
			write(p, "\n\n")
		}
	}
	flush()
	return chunks
}

// hardSplit cuts s into pieces of at most maxLen runes, preferring the last
// space before the limit.
func hardSplit(s string, maxLen int) []string {
	var out []string
	for utf8.RuneCountInString(s) > maxLen {
		cut := runeOffset(s, maxLen)
		if i := strings.LastIndexByte(s[:cut], ' '); i > 0 {
			cut = i
		}
		out = append(out, s[:cut])
		s = strings.TrimLeft(s[cut:], " ")
	}
	return append(out, s)
}

// runeOffset returns the byte index just past the first n runes of s.
func runeOffset(s string, n int) int {
	count := 0
	for i := range s {
		if count == n {
			return i
		}
		count++
	}
	return len(s)
}
