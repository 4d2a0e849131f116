package steps

import (
	"strings"
)

// Chunk splits text into partitions of at most maxWords words. Paragraphs are
// kept together when they fit; consecutive partitions share overlap words.
func Chunk(text string, maxWords, overlap int) []string {
	if maxWords <= 0 {
		maxWords = 300
	}
	if overlap < 0 || overlap >= maxWords {
		overlap = 0
	}

	var chunks []string
	var current []string // paragraphs of the chunk being built
	words := 0

	flush := func() {
		if len(current) == 0 {
			return
		}
		chunk := strings.Join(current, "\n\n")
		chunks = append(chunks, chunk)
		current, words = nil, 0
		if overlap > 0 {
			fields := strings.Fields(chunk)
			if len(fields) > overlap {
				tail := fields[len(fields)-overlap:]
				current = []string{strings.Join(tail, " ")}
				words = len(tail)
			}
		}
	}

	for _, para := range paragraphs(text) {
		fields := strings.Fields(para)
		if words+len(fields) <= maxWords {
			current = append(current, para)
			words += len(fields)
			continue
		}
		flush()
		if words+len(fields) <= maxWords {
			current = append(current, para)
			words += len(fields)
			continue
		}
		// paragraph larger than a partition: cut it in windows
		for len(fields) > 0 {
			room := maxWords - words
			n := min(room, len(fields))
			current = append(current, strings.Join(fields[:n], " "))
			words += n
			fields = fields[n:]
			if len(fields) > 0 {
				flush()
			}
		}
	}

	// a trailing chunk made only of overlap repeats the previous one
	if len(current) > 0 && (len(chunks) == 0 || words > overlapWords(chunks, overlap)) {
		chunks = append(chunks, strings.Join(current, "\n\n"))
	}
	return chunks
}

func overlapWords(chunks []string, overlap int) int {
	if overlap == 0 {
		return 0
	}
	return min(overlap, len(strings.Fields(chunks[len(chunks)-1])))
}

func paragraphs(text string) []string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	var out []string
	for _, p := range strings.Split(text, "\n\n") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
