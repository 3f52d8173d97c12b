// Package chunker splits a source document into ordered chunks along
// paragraph and sentence boundaries. Chunking is stable: identical input
// yields identical chunks.
package chunker

import (
	"regexp"
	"strings"

	"reweave/internal/textutil"
)

// Chunk is one ordered slice of the source document.
type Chunk struct {
	Text      string `json:"text"`
	WordCount int    `json:"word_count"`
}

// MinChunkWords is the hard floor: no chunk is smaller unless the whole
// input is.
const MinChunkWords = 200

var (
	reParaBreak = regexp.MustCompile(`\n\s*\n`)
	reSentence  = regexp.MustCompile(`[^.!?]+[.!?]+(?:["')\]]+)?\s*|[^.!?]+$`)
)

// Split divides text into chunks of roughly targetWords input words each.
// Paragraph boundaries are preferred; paragraphs larger than the hard
// ceiling (2x target) are split at sentence boundaries. A trailing runt
// below MinChunkWords is merged into its predecessor.
func Split(text string, targetWords int) []Chunk {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if targetWords < MinChunkWords {
		targetWords = MinChunkWords
	}
	ceiling := 2 * targetWords

	total := textutil.CountWords(text)
	if total <= targetWords || total < 2*MinChunkWords {
		return []Chunk{{Text: text, WordCount: total}}
	}

	var units []string
	for _, para := range reParaBreak.Split(text, -1) {
		para = strings.TrimSpace(para)
		if para == "" {
			continue
		}
		if textutil.CountWords(para) > ceiling {
			units = append(units, splitSentences(para, targetWords)...)
		} else {
			units = append(units, para)
		}
	}

	var chunks []Chunk
	var buf []string
	bufWords := 0

	flush := func() {
		if bufWords == 0 {
			return
		}
		joined := strings.Join(buf, "\n\n")
		chunks = append(chunks, Chunk{Text: joined, WordCount: textutil.CountWords(joined)})
		buf = buf[:0]
		bufWords = 0
	}

	for _, unit := range units {
		w := textutil.CountWords(unit)
		if bufWords > 0 && bufWords+w > targetWords {
			// Close the chunk at the nearer side of the target.
			if bufWords >= MinChunkWords || bufWords+w > ceiling {
				flush()
			}
		}
		buf = append(buf, unit)
		bufWords += w
	}
	flush()

	// Merge a trailing runt into its predecessor.
	if n := len(chunks); n >= 2 && chunks[n-1].WordCount < MinChunkWords {
		merged := chunks[n-2].Text + "\n\n" + chunks[n-1].Text
		chunks[n-2] = Chunk{Text: merged, WordCount: textutil.CountWords(merged)}
		chunks = chunks[:n-1]
	}

	return chunks
}

// SplitN divides text into exactly the requested number of chunks when the
// input allows it, by targeting total/n words per chunk. The pipeline uses
// this so the chunk count matches the job's length config.
func SplitN(text string, n int) []Chunk {
	total := textutil.CountWords(text)
	if n < 1 {
		n = 1
	}
	target := total / n
	if target < 1 {
		target = 1
	}
	chunks := Split(text, target)

	// Greedily merge smallest neighbors if we overshot the requested count.
	for len(chunks) > n {
		idx := smallestPairIndex(chunks)
		merged := chunks[idx].Text + "\n\n" + chunks[idx+1].Text
		chunks[idx] = Chunk{Text: merged, WordCount: textutil.CountWords(merged)}
		chunks = append(chunks[:idx+1], chunks[idx+2:]...)
	}
	return chunks
}

func smallestPairIndex(chunks []Chunk) int {
	best, bestSum := 0, int(^uint(0)>>1)
	for i := 0; i+1 < len(chunks); i++ {
		if sum := chunks[i].WordCount + chunks[i+1].WordCount; sum < bestSum {
			best, bestSum = i, sum
		}
	}
	return best
}

// splitSentences breaks an oversized paragraph into sentence groups of at
// most targetWords words each. A "sentence" that alone exceeds the hard
// ceiling (text with no sentence punctuation at all) is hard-split at word
// boundaries instead.
func splitSentences(para string, targetWords int) []string {
	ceiling := 2 * targetWords
	sentences := reSentence.FindAllString(para, -1)
	if len(sentences) == 0 {
		sentences = []string{para}
	}

	var groups []string
	var buf []string
	bufWords := 0
	flush := func() {
		if bufWords > 0 {
			groups = append(groups, strings.TrimSpace(strings.Join(buf, " ")))
			buf = buf[:0]
			bufWords = 0
		}
	}
	for _, sent := range sentences {
		w := textutil.CountWords(sent)
		if w > ceiling {
			flush()
			groups = append(groups, splitWords(sent, targetWords)...)
			continue
		}
		if bufWords > 0 && bufWords+w > targetWords {
			flush()
		}
		buf = append(buf, strings.TrimSpace(sent))
		bufWords += w
	}
	flush()
	return groups
}

// splitWords slices text into runs of at most targetWords words.
func splitWords(text string, targetWords int) []string {
	words := strings.Fields(text)
	var out []string
	for start := 0; start < len(words); start += targetWords {
		end := start + targetWords
		if end > len(words) {
			end = len(words)
		}
		out = append(out, strings.Join(words[start:end], " "))
	}
	return out
}
