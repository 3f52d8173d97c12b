// Package textutil provides word counting, target-length parsing, and
// length-configuration math for the reconstruction pipeline.
package textutil

import (
	"math"
	"regexp"
	"strconv"
	"strings"
)

// LengthMode classifies the relationship between input and target size.
type LengthMode string

const (
	ModeCompress LengthMode = "compress"
	ModePreserve LengthMode = "preserve"
	ModeExpand   LengthMode = "expand"
	ModeCustom   LengthMode = "custom"
)

// Per-chunk output targets are clamped to this band. Below 600 words a chunk
// is not worth a dedicated LLM round-trip; above 4000 providers truncate.
const (
	MinChunkTarget = 600
	MaxChunkTarget = 4000
)

// Default sizes implied by academic keywords.
const (
	dissertationWords = 40000
	thesisWords       = 20000
)

// CountWords returns the number of whitespace-separated non-empty tokens.
func CountWords(s string) int {
	return len(strings.Fields(s))
}

// TargetRange is a parsed length directive. Min == Max for a single target.
// Explicit reports whether the range came from an explicit N-M span rather
// than a single number or keyword.
type TargetRange struct {
	Min      int
	Max      int
	Explicit bool
}

// Mid returns the midpoint of the range.
func (r TargetRange) Mid() int {
	return (r.Min + r.Max) / 2
}

var (
	reRangeWords  = regexp.MustCompile(`(?i)\b(\d[\d,]*)\s*(?:-|–|—|\bto\b)\s*(\d[\d,]*)\s*words?\b`)
	reNumberWords = regexp.MustCompile(`(?i)\b(\d[\d,]*)[\s-]*words?\b`)
	reKiloSuffix  = regexp.MustCompile(`(?i)\b(\d+(?:\.\d+)?)\s*k\b`)
	reBareNumber  = regexp.MustCompile(`\b(\d[\d,]*)\b`)
)

// ParseTargetLength extracts a target word count (or range) from a free-form
// instruction. It returns ok=false when no target can be determined; callers
// fall back to a preserve-length default. The parser never fails on
// malformed input.
//
// Recognized forms: "20k", "2.5K", "3,500 words", "8000-12000 words",
// and the academic keywords dissertation/PhD (>=40k) and thesis/master's
// (>=20k). A number attached to a plural noun ("write a 90000 word
// dissertation") is taken literally; a bare number under 500 next to a
// thesis keyword is read as thousands.
func ParseTargetLength(instr string) (TargetRange, bool) {
	s := strings.TrimSpace(instr)
	if s == "" {
		return TargetRange{}, false
	}
	lower := strings.ToLower(s)

	isDissertation := strings.Contains(lower, "dissertation") || strings.Contains(lower, "phd")
	isThesis := strings.Contains(lower, "thesis") || strings.Contains(lower, "master's") || strings.Contains(lower, "masters")

	// Explicit range: "8000-12000 words".
	if m := reRangeWords.FindStringSubmatch(s); m != nil {
		lo, err1 := parseGroupedInt(m[1])
		hi, err2 := parseGroupedInt(m[2])
		if err1 == nil && err2 == nil && lo > 0 && hi >= lo {
			return TargetRange{Min: lo, Max: hi, Explicit: true}, true
		}
	}

	// "N words" with the number taken literally, even next to keywords.
	if m := reNumberWords.FindStringSubmatch(s); m != nil {
		if n, err := parseGroupedInt(m[1]); err == nil && n > 0 {
			n = applyKeywordFloor(n, isDissertation, isThesis)
			return TargetRange{Min: n, Max: n}, true
		}
	}

	// Shorthand: "20k", "2.5K".
	if m := reKiloSuffix.FindStringSubmatch(s); m != nil {
		if f, err := strconv.ParseFloat(m[1], 64); err == nil && f > 0 {
			n := int(math.Round(f * 1000))
			n = applyKeywordFloor(n, isDissertation, isThesis)
			return TargetRange{Min: n, Max: n}, true
		}
	}

	// Bare number near a thesis keyword: "a 40 thesis" means 40k.
	if isDissertation || isThesis {
		if m := reBareNumber.FindStringSubmatch(s); m != nil {
			if n, err := parseGroupedInt(m[1]); err == nil && n > 0 {
				if n < 500 {
					n *= 1000
				}
				n = applyKeywordFloor(n, isDissertation, isThesis)
				return TargetRange{Min: n, Max: n}, true
			}
		}
		// Keyword alone implies its default size.
		n := thesisWords
		if isDissertation {
			n = dissertationWords
		}
		return TargetRange{Min: n, Max: n}, true
	}

	return TargetRange{}, false
}

// applyKeywordFloor raises n to the keyword-implied minimum, but only when
// the stated number is itself below the floor and clearly not literal intent
// (a literal "90000 word dissertation" stays 90000).
func applyKeywordFloor(n int, dissertation, thesis bool) int {
	if dissertation && n < dissertationWords && n < 1000 {
		return dissertationWords
	}
	if thesis && n < thesisWords && n < 1000 {
		return thesisWords
	}
	return n
}

func parseGroupedInt(s string) (int, error) {
	return strconv.Atoi(strings.ReplaceAll(s, ",", ""))
}

// LengthConfig is the derived sizing plan for a job.
type LengthConfig struct {
	TargetMin   int        `json:"target_min"`
	TargetMax   int        `json:"target_max"`
	TargetMid   int        `json:"target_mid"`
	Ratio       float64    `json:"ratio"`
	Mode        LengthMode `json:"mode"`
	ChunkTarget int        `json:"chunk_target"`
	NumChunks   int        `json:"num_chunks"`
}

// CalculateLengthConfig derives the job sizing plan from the input word
// count, optional explicit bounds, and a free-form instruction. Explicit
// min/max win over the instruction; zero bounds mean "parse the
// instruction, else preserve input length".
func CalculateLengthConfig(inputWords, minWords, maxWords int, instr string) LengthConfig {
	if inputWords < 1 {
		inputWords = 1
	}

	explicit := minWords > 0 && maxWords >= minWords
	custom := explicit
	if !explicit {
		if r, ok := ParseTargetLength(instr); ok {
			if r.Explicit {
				minWords, maxWords = r.Min, r.Max
				custom = true
			} else {
				// Single target gets a +/-10% working band.
				minWords = int(math.Round(float64(r.Mid()) * 0.9))
				maxWords = int(math.Round(float64(r.Mid()) * 1.1))
			}
		} else {
			minWords = int(math.Round(float64(inputWords) * 0.9))
			maxWords = int(math.Round(float64(inputWords) * 1.1))
		}
	}

	mid := (minWords + maxWords) / 2
	if mid < 1 {
		mid = 1
	}
	ratio := float64(mid) / float64(inputWords)

	mode := classifyMode(ratio)
	if custom {
		mode = ModeCustom
	}

	numChunks := deriveNumChunks(inputWords, mid)
	chunkTarget := clampInt(int(math.Round(float64(inputWords)*ratio/float64(numChunks))), MinChunkTarget, MaxChunkTarget)

	return LengthConfig{
		TargetMin:   minWords,
		TargetMax:   maxWords,
		TargetMid:   mid,
		Ratio:       ratio,
		Mode:        mode,
		ChunkTarget: chunkTarget,
		NumChunks:   numChunks,
	}
}

func classifyMode(ratio float64) LengthMode {
	switch {
	case ratio < 0.9:
		return ModeCompress
	case ratio > 1.1:
		return ModeExpand
	default:
		return ModePreserve
	}
}

// deriveNumChunks picks a chunk count that keeps input slices near 1000
// words while guaranteeing the output target is reachable under the
// per-chunk output ceiling.
func deriveNumChunks(inputWords, targetMid int) int {
	byInput := int(math.Round(float64(inputWords) / 1000))
	byOutput := int(math.Ceil(float64(targetMid) / float64(MaxChunkTarget)))
	n := byInput
	if byOutput > n {
		n = byOutput
	}
	if n < 1 {
		n = 1
	}
	return n
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
