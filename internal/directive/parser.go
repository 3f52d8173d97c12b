// Package directive parses free-form user instructions into a structured
// generation plan: target size, chapter structure, citation and style
// constraints. Parsing is deterministic and never fails; malformed input
// yields an empty plan and downstream defaults take over.
package directive

import (
	"regexp"
	"strconv"
	"strings"

	"reweave/internal/textutil"
)

// Section is one planned output section. WordCount 0 means "to be
// distributed" from the remaining budget.
type Section struct {
	Name      string `json:"name"`
	WordCount int    `json:"word_count"`
}

// CitationSpec describes a citation constraint extracted from a directive.
type CitationSpec struct {
	Type      string `json:"type"`                // apa, mla, chicago, harvard, academic
	Count     int    `json:"count"`               // 0 = unspecified
	Timeframe string `json:"timeframe,omitempty"` // e.g. "last 10 years"
}

// Plan is the structured result of parsing a directive.
type Plan struct {
	TargetWordCount         int           `json:"target_word_count"` // 0 = unspecified
	Structure               []Section     `json:"structure"`
	Citations               *CitationSpec `json:"citations,omitempty"`
	AcademicRegister        bool          `json:"academic_register"`
	NoBulletPoints          bool          `json:"no_bullet_points"`
	InternalSubsections     bool          `json:"internal_subsections"`
	LiteratureReview        bool          `json:"literature_review"`
	PhilosophersToReference []string      `json:"philosophers_to_reference,omitempty"`
}

// IsEmpty reports whether the plan carries no recognized constraints.
func (p Plan) IsEmpty() bool {
	return p.TargetWordCount == 0 && len(p.Structure) == 0 && p.Citations == nil &&
		!p.AcademicRegister && !p.NoBulletPoints && !p.InternalSubsections &&
		!p.LiteratureReview && len(p.PhilosophersToReference) == 0
}

// canonicalSections maps common abbreviations to canonical section names.
var canonicalSections = map[string]string{
	"intro":        "Introduction",
	"introduction": "Introduction",
	"lit review":   "Literature Review",
	"lit. review":  "Literature Review",
	"litreview":    "Literature Review",
	"literature review": "Literature Review",
	"concl":      "Conclusion",
	"conclusion": "Conclusion",
	"meth":        "Methodology",
	"methods":     "Methodology",
	"methodology": "Methodology",
	"discussion":  "Discussion",
	"analysis":    "Analysis",
	"abstract":    "Abstract",
	"results":     "Results",
	"background":  "Background",
}

// defaultDissertationStructure is used when a directive names an academic
// target size but no explicit chapters. Word counts are distributed later.
var defaultDissertationStructure = []string{
	"Introduction",
	"Literature Review",
	"Theoretical Framework",
	"Methodology",
	"Analysis",
	"Discussion",
	"Implications",
	"Conclusion",
}

var (
	reSectionLine = regexp.MustCompile(`(?i)^\s*(?:chapter|section|part|ch\.?)\s+([0-9]+|[ivxlcdm]+)\s*[:.\-]?\s*(.*)$`)
	reTrailWords  = regexp.MustCompile(`(?i)[\s(\[]*(\d[\d,]*|\d+(?:\.\d+)?\s*k)\s*(?:words?)?[)\]]*\s*$`)
	reKilo        = regexp.MustCompile(`(?i)^(\d+(?:\.\d+)?)\s*k$`)
	reCiteCount   = regexp.MustCompile(`(?i)\b(\d+)\+?\s*(?:citations?|references?|sources?)\b`)
	reCiteStyle   = regexp.MustCompile(`(?i)\b(apa|mla|chicago|harvard)\b`)
	reTimeframe   = regexp.MustCompile(`(?i)\b(?:from\s+the\s+|within\s+the\s+)?last\s+(\d+)\s+years?\b`)
	// Case folding is limited to the lead verbs; the name capture stays
	// uppercase-anchored so lowercase prose never reads as a name.
	rePhilosopherLead = regexp.MustCompile(`\b(?i:referencing|reference|citing|cite|drawing\s+on|engaging\s+with|engage\s+with)\s+((?:[A-Z][\w'\-]+(?:,\s*|\s+and\s+|\s*&\s*))*[A-Z][\w'\-]+)`)
)

// Parse converts a free-form instruction into a Plan. Identical input
// always yields an identical plan; unparseable input yields an empty plan.
func Parse(instr string) Plan {
	var plan Plan
	s := strings.TrimSpace(instr)
	if s == "" {
		return plan
	}
	lower := strings.ToLower(s)

	if r, ok := textutil.ParseTargetLength(s); ok {
		plan.TargetWordCount = r.Mid()
	}

	plan.Structure = parseStructure(s)
	plan.Citations = parseCitations(s)

	plan.AcademicRegister = containsAny(lower, "academic", "scholarly", "formal register", "rigorous prose")
	plan.NoBulletPoints = containsAny(lower, "no bullet", "without bullet", "no bullets", "avoid bullet")
	plan.InternalSubsections = containsAny(lower, "subsection", "sub-section", "internal sections")
	plan.LiteratureReview = strings.Contains(lower, "literature review") || strings.Contains(lower, "lit review")

	plan.PhilosophersToReference = parsePhilosophers(s)

	// An academic target with no explicit chapters gets the default outline.
	if len(plan.Structure) == 0 && plan.TargetWordCount > 0 &&
		containsAny(lower, "dissertation", "thesis", "phd", "monograph") {
		for _, name := range defaultDissertationStructure {
			plan.Structure = append(plan.Structure, Section{Name: name})
		}
	}

	return plan
}

// parseStructure scans the directive for chapter/section declarations.
// Declarations may arrive one per line, or comma/semicolon separated.
func parseStructure(s string) []Section {
	var out []Section
	seen := make(map[string]bool)

	add := func(name string, words int) {
		name = canonicalName(name)
		if name == "" {
			return
		}
		key := prefixKey(name)
		if seen[key] {
			return // first occurrence wins
		}
		seen[key] = true
		out = append(out, Section{Name: name, WordCount: words})
	}

	for _, segment := range splitSegments(s) {
		m := reSectionLine.FindStringSubmatch(segment)
		var body string
		if m != nil {
			body = strings.TrimSpace(m[2])
			if body == "" {
				continue
			}
		} else if isKnownSection(segment) {
			body = segment
		} else {
			continue
		}

		words := 0
		if wm := reTrailWords.FindStringSubmatch(body); wm != nil {
			if n, ok := parseCount(wm[1]); ok {
				words = n
				body = strings.TrimSpace(body[:len(body)-len(wm[0])])
			}
		}
		if body == "" {
			continue
		}
		add(body, words)
	}
	return out
}

// splitSegments breaks a directive into candidate section declarations.
func splitSegments(s string) []string {
	var segs []string
	for _, line := range strings.Split(s, "\n") {
		for _, part := range strings.FieldsFunc(line, func(r rune) bool { return r == ';' || r == ',' }) {
			part = strings.TrimSpace(part)
			if part != "" {
				segs = append(segs, part)
			}
		}
	}
	return segs
}

// isKnownSection reports whether a bare segment (no "Chapter N" marker)
// names a recognized section, possibly with a trailing word count.
func isKnownSection(segment string) bool {
	body := segment
	if wm := reTrailWords.FindStringSubmatch(body); wm != nil {
		body = strings.TrimSpace(body[:len(body)-len(wm[0])])
	}
	_, ok := canonicalSections[strings.ToLower(strings.TrimSpace(body))]
	return ok
}

// canonicalName normalizes abbreviations and title-cases unknown names.
func canonicalName(raw string) string {
	trimmed := strings.TrimSpace(strings.Trim(raw, ".:-"))
	if trimmed == "" {
		return ""
	}
	if canon, ok := canonicalSections[strings.ToLower(trimmed)]; ok {
		return canon
	}
	return titleCase(trimmed)
}

func titleCase(s string) string {
	words := strings.Fields(s)
	for i, w := range words {
		if len(w) > 0 {
			words[i] = strings.ToUpper(w[:1]) + w[1:]
		}
	}
	return strings.Join(words, " ")
}

// prefixKey is the merge key for duplicate sections: the first 15
// characters of the lowercased canonical name.
func prefixKey(name string) string {
	k := strings.ToLower(name)
	if len(k) > 15 {
		k = k[:15]
	}
	return k
}

// parseCount parses "2500", "2,500" or "2.5k" into a word count.
func parseCount(s string) (int, bool) {
	s = strings.TrimSpace(s)
	if m := reKilo.FindStringSubmatch(s); m != nil {
		f, err := strconv.ParseFloat(m[1], 64)
		if err != nil {
			return 0, false
		}
		return int(f * 1000), true
	}
	n, err := strconv.Atoi(strings.ReplaceAll(s, ",", ""))
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}

func parseCitations(s string) *CitationSpec {
	lower := strings.ToLower(s)
	hasMention := containsAny(lower, "citation", "references", "sources", "cite")
	if !hasMention {
		return nil
	}

	spec := &CitationSpec{Type: "academic"}
	if m := reCiteStyle.FindStringSubmatch(s); m != nil {
		spec.Type = strings.ToLower(m[1])
	}
	if m := reCiteCount.FindStringSubmatch(s); m != nil {
		if n, err := strconv.Atoi(m[1]); err == nil {
			spec.Count = n
		}
	}
	if m := reTimeframe.FindStringSubmatch(s); m != nil {
		spec.Timeframe = "last " + m[1] + " years"
	}

	// A bare "cite" with no count, style, or timeframe is too ambiguous.
	if spec.Count == 0 && spec.Type == "academic" && spec.Timeframe == "" {
		return nil
	}
	return spec
}

func parsePhilosophers(s string) []string {
	m := rePhilosopherLead.FindStringSubmatch(s)
	if m == nil {
		return nil
	}
	var names []string
	seen := make(map[string]bool)
	raw := regexp.MustCompile(`\s+and\s+|\s*&\s*|,\s*`).Split(m[1], -1)
	for _, n := range raw {
		n = strings.TrimSpace(n)
		if n == "" || seen[strings.ToLower(n)] {
			continue
		}
		seen[strings.ToLower(n)] = true
		names = append(names, n)
	}
	return names
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
