package directive

import (
	"reflect"
	"testing"
)

func TestParseEmptyAndMalformed(t *testing.T) {
	for _, in := range []string{"", "   ", "???!!!", "just make it nicer"} {
		plan := Parse(in)
		if !plan.IsEmpty() {
			t.Errorf("Parse(%q) = %+v, want empty plan", in, plan)
		}
	}
}

func TestParseDissertationDirective(t *testing.T) {
	plan := Parse("TURN THIS INTO A 20000 WORD DISSERTATION")
	if plan.TargetWordCount != 20000 {
		t.Errorf("target = %d, want 20000", plan.TargetWordCount)
	}
	if len(plan.Structure) != 8 {
		t.Fatalf("structure = %d sections, want 8 defaults", len(plan.Structure))
	}
	for _, s := range plan.Structure {
		if s.WordCount != 0 {
			t.Errorf("default section %q has wordCount %d, want 0 (to be distributed)", s.Name, s.WordCount)
		}
	}
	if plan.Structure[0].Name != "Introduction" || plan.Structure[7].Name != "Conclusion" {
		t.Errorf("unexpected default outline: %+v", plan.Structure)
	}
}

func TestParseExplicitChapters(t *testing.T) {
	in := "Chapter 1: Intro (1k)\nChapter II: Lit Review 2.5k\nChapter 3: Methodology, Chapter 4: Concl 1000 words"
	plan := Parse(in)
	want := []Section{
		{Name: "Introduction", WordCount: 1000},
		{Name: "Literature Review", WordCount: 2500},
		{Name: "Methodology", WordCount: 0},
		{Name: "Conclusion", WordCount: 1000},
	}
	if !reflect.DeepEqual(plan.Structure, want) {
		t.Errorf("structure = %+v, want %+v", plan.Structure, want)
	}
}

func TestParseDuplicateSectionsFirstWins(t *testing.T) {
	in := "Chapter 1: Introduction 2000 words\nChapter 2: Introduction 5000 words"
	plan := Parse(in)
	if len(plan.Structure) != 1 {
		t.Fatalf("structure = %d sections, want 1 after merge", len(plan.Structure))
	}
	if plan.Structure[0].WordCount != 2000 {
		t.Errorf("merged wordCount = %d, want first occurrence (2000)", plan.Structure[0].WordCount)
	}
}

func TestParseCitations(t *testing.T) {
	plan := Parse("use APA style with 40 citations from the last 10 years")
	if plan.Citations == nil {
		t.Fatal("citations = nil, want parsed spec")
	}
	if plan.Citations.Type != "apa" || plan.Citations.Count != 40 || plan.Citations.Timeframe != "last 10 years" {
		t.Errorf("citations = %+v", plan.Citations)
	}
}

func TestParseCitationsAmbiguousDropped(t *testing.T) {
	plan := Parse("be sure to cite things")
	if plan.Citations != nil {
		t.Errorf("citations = %+v, want nil for bare mention", plan.Citations)
	}
}

func TestParseFlags(t *testing.T) {
	plan := Parse("academic register, no bullet points, with internal subsections and a literature review")
	if !plan.AcademicRegister || !plan.NoBulletPoints || !plan.InternalSubsections || !plan.LiteratureReview {
		t.Errorf("flags = %+v", plan)
	}
}

func TestParsePhilosophers(t *testing.T) {
	plan := Parse("expand this drawing on Kant, Hegel and Heidegger")
	want := []string{"Kant", "Hegel", "Heidegger"}
	if !reflect.DeepEqual(plan.PhilosophersToReference, want) {
		t.Errorf("philosophers = %v, want %v", plan.PhilosophersToReference, want)
	}

	// An uppercase lead verb still works.
	plan = Parse("Citing Arendt throughout")
	if !reflect.DeepEqual(plan.PhilosophersToReference, []string{"Arendt"}) {
		t.Errorf("philosophers = %v, want [Arendt]", plan.PhilosophersToReference)
	}
}

func TestParsePhilosophersIgnoresLowercaseProse(t *testing.T) {
	// Lead verbs followed by ordinary words must not produce names.
	for _, in := range []string{
		"be sure to cite recent scholarship throughout",
		"write an essay referencing the literature",
		"expand this drawing on earlier material",
	} {
		if plan := Parse(in); plan.PhilosophersToReference != nil {
			t.Errorf("Parse(%q).PhilosophersToReference = %v, want none", in, plan.PhilosophersToReference)
		}
	}
}

func TestParseAmbiguousNumberResolvesToNull(t *testing.T) {
	plan := Parse("give me 20")
	if plan.TargetWordCount != 0 {
		t.Errorf("target = %d, want 0 for bare unitless number", plan.TargetWordCount)
	}
}

func TestParseIdempotent(t *testing.T) {
	in := "Chapter 1: Intro 1k; Chapter 2: Analysis 3,000 words; academic, no bullets, APA with 25 citations"
	first := Parse(in)
	for i := 0; i < 5; i++ {
		if again := Parse(in); !reflect.DeepEqual(again, first) {
			t.Fatalf("parse not idempotent:\n%+v\n%+v", again, first)
		}
	}
}

func TestParseCaseInsensitiveAbbreviations(t *testing.T) {
	a := Parse("chapter 1: INTRO 1k")
	b := Parse("Chapter 1: intro 1k")
	if !reflect.DeepEqual(a.Structure, b.Structure) {
		t.Errorf("case variants differ: %+v vs %+v", a.Structure, b.Structure)
	}
}
