package knowledge

import (
	"errors"
	"strings"
	"testing"
	"unicode/utf8"
)

// wordEstimator prices one token per whitespace-separated word.
type wordEstimator struct{}

func (wordEstimator) EstimateText(text string) int {
	return len(strings.Fields(text))
}

// fixedEstimator prices every non-empty text at a constant cost.
type fixedEstimator int

func (f fixedEstimator) EstimateText(text string) int {
	if text == "" {
		return 0
	}
	return int(f)
}

func newTestStore(t *testing.T, est Estimator) *Store {
	t.Helper()
	s, err := NewStore(est, nil, 0)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return s
}

func TestPutComputesCostAndID(t *testing.T) {
	s := newTestStore(t, wordEstimator{})

	stored, err := s.Put(Entry{Title: "Project Layout", Category: CategoryProject, Body: "cmd and internal"})
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if stored.ID != "project/project-layout" {
		t.Errorf("id = %q, want project/project-layout", stored.ID)
	}
	// title 2 words + body 3 words
	if stored.TokenCost != 5 {
		t.Errorf("tokenCost = %d, want 5", stored.TokenCost)
	}
	if stored.Version != 1 {
		t.Errorf("version = %d, want 1", stored.Version)
	}

	got, err := s.Get(stored.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.TokenCost != stored.TokenCost {
		t.Errorf("round trip changed cost: %d vs %d", got.TokenCost, stored.TokenCost)
	}
}

func TestPutValidation(t *testing.T) {
	s := newTestStore(t, wordEstimator{})

	cases := []struct {
		name  string
		entry Entry
	}{
		{"empty title", Entry{Title: "   ", Category: CategoryProject}},
		{"bad category", Entry{Title: "x", Category: "secrets"}},
		{"oversized body", Entry{Title: "x", Category: CategoryProject, Body: strings.Repeat("a", DefaultMaxBodyBytes+1)}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := s.Put(tc.entry)
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("err = %v, want ValidationError", err)
			}
		})
	}
}

func TestPutVersionConflict(t *testing.T) {
	s := newTestStore(t, wordEstimator{})

	first, err := s.Put(Entry{Title: "Notes", Category: CategoryPersonal, Body: "v1"})
	if err != nil {
		t.Fatalf("Put: %v", err)
	}

	// 带正确版本号的更新成功 / update with the current version succeeds
	second, err := s.Put(Entry{ID: first.ID, Title: "Notes", Category: CategoryPersonal, Body: "v2", Version: first.Version})
	if err != nil {
		t.Fatalf("versioned Put: %v", err)
	}
	if second.Version != 2 {
		t.Errorf("version = %d, want 2", second.Version)
	}

	// 过期版本被拒绝 / the stale version is rejected
	_, err = s.Put(Entry{ID: first.ID, Title: "Notes", Category: CategoryPersonal, Body: "v3", Version: first.Version})
	var cerr *ConflictError
	if !errors.As(err, &cerr) {
		t.Fatalf("err = %v, want ConflictError", err)
	}

	// version 0 表示不关心，后写覆盖 / version 0 opts out of the check
	third, err := s.Put(Entry{ID: first.ID, Title: "Notes", Category: CategoryPersonal, Body: "v4"})
	if err != nil {
		t.Fatalf("unversioned Put: %v", err)
	}
	if third.Version != 3 || third.Body != "v4" {
		t.Errorf("entry = v%d %q, want v3 v4", third.Version, third.Body)
	}
}

func TestGetNotFound(t *testing.T) {
	s := newTestStore(t, wordEstimator{})
	_, err := s.Get("project/missing")
	var nf *NotFoundError
	if !errors.As(err, &nf) {
		t.Fatalf("err = %v, want NotFoundError", err)
	}
}

func TestDeleteIdempotent(t *testing.T) {
	s := newTestStore(t, wordEstimator{})
	e, _ := s.Put(Entry{Title: "Temp", Category: CategoryAuto, Body: "x"})

	if err := s.Delete(e.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := s.Delete(e.ID); err != nil {
		t.Fatalf("second Delete: %v", err)
	}
	if _, err := s.Get(e.ID); err == nil {
		t.Error("entry still present after delete")
	}
}

func TestListOrderAndFilter(t *testing.T) {
	s := newTestStore(t, wordEstimator{})
	s.Put(Entry{Title: "First", Category: CategoryProject, Body: "alpha content"})
	s.Put(Entry{Title: "Second", Category: CategoryLearning, Body: "beta content"})
	s.Put(Entry{Title: "Third", Category: CategoryProject, Body: "gamma content"})

	all := s.List(Filter{})
	if len(all) != 3 {
		t.Fatalf("list = %d, want 3", len(all))
	}
	for i := 1; i < len(all); i++ {
		if all[i].UpdatedAt.After(all[i-1].UpdatedAt) {
			t.Errorf("list not in UpdatedAt-descending order at %d", i)
		}
	}

	projects := s.List(Filter{Category: CategoryProject})
	if len(projects) != 2 {
		t.Errorf("project entries = %d, want 2", len(projects))
	}

	hits := s.List(Filter{Query: "BETA"})
	if len(hits) != 1 || hits[0].Title != "Second" {
		t.Errorf("query hits = %+v, want Second only", hits)
	}
}

func TestSelectWithinBudgetGreedy(t *testing.T) {
	s := newTestStore(t, fixedEstimator(150)) // title+body = 300 each
	a, _ := s.Put(Entry{Title: "A", Category: CategoryProject, Body: "x"})
	b, _ := s.Put(Entry{Title: "B", Category: CategoryProject, Body: "x"})
	c, _ := s.Put(Entry{Title: "C", Category: CategoryProject, Body: "x"})

	order := []string{a.ID, b.ID, c.ID}
	selected, total, skipped := s.SelectWithinBudget(order, 700)
	if len(selected) != 2 {
		t.Fatalf("selected = %d, want 2", len(selected))
	}
	if selected[0].ID != a.ID || selected[1].ID != b.ID {
		t.Errorf("selected order = %s,%s", selected[0].ID, selected[1].ID)
	}
	if total != 600 {
		t.Errorf("total = %d, want 600", total)
	}
	if len(skipped) != 1 || skipped[0] != c.ID {
		t.Errorf("skipped = %v, want [%s]", skipped, c.ID)
	}

	// 未知 id 静默跳过 / unknown ids are skipped silently
	selected, _, skipped = s.SelectWithinBudget([]string{"missing/id", a.ID}, 700)
	if len(selected) != 1 || len(skipped) != 0 {
		t.Errorf("selected/skipped = %d/%d, want 1/0", len(selected), len(skipped))
	}
}

func TestSearchSnippet(t *testing.T) {
	s := newTestStore(t, wordEstimator{})
	body := strings.Repeat("padding ", 20) + "the needle sits here" + strings.Repeat(" trailing", 20)
	s.Put(Entry{Title: "Haystack", Category: CategoryReference, Body: body})
	s.Put(Entry{Title: "Other", Category: CategoryReference, Body: "nothing relevant"})

	hits := s.Search("NEEDLE")
	if len(hits) != 1 {
		t.Fatalf("hits = %d, want 1", len(hits))
	}
	if !strings.Contains(hits[0].Snippet, "needle") {
		t.Errorf("snippet missing match: %q", hits[0].Snippet)
	}
	if len(hits[0].Snippet) > 2*snippetRadius+len("needle")+20 {
		t.Errorf("snippet too long: %d chars", len(hits[0].Snippet))
	}

	if hits := s.Search("   "); hits != nil {
		t.Errorf("blank query returned hits: %v", hits)
	}
}

func TestSearchSnippetRuneBoundaries(t *testing.T) {
	s := newTestStore(t, wordEstimator{})
	// 三字节汉字包围命中词，半径两端都落在字符中间
	// three-byte CJK runes surround the match, so both radius ends land
	// inside a character
	body := strings.Repeat("汉字文本", 30) + " needle " + strings.Repeat("汉字文本", 30)
	s.Put(Entry{Title: "CJK", Category: CategoryReference, Body: body})

	hits := s.Search("needle")
	if len(hits) != 1 {
		t.Fatalf("hits = %d, want 1", len(hits))
	}
	if !utf8.ValidString(hits[0].Snippet) {
		t.Errorf("snippet split a multi-byte rune: %q", hits[0].Snippet)
	}
	if !strings.Contains(hits[0].Snippet, "needle") {
		t.Errorf("snippet missing match: %q", hits[0].Snippet)
	}
}

func TestEntryStats(t *testing.T) {
	s := newTestStore(t, wordEstimator{})
	e, _ := s.Put(Entry{Title: "Stats", Category: CategoryReference, Body: "one two\nthree"})

	st, err := s.EntryStats(e.ID)
	if err != nil {
		t.Fatalf("EntryStats: %v", err)
	}
	if st.Words != 3 || st.Lines != 2 {
		t.Errorf("words/lines = %d/%d, want 3/2", st.Words, st.Lines)
	}
}

func TestParseCategory(t *testing.T) {
	if c, err := ParseCategory("  Project "); err != nil || c != CategoryProject {
		t.Errorf("ParseCategory(Project) = %v, %v", c, err)
	}
	if _, err := ParseCategory("nope"); err == nil {
		t.Error("unknown category accepted")
	}
}
