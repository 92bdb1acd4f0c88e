package deck

import "testing"

func TestDraw_Deterministic(t *testing.T) {
	a := New(Standard, 42)
	b := New(Standard, 42)
	for i := 0; i < 3*len(Standard); i++ {
		if a.Draw(i).ID != b.Draw(i).ID {
			t.Fatalf("draw %d differs between decks with the same seed", i)
		}
	}
}

func TestDraw_EachPassIsAPermutation(t *testing.T) {
	d := New(Standard, 7)
	for pass := 0; pass < 3; pass++ {
		seen := make(map[int]bool)
		for i := 0; i < d.Len(); i++ {
			seen[d.Draw(pass*d.Len()+i).ID] = true
		}
		if len(seen) != len(Standard) {
			t.Errorf("pass %d drew %d distinct cards, want %d", pass, len(seen), len(Standard))
		}
	}
}

func TestDraw_SeedsDiffer(t *testing.T) {
	a := New(Standard, 1)
	b := New(Standard, 2)
	same := true
	for i := 0; i < len(Standard); i++ {
		if a.Draw(i).ID != b.Draw(i).ID {
			same = false
			break
		}
	}
	if same {
		t.Error("different seeds should produce different orders")
	}
}

func TestDraw_EmptyDeck(t *testing.T) {
	if c := New(nil, 1).Draw(5); c.ID != 0 {
		t.Errorf("empty deck should draw the zero card, got %+v", c)
	}
}
