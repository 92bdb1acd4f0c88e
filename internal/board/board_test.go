package board

import "testing"

func TestBoardLayout(t *testing.T) {
	props := Properties()
	if len(props) != 28 {
		t.Fatalf("expected 28 properties, got %d", len(props))
	}
	if TileAt(JailIndex).Kind != KindJail {
		t.Errorf("tile %d should be the jail", JailIndex)
	}
	if TileAt(30).Kind != KindGoToJail {
		t.Error("tile 30 should send players to jail")
	}
	if TileAt(40).Index != 0 || TileAt(-1).Index != 39 {
		t.Error("TileAt should wrap around the board")
	}
}

func TestGroupMembers(t *testing.T) {
	g, err := GroupOf(1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(g.Members) != 2 || g.Members[0] != 1 || g.Members[1] != 3 {
		t.Errorf("regolith members = %v", g.Members)
	}
	if _, err := GroupOf(2); err == nil {
		t.Error("chance tile should not have a group")
	}
}

func TestRent(t *testing.T) {
	tests := []struct {
		name      string
		index     int
		level     int
		ownsGroup bool
		want      int64
	}{
		{"base", 1, 0, false, 2},
		{"complete group", 1, 0, true, 4},
		{"three levels", 39, 3, true, 50 * 2 * 4},
		{"spaceport full set", 5, 0, true, 100},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Rent(tt.index, tt.level, tt.ownsGroup); got != tt.want {
				t.Errorf("Rent(%d, %d, %v) = %d, want %d", tt.index, tt.level, tt.ownsGroup, got, tt.want)
			}
		})
	}
}

func TestBuildCost(t *testing.T) {
	if got := BuildCost(1); got != 50 {
		t.Errorf("tier 1 build cost = %d, want 50", got)
	}
	if got := BuildCost(39); got != 200 {
		t.Errorf("tier 4 build cost = %d, want 200", got)
	}
	if got := BuildCost(5); got != 0 {
		t.Errorf("spaceports are not buildable, got %d", got)
	}
}

func TestAdvance(t *testing.T) {
	next, passed := Advance(38, 4)
	if next != 2 || !passed {
		t.Errorf("Advance(38, 4) = %d, %v", next, passed)
	}
	next, passed = Advance(36, 4)
	if next != 0 || !passed {
		t.Errorf("landing on start should count as passing, got %d, %v", next, passed)
	}
	next, passed = Advance(5, -3)
	if next != 2 || passed {
		t.Errorf("moving back should not pass start, got %d, %v", next, passed)
	}
}
