package similarity

import (
	"math"
	"testing"
)

func approx(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestParseMagnitude(t *testing.T) {
	tests := []struct {
		raw  string
		want float64
		ok   bool
	}{
		{"1000 €", 1000, true},
		{"1.200 €", 1200, true},
		{"1.200,50 €", 1200.5, true},
		{"$1,200.50", 1200.5, true},
		{"€ 950", 950, true},
		{"1 200 €", 1200, true},
		{"85 m²", 85, true},
		{"85,5 m²", 85.5, true},
		{"2.5", 2.5, true},
		{"3 Zimmer", 3, true},
		{"", 0, false},
		{"auf Anfrage", 0, false},
	}

	for _, tt := range tests {
		got, ok := ParseMagnitude(tt.raw)
		if ok != tt.ok || !approx(got, tt.want) {
			t.Errorf("ParseMagnitude(%q) = %v, %v; want %v, %v", tt.raw, got, ok, tt.want, tt.ok)
		}
	}
}

func TestPriceSimilarity(t *testing.T) {
	if got := PriceSimilarity("1000 €", "1000 EUR"); got != 1 {
		t.Errorf("identical prices: got %v, want 1", got)
	}
	if got := PriceSimilarity("900 €", "1000 €"); !approx(got, 0.5) {
		t.Errorf("10%% apart: got %v, want 0.5", got)
	}
	if got := PriceSimilarity("1000 €", "1600 €"); got >= 0.2 {
		t.Errorf("60%% apart: got %v, want < 0.2", got)
	}
	if got := PriceSimilarity("1000 €", "1500 €"); got >= 0.2 {
		t.Errorf("50%% apart: got %v, want < 0.2", got)
	}
	if got := PriceSimilarity("1000 €", "1050 €"); got <= 0.5 || got >= 1 {
		t.Errorf("5%% apart: got %v, want between 0.5 and 1", got)
	}
	if got := PriceSimilarity("1000 €", "Preis auf Anfrage"); got != 0 {
		t.Errorf("unparseable: got %v, want 0", got)
	}
	if got := PriceSimilarity("", ""); got != 0 {
		t.Errorf("empty: got %v, want 0", got)
	}
}

func TestPriceSimilarityIsMonotonic(t *testing.T) {
	prev := 1.0
	for other := 1000.0; other <= 2000; other += 25 {
		got := ToleranceSimilarity(1000, other, PriceTolerance)
		if got > prev {
			t.Fatalf("score increased at %v: %v > %v", other, got, prev)
		}
		prev = got
	}
	if prev != 0 {
		t.Errorf("expected score 0 at 50%% difference, got %v", prev)
	}
}

func TestSizeSimilarity(t *testing.T) {
	if got := SizeSimilarity("85 m²", "85m²"); got != 1 {
		t.Errorf("identical sizes: got %v, want 1", got)
	}
	if got := SizeSimilarity("85 m²", "100 m²"); !approx(got, 0.5) {
		t.Errorf("15%% apart: got %v, want 0.5", got)
	}
	if got := SizeSimilarity("90 m²", "100 m²"); got <= 0.5 {
		t.Errorf("10%% apart is inside the size band: got %v", got)
	}
	if got := PriceSimilarity("90", "100"); !approx(got, 0.5) {
		t.Errorf("10%% apart is the price boundary: got %v", got)
	}
}

func TestRoomsSimilarity(t *testing.T) {
	tests := []struct {
		a, b string
		want float64
	}{
		{"3", "3 Zimmer", 1},
		{"2,5", "2.5", 1},
		{"3", "4", 0},
		{"studio", "Studio", 1},
		{"", "", 0},
		{"3", "", 0},
	}
	for _, tt := range tests {
		if got := RoomsSimilarity(tt.a, tt.b); got != tt.want {
			t.Errorf("RoomsSimilarity(%q, %q) = %v; want %v", tt.a, tt.b, got, tt.want)
		}
	}
}

func TestNormalizeText(t *testing.T) {
	tests := []struct {
		raw  string
		want string
	}{
		{"  Schöne   Wohnung, Mitte! ", "schöne wohnung mitte"},
		{"2-Zimmer-Whg.", "2 zimmer whg"},
		{"Café", "café"},
		{"Café", "café"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := NormalizeText(tt.raw); got != tt.want {
			t.Errorf("NormalizeText(%q) = %q; want %q", tt.raw, got, tt.want)
		}
	}
}

func TestNormalizeAddress(t *testing.T) {
	tests := []struct {
		raw  string
		want string
	}{
		{"Hauptstraße 5, Berlin", "haupt 5 berlin"},
		{"Hauptstr. 5 Berlin", "haupt 5 berlin"},
		{"Main Street 5", "main 5"},
		{"Apt 4, 12 Oak Avenue", "4 12 oak"},
		{"Str.", ""},
	}
	for _, tt := range tests {
		if got := NormalizeAddress(tt.raw); got != tt.want {
			t.Errorf("NormalizeAddress(%q) = %q; want %q", tt.raw, got, tt.want)
		}
	}

	if got := AddressSimilarity("Hauptstraße 5, Berlin", "Hauptstr. 5 Berlin"); got != 1 {
		t.Errorf("AddressSimilarity of equivalent addresses = %v; want 1", got)
	}
	if got := AddressSimilarity("", "Hauptstr. 5"); got != 0 {
		t.Errorf("AddressSimilarity with empty side = %v; want 0", got)
	}
}

func TestTextSimilarity(t *testing.T) {
	if got := TextSimilarity("Apt A", "apt  a"); got != 1 {
		t.Errorf("same text: got %v, want 1", got)
	}
	if got := TextSimilarity("", ""); got != 0 {
		t.Errorf("empty text: got %v, want 0", got)
	}
	got := TextSimilarity("kitten", "sitting")
	if got <= 0.4 || got >= 0.7 {
		t.Errorf("kitten/sitting: got %v, want between 0.4 and 0.7", got)
	}
	if TextSimilarity("Helle 3-Zimmer-Wohnung", "Helle 3 Zimmer Wohnung mit Balkon") <= TextSimilarity("Helle 3-Zimmer-Wohnung", "Lagerhalle") {
		t.Error("similar titles should score higher than unrelated ones")
	}
}
