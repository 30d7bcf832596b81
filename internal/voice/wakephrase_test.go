package voice

import "testing"

func TestWakeDetectorExact(t *testing.T) {
	w := NewWakeDetector([]string{"oye asistente", "hola asistente"}, 0.85)

	cases := []struct {
		text string
		want bool
	}{
		{"oye asistente", true},
		{"Hola Asistente, ¿qué hora es?", true},
		{"bueno... OYE ASISTENTE dime algo", true},
		{"qué hora es", false},
		{"", false},
		{"   ", false},
	}
	for _, c := range cases {
		if got := w.Match(c.text); got != c.want {
			t.Errorf("Match(%q): want %v got %v", c.text, c.want, got)
		}
	}
}

func TestWakeDetectorFuzzy(t *testing.T) {
	w := NewWakeDetector([]string{"oye asistente"}, 0.85)

	// A plausible mis-transcription should still trigger.
	matched, score := w.Score("ola asistente dime la hora")
	if !matched {
		t.Fatalf("noisy transcript should match, best score %v", score)
	}

	// Unrelated speech must stay below the threshold.
	if matched, score := w.Score("vamos a jugar una partida"); matched {
		t.Fatalf("unrelated transcript matched with score %v", score)
	}
}

func TestWakeDetectorThreshold(t *testing.T) {
	strict := NewWakeDetector([]string{"oye asistente"}, 0.999)
	if strict.Match("ola asistente") {
		t.Error("near-exact threshold should reject noisy input")
	}
	if !strict.Match("oye asistente") {
		t.Error("exact containment must match regardless of threshold")
	}
}
