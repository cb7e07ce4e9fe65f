package workflow

import (
	"errors"
	"testing"
)

func TestNext(t *testing.T) {
	tests := []struct {
		from VideoState
		ev   Event
		want VideoState
	}{
		{StateUploaded, EventClassified, StateClassified},
		{StateUploaded, EventDetected, StateDetected},
		{StateUploaded, EventDiagnosed, StateDiagnosed},
		{StateClassified, EventClassified, StateClassified},
		{StateClassified, EventDetected, StateDetected},
		// Классификация после детекции не откатывает стадию
		{StateDetected, EventClassified, StateDetected},
		{StateDetected, EventDetected, StateDetected},
		{StateDetected, EventDiagnosed, StateDiagnosed},
		{StateDiagnosed, EventDetected, StateDiagnosed},
		{StateDiagnosed, EventDiagnosed, StateDiagnosed},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"+"+string(tt.ev), func(t *testing.T) {
			got, err := Next(tt.from, tt.ev)
			if err != nil {
				t.Fatalf("Next() ошибка: %v", err)
			}
			if got != tt.want {
				t.Errorf("Next(%s, %s) = %s, ожидается %s", tt.from, tt.ev, got, tt.want)
			}
		})
	}
}

// TestNext_Monotonic проверяет, что ни одно событие не уменьшает стадию.
func TestNext_Monotonic(t *testing.T) {
	rank := map[VideoState]int{
		StateUploaded: 0, StateClassified: 1, StateDetected: 2, StateDiagnosed: 3,
	}
	for from := range transitions {
		for _, ev := range []Event{EventClassified, EventDetected, EventDiagnosed} {
			next, err := Next(from, ev)
			if err != nil {
				t.Fatalf("Next(%s, %s) ошибка: %v", from, ev, err)
			}
			if rank[next] < rank[from] {
				t.Errorf("Next(%s, %s) = %s — стадия уменьшилась", from, ev, next)
			}
		}
	}
}

func TestNext_Invalid(t *testing.T) {
	_, err := Next(VideoState("deleted"), EventDetected)
	var te *TransitionError
	if !errors.As(err, &te) || te.Code != "INVALID_STATE" {
		t.Errorf("ожидалась INVALID_STATE, получено %v", err)
	}

	_, err = Next(StateUploaded, Event("archived"))
	if !errors.As(err, &te) || te.Code != "INVALID_TRANSITION" {
		t.Errorf("ожидалась INVALID_TRANSITION, получено %v", err)
	}
}

func TestParseState(t *testing.T) {
	for _, s := range []string{"uploaded", "classified", "detected", "diagnosed"} {
		if _, err := ParseState(s); err != nil {
			t.Errorf("ParseState(%q) ошибка: %v", s, err)
		}
	}
	if _, err := ParseState("Uploaded"); err == nil {
		t.Error("ParseState(Uploaded) должен вернуть ошибку")
	}
}
