// Пакет workflow — стадии обработки видеозаписи.
//
// Жизненный цикл: uploaded → classified → detected → diagnosed.
// Классификация и детекция независимы и могут идти в любом порядке,
// поэтому стадия только растёт: событие не откатывает запись назад.
// Diagnosed повторяем (несколько заключений) и не является терминальным.
package workflow

import "fmt"

// VideoState — стадия видеозаписи.
type VideoState string

const (
	StateUploaded   VideoState = "uploaded"
	StateClassified VideoState = "classified"
	StateDetected   VideoState = "detected"
	StateDiagnosed  VideoState = "diagnosed"
)

// Event — событие workflow, меняющее стадию.
type Event string

const (
	EventClassified Event = "classified"
	EventDetected   Event = "detected"
	EventDiagnosed  Event = "diagnosed"
)

// transitions — матрица переходов: текущая стадия → событие → новая стадия.
var transitions = map[VideoState]map[Event]VideoState{
	StateUploaded: {
		EventClassified: StateClassified,
		EventDetected:   StateDetected,
		EventDiagnosed:  StateDiagnosed,
	},
	StateClassified: {
		EventClassified: StateClassified, // повторная классификация
		EventDetected:   StateDetected,
		EventDiagnosed:  StateDiagnosed,
	},
	StateDetected: {
		EventClassified: StateDetected,
		EventDetected:   StateDetected,
		EventDiagnosed:  StateDiagnosed,
	},
	StateDiagnosed: {
		EventClassified: StateDiagnosed,
		EventDetected:   StateDiagnosed,
		EventDiagnosed:  StateDiagnosed,
	},
}

// Next возвращает стадию после события.
func Next(current VideoState, ev Event) (VideoState, error) {
	byEvent, ok := transitions[current]
	if !ok {
		return "", &TransitionError{
			Code:    "INVALID_STATE",
			Message: fmt.Sprintf("недопустимая стадия: %q", current),
		}
	}
	next, ok := byEvent[ev]
	if !ok {
		return "", &TransitionError{
			Code:    "INVALID_TRANSITION",
			Message: fmt.Sprintf("событие %q недопустимо в стадии %s", ev, current),
		}
	}
	return next, nil
}

// ParseState преобразует строку из БД в VideoState.
func ParseState(s string) (VideoState, error) {
	st := VideoState(s)
	if _, ok := transitions[st]; !ok {
		return "", fmt.Errorf("недопустимая стадия: %q, допустимые: uploaded, classified, detected, diagnosed", s)
	}
	return st, nil
}

// TransitionError — ошибка перехода между стадиями.
type TransitionError struct {
	Code    string // INVALID_STATE, INVALID_TRANSITION
	Message string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}
