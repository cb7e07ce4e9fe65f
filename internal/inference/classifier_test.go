package inference

import (
	"context"
	"errors"
	"io"
	"net/http"
	"testing"
	"time"
)

func TestClassifier_Classify(t *testing.T) {
	srv := setupMockService(t, func(w http.ResponseWriter, r *http.Request) {
		io.Copy(io.Discard, r.Body)
		io.WriteString(w, `{"classification":"benign"}`)
	})

	c := NewClassifier(newTestClient(t), srv.URL, time.Second, testLogger())
	label, err := c.Classify(context.Background(), testVideo("frames"))
	if err != nil {
		t.Fatalf("Classify() ошибка: %v", err)
	}
	if label != "benign" {
		t.Errorf("label = %q, ожидали benign", label)
	}
}

// TestClassifier_Timeout проверяет, что зависший классификатор ограничен таймаутом.
func TestClassifier_Timeout(t *testing.T) {
	srv := setupMockService(t, func(w http.ResponseWriter, r *http.Request) {
		io.Copy(io.Discard, r.Body)
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	})

	c := NewClassifier(newTestClient(t), srv.URL, 100*time.Millisecond, testLogger())

	start := time.Now()
	_, err := c.Classify(context.Background(), testVideo("frames"))
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("ожидалась ErrUnavailable, получено %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("таймаут не сработал: %v", elapsed)
	}
}

func TestClassifier_MissingLabel(t *testing.T) {
	srv := setupMockService(t, func(w http.ResponseWriter, r *http.Request) {
		io.Copy(io.Discard, r.Body)
		io.WriteString(w, `{"result":"MI"}`)
	})

	c := NewClassifier(newTestClient(t), srv.URL, time.Second, testLogger())
	if _, err := c.Classify(context.Background(), testVideo("x")); !errors.Is(err, ErrMalformedResponse) {
		t.Errorf("ожидалась ErrMalformedResponse, получено %v", err)
	}
}
