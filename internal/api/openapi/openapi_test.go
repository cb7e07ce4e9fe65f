package openapi

import (
	"context"
	"testing"
)

func TestLoad(t *testing.T) {
	doc, err := Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	for _, path := range []string{
		"/api/v1/videos",
		"/api/v1/videos/{id}/classify",
		"/api/v1/videos/{id}/detect",
		"/api/v1/videos/{id}/diagnoses",
		"/api/v1/diagnoses/{id}",
		"/api/v1/users/{id}/role",
		"/api/v1/role-changes",
	} {
		if doc.Paths.Find(path) == nil {
			t.Errorf("в контракте нет пути %s", path)
		}
	}
}
