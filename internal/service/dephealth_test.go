package service

import "testing"

func TestHealthPath(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"JWKS URL", "https://idp.lan/realms/clinic/protocol/openid-connect/certs", "/realms/clinic/protocol/openid-connect/certs"},
		{"без path", "http://127.0.0.1:8002", "/health"},
		{"корневой path", "http://127.0.0.1:8002/", "/health"},
		{"некорректный URL", "://bad", "/health"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := healthPath(tt.input, "/health"); got != tt.want {
				t.Errorf("healthPath(%q) = %q, ожидалось %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestInferenceDependencies(t *testing.T) {
	deps := inferenceDependencies(DephealthConfig{
		ClassifierURL: "http://localhost:8001/classify",
		MIModel1URL:   "http://127.0.0.1:8002/model1_mi",
		MIModel2URL:   "http://127.0.0.1:8003/model2_mi",
	})

	want := map[string]string{
		"classifier": "http://localhost:8001/classify",
		"mi-model1":  "http://127.0.0.1:8002/model1_mi",
		"mi-model2":  "http://127.0.0.1:8003/model2_mi",
	}
	if len(deps) != len(want) {
		t.Fatalf("получено %d зависимостей, ожидалось %d", len(deps), len(want))
	}
	for _, d := range deps {
		if want[d.name] != d.url {
			t.Errorf("зависимость %s: url = %q, ожидалось %q", d.name, d.url, want[d.name])
		}
	}
}

func TestHTTPDepOpts(t *testing.T) {
	if n := len(httpDepOpts("http://127.0.0.1:8002/model1_mi", "/health", 0, false)); n != 4 {
		t.Errorf("http: %d опций, ожидалось 4", n)
	}
	if n := len(httpDepOpts("https://idp.lan/certs", "/certs", 0, true)); n != 5 {
		t.Errorf("https: %d опций, ожидалось 5 (с проверкой TLS)", n)
	}
}
