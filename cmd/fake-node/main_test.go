package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/austindbirch/nexus/internal/config"
	"github.com/austindbirch/nexus/internal/signer"
)

const testSecret = "test-secret"

func newTestNode(failFirstN int, secret, apiKey string) *fakeNode {
	cfg := config.FromEnv()
	cfg.Secret = secret
	cfg.Factory.APIKey = apiKey
	cfg.FakeNode = config.FakeNode{FailFirstN: failFirstN}
	return newFakeNode(cfg, "http://fake-node:8081/")
}

func TestHealthzHandler(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()

	newTestNode(0, "", "").routes().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("healthz handler status = %d, want %d", w.Code, http.StatusOK)
	}
	if w.Body.String() != `{"ok":true}` {
		t.Errorf("healthz handler body = %q", w.Body.String())
	}
}

func TestHandleMint(t *testing.T) {
	tests := []struct {
		name                 string
		failFirstN           int
		apiKey               string
		auth                 string
		body                 string
		expectedStatus       int
		expectedBodyContains string
	}{
		{
			name:                 "successful mint",
			body:                 `{"orderId":"ORDER-1"}`,
			expectedStatus:       http.StatusOK,
			expectedBodyContains: `"txHash":"0x`,
		},
		{
			name:                 "fail first request",
			failFirstN:           1,
			body:                 `{"orderId":"ORDER-1"}`,
			expectedStatus:       http.StatusInternalServerError,
			expectedBodyContains: "temporary failure",
		},
		{
			name:                 "missing api key",
			apiKey:               "factory-key",
			body:                 `{"orderId":"ORDER-1"}`,
			expectedStatus:       http.StatusUnauthorized,
			expectedBodyContains: "Unauthorized",
		},
		{
			name:                 "valid api key",
			apiKey:               "factory-key",
			auth:                 "Bearer factory-key",
			body:                 `{"orderId":"ORDER-1"}`,
			expectedStatus:       http.StatusOK,
			expectedBodyContains: `"status":"minted"`,
		},
		{
			name:                 "missing order id",
			body:                 `{}`,
			expectedStatus:       http.StatusBadRequest,
			expectedBodyContains: "orderId is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			node := newTestNode(tt.failFirstN, "", tt.apiKey)

			req := httptest.NewRequest(http.MethodPost, "/api/mint", strings.NewReader(tt.body))
			if tt.auth != "" {
				req.Header.Set("Authorization", tt.auth)
			}
			w := httptest.NewRecorder()

			node.routes().ServeHTTP(w, req)

			if w.Code != tt.expectedStatus {
				t.Errorf("handleMint() status = %d, want %d", w.Code, tt.expectedStatus)
			}
			if !strings.Contains(w.Body.String(), tt.expectedBodyContains) {
				t.Errorf("handleMint() body = %q, want to contain %q", w.Body.String(), tt.expectedBodyContains)
			}
		})
	}
}

func TestMintRecoversAfterFailures(t *testing.T) {
	node := newTestNode(2, "", "")
	mux := node.routes()

	var codes []int
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodPost, "/api/mint", strings.NewReader(`{"orderId":"ORDER-9"}`))
		w := httptest.NewRecorder()
		mux.ServeHTTP(w, req)
		codes = append(codes, w.Code)
	}

	want := []int{http.StatusInternalServerError, http.StatusInternalServerError, http.StatusOK}
	for i := range want {
		if codes[i] != want[i] {
			t.Fatalf("status codes = %v, want %v", codes, want)
		}
	}
}

func TestFakeTxHashIsStable(t *testing.T) {
	if fakeTxHash("ORDER-1") != fakeTxHash("ORDER-1") {
		t.Error("fakeTxHash() is not deterministic")
	}
	if fakeTxHash("ORDER-1") == fakeTxHash("ORDER-2") {
		t.Error("fakeTxHash() collides for different orders")
	}
	if got := len(fakeTxHash("x")); got != 66 {
		t.Errorf("fakeTxHash() length = %d, want 66", got)
	}
}

func TestHandleWebhook(t *testing.T) {
	body := `{"event":"FACTORY:MINT_CONFIRMED","payload":{"orderId":"ORDER-1"},"timestamp":"2025-06-01T12:00:00Z"}`

	tests := []struct {
		name           string
		secret         string
		signature      string
		expectedStatus int
	}{
		{name: "no secret configured", expectedStatus: http.StatusOK},
		{name: "missing signature with secret configured", secret: testSecret, expectedStatus: http.StatusUnauthorized},
		{name: "wrong signature", secret: testSecret, signature: strings.Repeat("0", 64), expectedStatus: http.StatusUnauthorized},
		{name: "valid signature", secret: testSecret, signature: signer.Sign([]byte(testSecret), []byte(body)), expectedStatus: http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			node := newTestNode(0, tt.secret, "")

			req := httptest.NewRequest(http.MethodPost, "/api/webhook/nexus", strings.NewReader(body))
			if tt.signature != "" {
				req.Header.Set(signer.Header, tt.signature)
			}
			w := httptest.NewRecorder()

			node.routes().ServeHTTP(w, req)

			if w.Code != tt.expectedStatus {
				t.Errorf("handleWebhook() status = %d, want %d (body %q)", w.Code, tt.expectedStatus, w.Body.String())
			}
		})
	}
}

func TestHandleEcosystem(t *testing.T) {
	mux := newTestNode(0, "", "").routes()

	req := httptest.NewRequest(http.MethodGet, "/api/ecosystem?id=smart-core", nil)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var got struct {
		ID      string `json:"id"`
		Hosting struct {
			ProductionURL string `json:"productionUrl"`
		} `json:"hosting"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if got.ID != "smart-core" || got.Hosting.ProductionURL != "http://fake-node:8081" {
		t.Errorf("ecosystem entry = %+v", got)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/ecosystem", nil)
	w = httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Errorf("missing id status = %d, want 400", w.Code)
	}
}
