// Command fake-node stands in for the minting service, the downstream nodes
// and the ecosystem directory during local runs.
package main

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"strings"
	"sync/atomic"
	"time"

	_ "github.com/joho/godotenv/autoload"

	"github.com/austindbirch/nexus/internal/config"
	"github.com/austindbirch/nexus/internal/logging"
	"github.com/austindbirch/nexus/internal/signer"
)

const maxBody = 1 << 20

type fakeNode struct {
	cfg     config.FakeNode
	signer  *signer.Signer
	apiKey  string
	selfURL string
	logger  *logging.Logger

	mints    atomic.Int64
	webhooks atomic.Int64
}

func newFakeNode(cfg config.Config, selfURL string) *fakeNode {
	return &fakeNode{
		cfg:     cfg.FakeNode,
		signer:  signer.New(cfg.Secret),
		apiKey:  cfg.Factory.APIKey,
		selfURL: strings.TrimRight(selfURL, "/"),
		logger:  logging.New("fake-node"),
	}
}

func (n *fakeNode) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"ok":true}`))
	})
	mux.HandleFunc("POST /api/mint", n.handleMint)
	mux.HandleFunc("POST /api/webhook/nexus", n.handleWebhook)
	mux.HandleFunc("GET /api/ecosystem", n.handleEcosystem)
	return mux
}

// handleMint simulates the minting service. The first FailFirstN calls fail
// with 500 so the retry path can be exercised end to end.
func (n *fakeNode) handleMint(w http.ResponseWriter, r *http.Request) {
	count := n.mints.Add(1)
	body, _ := io.ReadAll(io.LimitReader(r.Body, maxBody))
	defer r.Body.Close()

	log := n.logger.WithFields(map[string]any{"path": r.URL.Path, "request": count})

	if n.apiKey != "" && r.Header.Get("Authorization") != "Bearer "+n.apiKey {
		log.Warn("mint rejected: bad api key")
		writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "Unauthorized"})
		return
	}

	n.delay()

	if count <= int64(n.cfg.FailFirstN) {
		log.Warnf("FAILING (%d/%d) body=%s", count, n.cfg.FailFirstN, logging.Truncate(string(body), 160))
		http.Error(w, "temporary failure", http.StatusInternalServerError)
		return
	}

	var req struct {
		OrderID string `json:"orderId"`
	}
	if err := json.Unmarshal(body, &req); err != nil || req.OrderID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "orderId is required"})
		return
	}

	log.WithPayload(body).Info("mint OK")
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"orderId": req.OrderID,
		"status":  "minted",
		"txHash":  fakeTxHash(req.OrderID),
	})
}

// handleWebhook receives the bus's outbound notifications and checks their
// X-Nexus-Signature when a secret is configured.
func (n *fakeNode) handleWebhook(w http.ResponseWriter, r *http.Request) {
	count := n.webhooks.Add(1)
	body, _ := io.ReadAll(io.LimitReader(r.Body, maxBody))
	defer r.Body.Close()

	log := n.logger.WithFields(map[string]any{"path": r.URL.Path, "request": count})

	if n.signer.Enabled() {
		if err := n.signer.Verify(body, r.Header.Get(signer.Header)); err != nil {
			log.WithError(err).Warn("fake-node failed to verify signature")
			http.Error(w, "invalid signature: "+err.Error(), http.StatusUnauthorized)
			return
		}
	}

	n.delay()

	var note struct {
		Event string `json:"event"`
	}
	_ = json.Unmarshal(body, &note)
	log.WithEvent(note.Event).WithPayload(body).Info("webhook OK")
	writeJSON(w, http.StatusOK, map[string]any{"received": true})
}

// handleEcosystem answers directory lookups by pointing every node id at
// this process.
func (n *fakeNode) handleEcosystem(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	if id == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "id is required"})
		return
	}
	resp := map[string]any{
		"id":      id,
		"hosting": map[string]any{"productionUrl": n.selfURL},
	}
	writeJSON(w, http.StatusOK, resp)
}

func (n *fakeNode) delay() {
	if n.cfg.ResponseDelayMS > 0 {
		time.Sleep(time.Duration(n.cfg.ResponseDelayMS) * time.Millisecond)
	}
}

func fakeTxHash(orderID string) string {
	sum := sha256.Sum256([]byte(orderID))
	return "0x" + hex.EncodeToString(sum[:])
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func main() {
	cfg := config.FromEnv()

	selfURL := os.Getenv("FAKE_NODE_PUBLIC_URL")
	if selfURL == "" {
		selfURL = "http://localhost" + cfg.FakeNode.Port
	}

	node := newFakeNode(cfg, selfURL)
	if !node.signer.Enabled() {
		node.logger.Plain().Warn("NEXUS_SECRET not set, webhook signatures are not checked")
	}

	srv := &http.Server{
		Addr:         cfg.FakeNode.Port,
		Handler:      node.routes(),
		ReadTimeout:  cfg.FakeNode.ReadTimeout,
		WriteTimeout: cfg.FakeNode.WriteTimeout,
		IdleTimeout:  cfg.FakeNode.IdleTimeout,
	}

	node.logger.Plain().WithFields(map[string]any{
		"addr":         cfg.FakeNode.Port,
		"fail_first_n": cfg.FakeNode.FailFirstN,
		"delay_ms":     cfg.FakeNode.ResponseDelayMS,
	}).Info("fake-node listening")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		node.logger.Plain().WithError(err).Fatal("fake-node server failed")
	}
}
