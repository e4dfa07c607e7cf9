package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/decision"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/linkanalysis"
	"github.com/opensource-finance/kestrel/internal/metrics"
	"github.com/opensource-finance/kestrel/internal/patterns"
	"github.com/opensource-finance/kestrel/internal/quota"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/rules"
	"github.com/opensource-finance/kestrel/internal/velocity"
	"github.com/opensource-finance/kestrel/internal/worker"
)

type testEnv struct {
	server  *Server
	repo    *repository.SQLRepository
	engine  *rules.Engine
	bus     *bus.ChannelBus
	metrics *metrics.Metrics
	decider *decision.Orchestrator
	scanner *patterns.Scanner
}

// newTestEnv wires a server over a temp SQLite database with one rule:
// amounts above 10000 are flagged for review.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()

	repo, err := repository.New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: filepath.Join(t.TempDir(), "kestrel-api.db"),
	})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })

	if err := repo.SaveRuleDefinition(ctx, &domain.RuleDefinition{
		Name:       "HIGH_VALUE_TRANSACTION",
		Conditions: []domain.Condition{{Field: domain.FieldAmount, Operator: domain.OpGreaterThan, Value: "10000"}},
		Actions:    []domain.Action{{Type: domain.ActionFlagCase}},
		Priority:   10,
		Enabled:    true,
	}); err != nil {
		t.Fatalf("failed to save rule: %v", err)
	}

	m := metrics.New()
	engine, err := rules.NewEngine(repo, 0)
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}
	engine.SetRecorder(m)
	if _, err := engine.Reload(ctx); err != nil {
		t.Fatalf("failed to load rules: %v", err)
	}

	tracker := velocity.NewTracker(domain.WindowHour, domain.WindowDay)
	orch := decision.NewOrchestrator(decision.Dependencies{
		Rules:         engine,
		Velocity:      tracker,
		VelocityRules: repo,
		Links:         linkanalysis.NewAnalyzer(repo, repo, nil),
		Ledger:        repo,
	}, domain.DefaultConfig().Decision)
	orch.SetMetrics(m)

	eb := bus.NewChannelBus(100)
	t.Cleanup(func() { eb.Close() })

	scanner := patterns.NewScanner(patterns.NewDetector(repo, domain.DefaultConfig().Patterns), repo, nil, nil)
	scanner.SetRecorder(m)

	srv := NewServer(domain.ServerConfig{Host: "localhost", Port: 8080}, Dependencies{
		Repo:    repo,
		Bus:     eb,
		Decider: orch,
		Rules:   engine,
		Scanner: scanner,
		Windows: tracker,
		Plans:   repo,
		Quota:   quota.NewTracker(),
		Metrics: m,
	}, "test-v1")

	return &testEnv{server: srv, repo: repo, engine: engine, bus: eb, metrics: m, decider: orch, scanner: scanner}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	return e.doAs(t, "PSP-1", method, path, body)
}

func (e *testEnv) doAs(t *testing.T, caller, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		r = strings.NewReader(b)
	default:
		buf, err := json.Marshal(b)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		r = bytes.NewReader(buf)
	}
	req := httptest.NewRequest(method, path, r)
	req.Header.Set("Content-Type", "application/json")
	if caller != "" {
		req.Header.Set(CallerHeader, caller)
	}
	rr := httptest.NewRecorder()
	e.server.Router().ServeHTTP(rr, req)
	return rr
}

func decodeDecision(t *testing.T, rr *httptest.ResponseRecorder) DecideResponse {
	t.Helper()
	var resp DecideResponse
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Decision == nil {
		t.Fatal("response has no decision")
	}
	return resp
}

func decideBody(id, entityID, amount, ip string) map[string]any {
	return map[string]any{
		"transaction": map[string]any{
			"id":          id,
			"merchantId":  entityID,
			"amount":      amount,
			"currency":    "USD",
			"countryCode": "US",
			"ipAddress":   ip,
		},
		"entity": map[string]any{"id": entityID, "status": "ACTIVE"},
	}
}

func TestDecideEndpoint(t *testing.T) {
	env := newTestEnv(t)

	t.Run("Allow", func(t *testing.T) {
		rr := env.do(t, http.MethodPost, "/decide", decideBody("tx-allow", "1001", "25.00", ""))
		if rr.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
		}
		resp := decodeDecision(t, rr)
		if resp.Outcome != domain.OutcomeAllow {
			t.Errorf("outcome = %s, want ALLOW", resp.Outcome)
		}
		if resp.Metadata.Version != "test-v1" || resp.Metadata.TraceID == "" {
			t.Errorf("unexpected metadata: %+v", resp.Metadata)
		}
		if resp.RulesExecuted != 1 {
			t.Errorf("rulesExecuted = %d, want 1", resp.RulesExecuted)
		}
	})

	t.Run("HighValueReview", func(t *testing.T) {
		rr := env.do(t, http.MethodPost, "/decide", decideBody("tx-high", "1001", "15000.00", ""))
		if rr.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
		}
		resp := decodeDecision(t, rr)
		if resp.Outcome != domain.OutcomeReview {
			t.Errorf("outcome = %s, want REVIEW", resp.Outcome)
		}
		want := []string{"HIGH_VALUE_TRANSACTION", decision.ReasonCTRThreshold}
		if strings.Join(resp.Reasons, ",") != strings.Join(want, ",") {
			t.Errorf("reasons = %v, want %v", resp.Reasons, want)
		}
		if !resp.CTRRequired {
			t.Error("expected CTR flag at the reporting threshold")
		}

		// The decision and transaction are persisted.
		if rr := env.do(t, http.MethodGet, "/decisions/"+resp.ID, nil); rr.Code != http.StatusOK {
			t.Errorf("GET decision: expected 200, got %d", rr.Code)
		}
		rr = env.do(t, http.MethodGet, "/transactions/tx-high", nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("GET transaction: expected 200, got %d", rr.Code)
		}
		var tx domain.Transaction
		json.NewDecoder(rr.Body).Decode(&tx)
		if tx.AmountCents != 1500000 {
			t.Errorf("amountCents = %d, want 1500000", tx.AmountCents)
		}
	})

	t.Run("LinkedBlockedEntity", func(t *testing.T) {
		ctx := context.Background()
		if err := env.repo.SaveEntity(ctx, &domain.Entity{ID: "666", Status: domain.EntityStatusBlocked}); err != nil {
			t.Fatalf("SaveEntity failed: %v", err)
		}
		prior := &domain.Transaction{
			ID:          "tx-prior",
			MerchantID:  "666",
			AmountCents: 1000,
			Currency:    "USD",
			IPAddress:   "198.51.100.9",
			Timestamp:   time.Now().Add(-time.Hour).UTC(),
			CreatedAt:   time.Now().Add(-time.Hour).UTC(),
		}
		if err := env.repo.SaveTransaction(ctx, "666", prior); err != nil {
			t.Fatalf("SaveTransaction failed: %v", err)
		}

		rr := env.do(t, http.MethodPost, "/decide", decideBody("tx-linked", "1002", "40.00", "198.51.100.9"))
		if rr.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
		}
		resp := decodeDecision(t, rr)
		if resp.Outcome != domain.OutcomeBlock {
			t.Errorf("outcome = %s, want BLOCK", resp.Outcome)
		}
		if len(resp.LinkedEntities) != 1 || resp.LinkedEntities[0].MatchedEntity != "666" {
			t.Errorf("unexpected links: %+v", resp.LinkedEntities)
		}
		if len(resp.Reasons) != 1 || resp.Reasons[0] != decision.ReasonLinkedBlocked+":666" {
			t.Errorf("reasons = %v", resp.Reasons)
		}
	})

	t.Run("StoredEntity", func(t *testing.T) {
		if rr := env.do(t, http.MethodPost, "/entities", map[string]any{"id": "3003", "status": "ACTIVE"}); rr.Code != http.StatusOK {
			t.Fatalf("POST /entities: expected 200, got %d", rr.Code)
		}
		body := decideBody("tx-stored", "3003", "10.00", "")
		delete(body, "entity")
		body["entityId"] = "3003"

		rr := env.do(t, http.MethodPost, "/decide", body)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
		}
		if resp := decodeDecision(t, rr); resp.EntityID != "3003" {
			t.Errorf("entityId = %s, want 3003", resp.EntityID)
		}
	})

	t.Run("RejectsBadInput", func(t *testing.T) {
		tests := []struct {
			name string
			body any
		}{
			{"InvalidJSON", "{not json"},
			{"SubCentAmount", decideBody("tx-bad1", "1001", "10.001", "")},
			{"ZeroAmount", decideBody("tx-bad2", "1001", "0", "")},
			{"MissingEntity", map[string]any{"transaction": map[string]any{"amount": "10.00"}}},
			{"UnknownEntity", map[string]any{"transaction": map[string]any{"amount": "10.00"}, "entityId": "9999"}},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				rr := env.do(t, http.MethodPost, "/decide", tt.body)
				if rr.Code != http.StatusBadRequest {
					t.Errorf("expected 400, got %d: %s", rr.Code, rr.Body.String())
				}
			})
		}
	})

	t.Run("AsyncQueues", func(t *testing.T) {
		got := make(chan *domain.Message, 1)
		sub, err := env.bus.Subscribe(context.Background(), domain.TopicTransactionIngested, func(ctx context.Context, msg *domain.Message) error {
			got <- msg
			return nil
		})
		if err != nil {
			t.Fatalf("Subscribe failed: %v", err)
		}
		defer sub.Unsubscribe()

		body := decideBody("tx-async", "1001", "12.50", "")
		body["async"] = true
		rr := env.do(t, http.MethodPost, "/decide", body)
		if rr.Code != http.StatusAccepted {
			t.Fatalf("expected 202, got %d: %s", rr.Code, rr.Body.String())
		}

		select {
		case msg := <-got:
			var in domain.IngestedTransaction
			if err := json.Unmarshal(msg.Payload, &in); err != nil {
				t.Fatalf("bad payload: %v", err)
			}
			if in.Transaction.ID != "tx-async" || in.Transaction.AmountCents != 1250 || in.Entity.ID != "1001" {
				t.Errorf("unexpected payload: %+v %+v", in.Transaction, in.Entity)
			}
		case <-time.After(time.Second):
			t.Fatal("transaction was not published")
		}
	})
}

func TestCallerRequired(t *testing.T) {
	env := newTestEnv(t)

	rr := env.doAs(t, "", http.MethodGet, "/rules", nil)
	if rr.Code != http.StatusBadRequest {
		t.Errorf("expected 400 without caller, got %d", rr.Code)
	}

	// Operational endpoints do not need a caller.
	for _, path := range []string{"/health", "/ready", "/metrics"} {
		if rr := env.doAs(t, "", http.MethodGet, path, nil); rr.Code != http.StatusOK {
			t.Errorf("%s: expected 200, got %d", path, rr.Code)
		}
	}
}

func TestQuota(t *testing.T) {
	env := newTestEnv(t)

	for i := int64(0); i < quota.LimitDefault; i++ {
		if rr := env.doAs(t, "PSP-LIMITED", http.MethodGet, "/rules", nil); rr.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i, rr.Code)
		}
	}

	rr := env.doAs(t, "PSP-LIMITED", http.MethodGet, "/rules", nil)
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 over the default limit, got %d", rr.Code)
	}
	if rr.Header().Get("Retry-After") == "" {
		t.Error("expected Retry-After header")
	}

	// Quotas are per caller.
	if rr := env.doAs(t, "PSP-OTHER", http.MethodGet, "/rules", nil); rr.Code != http.StatusOK {
		t.Errorf("other caller: expected 200, got %d", rr.Code)
	}

	t.Run("PlanRaisesLimit", func(t *testing.T) {
		if rr := env.doAs(t, "PSP-OTHER", http.MethodPost, "/plans", PlanRequest{PSPCode: "PSP-BIG", Plan: quota.PlanEnterprise}); rr.Code != http.StatusOK {
			t.Fatalf("POST /plans: expected 200, got %d", rr.Code)
		}
		for i := int64(0); i <= quota.LimitDefault; i++ {
			if rr := env.doAs(t, "PSP-BIG", http.MethodGet, "/rules", nil); rr.Code != http.StatusOK {
				t.Fatalf("request %d: expected 200, got %d", i, rr.Code)
			}
		}
	})

	t.Run("MetricsExposeRejections", func(t *testing.T) {
		rr := env.doAs(t, "", http.MethodGet, "/metrics", nil)
		if !strings.Contains(rr.Body.String(), "kestrel_quota_rejections_total 1") {
			t.Error("expected one quota rejection in metrics output")
		}
	})
}

func TestRuleManagement(t *testing.T) {
	env := newTestEnv(t)

	t.Run("List", func(t *testing.T) {
		rr := env.do(t, http.MethodGet, "/rules", nil)
		var resp struct {
			Rules        []domain.RuleDefinition `json:"rules"`
			Count        int                     `json:"count"`
			ConfigErrors int                     `json:"configErrors"`
		}
		json.NewDecoder(rr.Body).Decode(&resp)
		if resp.Count != 1 || resp.Rules[0].Name != "HIGH_VALUE_TRANSACTION" {
			t.Errorf("unexpected rules: %+v", resp)
		}
	})

	t.Run("CreateInvalid", func(t *testing.T) {
		rr := env.do(t, http.MethodPost, "/rules", domain.RuleDefinition{
			Name:       "BROKEN",
			Conditions: []domain.Condition{{Operator: domain.OpExpression, Value: "amount >"}},
			Actions:    []domain.Action{{Type: domain.ActionBlockTransaction}},
			Enabled:    true,
		})
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected 400, got %d", rr.Code)
		}
	})

	t.Run("CreateAndReload", func(t *testing.T) {
		rr := env.do(t, http.MethodPost, "/rules", domain.RuleDefinition{
			Name:       "SANCTIONED_COUNTRY",
			Conditions: []domain.Condition{{Field: domain.FieldCountryCode, Operator: domain.OpIn, Values: []string{"KP", "IR"}}},
			Actions:    []domain.Action{{Type: domain.ActionBlockTransaction}},
			Priority:   100,
			Enabled:    true,
		})
		if rr.Code != http.StatusCreated {
			t.Fatalf("expected 201, got %d: %s", rr.Code, rr.Body.String())
		}

		// Not applied until reload.
		if n := env.engine.RulesCount(); n != 1 {
			t.Errorf("rules before reload = %d, want 1", n)
		}

		rr = env.do(t, http.MethodPost, "/rules/reload", nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("reload: expected 200, got %d", rr.Code)
		}
		if n := env.engine.RulesCount(); n != 2 {
			t.Errorf("rules after reload = %d, want 2", n)
		}

		body := decideBody("tx-kp", "1001", "5.00", "")
		body["transaction"].(map[string]any)["countryCode"] = "KP"
		resp := decodeDecision(t, env.do(t, http.MethodPost, "/decide", body))
		if resp.Outcome != domain.OutcomeBlock {
			t.Errorf("outcome = %s, want BLOCK", resp.Outcome)
		}
	})
}

func TestVelocityRules(t *testing.T) {
	env := newTestEnv(t)

	t.Run("UntrackedWindow", func(t *testing.T) {
		rr := env.do(t, http.MethodPost, "/velocity-rules", VelocityRuleRequest{Name: "V", Window: "168h", MaxCount: 1})
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected 400 for untracked window, got %d", rr.Code)
		}
	})

	t.Run("NoThreshold", func(t *testing.T) {
		rr := env.do(t, http.MethodPost, "/velocity-rules", VelocityRuleRequest{Name: "V", Window: "1h"})
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected 400 without thresholds, got %d", rr.Code)
		}
	})

	t.Run("BreachTriggersReview", func(t *testing.T) {
		rr := env.do(t, http.MethodPost, "/velocity-rules", VelocityRuleRequest{
			Name:      "TWO_PER_HOUR",
			Window:    "1h",
			MaxCount:  2,
			RiskLevel: domain.RiskHigh,
		})
		if rr.Code != http.StatusCreated {
			t.Fatalf("expected 201, got %d: %s", rr.Code, rr.Body.String())
		}

		rr = env.do(t, http.MethodGet, "/velocity-rules", nil)
		if !strings.Contains(rr.Body.String(), "TWO_PER_HOUR") {
			t.Errorf("rule not listed: %s", rr.Body.String())
		}

		var last DecideResponse
		for _, id := range []string{"v-1", "v-2", "v-3"} {
			last = decodeDecision(t, env.do(t, http.MethodPost, "/decide", decideBody(id, "4004", "1.00", "")))
		}
		if last.Outcome != domain.OutcomeReview {
			t.Errorf("third transaction outcome = %s, want REVIEW", last.Outcome)
		}
		if len(last.VelocityBreaches) != 1 || last.VelocityBreaches[0].Count != 3 {
			t.Errorf("unexpected breaches: %+v", last.VelocityBreaches)
		}
	})
}

func TestPatternScan(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	end := time.Now().UTC().Truncate(time.Second)
	for i, cents := range []int64{955050, 962075, 948020} {
		at := end.Add(-time.Duration(3-i) * time.Hour)
		tx := &domain.Transaction{
			ID:          "s-" + string(rune('a'+i)),
			MerchantID:  "5005",
			AmountCents: cents,
			Currency:    "USD",
			Direction:   domain.DirectionInbound,
			Timestamp:   at,
			CreatedAt:   at,
		}
		if err := env.repo.SaveTransaction(ctx, "5005", tx); err != nil {
			t.Fatalf("SaveTransaction failed: %v", err)
		}
	}

	t.Run("MissingEntity", func(t *testing.T) {
		if rr := env.do(t, http.MethodPost, "/patterns/scan", ScanRequest{}); rr.Code != http.StatusBadRequest {
			t.Errorf("expected 400, got %d", rr.Code)
		}
	})

	t.Run("InvertedRange", func(t *testing.T) {
		start := end
		before := end.Add(-time.Hour)
		rr := env.do(t, http.MethodPost, "/patterns/scan", ScanRequest{EntityID: "5005", Start: &start, End: &before})
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected 400, got %d", rr.Code)
		}
	})

	t.Run("Structuring", func(t *testing.T) {
		rr := env.do(t, http.MethodPost, "/patterns/scan", ScanRequest{EntityID: "5005"})
		if rr.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
		}
		var resp struct {
			Detections []domain.DetectionRecord `json:"detections"`
			Count      int                      `json:"count"`
		}
		json.NewDecoder(rr.Body).Decode(&resp)
		if resp.Count == 0 || resp.Detections[0].Kind != domain.DetectionStructuring {
			t.Fatalf("expected a structuring detection, got %+v", resp)
		}

		rr = env.do(t, http.MethodGet, "/entities/5005/detections", nil)
		var listed struct {
			Count int `json:"count"`
		}
		json.NewDecoder(rr.Body).Decode(&listed)
		if listed.Count != resp.Count {
			t.Errorf("listed %d detections, scanned %d", listed.Count, resp.Count)
		}
	})

	t.Run("OpenCaseRaisesSAR", func(t *testing.T) {
		body := decideBody("tx-after-scan", "5005", "20.00", "")
		resp := decodeDecision(t, env.do(t, http.MethodPost, "/decide", body))
		if !resp.SARRequired {
			t.Error("expected SAR for an entity with an open pattern case")
		}
		if resp.Outcome != domain.OutcomeAllow {
			t.Errorf("outcome = %s, want ALLOW", resp.Outcome)
		}
	})
}

func TestNotFound(t *testing.T) {
	env := newTestEnv(t)

	for _, path := range []string{"/decisions/missing", "/transactions/missing", "/entities/missing"} {
		if rr := env.do(t, http.MethodGet, path, nil); rr.Code != http.StatusNotFound {
			t.Errorf("%s: expected 404, got %d", path, rr.Code)
		}
	}
}

func TestCORSPreflight(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodOptions, "/decide", nil)
	req.Header.Set("Origin", "https://dashboard.example")
	rr := httptest.NewRecorder()
	env.server.Router().ServeHTTP(rr, req)

	if rr.Code != http.StatusNoContent {
		t.Errorf("expected 204, got %d", rr.Code)
	}
	if got := rr.Header().Get("Access-Control-Allow-Origin"); got != "https://dashboard.example" {
		t.Errorf("allow origin = %q", got)
	}
}

func TestAsyncPipeline(t *testing.T) {
	env := newTestEnv(t)

	w := worker.NewWorker(env.bus, env.repo, env.decider, env.scanner)
	if err := w.Start(); err != nil {
		t.Fatalf("worker Start failed: %v", err)
	}
	defer w.Stop()

	alerts := make(chan *domain.Decision, 1)
	sub, err := env.bus.Subscribe(context.Background(), domain.TopicAlert, func(ctx context.Context, msg *domain.Message) error {
		var d domain.Decision
		if err := json.Unmarshal(msg.Payload, &d); err != nil {
			return err
		}
		alerts <- &d
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer sub.Unsubscribe()

	body := decideBody("tx-queued", "7007", "20000.00", "")
	body["async"] = true
	if rr := env.do(t, http.MethodPost, "/decide", body); rr.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rr.Code, rr.Body.String())
	}

	var d *domain.Decision
	select {
	case d = <-alerts:
	case <-time.After(2 * time.Second):
		t.Fatal("no alert published for queued transaction")
	}
	if d.TxID != "tx-queued" || d.Outcome != domain.OutcomeReview {
		t.Errorf("unexpected alert: %s %s", d.TxID, d.Outcome)
	}

	// The worker saves the decision before publishing it.
	if rr := env.do(t, http.MethodGet, "/decisions/"+d.ID, nil); rr.Code != http.StatusOK {
		t.Errorf("GET decision: expected 200, got %d", rr.Code)
	}
	if rr := env.do(t, http.MethodGet, "/transactions/tx-queued", nil); rr.Code != http.StatusOK {
		t.Errorf("GET transaction: expected 200, got %d", rr.Code)
	}
}
