package gateway

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"agentmarket/core/types"
	"agentmarket/native/auction"
	"agentmarket/native/escrow"
	"agentmarket/native/settlement"
	"agentmarket/state"
	"agentmarket/storage"
)

func testAddr(b byte) types.Address {
	var addr types.Address
	addr[19] = b
	return addr
}

type noopMover struct{}

func (noopMover) Transfer(from, to types.Address, token string, amount uint64, memo string) error {
	return nil
}

type testServer struct {
	server *Server
	http   *httptest.Server
	now    int64
}

func newTestServer(t *testing.T, auth *Authenticator) *testServer {
	t.Helper()
	ts := &testServer{now: 1_000}
	store := state.NewEntityStore(storage.NewMemDB())
	nowFn := func() (int64, error) { return ts.now, nil }

	escrows := escrow.NewEngine()
	escrows.SetState(store)
	escrows.SetTokenMover(noopMover{})
	escrows.SetNowFunc(nowFn)

	auctions := auction.NewEngine()
	auctions.SetState(store)
	auctions.SetTokenMover(noopMover{})
	auctions.SetEntropySource(store)
	auctions.SetNowFunc(nowFn)

	ts.server = NewServer(Options{
		Escrows:     escrows,
		Auctions:    auctions,
		Coordinator: settlement.NewCoordinator(escrows, auctions),
		Auth:        auth,
	})
	ts.http = httptest.NewServer(ts.server.Handler())
	t.Cleanup(ts.http.Close)
	return ts
}

func (ts *testServer) post(t *testing.T, path string, payload interface{}) (*http.Response, []byte) {
	t.Helper()
	body, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	resp, err := http.Post(ts.http.URL+path, "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("post %s: %v", path, err)
	}
	defer resp.Body.Close()
	var buf bytes.Buffer
	_, _ = buf.ReadFrom(resp.Body)
	return resp, buf.Bytes()
}

func (ts *testServer) get(t *testing.T, path string) (*http.Response, []byte) {
	t.Helper()
	resp, err := http.Get(ts.http.URL + path)
	if err != nil {
		t.Fatalf("get %s: %v", path, err)
	}
	defer resp.Body.Close()
	var buf bytes.Buffer
	_, _ = buf.ReadFrom(resp.Body)
	return resp, buf.Bytes()
}

func TestEscrowLifecycleOverHTTP(t *testing.T) {
	ts := newTestServer(t, nil)
	depositor := testAddr(0x01)
	agent := testAddr(0x02)
	platform := testAddr(0x03)

	resp, body := ts.post(t, "/v1/escrows", map[string]interface{}{
		"depositor":   depositor.Hex(),
		"beneficiary": agent.Hex(),
		"token":       "USDM",
		"amount":      1_000_000_000,
		"deadline":    ts.now + 86_400,
		"nonce":       types.Hash{0x01}.Hex(),
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status %d: %s", resp.StatusCode, body)
	}
	var created struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(body, &created); err != nil {
		t.Fatalf("decode: %v", err)
	}

	resp, body = ts.post(t, "/v1/escrows/"+created.ID+"/fund", map[string]string{"signer": depositor.Hex()})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("fund status %d: %s", resp.StatusCode, body)
	}
	resp, body = ts.post(t, "/v1/escrows/"+created.ID+"/deliver", map[string]string{
		"signer": agent.Hex(),
		"proof":  "ipfs://deliverable",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("deliver status %d: %s", resp.StatusCode, body)
	}

	release := map[string]interface{}{
		"signer": depositor.Hex(),
		"distribution": []map[string]interface{}{
			{"to": agent.Hex(), "role": "agent", "amount": 950_000_000},
			{"to": platform.Hex(), "role": "platform", "amount": 50_000_000},
		},
	}
	resp, body = ts.post(t, "/v1/escrows/"+created.ID+"/release", release)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("release status %d: %s", resp.StatusCode, body)
	}
	var released struct {
		Instructions []types.TransferInstruction `json:"instructions"`
	}
	if err := json.Unmarshal(body, &released); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(released.Instructions) != 2 {
		t.Fatalf("instructions %d", len(released.Instructions))
	}

	resp, _ = ts.post(t, "/v1/escrows/"+created.ID+"/release", release)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("second release status %d", resp.StatusCode)
	}

	resp, body = ts.get(t, "/v1/escrows/"+created.ID)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get status %d", resp.StatusCode)
	}
	var fetched struct {
		Status int `json:"status"`
	}
	if err := json.Unmarshal(body, &fetched); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if escrow.Status(fetched.Status) != escrow.StatusReleased {
		t.Fatalf("status %d", fetched.Status)
	}
}

func TestAuctionRoutes(t *testing.T) {
	ts := newTestServer(t, nil)
	seller := testAddr(0x05)
	bidder := testAddr(0x06)

	resp, body := ts.post(t, "/v1/auctions", map[string]interface{}{
		"seller": seller.Hex(),
		"nonce":  types.Hash{0x02}.Hex(),
		"config": map[string]interface{}{
			"type":             auction.TypeEnglish,
			"startingPrice":    500_000_000,
			"minimumIncrement": 50_000_000,
			"paymentToken":     "USDM",
			"startTime":        ts.now,
			"duration":         3_600,
		},
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status %d: %s", resp.StatusCode, body)
	}
	var created struct {
		ID      string `json:"id"`
		EndTime int64  `json:"endTime"`
	}
	if err := json.Unmarshal(body, &created); err != nil {
		t.Fatalf("decode: %v", err)
	}

	resp, body = ts.post(t, "/v1/auctions/"+created.ID+"/bids", map[string]interface{}{
		"bidder": bidder.Hex(),
		"amount": 550_000_000,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("bid status %d: %s", resp.StatusCode, body)
	}
	var bid struct {
		IsWinning      bool   `json:"isWinning"`
		NextMinimumBid uint64 `json:"nextMinimumBid"`
	}
	if err := json.Unmarshal(body, &bid); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !bid.IsWinning || bid.NextMinimumBid != 600_000_000 {
		t.Fatalf("bid result %+v", bid)
	}

	resp, _ = ts.post(t, "/v1/auctions/"+created.ID+"/bids", map[string]interface{}{
		"bidder": bidder.Hex(),
		"amount": 100,
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("low bid status %d", resp.StatusCode)
	}

	ts.now = created.EndTime + 1
	resp, body = ts.post(t, "/v1/auctions/"+created.ID+"/end", map[string]string{"signer": seller.Hex()})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("end status %d: %s", resp.StatusCode, body)
	}
	var ended struct {
		Winners     []json.RawMessage `json:"winners"`
		TotalPayout uint64            `json:"totalPayout"`
	}
	if err := json.Unmarshal(body, &ended); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(ended.Winners) != 1 || ended.TotalPayout != 550_000_000 {
		t.Fatalf("end result %s", body)
	}

	resp, body = ts.get(t, "/v1/auctions?type=english")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("search status %d", resp.StatusCode)
	}
	var listed struct {
		Auctions []json.RawMessage `json:"auctions"`
	}
	if err := json.Unmarshal(body, &listed); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(listed.Auctions) != 1 {
		t.Fatalf("search returned %d", len(listed.Auctions))
	}
}

func TestAuthRequiredForMutations(t *testing.T) {
	secrets := map[string]string{"svc-key": "topsecret"}
	auth := NewAuthenticator(secrets, time.Minute, nil)
	ts := newTestServer(t, auth)

	resp, _ := ts.post(t, "/v1/escrows", map[string]string{})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unsigned mutation status %d", resp.StatusCode)
	}

	resp, _ = ts.get(t, "/healthz")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health status %d", resp.StatusCode)
	}

	payload, _ := json.Marshal(map[string]interface{}{
		"depositor":   testAddr(0x01).Hex(),
		"beneficiary": testAddr(0x02).Hex(),
		"token":       "USDM",
		"amount":      100,
		"deadline":    ts.now + 86_400,
		"nonce":       types.Hash{0x03}.Hex(),
	})
	timestamp := strconv.FormatInt(time.Now().Unix(), 10)
	nonce := "req-1"
	req, err := http.NewRequest(http.MethodPost, ts.http.URL+"/v1/escrows", bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderAPIKey, "svc-key")
	req.Header.Set(HeaderTimestamp, timestamp)
	req.Header.Set(HeaderNonce, nonce)
	req.Header.Set(HeaderSignature, Sign("topsecret", timestamp, nonce, http.MethodPost, "/v1/escrows", payload))
	resp2, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("signed request: %v", err)
	}
	defer resp2.Body.Close()
	if resp2.StatusCode != http.StatusCreated {
		t.Fatalf("signed mutation status %d", resp2.StatusCode)
	}
}

func TestMetricsExposed(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.get(t, "/healthz")
	resp, body := ts.get(t, "/metrics")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("metrics status %d", resp.StatusCode)
	}
	if !bytes.Contains(body, []byte("settled_requests_total")) {
		t.Fatalf("metrics missing counter: %s", firstLine(body))
	}
}

func firstLine(b []byte) string {
	if i := bytes.IndexByte(b, '\n'); i > 0 {
		return string(b[:i])
	}
	return fmt.Sprintf("%.80s", b)
}
