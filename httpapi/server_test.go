package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"

	"ussd-airtime-bot/balance"
	"ussd-airtime-bot/config"
	"ussd-airtime-bot/model"
	"ussd-airtime-bot/operator"
	"ussd-airtime-bot/purchase"
	"ussd-airtime-bot/store"
	"ussd-airtime-bot/transport"
)

const records = `[{
  "Operator Short": "MTN",
  "USSD Balance": "*124#",
  "USSD Bundle Purchase": "*117*{destination}*{amount}*{pin}#",
  "Operator Identities": ["MTN"],
  "Notification Prefixes": [{"Prefix": "301", "Type": "success"}, {"Prefix": "3049", "Type": "failure"}]
}]`

type stubExecutor struct {
	reply string
	ok    bool
	err   error
}

func (s *stubExecutor) Execute(context.Context, string, string) (string, bool, error) {
	return s.reply, s.ok, s.err
}

type testServer struct {
	*Server
	exec *stubExecutor
	st   *store.Store
	sim  model.SIM
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	st, err := store.Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })
	dir, err := operator.Parse([]byte(records))
	if err != nil {
		t.Fatal(err)
	}
	sims, err := st.SyncSIMs(context.Background(), []config.SIM{{Operator: "MTN", Channel: "modem0", PIN: "1234"}})
	if err != nil {
		t.Fatal(err)
	}
	exec := &stubExecutor{reply: "Your balance is 350 MB", ok: true}
	m := purchase.New(st, dir, exec)
	u := balance.NewUpdater(st, dir, exec)
	return &testServer{Server: New(m, st, u, nil), exec: exec, st: st, sim: sims[0]}
}

func (ts *testServer) do(t *testing.T, method, path string, body any) (*httptest.ResponseRecorder, UnifiedResponse) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	ts.Handler().ServeHTTP(w, req)

	var resp UnifiedResponse
	if strings.HasPrefix(w.Header().Get("Content-Type"), "application/json") {
		if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
			t.Fatalf("decode %s: %v", w.Body.String(), err)
		}
	}
	return w, resp
}

func TestPurchaseAndInbound(t *testing.T) {
	ts := newTestServer(t)
	ts.exec.reply = "Request accepted"

	w, resp := ts.do(t, http.MethodPost, "/api/purchases", PurchaseRequest{SIMID: ts.sim.ID, Destination: "0964571227", Amount: "100MB"})
	if w.Code != http.StatusOK || resp.Msg != "Request accepted" {
		t.Fatalf("POST /api/purchases = %d %+v", w.Code, resp)
	}

	w, _ = ts.do(t, http.MethodPost, "/api/purchases", PurchaseRequest{SIMID: ts.sim.ID, Destination: "0964000001", Amount: "100MB"})
	if w.Code != http.StatusConflict {
		t.Errorf("second purchase = %d, want 409", w.Code)
	}

	w, _ = ts.do(t, http.MethodPost, "/api/inbound", InboundRequest{Identity: "MTN", Text: "301 Success"})
	if w.Code != http.StatusOK {
		t.Fatalf("POST /api/inbound = %d %s", w.Code, w.Body.String())
	}

	txs, _ := ts.st.ListTransactions(context.Background(), store.TransactionFilter{})
	if len(txs) != 1 || txs[0].Status != model.StatusSuccess {
		t.Errorf("transactions = %+v", txs)
	}

	w, _ = ts.do(t, http.MethodPost, "/api/inbound", InboundRequest{Identity: "stranger", Text: "hi"})
	if w.Code != http.StatusNotFound {
		t.Errorf("inbound from stranger = %d, want 404", w.Code)
	}
}

func TestPurchaseErrors(t *testing.T) {
	tests := []struct {
		name string
		exec stubExecutor
		req  PurchaseRequest
		want int
	}{
		{name: "international prefix", exec: stubExecutor{ok: true}, req: PurchaseRequest{Destination: "+260964571227", Amount: "100MB"}, want: http.StatusBadRequest},
		{name: "no reply", exec: stubExecutor{}, req: PurchaseRequest{Destination: "0964571227", Amount: "100MB"}, want: http.StatusAccepted},
		{name: "transport down", exec: stubExecutor{err: transport.ErrTransportUnavailable}, req: PurchaseRequest{Destination: "0964571227", Amount: "100MB"}, want: http.StatusServiceUnavailable},
		{name: "queued", exec: stubExecutor{}, req: PurchaseRequest{Destination: "0964571227", Amount: "100MB", Queue: true}, want: http.StatusCreated},
		{name: "unknown sim", exec: stubExecutor{}, req: PurchaseRequest{SIMID: 99, Destination: "0964571227", Amount: "100MB"}, want: http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t)
			*ts.exec = tt.exec
			if tt.req.SIMID == 0 {
				tt.req.SIMID = ts.sim.ID
			}
			w, resp := ts.do(t, http.MethodPost, "/api/purchases", tt.req)
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d (%s)", w.Code, tt.want, resp.Msg)
			}
			if tt.want == http.StatusAccepted && resp.Msg != "Please try again later!" {
				t.Errorf("msg = %q", resp.Msg)
			}
		})
	}
}

func TestBulkImportAndExport(t *testing.T) {
	ts := newTestServer(t)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	mw.WriteField("sim", "1")
	mw.WriteField("amount", "100MB")
	fw, _ := mw.CreateFormFile("file", "numbers.csv")
	fw.Write([]byte("NOM;NUMERO\nAda;0964571227\nBob;+260964000001\n;\n"))
	mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/api/purchases/bulk", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	w := httptest.NewRecorder()
	ts.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusCreated {
		t.Fatalf("bulk import = %d %s", w.Code, w.Body.String())
	}
	var resp struct {
		Data BulkImportResponse `json:"data"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Data.Queued != 1 || len(resp.Data.Errors) != 1 {
		t.Errorf("import response = %+v", resp.Data)
	}

	w, _ = ts.do(t, http.MethodGet, "/api/purchases/export", nil)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "0964571227,,100MB,Queued") {
		t.Errorf("export = %d %q", w.Code, w.Body.String())
	}
}

func TestBalancesSIMsAndClear(t *testing.T) {
	ts := newTestServer(t)

	w, resp := ts.do(t, http.MethodPost, "/api/balances", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("POST /api/balances = %d", w.Code)
	}
	if data, _ := resp.Data.(map[string]any); data["MTN"] != "MTN: 350" {
		t.Errorf("balances = %+v", resp.Data)
	}

	w, resp = ts.do(t, http.MethodGet, "/api/sims", nil)
	if sims, _ := resp.Data.([]any); w.Code != http.StatusOK || len(sims) != 1 {
		t.Errorf("GET /api/sims = %d %+v", w.Code, resp.Data)
	}

	w, _ = ts.do(t, http.MethodGet, "/api/transactions?status=Q&limit=5", nil)
	if w.Code != http.StatusOK {
		t.Errorf("GET /api/transactions = %d", w.Code)
	}

	w, resp = ts.do(t, http.MethodPost, "/api/operators/MTN/clear", nil)
	if w.Code != http.StatusOK || resp.Msg != "MTN cleared" {
		t.Errorf("clear = %d %+v", w.Code, resp)
	}
	w, _ = ts.do(t, http.MethodPost, "/api/operators/Zamtel/clear", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("clear unknown = %d, want 404", w.Code)
	}
}
