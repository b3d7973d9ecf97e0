package backend

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

// newTestBackend serves canned JSON-RPC responses keyed by method name.
func newTestBackend(t *testing.T, responses map[string]string) (*JSONRPCBackend, *httptest.Server) {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("bad request body: %v", err)
			return
		}
		resp, ok := responses[req.Method]
		if !ok {
			resp = `{"result":null,"error":{"code":-32601,"message":"Method not found"}}`
		}
		w.Header().Set("Content-Type", "application/json")
		if _, err := w.Write([]byte(resp)); err != nil {
			t.Errorf("write response: %v", err)
		}
	}))
	t.Cleanup(srv.Close)

	return NewJSONRPCBackend(srv.URL, "user", "pass", srv.Client()), srv
}

func TestGetBlockHeight(t *testing.T) {
	b, _ := newTestBackend(t, map[string]string{
		"getblockcount": `{"result":842000,"error":null}`,
	})

	height, err := b.GetBlockHeight(context.Background())
	if err != nil {
		t.Fatalf("GetBlockHeight: %v", err)
	}
	if height != 842000 {
		t.Errorf("height = %d, want 842000", height)
	}
}

func TestBroadcastTransaction(t *testing.T) {
	t.Run("accepted", func(t *testing.T) {
		b, _ := newTestBackend(t, map[string]string{
			"sendrawtransaction": `{"result":"aa11","error":null}`,
		})
		txid, err := b.BroadcastTransaction(context.Background(), "deadbeef")
		if err != nil {
			t.Fatalf("BroadcastTransaction: %v", err)
		}
		if txid != "aa11" {
			t.Errorf("txid = %q, want aa11", txid)
		}
	})

	t.Run("node rejection surfaces as ErrBroadcastFailed", func(t *testing.T) {
		b, _ := newTestBackend(t, map[string]string{
			"sendrawtransaction": `{"result":null,"error":{"code":-26,"message":"non-final"}}`,
		})
		_, err := b.BroadcastTransaction(context.Background(), "deadbeef")
		if !errors.Is(err, ErrBroadcastFailed) {
			t.Fatalf("error = %v, want ErrBroadcastFailed", err)
		}
	})
}

func TestScanUTXOSet(t *testing.T) {
	b, _ := newTestBackend(t, map[string]string{
		"scantxoutset": `{"result":{"success":true,"height":100,
			"unspents":[{"txid":"ff01","vout":1,"scriptPubKey":"0014ab","amount":0.0001,"height":95}]},
			"error":null}`,
	})

	utxos, err := b.ScanUTXOSet(context.Background(), "bcrt1qtest")
	if err != nil {
		t.Fatalf("ScanUTXOSet: %v", err)
	}
	if len(utxos) != 1 {
		t.Fatalf("got %d utxos, want 1", len(utxos))
	}
	u := utxos[0]
	if u.Amount != 10000 {
		t.Errorf("amount = %d sats, want 10000", u.Amount)
	}
	if u.Confirmations != 6 {
		t.Errorf("confirmations = %d, want 6", u.Confirmations)
	}
}

func TestListUnspent(t *testing.T) {
	b, _ := newTestBackend(t, map[string]string{
		"listunspent": `{"result":[{"txid":"ff02","vout":0,"scriptPubKey":"0014cd","amount":0.5,"confirmations":3}],"error":null}`,
	})

	utxos, err := b.ListUnspent(context.Background(), "bcrt1qtest", 1)
	if err != nil {
		t.Fatalf("ListUnspent: %v", err)
	}
	if len(utxos) != 1 || utxos[0].Amount != 50000000 {
		t.Fatalf("unexpected utxos: %+v", utxos)
	}
}

func TestTestMempoolAccept(t *testing.T) {
	b, _ := newTestBackend(t, map[string]string{
		"testmempoolaccept": `{"result":[{"allowed":false,"reject-reason":"dust"}],"error":null}`,
	})

	err := b.TestMempoolAccept(context.Background(), "deadbeef")
	if !errors.Is(err, ErrBroadcastFailed) {
		t.Fatalf("error = %v, want ErrBroadcastFailed", err)
	}
}
