package rpcadmin

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/quantarax/p2pshuffle/internal/commbuf"
	"github.com/quantarax/p2pshuffle/internal/observability"
	"github.com/quantarax/p2pshuffle/internal/shuffletypes"
	"github.com/quantarax/p2pshuffle/internal/worker"
)

type noopPeer struct{}

func (noopPeer) ShuffleReceive(context.Context, shuffletypes.WorkerAddress, shuffletypes.ShuffleId, shuffletypes.RunId, []commbuf.Payload) error {
	return nil
}

func (noopPeer) ShuffleInputsDone(context.Context, shuffletypes.WorkerAddress, shuffletypes.ShuffleId, shuffletypes.RunId) error {
	return nil
}

func (noopPeer) ShuffleFail(context.Context, shuffletypes.WorkerAddress, shuffletypes.ShuffleId, shuffletypes.RunId, string) error {
	return nil
}

type noopScheduler struct{}

func (noopScheduler) ShuffleGetOrCreate(ctx context.Context, id shuffletypes.ShuffleId, kind shuffletypes.DatasetKind, local shuffletypes.WorkerAddress) (worker.RunSpec, error) {
	return worker.RunSpec{}, context.Canceled
}

func newTestPlugin(t *testing.T) *worker.Plugin {
	t.Helper()
	log := observability.NewLogger("rpcadmin-test", "test", nil)
	return worker.NewPlugin("W0", t.TempDir(), noopScheduler{}, noopPeer{}, 1<<30, 1<<30, 2, log, nil)
}

func TestListShufflesEmpty(t *testing.T) {
	plugin := newTestPlugin(t)
	admin := NewAdminServer(plugin)
	mux := http.NewServeMux()
	admin.RegisterHTTP(mux)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/shuffles", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var resp ListShufflesResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Shuffles) != 0 {
		t.Fatalf("expected no shuffles, got %+v", resp.Shuffles)
	}
}

func TestForceFailUnknownShuffleIsNoop(t *testing.T) {
	plugin := newTestPlugin(t)
	admin := NewAdminServer(plugin)
	mux := http.NewServeMux()
	admin.RegisterHTTP(mux)

	body, _ := json.Marshal(ForceFailRequest{RunID: 1, Message: "boom"})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/shuffles/nonexistent/fail", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}
