package gwctl

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http/httptest"
	"testing"

	"github.com/wilke-labs/gowe-engine/internal/api"
	"github.com/wilke-labs/gowe-engine/internal/backend"
	backendlocal "github.com/wilke-labs/gowe-engine/internal/backend/local"
	"github.com/wilke-labs/gowe-engine/internal/call"
	"github.com/wilke-labs/gowe-engine/internal/engine"
	"github.com/wilke-labs/gowe-engine/internal/exprvm"
	iopathlocal "github.com/wilke-labs/gowe-engine/internal/iopath/local"
	"github.com/wilke-labs/gowe-engine/internal/metadata"
	"github.com/wilke-labs/gowe-engine/internal/store"
	"github.com/wilke-labs/gowe-engine/pkg/model"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fixedResolver struct{}

func (fixedResolver) TaskDefinition(string) (call.TaskDefinition, error) {
	return call.TaskDefinition{Name: "greet", CommandTemplate: "exit 0", ReturnCodePolicy: call.DefaultReturnCodePolicy()}, nil
}
func (fixedResolver) Runtime(string) (model.RuntimeAttributes, error) {
	return model.RuntimeAttributes{CPU: 1, MemoryBytes: 1 << 20}, nil
}
func (fixedResolver) Inputs(string) (map[string]any, error) {
	return map[string]any{"_script": "exit 0"}, nil
}
func (fixedResolver) ScatterLength(string) (int, error) { return 0, nil }

func startTestServer(t *testing.T) string {
	t.Helper()
	logger := testLogger()
	dir := t.TempDir()

	st, err := store.NewSQLiteStore(":memory:", logger)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if err := st.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	be := backendlocal.New(dir, logger)
	registry := backend.NewRegistry(logger)
	registry.Register(be)

	pub := metadata.NewChannelPublisher(64, logger, metadata.LoggingSink(logger))
	stop := make(chan struct{})
	go pub.Run(stop)
	t.Cleanup(func() { close(stop); pub.Wait() })

	sup := engine.New(engine.Config{
		MaxConcurrentWorkflows:    4,
		DefaultBackendConcurrency: 4,
		DefaultBackendName:        backendlocal.Name,
		CachePolicy:               backend.UseOriginal,
	}, engine.Deps{
		Store:     st,
		Registry:  registry,
		Cache:     store.CacheIndex{Store: st},
		IO:        iopathlocal.New(logger),
		Expr:      exprvm.NewEvaluator(nil),
		Publisher: pub,
		Graphs: engine.GraphBuilderFunc(func(ctx context.Context, sub engine.Submission) (*model.TaskGraph, engine.NodeResolver, error) {
			return &model.TaskGraph{
				Nodes: map[string]*model.GraphNode{"greet": {ID: "greet", Kind: model.NodeTaskCall, TaskName: "greet"}},
				Order: []string{"greet"},
			}, fixedResolver{}, nil
		}),
		Logger: logger,
	})
	sup.Start()

	srv := api.New(sup, st, logger)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts.URL
}

func TestClient_SubmitAndGet(t *testing.T) {
	serverURL := startTestServer(t)
	c := NewClient(serverURL, testLogger())

	resp, err := c.Post("/workflows/", map[string]any{"workflow_source": "inline"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	var created struct {
		ID string `json:"id"`
	}
	if err := decodeData(resp.Data, &created); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if created.ID == "" {
		t.Fatal("expected a workflow id")
	}

	getResp, err := c.Get("/workflows/" + created.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	var wf struct {
		Status string `json:"status"`
	}
	if err := decodeData(getResp.Data, &wf); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if wf.Status == "" {
		t.Error("expected a non-empty status")
	}
}

func TestClient_GetUnknownWorkflow_ReturnsError(t *testing.T) {
	serverURL := startTestServer(t)
	c := NewClient(serverURL, testLogger())

	_, err := c.Get("/workflows/" + model.NewWorkflowID().String())
	if err == nil {
		t.Fatal("expected an error for an unknown workflow id")
	}
}

func decodeData(raw []byte, v any) error {
	return json.Unmarshal(raw, v)
}
