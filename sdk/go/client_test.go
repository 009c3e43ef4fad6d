package reportflowsdk_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	reportflowsdk "reportflow/sdk/go"
)

func TestTriggerStageSendsConfAndToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v0/stages/email/trigger" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer tok" {
			t.Errorf("missing bearer token")
		}
		var body struct {
			Conf map[string]string `json:"conf"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":     "run-1",
			"status": "succeeded",
			"stages": []map[string]any{{"stage": "email", "status": "succeeded", "handoff": body.Conf["reportDirectory"]}},
		})
	}))
	defer srv.Close()

	c := reportflowsdk.New(srv.URL)
	c.BearerToken = "tok"
	run, err := c.TriggerStage(context.Background(), "email", map[string]string{"reportDirectory": "20240101T120000Z"})
	if err != nil {
		t.Fatalf("trigger: %v", err)
	}
	if run.ID != "run-1" || run.Stages[0].Handoff != "20240101T120000Z" {
		t.Fatalf("unexpected run %+v", run)
	}
}

func TestAPIErrorDecodesEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v0/bundles/latest" || r.URL.Query().Get("id") != "x" {
			t.Errorf("unexpected request %s", r.URL.String())
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":{"code":"bundle_not_found","message":"no report bundle found"}}`))
	}))
	defer srv.Close()

	_, err := reportflowsdk.New(srv.URL).LatestBundle(context.Background(), "x")
	var apiErr *reportflowsdk.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.StatusCode != http.StatusNotFound || apiErr.Code != "bundle_not_found" {
		t.Fatalf("unexpected error %+v", apiErr)
	}
}

func TestRunBundleID(t *testing.T) {
	run := reportflowsdk.Run{Stages: []reportflowsdk.StageResult{
		{Stage: "generate", Handoff: "/data/sales.csv"},
		{Stage: "train_and_report", Handoff: "20240101T120000Z"},
	}}
	if got := run.BundleID(); got != "20240101T120000Z" {
		t.Fatalf("bundle id = %q", got)
	}
}
