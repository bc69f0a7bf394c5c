package rest_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/la3lma/nodee/internal/chorekeeper"
	"github.com/la3lma/nodee/internal/journal"
	"github.com/la3lma/nodee/internal/server/rest"
	"github.com/la3lma/nodee/internal/supervisor"
)

// fixedKeeper serves a canned thrash window.
type fixedKeeper struct{ window [8]bool }

func (k fixedKeeper) Window() [8]bool { return k.window }

// newTestServer builds a control plane over a supervisor with two registered
// (but not started) services and a populated journal. JWT is disabled.
func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()

	sup := supervisor.New(nil, nil)
	sup.Add(supervisor.NewService("web", "/bin/true", nil,
		chorekeeper.Capacity{TypicalPages: 100, PeakPages: 200, Value: 5}, nil, nil))
	sup.Add(supervisor.NewService("indexer", "/bin/true", nil,
		chorekeeper.Capacity{TypicalPages: 300, PeakPages: 600, Value: 2}, nil, nil))

	j, err := journal.Open(filepath.Join(t.TempDir(), "journal.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = j.Close() })
	if err := j.Record(context.Background(), "web", "service_started", nil); err != nil {
		t.Fatal(err)
	}

	srv := rest.NewServer(sup, j, fixedKeeper{window: [8]bool{true, true}})
	ts := httptest.NewServer(rest.NewRouter(srv, nil))
	t.Cleanup(ts.Close)
	return ts
}

// getJSON fetches url and decodes the JSON body into out, asserting the
// status code.
func getJSON(t *testing.T, url string, wantStatus int, out any) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != wantStatus {
		t.Fatalf("GET %s: status %d, want %d", url, resp.StatusCode, wantStatus)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
}

func TestRouter_Healthz(t *testing.T) {
	ts := newTestServer(t)

	var body map[string]any
	getJSON(t, ts.URL+"/healthz", http.StatusOK, &body)
	if body["status"] != "ok" {
		t.Errorf("healthz body = %v", body)
	}
}

func TestRouter_ListServices(t *testing.T) {
	ts := newTestServer(t)

	var statuses []supervisor.Status
	getJSON(t, ts.URL+"/api/v1/services", http.StatusOK, &statuses)
	if len(statuses) != 2 {
		t.Fatalf("got %d services, want 2", len(statuses))
	}
	if statuses[0].Name != "web" || statuses[0].PeakPages != 200 {
		t.Errorf("services[0] = %+v", statuses[0])
	}
}

func TestRouter_GetService(t *testing.T) {
	ts := newTestServer(t)

	var st supervisor.Status
	getJSON(t, ts.URL+"/api/v1/services/indexer", http.StatusOK, &st)
	if st.Name != "indexer" || st.Value != 2 {
		t.Errorf("status = %+v", st)
	}

	getJSON(t, ts.URL+"/api/v1/services/missing", http.StatusNotFound, nil)
}

func TestRouter_Events(t *testing.T) {
	ts := newTestServer(t)

	var events []journal.Event
	getJSON(t, ts.URL+"/api/v1/events", http.StatusOK, &events)
	if len(events) != 1 || events[0].Kind != "service_started" {
		t.Errorf("events = %+v", events)
	}

	getJSON(t, ts.URL+"/api/v1/events?limit=bogus", http.StatusBadRequest, nil)
}

func TestRouter_Node(t *testing.T) {
	ts := newTestServer(t)

	var node struct {
		Hostname     string `json:"hostname"`
		Services     int    `json:"services"`
		ThrashWindow []bool `json:"thrash_window"`
	}
	getJSON(t, ts.URL+"/api/v1/node", http.StatusOK, &node)
	if node.Services != 2 {
		t.Errorf("services = %d, want 2", node.Services)
	}
	if len(node.ThrashWindow) != 8 || !node.ThrashWindow[0] || node.ThrashWindow[2] {
		t.Errorf("thrash_window = %v", node.ThrashWindow)
	}
}
