package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"aegis/collab/internal/history"
	"aegis/collab/internal/session"
	"aegis/collab/internal/store"
)

type fakeSearcher struct {
	results []store.Comment
	err     error
	indexed []store.Comment
}

func (f *fakeSearcher) Search(ctx context.Context, threatModelID, query string, limit int) ([]store.Comment, error) {
	return f.results, f.err
}

func (f *fakeSearcher) IndexComment(c store.Comment) {
	f.indexed = append(f.indexed, c)
}

func newHTTPServer(t *testing.T, data DataStore, searcher Searcher, hist *history.Service) *httptest.Server {
	t.Helper()
	server := NewServer(testConfig(), nil, session.NewRegistry(), nil, data, searcher, hist, nil, nil)
	srv := httptest.NewServer(server.Handler())
	t.Cleanup(srv.Close)
	return srv
}

func newSearchServer(t *testing.T, searcher Searcher) *httptest.Server {
	t.Helper()
	return newHTTPServer(t, nil, searcher, nil)
}

func TestCommentSearchReturnsResults(t *testing.T) {
	searcher := &fakeSearcher{results: []store.Comment{{ID: "cm1", Content: "rotate the keys"}}}
	srv := newSearchServer(t, searcher)

	resp, err := http.Get(srv.URL + "/api/comments/search?threatModelId=tm1&q=keys")
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}

	var body struct {
		Comments []store.Comment `json:"comments"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Comments) != 1 || body.Comments[0].ID != "cm1" {
		t.Errorf("unexpected results: %+v", body.Comments)
	}
}

func TestCommentSearchValidatesParams(t *testing.T) {
	srv := newSearchServer(t, &fakeSearcher{})

	for _, url := range []string{
		"/api/comments/search",
		"/api/comments/search?threatModelId=tm1",
		"/api/comments/search?q=keys",
		"/api/comments/search?threatModelId=tm1&q=keys&limit=nope",
	} {
		resp, err := http.Get(srv.URL + url)
		if err != nil {
			t.Fatalf("request %s: %v", url, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusUnprocessableEntity {
			t.Errorf("%s: expected 422, got %d", url, resp.StatusCode)
		}
	}
}

func TestCommentSearchUnavailableWithoutSearcher(t *testing.T) {
	srv := newSearchServer(t, nil)

	resp, err := http.Get(srv.URL + "/api/comments/search?threatModelId=tm1&q=keys")
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", resp.StatusCode)
	}
}

func TestCommentSearchPropagatesFailure(t *testing.T) {
	srv := newSearchServer(t, &fakeSearcher{err: errors.New("index down")})

	resp, err := http.Get(srv.URL + "/api/comments/search?threatModelId=tm1&q=keys")
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusInternalServerError {
		t.Errorf("expected 500, got %d", resp.StatusCode)
	}
}

func TestCreateThreatModel(t *testing.T) {
	data := &fakeData{}
	srv := newHTTPServer(t, data, nil, nil)

	resp, err := http.Post(srv.URL+"/api/threat-models", "application/json", strings.NewReader(`{"name":"Payments"}`))
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status %d", resp.StatusCode)
	}

	var tm store.ThreatModel
	if err := json.NewDecoder(resp.Body).Decode(&tm); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if tm.ID == "" || tm.Name != "Payments" {
		t.Errorf("unexpected model: %+v", tm)
	}
	if len(data.created) != 1 {
		t.Errorf("expected one created model, got %d", len(data.created))
	}
}

func TestCreateThreatModelRequiresName(t *testing.T) {
	srv := newHTTPServer(t, &fakeData{}, nil, nil)

	resp, err := http.Post(srv.URL+"/api/threat-models", "application/json", strings.NewReader(`{}`))
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Errorf("expected 422, got %d", resp.StatusCode)
	}
}

func TestListComments(t *testing.T) {
	data := &fakeData{}
	if err := data.InsertComment(context.Background(), store.Comment{ID: "cm1", ThreatModelID: "tm1", Content: "first"}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := data.InsertComment(context.Background(), store.Comment{ID: "cm2", ThreatModelID: "tm2", Content: "other"}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	srv := newHTTPServer(t, data, nil, nil)

	resp, err := http.Get(srv.URL + "/api/comments?threatModelId=tm1")
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}

	var body struct {
		Comments []store.Comment `json:"comments"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Comments) != 1 || body.Comments[0].ID != "cm1" {
		t.Errorf("unexpected comments: %+v", body.Comments)
	}
}

func TestListCommentsRequiresThreatModelID(t *testing.T) {
	srv := newHTTPServer(t, &fakeData{}, nil, nil)

	resp, err := http.Get(srv.URL + "/api/comments")
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Errorf("expected 422, got %d", resp.StatusCode)
	}
}

func TestHistoryEndpoints(t *testing.T) {
	hist := history.New(t.TempDir())
	model := emptyModel("tm1")
	model.Components["c1"] = &store.Component{ID: "c1", Name: "Gateway"}
	if err := hist.Record("tm1", model, "alice"); err != nil {
		t.Fatalf("record: %v", err)
	}
	srv := newHTTPServer(t, &fakeData{}, nil, hist)

	resp, err := http.Get(srv.URL + "/api/threat-models/tm1/history")
	if err != nil {
		t.Fatalf("versions request: %v", err)
	}
	var versions struct {
		Versions []history.Version `json:"versions"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&versions); err != nil {
		t.Fatalf("decode versions: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || len(versions.Versions) != 1 {
		t.Fatalf("expected one version, got status %d, %+v", resp.StatusCode, versions.Versions)
	}

	resp, err = http.Get(srv.URL + "/api/threat-models/tm1/history/" + versions.Versions[0].Hash)
	if err != nil {
		t.Fatalf("state request: %v", err)
	}
	var archived store.ThreatModel
	if err := json.NewDecoder(resp.Body).Decode(&archived); err != nil {
		t.Fatalf("decode state: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || archived.Components["c1"] == nil {
		t.Errorf("unexpected archived state: status %d, %+v", resp.StatusCode, archived)
	}

	resp, err = http.Get(srv.URL + "/api/threat-models/tm1/history/ffffffffffffffffffffffffffffffffffffffff")
	if err != nil {
		t.Fatalf("bad hash request: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404 for unknown version, got %d", resp.StatusCode)
	}
}

func TestHistoryUnavailableWithoutService(t *testing.T) {
	srv := newHTTPServer(t, &fakeData{}, nil, nil)

	resp, err := http.Get(srv.URL + "/api/threat-models/tm1/history")
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", resp.StatusCode)
	}
}
