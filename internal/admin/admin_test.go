package admin

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"

	"github.com/proxyforge/interceptproxy/internal/model"
	"github.com/proxyforge/interceptproxy/internal/rules"
)

type fakeStore struct {
	added []rules.AddInput
	rule  model.BlockRule
}

func (f *fakeStore) Add(_ context.Context, in rules.AddInput) (model.BlockRule, error) {
	f.added = append(f.added, in)
	f.rule = model.BlockRule{ID: "r1", Pattern: in.Pattern, Scope: in.Scope, Subnet: in.Subnet, Reason: in.Reason}
	return f.rule, nil
}
func (f *fakeStore) Update(_ context.Context, id string, in rules.UpdateInput) (model.BlockRule, bool, error) {
	if id != f.rule.ID {
		return model.BlockRule{}, false, nil
	}
	if in.Reason != nil {
		f.rule.Reason = *in.Reason
	}
	return f.rule, true, nil
}
func (f *fakeStore) Delete(_ context.Context, id string) error { return nil }
func (f *fakeStore) ListActive(_ context.Context) ([]model.BlockRule, error) {
	if f.rule.ID == "" {
		return nil, nil
	}
	return []model.BlockRule{f.rule}, nil
}
func (f *fakeStore) Close() error { return nil }

var _ rules.Store = (*fakeStore)(nil)

type fakeLog struct {
	appended int
}

func (f *fakeLog) Append(_ context.Context, method, url, clientIP string) error {
	f.appended++
	return nil
}
func (f *fakeLog) Query(_ context.Context, filter model.TrafficFilter, limit, offset int) ([]model.TrafficRecord, error) {
	return nil, nil
}
func (f *fakeLog) Count(_ context.Context, filter model.TrafficFilter) (int64, error) {
	return int64(f.appended), nil
}
func (f *fakeLog) PurgeOlderThan(_ context.Context, days int) (int64, error) { return 0, nil }
func (f *fakeLog) Close() error                                             { return nil }

func TestAdmin_AddAndListRules(t *testing.T) {
	store := &fakeStore{}
	log := &fakeLog{}
	srv := New(store, log, zap.NewNop())
	router := srv.Router()

	body, _ := json.Marshal(ruleRequest{Pattern: "ads.example", Scope: model.ScopeGlobal})
	req := httptest.NewRequest(http.MethodPost, "/api/rules/", bytes.NewReader(body))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusCreated {
		t.Fatalf("add rule: status = %d, body = %s", w.Code, w.Body.String())
	}

	req = httptest.NewRequest(http.MethodGet, "/api/rules/", nil)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("list rules: status = %d", w.Code)
	}
	var got []model.BlockRule
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(got) != 1 || got[0].Pattern != "ads.example" {
		t.Fatalf("unexpected rules list: %+v", got)
	}
}

func TestAdmin_StatusPageRenders(t *testing.T) {
	store := &fakeStore{}
	log := &fakeLog{}
	srv := New(store, log, zap.NewNop())
	router := srv.Router()

	req := httptest.NewRequest(http.MethodGet, "/proxy-admin", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status page: status = %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "text/html; charset=utf-8" {
		t.Fatalf("content-type = %q", ct)
	}
}

func TestAdmin_DeleteRuleReturnsNoContent(t *testing.T) {
	store := &fakeStore{}
	log := &fakeLog{}
	srv := New(store, log, zap.NewNop())
	router := srv.Router()

	req := httptest.NewRequest(http.MethodDelete, "/api/rules/r1", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusNoContent {
		t.Fatalf("delete rule: status = %d", w.Code)
	}
}
