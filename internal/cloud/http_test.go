package cloud_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"cloudwipe/internal/cloud"
	"cloudwipe/internal/domain"
)

func TestGroupExists(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/subscriptions/sub-1/resourceGroups/known-rg" {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := cloud.NewResourceClient(srv.URL, "")
	ok, err := c.GroupExists(context.Background(), "sub-1", "known-rg")
	if err != nil {
		t.Fatalf("group exists: %v", err)
	}
	if !ok {
		t.Fatalf("known group reported missing")
	}
	ok, err = c.GroupExists(context.Background(), "sub-1", "other-rg")
	if err != nil {
		t.Fatalf("missing group must not be an error: %v", err)
	}
	if ok {
		t.Fatalf("missing group reported present")
	}
}

func TestDeleteAlreadyGoneReturnsNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := cloud.NewResourceClient(srv.URL, "")
	err := c.Delete(context.Background(), "vm-1")
	if !errors.Is(err, cloud.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for a gone object, got %v", err)
	}
}

func TestListSendsScopeQuery(t *testing.T) {
	var gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		_ = json.NewEncoder(w).Encode([]domain.Object{{ID: "vm-1", Type: domain.TypeInstance}})
	}))
	defer srv.Close()

	c := cloud.NewResourceClient(srv.URL, "")
	objects, err := c.List(context.Background(), domain.ResetScope{
		Level:           domain.LevelSubscription,
		TenantID:        "11111111-1111-1111-1111-111111111111",
		SubscriptionIDs: []string{"22222222-2222-2222-2222-222222222222"},
	})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(objects) != 1 || objects[0].ID != "vm-1" {
		t.Fatalf("unexpected objects: %v", objects)
	}
	for _, want := range []string{"level=subscription", "tenant_id=11111111", "subscription_id=22222222"} {
		if !strings.Contains(gotQuery, want) {
			t.Fatalf("query missing %q: %s", want, gotQuery)
		}
	}
}
