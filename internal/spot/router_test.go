package spot

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestBestSpotPriceSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/spot-price" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		if r.URL.Query().Get("assetIn") != "5" || r.URL.Query().Get("assetOut") != "10" {
			t.Fatalf("unexpected query %s", r.URL.RawQuery)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"amount": "4250000", "decimals": 6})
	}))
	defer srv.Close()

	r := NewHTTPRouter(Options{BaseURL: srv.URL, Timeout: time.Second}, zerolog.Nop())
	q, err := r.BestSpotPrice(context.Background(), 5, 10)
	if err != nil {
		t.Fatalf("成功响应不应报错: %v", err)
	}
	if q == nil || math.Abs(q.Price()-4.25) > 1e-9 {
		t.Fatalf("期望价格 4.25, 实际 %+v", q)
	}
}

func TestBestSpotPriceNoRoute(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	r := NewHTTPRouter(Options{BaseURL: srv.URL}, zerolog.Nop())
	q, err := r.BestSpotPrice(context.Background(), 1, 2)
	if err != nil || q != nil {
		t.Fatalf("404 应返回空报价, got %+v %v", q, err)
	}
}

func TestBestSpotPriceHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]string{"message": "unknown asset"})
	}))
	defer srv.Close()

	r := NewHTTPRouter(Options{BaseURL: srv.URL}, zerolog.Nop())
	if _, err := r.BestSpotPrice(context.Background(), 1, 2); err == nil {
		t.Fatal("HTTP 400 应返回错误")
	}
}

func TestBestSpotPriceNotConfigured(t *testing.T) {
	r := NewHTTPRouter(Options{}, zerolog.Nop())
	if _, err := r.BestSpotPrice(context.Background(), 1, 2); err == nil {
		t.Fatal("缺少 base url 时应返回错误")
	}
}

func TestStaticRouter(t *testing.T) {
	s := Static{}
	s.Set(5, 10, 90)
	q, _ := s.BestSpotPrice(context.Background(), 5, 10)
	if q == nil || math.Abs(q.Price()-90) > 1e-9 {
		t.Fatalf("unexpected quote %+v", q)
	}
	if q, _ := s.BestSpotPrice(context.Background(), 10, 5); q != nil {
		t.Fatal("reverse pair must be absent")
	}
}
