package openai

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestGenerateImageBase64(t *testing.T) {
	pngBytes := []byte{0x89, 'P', 'N', 'G'}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/images/generations" {
			t.Errorf("path = %q", r.URL.Path)
		}
		var req imagesRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req.N != 1 || req.Prompt != "portrait of a welder" {
			t.Errorf("unexpected request: %+v", req)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]any{{"b64_json": base64.StdEncoding.EncodeToString(pngBytes)}},
		})
	}))
	defer srv.Close()

	c, err := NewClient(Options{APIKey: "key", BaseURL: srv.URL})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	asset, err := c.GenerateImage(context.Background(), ImageRequest{Prompt: "portrait of a welder"})
	if err != nil {
		t.Fatalf("GenerateImage: %v", err)
	}
	if string(asset.Data) != string(pngBytes) || asset.Format != "image/png" {
		t.Fatalf("unexpected asset: %+v", asset)
	}
}

func TestGenerateImageURLFallback(t *testing.T) {
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	defer srv.Close()

	mux.HandleFunc("/file.png", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write([]byte("imagebytes"))
	})
	mux.HandleFunc("/images/generations", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]any{{"url": srv.URL + "/file.png"}},
		})
	})

	c, err := NewClient(Options{APIKey: "key", BaseURL: srv.URL})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	asset, err := c.GenerateImage(context.Background(), ImageRequest{Prompt: "x"})
	if err != nil {
		t.Fatalf("GenerateImage: %v", err)
	}
	if string(asset.Data) != "imagebytes" {
		t.Fatalf("asset data = %q", asset.Data)
	}
}

func TestGenerateImageErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]any{"message": "billing hard limit reached", "type": "invalid_request_error"},
		})
	}))
	defer srv.Close()

	c, err := NewClient(Options{APIKey: "key", BaseURL: srv.URL})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	if _, err := c.GenerateImage(context.Background(), ImageRequest{Prompt: "x"}); err == nil {
		t.Fatal("expected provider error")
	}

	noKey, err := NewClient(Options{})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	if _, err := noKey.GenerateImage(context.Background(), ImageRequest{Prompt: "x"}); !errors.Is(err, ErrMissingAPIKey) {
		t.Fatalf("want ErrMissingAPIKey, got %v", err)
	}
}
