package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/OndesLab/conducteur/internal/auth"
	"github.com/OndesLab/conducteur/internal/rundown"
	"github.com/OndesLab/conducteur/internal/store"
)

const testProvisioningKey = "unit-test-provisioning-key"

func mustRouter(t *testing.T) (http.Handler, *store.Service) {
	t.Helper()
	database, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	if err := database.AutoMigrate(&store.ItemRecord{}, &store.MetaRecord{}); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}
	storeService, err := store.NewService(store.ServiceConfig{Database: database})
	if err != nil {
		t.Fatalf("failed to create store service: %v", err)
	}
	issuer := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte("unit-test-secret"),
		Issuer:        "conducteur-auth",
		Audience:      "conducteur-api",
		TokenTTL:      time.Hour,
	})
	handler, err := NewHTTPHandler(Dependencies{
		TokenManager:    issuer,
		StoreService:    storeService,
		ProvisioningKey: testProvisioningKey,
	})
	if err != nil {
		t.Fatalf("failed to build handler: %v", err)
	}
	return handler, storeService
}

func provisionToken(t *testing.T, handler http.Handler) string {
	t.Helper()
	body, _ := json.Marshal(map[string]string{"user_id": "user-42", "display_name": "Chantal"})
	request := httptest.NewRequest(http.MethodPost, "/auth/token", bytes.NewReader(body))
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set(provisioningKeyHeader, testProvisioningKey)
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, request)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200 from token endpoint, got %d: %s", recorder.Code, recorder.Body.String())
	}
	var response tokenResponsePayload
	if err := json.Unmarshal(recorder.Body.Bytes(), &response); err != nil {
		t.Fatalf("failed to decode token response: %v", err)
	}
	if response.AccessToken == "" || response.TokenType != "Bearer" {
		t.Fatalf("unexpected token response: %+v", response)
	}
	return response.AccessToken
}

func TestHealthEndpoint(t *testing.T) {
	handler, _ := mustRouter(t)
	request := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, request)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}
}

func TestTokenProvisioningRejectsWrongKey(t *testing.T) {
	handler, _ := mustRouter(t)
	body, _ := json.Marshal(map[string]string{"user_id": "user-42"})
	request := httptest.NewRequest(http.MethodPost, "/auth/token", bytes.NewReader(body))
	request.Header.Set(provisioningKeyHeader, "wrong-key")
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, request)
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", recorder.Code)
	}
}

func TestTokenProvisioningRejectsEmptyUser(t *testing.T) {
	handler, _ := mustRouter(t)
	body, _ := json.Marshal(map[string]string{"user_id": "  "})
	request := httptest.NewRequest(http.MethodPost, "/auth/token", bytes.NewReader(body))
	request.Header.Set(provisioningKeyHeader, testProvisioningKey)
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, request)
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", recorder.Code)
	}
}

func TestRundownEndpointRequiresBearerToken(t *testing.T) {
	handler, _ := mustRouter(t)
	request := httptest.NewRequest(http.MethodGet, "/rundowns/matinale", nil)
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, request)
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", recorder.Code)
	}

	request = httptest.NewRequest(http.MethodGet, "/rundowns/matinale", nil)
	request.Header.Set("Authorization", "Bearer not-a-token")
	recorder = httptest.NewRecorder()
	handler.ServeHTTP(recorder, request)
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 with garbage token, got %d", recorder.Code)
	}
}

func TestRundownEndpointReturnsStoredSnapshot(t *testing.T) {
	handler, storeService := mustRouter(t)
	rundownID, err := rundown.NewRundownID("matinale")
	if err != nil {
		t.Fatalf("unexpected rundown id error: %v", err)
	}
	snapshot := rundown.Snapshot{
		Items: []rundown.Item{
			{ID: "item-1", Type: rundown.ItemTypeStory, Title: "Ouverture", DurationSeconds: 120, Position: 0, Status: rundown.ItemStatusReady},
		},
		Meta: rundown.Meta{Status: rundown.RundownStatusReady, Notes: "édition du matin"},
	}
	if err := storeService.Save(context.Background(), rundownID, snapshot); err != nil {
		t.Fatalf("failed to seed store: %v", err)
	}

	token := provisionToken(t, handler)
	request := httptest.NewRequest(http.MethodGet, "/rundowns/matinale", nil)
	request.Header.Set("Authorization", "Bearer "+token)
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, request)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", recorder.Code, recorder.Body.String())
	}

	var response rundownResponsePayload
	if err := json.Unmarshal(recorder.Body.Bytes(), &response); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if response.RundownID != "matinale" || response.Status != "READY" {
		t.Fatalf("unexpected response header: %+v", response)
	}
	if len(response.Items) != 1 || response.Items[0].Title != "Ouverture" {
		t.Fatalf("unexpected items: %+v", response.Items)
	}
}

func TestRundownEndpointReturnsEmptySnapshotForUnknownID(t *testing.T) {
	handler, _ := mustRouter(t)
	token := provisionToken(t, handler)
	request := httptest.NewRequest(http.MethodGet, "/rundowns/inconnu", nil)
	request.Header.Set("Authorization", "Bearer "+token)
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, request)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}
	var response rundownResponsePayload
	if err := json.Unmarshal(recorder.Body.Bytes(), &response); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if response.Status != "DRAFT" || len(response.Items) != 0 {
		t.Fatalf("expected empty draft snapshot, got %+v", response)
	}
}

func TestCORSPreflight(t *testing.T) {
	handler, _ := mustRouter(t)
	request := httptest.NewRequest(http.MethodOptions, "/auth/token", nil)
	request.Header.Set("Origin", "https://studio.example")
	request.Header.Set("Access-Control-Request-Method", http.MethodPost)
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, request)
	if recorder.Code != http.StatusNoContent && recorder.Code != http.StatusOK {
		t.Fatalf("expected preflight success, got %d", recorder.Code)
	}
	if recorder.Header().Get("Access-Control-Allow-Origin") == "" {
		t.Fatalf("expected CORS headers on preflight response")
	}
}
