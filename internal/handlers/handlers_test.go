package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/example/tryon/internal/auth"
	"github.com/example/tryon/internal/camera"
	"github.com/example/tryon/internal/landmark"
	"github.com/example/tryon/internal/logging"
	"github.com/example/tryon/internal/overlay"
	"github.com/example/tryon/internal/session"
	"github.com/example/tryon/internal/usecase"
)

const testJWTSecret = "test-secret"

type stubService struct {
	startErr   error
	stopErr    error
	statusErr  error
	poseErr    error
	metricsErr error
	resizeErr  error
	owners     []string
	quality    int
	display    [2]int
}

func (s *stubService) StartSession(ctx context.Context, ownerID string) (string, error) {
	s.owners = append(s.owners, ownerID)
	if s.startErr != nil {
		return "", s.startErr
	}
	return "sess-1", nil
}

func (s *stubService) StopSession(ctx context.Context, ownerID, sessionID string) error {
	return s.stopErr
}

func (s *stubService) GetStatus(ctx context.Context, ownerID, sessionID string) (*usecase.SessionStatus, error) {
	if s.statusErr != nil {
		return nil, s.statusErr
	}
	return &usecase.SessionStatus{SessionID: sessionID, OwnerID: ownerID, State: "running", Generation: 2}, nil
}

func (s *stubService) GetPose(ctx context.Context, ownerID, sessionID string) (*overlay.Pose, error) {
	if s.poseErr != nil {
		return nil, s.poseErr
	}
	return &overlay.Pose{SessionID: sessionID, Generation: 2, Transform: landmark.OverlayTransform{X: 10, Width: 30, Height: 12}}, nil
}

func (s *stubService) ResizeDisplay(ownerID, sessionID string, width, height int) error {
	s.display = [2]int{width, height}
	return s.resizeErr
}

func (s *stubService) WriteSnapshot(ownerID, sessionID string, out io.Writer, quality int) error {
	s.quality = quality
	_, err := out.Write([]byte{0xff, 0xd8, 0xff})
	return err
}

func (s *stubService) GetMetricsSummary(ctx context.Context) (*usecase.MetricsSummary, error) {
	if s.metricsErr != nil {
		return nil, s.metricsErr
	}
	return &usecase.MetricsSummary{TotalSessions: 3}, nil
}

func newTestRouter(svc TryOnService, limiter *RateLimiter) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	RegisterRoutes(router, svc, auth.JWTMiddleware(testJWTSecret, ""), limiter)
	return router
}

func serve(t *testing.T, router *gin.Engine, method, path string, authorized bool) *httptest.ResponseRecorder {
	t.Helper()
	return serveBody(t, router, method, path, "", authorized)
}

func serveBody(t *testing.T, router *gin.Engine, method, path, body string, authorized bool) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if authorized {
		req.Header.Set("Authorization", "Bearer "+buildTestToken(t, "user-123"))
	}
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)
	return resp
}

func TestHealthIsPublic(t *testing.T) {
	resp := serve(t, newTestRouter(&stubService{}, nil), http.MethodGet, "/health", false)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, resp.Code)
	}
}

func TestSessionRoutesRequireAuth(t *testing.T) {
	router := newTestRouter(&stubService{}, nil)
	for _, route := range [][2]string{
		{http.MethodPost, "/sessions"},
		{http.MethodDelete, "/sessions/sess-1"},
		{http.MethodGet, "/sessions/sess-1"},
		{http.MethodGet, "/sessions/sess-1/pose"},
		{http.MethodGet, "/sessions/sess-1/snapshot"},
		{http.MethodPut, "/sessions/sess-1/display"},
		{http.MethodGet, "/metrics/summary"},
	} {
		if resp := serve(t, router, route[0], route[1], false); resp.Code != http.StatusUnauthorized {
			t.Fatalf("%s %s: expected 401, got %d", route[0], route[1], resp.Code)
		}
	}
}

func TestStartSession(t *testing.T) {
	svc := &stubService{}
	resp := serve(t, newTestRouter(svc, nil), http.MethodPost, "/sessions", true)
	if resp.Code != http.StatusCreated {
		t.Fatalf("expected status %d, got %d", http.StatusCreated, resp.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(resp.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["session_id"] != "sess-1" {
		t.Fatalf("unexpected body %v", body)
	}
	if len(svc.owners) != 1 || svc.owners[0] != "user-123" {
		t.Fatalf("token subject should become the owner, got %v", svc.owners)
	}
}

func TestStartSessionErrorMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code int
	}{
		{"denied", logging.NewOperationError("camera.open", "s", camera.ErrCameraDenied), http.StatusForbidden},
		{"unavailable", fmt.Errorf("%w: no device", camera.ErrCameraUnavailable), http.StatusServiceUnavailable},
		{"not ready", camera.ErrNotReady, http.StatusServiceUnavailable},
		{"already active", session.ErrAlreadyActive, http.StatusConflict},
		{"limit", usecase.ErrTooManySessions, http.StatusConflict},
		{"timeout", context.DeadlineExceeded, http.StatusGatewayTimeout},
		{"other", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := serve(t, newTestRouter(&stubService{startErr: tt.err}, nil), http.MethodPost, "/sessions", true)
			if resp.Code != tt.code {
				t.Fatalf("expected status %d, got %d", tt.code, resp.Code)
			}
		})
	}
}

func TestStartSessionIsRateLimited(t *testing.T) {
	router := newTestRouter(&stubService{}, NewRateLimiter(0.001, 2, zap.NewNop()))
	for i := 0; i < 2; i++ {
		if resp := serve(t, router, http.MethodPost, "/sessions", true); resp.Code != http.StatusCreated {
			t.Fatalf("request %d: expected 201, got %d", i, resp.Code)
		}
	}
	if resp := serve(t, router, http.MethodPost, "/sessions", true); resp.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", resp.Code)
	}
	if resp := serve(t, router, http.MethodGet, "/sessions/sess-1", true); resp.Code != http.StatusOK {
		t.Fatalf("status reads must not be limited, got %d", resp.Code)
	}
}

func TestStopSession(t *testing.T) {
	router := newTestRouter(&stubService{}, nil)
	if resp := serve(t, router, http.MethodDelete, "/sessions/sess-1", true); resp.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", resp.Code)
	}
	router = newTestRouter(&stubService{stopErr: usecase.ErrSessionNotFound}, nil)
	if resp := serve(t, router, http.MethodDelete, "/sessions/nope", true); resp.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.Code)
	}
}

func TestGetStatusAndPose(t *testing.T) {
	router := newTestRouter(&stubService{}, nil)

	resp := serve(t, router, http.MethodGet, "/sessions/sess-1", true)
	var status usecase.SessionStatus
	if err := json.Unmarshal(resp.Body.Bytes(), &status); err != nil || resp.Code != http.StatusOK {
		t.Fatalf("status: code %d err %v", resp.Code, err)
	}
	if status.State != "running" || status.Generation != 2 {
		t.Fatalf("unexpected status %+v", status)
	}

	resp = serve(t, router, http.MethodGet, "/sessions/sess-1/pose", true)
	var pose overlay.Pose
	if err := json.Unmarshal(resp.Body.Bytes(), &pose); err != nil || resp.Code != http.StatusOK {
		t.Fatalf("pose: code %d err %v", resp.Code, err)
	}
	if pose.Transform.Width != 30 {
		t.Fatalf("unexpected pose %+v", pose)
	}

	router = newTestRouter(&stubService{poseErr: usecase.ErrPoseUnavailable}, nil)
	if resp := serve(t, router, http.MethodGet, "/sessions/sess-1/pose", true); resp.Code != http.StatusNotFound {
		t.Fatalf("expected 404 before any pose, got %d", resp.Code)
	}
}

func TestSnapshot(t *testing.T) {
	svc := &stubService{}
	router := newTestRouter(svc, nil)

	resp := serve(t, router, http.MethodGet, "/sessions/sess-1/snapshot?quality=60", true)
	if resp.Code != http.StatusOK || resp.Header().Get("Content-Type") != "image/jpeg" {
		t.Fatalf("unexpected response %d %q", resp.Code, resp.Header().Get("Content-Type"))
	}
	if svc.quality != 60 {
		t.Fatalf("expected quality 60, got %d", svc.quality)
	}

	if resp := serve(t, router, http.MethodGet, "/sessions/sess-1/snapshot?quality=0", true); resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for a bad quality, got %d", resp.Code)
	}
}

func TestResizeDisplay(t *testing.T) {
	svc := &stubService{}
	router := newTestRouter(svc, nil)

	resp := serveBody(t, router, http.MethodPut, "/sessions/sess-1/display", `{"width":480,"height":640}`, true)
	if resp.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d: %s", resp.Code, resp.Body.String())
	}
	if svc.display != [2]int{480, 640} {
		t.Fatalf("unexpected display %v", svc.display)
	}

	if resp := serveBody(t, router, http.MethodPut, "/sessions/sess-1/display", `{"width":480}`, true); resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for a missing height, got %d", resp.Code)
	}

	router = newTestRouter(&stubService{resizeErr: usecase.ErrInvalidDisplay}, nil)
	if resp := serveBody(t, router, http.MethodPut, "/sessions/sess-1/display", `{"width":-1,"height":10}`, true); resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for an invalid size, got %d", resp.Code)
	}
}

func TestMetricsSummary(t *testing.T) {
	if resp := serve(t, newTestRouter(&stubService{}, nil), http.MethodGet, "/metrics/summary", true); resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	router := newTestRouter(&stubService{metricsErr: errors.New("db down")}, nil)
	if resp := serve(t, router, http.MethodGet, "/metrics/summary", true); resp.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", resp.Code)
	}
}

func buildTestToken(t *testing.T, subject string) string {
	t.Helper()

	claims := jwt.RegisteredClaims{
		Subject:   subject,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(testJWTSecret))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return signed
}
