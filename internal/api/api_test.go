package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/observer/hirechat/internal/auth"
	"github.com/observer/hirechat/internal/database"
	"github.com/observer/hirechat/internal/domain"
)

const testKey = "test-signing-key-at-least-32-characters-long"

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func withCaller(r *http.Request, handle int64, role domain.Role) *http.Request {
	ctx := auth.WithClaims(r.Context(), &auth.Claims{Handle: handle, Role: role})
	return r.WithContext(ctx)
}

// =============================================================================
// Fakes
// =============================================================================

type fakePresigner struct {
	err error
}

func (p *fakePresigner) Bucket() string { return "chat-media" }

func (p *fakePresigner) GeneratePresignedPutURL(_ context.Context, key, _ string, _ time.Duration) (string, error) {
	if p.err != nil {
		return "", p.err
	}
	return "https://upload.example/" + key + "?sig=abc", nil
}

func (p *fakePresigner) DownloadURL(_ context.Context, key string, _ time.Duration) (string, error) {
	if p.err != nil {
		return "", p.err
	}
	return "https://cdn.example/" + key, nil
}

type fakeAttachments struct {
	mu    sync.Mutex
	saved map[string]*domain.Attachment
	err   error
}

func newFakeAttachments() *fakeAttachments {
	return &fakeAttachments{saved: make(map[string]*domain.Attachment)}
}

func (s *fakeAttachments) CreateAttachment(_ context.Context, att *domain.Attachment) error {
	if s.err != nil {
		return s.err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saved[att.ID] = att
	return nil
}

func (s *fakeAttachments) GetAttachmentByID(_ context.Context, id string) (*domain.Attachment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	att, ok := s.saved[id]
	if !ok {
		return nil, database.ErrNotFound
	}
	return att, nil
}

func (s *fakeAttachments) ListByChat(_ context.Context, chatID int64) ([]*domain.Attachment, error) {
	if s.err != nil {
		return nil, s.err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.Attachment
	for _, att := range s.saved {
		if att.ChatID == chatID {
			out = append(out, att)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

type fakeReceipts struct {
	receipts  []domain.ReadReceipt
	err       error
	lastLimit int
}

func (s *fakeReceipts) ListByChat(_ context.Context, chatID int64, limit int) ([]domain.ReadReceipt, error) {
	if s.err != nil {
		return nil, s.err
	}
	s.lastLimit = limit
	var out []domain.ReadReceipt
	for _, rc := range s.receipts {
		if rc.ChatID == chatID && len(out) < limit {
			out = append(out, rc)
		}
	}
	return out, nil
}

func (s *fakeReceipts) IsRead(_ context.Context, chatID int64, messageID string) (bool, error) {
	if s.err != nil {
		return false, s.err
	}
	for _, rc := range s.receipts {
		if rc.ChatID == chatID && rc.MessageID == messageID {
			return true, nil
		}
	}
	return false, nil
}

type fakeOnline map[string]bool

func (f fakeOnline) OnlineClientIDs() []string {
	ids := make([]string, 0, len(f))
	for id := range f {
		ids = append(ids, id)
	}
	return ids
}

func (f fakeOnline) IsClientOnline(clientID string) bool { return f[clientID] }

// =============================================================================
// TokenHandler
// =============================================================================

func TestIssueToken(t *testing.T) {
	tokens, err := auth.NewTokenService(testKey, "hirechat.test", time.Hour)
	require.NoError(t, err)
	h := NewTokenHandler(tokens, quietLogger())

	req := withCaller(httptest.NewRequest(http.MethodGet, auth.TokenPath, nil), 42, domain.RolePublisher)
	rec := httptest.NewRecorder()
	h.IssueToken(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp auth.TokenResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.NotNil(t, resp.Data.TokenRequest)

	claims, err := tokens.VerifyTokenRequest(resp.Data.TokenRequest)
	require.NoError(t, err)
	assert.Equal(t, int64(42), claims.Handle)
	assert.Equal(t, auth.CapabilityFor(domain.RolePublisher, 42).String(), resp.Data.TokenRequest.Capability)
}

func TestIssueToken_Unauthenticated(t *testing.T) {
	tokens, err := auth.NewTokenService(testKey, "hirechat.test", time.Hour)
	require.NoError(t, err)
	h := NewTokenHandler(tokens, quietLogger())

	rec := httptest.NewRecorder()
	h.IssueToken(rec, httptest.NewRequest(http.MethodGet, auth.TokenPath, nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

// =============================================================================
// UploadHandler
// =============================================================================

func postUpload(h *UploadHandler, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/jobbit/v1/chat/upload", strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.InitUpload(rec, withCaller(req, 7, domain.RoleApplicant))
	return rec
}

func TestInitUpload_Image(t *testing.T) {
	store := newFakeAttachments()
	h := NewUploadHandler(store, &fakePresigner{}, 1<<20, quietLogger())

	rec := postUpload(h, `{"chat_id":12,"filename":"cv photo.png","mime_type":"image/png","size_bytes":2048}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp domain.UploadInitResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, domain.UploadKindImage, resp.Kind)
	assert.True(t, strings.HasPrefix(resp.ObjectKey, "chats/12/"+resp.FileID+"/"))
	assert.Equal(t, "https://cdn.example/"+resp.ObjectKey, resp.URL)
	assert.Contains(t, resp.PresignedURL, resp.ObjectKey)
	assert.Equal(t, "image/png", resp.RequiredHeaders["Content-Type"])

	saved, err := store.GetAttachmentByID(context.Background(), resp.FileID)
	require.NoError(t, err)
	assert.Equal(t, int64(7), saved.Uploader)
	assert.Equal(t, "chat-media", saved.Bucket)
}

func TestInitUpload_FileWithoutStore(t *testing.T) {
	h := NewUploadHandler(nil, &fakePresigner{}, 1<<20, quietLogger())

	rec := postUpload(h, `{"chat_id":1,"filename":"resume.pdf","mime_type":"application/pdf","size_bytes":10}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp domain.UploadInitResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, domain.UploadKindFile, resp.Kind)
}

func TestInitUpload_Rejected(t *testing.T) {
	tests := []struct {
		name string
		body string
		code int
	}{
		{"malformed body", `{`, http.StatusBadRequest},
		{"missing chat", `{"filename":"a.png","mime_type":"image/png","size_bytes":1}`, http.StatusBadRequest},
		{"empty file", `{"chat_id":1,"filename":"a.png","mime_type":"image/png","size_bytes":0}`, http.StatusBadRequest},
		{"too large", `{"chat_id":1,"filename":"a.png","mime_type":"image/png","size_bytes":4096}`, http.StatusBadRequest},
		{"mime not allowed", `{"chat_id":1,"filename":"a.exe","mime_type":"application/x-msdownload","size_bytes":1}`, http.StatusBadRequest},
	}

	h := NewUploadHandler(newFakeAttachments(), &fakePresigner{}, 1024, quietLogger())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.code, postUpload(h, tt.body).Code)
		})
	}
}

func TestInitUpload_BackendFailures(t *testing.T) {
	body := `{"chat_id":1,"filename":"a.png","mime_type":"image/png","size_bytes":1}`

	h := NewUploadHandler(newFakeAttachments(), &fakePresigner{err: errors.New("r2 down")}, 1024, quietLogger())
	assert.Equal(t, http.StatusInternalServerError, postUpload(h, body).Code)

	store := newFakeAttachments()
	store.err = errors.New("db down")
	h = NewUploadHandler(store, &fakePresigner{}, 1024, quietLogger())
	assert.Equal(t, http.StatusInternalServerError, postUpload(h, body).Code)
}

func TestInitUpload_Unauthenticated(t *testing.T) {
	h := NewUploadHandler(nil, &fakePresigner{}, 1024, quietLogger())
	rec := httptest.NewRecorder()
	h.InitUpload(rec, httptest.NewRequest(http.MethodPost, "/jobbit/v1/chat/upload", strings.NewReader(`{}`)))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAttachmentURL(t *testing.T) {
	store := newFakeAttachments()
	store.saved["f1"] = &domain.Attachment{ID: "f1", Uploader: 7, ObjectKey: "chats/1/f1/a.png", Filename: "a.png"}
	h := NewUploadHandler(store, &fakePresigner{}, 1024, quietLogger())

	get := func(id string, handle int64, role domain.Role) *httptest.ResponseRecorder {
		mux := http.NewServeMux()
		mux.Handle("GET /jobbit/v1/chat/upload/{id}", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h.AttachmentURL(w, withCaller(r, handle, role))
		}))
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, fmt.Sprintf("/jobbit/v1/chat/upload/%s", id), nil))
		return rec
	}

	rec := get("f1", 7, domain.RoleApplicant)
	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, "https://cdn.example/chats/1/f1/a.png", body["url"])

	assert.Equal(t, http.StatusOK, get("f1", 1, domain.RoleAdmin).Code)
	assert.Equal(t, http.StatusForbidden, get("f1", 8, domain.RolePublisher).Code)
	assert.Equal(t, http.StatusNotFound, get("missing", 7, domain.RoleApplicant).Code)
}

func TestListAttachments(t *testing.T) {
	store := newFakeAttachments()
	store.saved["a1"] = &domain.Attachment{ID: "a1", ChatID: 3, Uploader: 7}
	store.saved["a2"] = &domain.Attachment{ID: "a2", ChatID: 3, Uploader: 8}
	store.saved["a3"] = &domain.Attachment{ID: "a3", ChatID: 4, Uploader: 7}
	h := NewUploadHandler(store, &fakePresigner{}, 1024, quietLogger())

	list := func(query string, handle int64, role domain.Role) (*httptest.ResponseRecorder, []string) {
		rec := httptest.NewRecorder()
		h.ListAttachments(rec, withCaller(httptest.NewRequest(http.MethodGet, "/jobbit/v1/chat/uploads"+query, nil), handle, role))
		var body struct {
			Attachments []domain.Attachment `json:"attachments"`
		}
		_ = json.NewDecoder(rec.Body).Decode(&body)
		ids := make([]string, 0, len(body.Attachments))
		for _, att := range body.Attachments {
			ids = append(ids, att.ID)
		}
		return rec, ids
	}

	rec, ids := list("?chat_id=3", 1, domain.RoleAdmin)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"a1", "a2"}, ids)

	_, ids = list("?chat_id=3", 7, domain.RoleApplicant)
	assert.Equal(t, []string{"a1"}, ids)

	_, ids = list("?chat_id=99", 7, domain.RoleApplicant)
	assert.Empty(t, ids)

	rec, _ = list("?chat_id=x", 7, domain.RoleApplicant)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	store.err = errors.New("db down")
	rec, _ = list("?chat_id=3", 1, domain.RoleAdmin)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestListAttachments_WithoutStore(t *testing.T) {
	h := NewUploadHandler(nil, &fakePresigner{}, 1024, quietLogger())
	rec := httptest.NewRecorder()
	h.ListAttachments(rec, withCaller(httptest.NewRequest(http.MethodGet, "/jobbit/v1/chat/uploads?chat_id=1", nil), 7, domain.RoleApplicant))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"attachments":[]}`, rec.Body.String())
}

// =============================================================================
// ReceiptHandler
// =============================================================================

func testReceipts() *fakeReceipts {
	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	return &fakeReceipts{receipts: []domain.ReadReceipt{
		{ChatID: 5, MessageID: "m2", Reader: 2001, ReadAt: at.Add(time.Minute)},
		{ChatID: 5, MessageID: "m1", Reader: 2001, ReadAt: at},
		{ChatID: 6, MessageID: "m9", Reader: 2002, ReadAt: at},
	}}
}

func TestListReceipts(t *testing.T) {
	store := testReceipts()
	h := NewReceiptHandler(store, quietLogger())

	get := func(query string, role domain.Role) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		h.ListReceipts(rec, withCaller(httptest.NewRequest(http.MethodGet, "/jobbit/v1/chat/receipts"+query, nil), 1001, role))
		return rec
	}

	rec := get("?chat_id=5", domain.RolePublisher)
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Receipts []domain.ReadReceipt `json:"receipts"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	require.Len(t, body.Receipts, 2)
	assert.Equal(t, "m2", body.Receipts[0].MessageID)
	assert.Equal(t, defaultReceiptLimit, store.lastLimit)

	rec = get("?chat_id=5&limit=1000", domain.RoleAdmin)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, maxReceiptLimit, store.lastLimit)

	rec = get("?chat_id=7", domain.RoleAdmin)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"receipts":[]}`, rec.Body.String())

	assert.Equal(t, http.StatusForbidden, get("?chat_id=5", domain.RoleApplicant).Code)
	assert.Equal(t, http.StatusBadRequest, get("", domain.RoleAdmin).Code)
	assert.Equal(t, http.StatusBadRequest, get("?chat_id=5&limit=-1", domain.RoleAdmin).Code)

	store.err = errors.New("db down")
	assert.Equal(t, http.StatusInternalServerError, get("?chat_id=5", domain.RoleAdmin).Code)
}

func TestReadStatus(t *testing.T) {
	store := testReceipts()
	h := NewReceiptHandler(store, quietLogger())

	get := func(query string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		h.ReadStatus(rec, withCaller(httptest.NewRequest(http.MethodGet, "/jobbit/v1/chat/receipts/status"+query, nil), 2001, domain.RoleApplicant))
		return rec
	}

	rec := get("?chat_id=5&message_id=m1")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"chat_id":5,"message_id":"m1","read":true}`, rec.Body.String())

	rec = get("?chat_id=5&message_id=m9")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"chat_id":5,"message_id":"m9","read":false}`, rec.Body.String())

	assert.Equal(t, http.StatusBadRequest, get("?chat_id=5").Code)
	assert.Equal(t, http.StatusBadRequest, get("?message_id=m1").Code)

	store.err = errors.New("db down")
	assert.Equal(t, http.StatusInternalServerError, get("?chat_id=5&message_id=m1").Code)

	rec = httptest.NewRecorder()
	h.ReadStatus(rec, httptest.NewRequest(http.MethodGet, "/jobbit/v1/chat/receipts/status?chat_id=5&message_id=m1", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

// =============================================================================
// PresenceHandler
// =============================================================================

func TestListOnline(t *testing.T) {
	h := NewPresenceHandler(fakeOnline{"2001": true, "1001": true})

	rec := httptest.NewRecorder()
	h.ListOnline(rec, withCaller(httptest.NewRequest(http.MethodGet, "/jobbit/v1/chat/online", nil), 9999, domain.RoleAdmin))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"clients":["1001","2001"]}`, rec.Body.String())

	rec = httptest.NewRecorder()
	h.ListOnline(rec, withCaller(httptest.NewRequest(http.MethodGet, "/jobbit/v1/chat/online", nil), 1001, domain.RolePublisher))
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestIsOnline(t *testing.T) {
	h := NewPresenceHandler(fakeOnline{"2001": true})

	get := func(handle string) *httptest.ResponseRecorder {
		mux := http.NewServeMux()
		mux.Handle("GET /jobbit/v1/chat/online/{handle}", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h.IsOnline(w, withCaller(r, 1001, domain.RolePublisher))
		}))
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/jobbit/v1/chat/online/"+handle, nil))
		return rec
	}

	rec := get("2001")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"handle":2001,"online":true}`, rec.Body.String())

	assert.JSONEq(t, `{"handle":2002,"online":false}`, get("2002").Body.String())
	assert.Equal(t, http.StatusBadRequest, get("abc").Code)
}
