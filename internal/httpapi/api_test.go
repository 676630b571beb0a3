package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/kiliankoe/callfold/internal/auction"
	"github.com/kiliankoe/callfold/internal/events"
	"github.com/kiliankoe/callfold/internal/identity"
	"github.com/kiliankoe/callfold/internal/media"
	"github.com/kiliankoe/callfold/internal/store"
)

type stubUploader struct{ n int }

func (u *stubUploader) Upload(_ context.Context, img media.Image) (string, error) {
	u.n++
	return fmt.Sprintf("https://img.example/%d/%s", u.n, img.Filename), nil
}

func newTestRouter(t *testing.T) (*gin.Engine, *store.Memory) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	st := store.NewMemory()
	t.Cleanup(func() { _ = st.Close() })
	clock := clockwork.NewFakeClockAt(time.Date(2026, 3, 1, 18, 0, 0, 0, time.UTC))
	api := &API{
		Controller: auction.NewController(st, &stubUploader{}, events.Noop{}, clock, auction.DefaultPolicy()),
		Admins:     identity.NewAccountProvider(map[string]string{"host@example.com": "s3cret", "other@example.com": "pw"}),
		Authz:      identity.NewAllowList([]string{"host@example.com"}),
	}
	r := gin.New()
	api.Register(r)
	return r, st
}

func startForm(t *testing.T, fields map[string]string, files ...string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for k, v := range fields {
		require.NoError(t, w.WriteField(k, v))
	}
	for _, name := range files {
		fw, err := w.CreateFormFile("images", name)
		require.NoError(t, err)
		_, err = fw.Write([]byte("fake image bytes"))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	return &buf, w.FormDataContentType()
}

func validFields() map[string]string {
	return map[string]string{
		"name":         "Clock",
		"description":  "A brass mantel clock",
		"initialPrice": "100000",
		"increment":    "10000",
	}
}

func TestGetAuctionBeforeStart(t *testing.T) {
	r, _ := newTestRouter(t)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/auction", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Exists bool `json:"exists"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.False(t, body.Exists)
}

func TestStartAuctionRequiresAdmin(t *testing.T) {
	r, _ := newTestRouter(t)

	body, ct := startForm(t, validFields(), "a.jpg")
	req := httptest.NewRequest(http.MethodPost, "/api/admin/auction", body)
	req.Header.Set("Content-Type", ct)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.NotEmpty(t, rec.Header().Get("WWW-Authenticate"))

	body, ct = startForm(t, validFields(), "a.jpg")
	req = httptest.NewRequest(http.MethodPost, "/api/admin/auction", body)
	req.Header.Set("Content-Type", ct)
	req.SetBasicAuth("host@example.com", "wrong")
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	// valid account but not on the allow-list
	body, ct = startForm(t, validFields(), "a.jpg")
	req = httptest.NewRequest(http.MethodPost, "/api/admin/auction", body)
	req.Header.Set("Content-Type", ct)
	req.SetBasicAuth("other@example.com", "pw")
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusForbidden, rec.Code)
}

func TestStartAndEndAuction(t *testing.T) {
	r, st := newTestRouter(t)

	body, ct := startForm(t, validFields(), "front.jpg", "back.jpg")
	req := httptest.NewRequest(http.MethodPost, "/api/admin/auction", body)
	req.Header.Set("Content-Type", ct)
	req.SetBasicAuth("host@example.com", "s3cret")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	snap, err := st.Read(context.Background(), "auction/item/images")
	require.NoError(t, err)
	var urls []string
	require.NoError(t, snap.Decode(&urls))
	require.Equal(t, []string{"https://img.example/1/front.jpg", "https://img.example/2/back.jpg"}, urls)

	// a second start while running is a precondition failure
	body, ct = startForm(t, validFields(), "front.jpg")
	req = httptest.NewRequest(http.MethodPost, "/api/admin/auction", body)
	req.Header.Set("Content-Type", ct)
	req.SetBasicAuth("host@example.com", "s3cret")
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusConflict, rec.Code)

	req = httptest.NewRequest(http.MethodPost, "/api/admin/end", nil)
	req.SetBasicAuth("host@example.com", "s3cret")
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"ok":true,"winner":null}`, rec.Body.String())

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/auction", nil))
	var pub struct {
		Exists  bool             `json:"exists"`
		Auction auction.Document `json:"auction"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &pub))
	require.True(t, pub.Exists)
	require.True(t, pub.Auction.Ended)
	require.Equal(t, int64(100000), pub.Auction.CurrentPrice)
}

func TestStartAuctionRejectsBadInput(t *testing.T) {
	r, _ := newTestRouter(t)

	fields := validFields()
	fields["increment"] = "ten"
	body, ct := startForm(t, fields, "a.jpg")
	req := httptest.NewRequest(http.MethodPost, "/api/admin/auction", body)
	req.Header.Set("Content-Type", ct)
	req.SetBasicAuth("host@example.com", "s3cret")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	// no images
	body, ct = startForm(t, validFields())
	req = httptest.NewRequest(http.MethodPost, "/api/admin/auction", body)
	req.Header.Set("Content-Type", ct)
	req.SetBasicAuth("host@example.com", "s3cret")
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusConflict, rec.Code)
	require.Contains(t, rec.Body.String(), "precondition_failed")
}
