package remote

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/entsync/internal/record"
)

func echoExecutor(t *testing.T) Client {
	t.Helper()
	return ClientFunc(func(_ context.Context, doc Document, vars Vars) (json.RawMessage, error) {
		switch doc {
		case DocFetchOne:
			return EncodeSnapshot(record.Snapshot{
				Value:   record.Object{"id": vars["id"], "price": int64(10)},
				Version: 3,
			})
		case DocFetchAll:
			return json.RawMessage(`{"items":[{"value":{"id":"a"},"version":1},{"value":{"id":"b"},"version":2}]}`), nil
		case DocCloseWon:
			return nil, Rejectf(doc, "opportunity %v is already closed", vars["id"])
		default:
			return nil, errors.New("boom")
		}
	})
}

func TestHTTPClient_FetchOne(t *testing.T) {
	srv := httptest.NewServer(Handler(echoExecutor(t)))
	defer srv.Close()

	c := NewHTTPClient(srv.URL)
	snap, err := FetchOne(context.Background(), c, "opportunity", "opp-1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), snap.Version)
	assert.Equal(t, "opp-1", snap.Value["id"])
	assert.Equal(t, int64(10), snap.Value["price"])
}

func TestHTTPClient_FetchAll(t *testing.T) {
	srv := httptest.NewServer(Handler(echoExecutor(t)))
	defer srv.Close()

	snaps, err := FetchAll(context.Background(), NewHTTPClient(srv.URL), "opportunity")
	require.NoError(t, err)
	require.Len(t, snaps, 2)
	assert.Equal(t, "b", snaps[1].Value["id"])
	assert.Equal(t, int64(2), snaps[1].Version)
}

func TestHTTPClient_RemoteError(t *testing.T) {
	srv := httptest.NewServer(Handler(echoExecutor(t)))
	defer srv.Close()

	_, err := NewHTTPClient(srv.URL).Request(context.Background(), DocCloseWon, Vars{"id": "opp-1"})
	require.Error(t, err)
	assert.True(t, IsError(err))

	var re *Error
	require.ErrorAs(t, err, &re)
	assert.Equal(t, DocCloseWon, re.Document)
	assert.Equal(t, []string{"opportunity opp-1 is already closed"}, re.Messages)
}

func TestHTTPClient_InternalError(t *testing.T) {
	srv := httptest.NewServer(Handler(echoExecutor(t)))
	defer srv.Close()

	_, err := NewHTTPClient(srv.URL).Request(context.Background(), DocUpsert, nil)
	require.Error(t, err)
	// Internal failures still travel as an errors list.
	assert.True(t, IsError(err))
	assert.Contains(t, err.Error(), "boom")
}

func TestHTTPClient_BearerToken(t *testing.T) {
	var got string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Get("Authorization")
		_, _ = w.Write([]byte(`{"data":{}}`))
	}))
	defer srv.Close()

	_, err := NewHTTPClient(srv.URL, WithBearerToken("tok")).Request(context.Background(), DocFetchAll, nil)
	require.NoError(t, err)
	assert.Equal(t, "Bearer tok", got)
}

func TestHandler_RejectsBadRequests(t *testing.T) {
	h := Handler(echoExecutor(t))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", strings.NewReader("{")))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
