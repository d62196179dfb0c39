package queueclient

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestList(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/autograde/", r.URL.Path)
		assert.Equal(t, "secret", r.URL.Query().Get("APIKEY"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[{"id":7,"filename":"a.py"},{"id":9,"filename":"b.py","reset_url":"http://tasks.local/reset"}]`))
	}))
	defer srv.Close()

	client := New(srv.URL, "secret")
	entries, err := client.List(context.Background())
	require.NoError(t, err)

	require.Len(t, entries, 2)
	assert.Equal(t, int64(7), entries[0].ID)
	assert.Equal(t, "a.py", entries[0].Filename)
	assert.Equal(t, "http://tasks.local/reset", entries[1].ResetURL)
}

func TestFetchPayload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/autograde/7/" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = w.Write([]byte("print('hi')\n"))
	}))
	defer srv.Close()

	client := New(srv.URL, "secret")

	body, err := client.FetchPayload(context.Background(), 7)
	require.NoError(t, err)
	payload, err := io.ReadAll(body)
	require.NoError(t, err)
	require.NoError(t, body.Close())
	assert.Equal(t, "print('hi')\n", string(payload))

	_, err = client.FetchPayload(context.Background(), 8)
	assert.Error(t, err, "missing submissions do not return a body")
}

func TestUploadResultRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}

		require.NoError(t, r.ParseForm())
		assert.Equal(t, "some output", r.PostForm.Get("output"))
		assert.Equal(t, "true", r.PostForm.Get("force_fail"))
		assert.Equal(t, "1700000000.5", r.PostForm.Get("start_time"))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"result":"NO_FLAG"}`))
	}))
	defer srv.Close()

	client := New(srv.URL, "secret")
	err := client.UploadResult(context.Background(), 7, "some output", true, 1700000000.5)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, calls.Load(), int32(2), "first failure must be retried")
}

func TestReset(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client := New(srv.URL, "secret")
	assert.NoError(t, client.Reset(context.Background(), srv.URL+"/reset"))
}
