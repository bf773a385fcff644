package gcs_test

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"cloud.google.com/go/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"

	appstorage "github.com/Jabawack/bay-area-radar/internal/storage"
	"github.com/Jabawack/bay-area-radar/internal/storage/gcs"
)

const bucketName = "radar-archive"

func newTestStore(t *testing.T, handler http.Handler) *gcs.BlobStore {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := storage.NewClient(context.Background(),
		option.WithEndpoint(server.URL),
		option.WithoutAuthentication(),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	store, err := gcs.New(client, gcs.Config{Bucket: bucketName})
	require.NoError(t, err)
	return store
}

func TestPutObject(t *testing.T) {
	payload := []byte(`{"success":true}`)
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.Path, fmt.Sprintf("/upload/storage/v1/b/%s/o", bucketName))
		assert.Equal(t, "sessions/latest.json", r.URL.Query().Get("name"))

		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		assert.Contains(t, string(body), string(payload))
		assert.Contains(t, string(body), "application/json")

		fmt.Fprintln(w, `{"name":"sessions/latest.json","bucket":"`+bucketName+`"}`)
	})
	store := newTestStore(t, handler)

	uri, err := store.PutObject(context.Background(), "sessions/latest.json", "application/json", bytes.NewReader(payload))
	require.NoError(t, err)
	assert.Equal(t, "gs://radar-archive/sessions/latest.json", uri)
}

func TestPutObjectServerError(t *testing.T) {
	store := newTestStore(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))

	_, err := store.PutObject(context.Background(), "a.json", "", strings.NewReader("x"))
	assert.Error(t, err)
	_, err = store.PutObject(context.Background(), " ", "", strings.NewReader("x"))
	assert.ErrorContains(t, err, "path is required")
}

func TestGetObjectMissing(t *testing.T) {
	store := newTestStore(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))

	_, err := store.GetObject(context.Background(), "sessions/absent.json")
	require.ErrorIs(t, err, appstorage.ErrObjectNotFound)
}

func TestNewValidation(t *testing.T) {
	_, err := gcs.New(nil, gcs.Config{Bucket: bucketName})
	assert.Error(t, err)

	client, err := storage.NewClient(context.Background(), option.WithoutAuthentication())
	require.NoError(t, err)
	defer func() { _ = client.Close() }()
	_, err = gcs.New(client, gcs.Config{})
	assert.Error(t, err)
}

type roundTripperFunc func(req *http.Request) (*http.Response, error)

func (f roundTripperFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

func stubClient(status int) option.ClientOption {
	return option.WithHTTPClient(&http.Client{
		Transport: roundTripperFunc(func(r *http.Request) (*http.Response, error) {
			return &http.Response{
				StatusCode: status,
				Body:       io.NopCloser(strings.NewReader(`{}`)),
				Header:     make(http.Header),
				Request:    r,
			}, nil
		}),
	})
}

func TestDial(t *testing.T) {
	store, err := gcs.Dial(context.Background(), gcs.Config{Bucket: bucketName}, nil,
		option.WithoutAuthentication(), stubClient(http.StatusOK))
	require.NoError(t, err)
	require.NoError(t, store.Close())

	_, err = gcs.Dial(context.Background(), gcs.Config{Bucket: bucketName}, nil,
		option.WithoutAuthentication(), stubClient(http.StatusForbidden))
	require.ErrorContains(t, err, "attributes")
}
