package blob

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDownloadSkipsOversizeBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(make([]byte, 100))
	}))
	defer srv.Close()

	m := New(srv.Client(), 10)
	out := m.Download(context.Background(), []SourceAttachment{{URL: srv.URL, MimeType: "image/png"}})
	require.Empty(t, out)
}

func TestDownloadSkipsNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	m := New(srv.Client(), DefaultMaxBytes)
	out := m.Download(context.Background(), []SourceAttachment{{URL: srv.URL}})
	require.Empty(t, out)
}

func TestDownloadSucceeds(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		w.Write([]byte("pngdata"))
	}))
	defer srv.Close()

	m := New(srv.Client(), DefaultMaxBytes)
	out := m.Download(context.Background(), []SourceAttachment{{URL: srv.URL, Alt: "a cat"}})
	require.Len(t, out, 1)
	require.Equal(t, []byte("pngdata"), out[0].Data)
	require.Equal(t, "image/png", out[0].MimeType)
	require.Equal(t, "a cat", out[0].Alt)
}
