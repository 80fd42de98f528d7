package retriever

import (
	"archive/zip"
	"bytes"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildTestZip(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	for name, content := range files {
		f, err := w.Create(name)
		require.NoError(t, err)
		_, err = f.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func TestFetchAndUnpackExtractsFiles(t *testing.T) {
	zipData := buildTestZip(t, map[string]string{
		"report.json": `{"ok":true}`,
		"logs/cuckoo.log": "line one\n",
	})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(zipData)
	}))
	defer srv.Close()

	destDir := t.TempDir()
	r := New(nil)
	defer r.Stop()

	done := make(chan error, 1)
	r.Submit(FetchJob{TaskID: "t1", NodeURL: srv.URL, DestDir: destDir, Done: done})

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for retrieval")
	}

	data, err := os.ReadFile(filepath.Join(destDir, "report.json"))
	require.NoError(t, err)
	assert.Equal(t, `{"ok":true}`, string(data))

	data, err = os.ReadFile(filepath.Join(destDir, "logs", "cuckoo.log"))
	require.NoError(t, err)
	assert.Equal(t, "line one\n", string(data))
}

func TestFetchReportsErrorOnBadStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	r := New(nil)
	defer r.Stop()

	done := make(chan error, 1)
	r.Submit(FetchJob{TaskID: "t1", NodeURL: srv.URL, DestDir: t.TempDir(), Done: done})

	select {
	case err := <-done:
		require.Error(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for retrieval")
	}
}
