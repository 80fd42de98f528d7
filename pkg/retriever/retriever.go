// Package retriever downloads and unpacks the result bundle a node produces
// for a finished task. A fixed pool of workers pulls jobs off a queue so a
// slow or stalled download never blocks the scheduler or state controller
// that requested it.
package retriever

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/mothsandbox/moth/pkg/log"
	"github.com/mothsandbox/moth/pkg/metrics"
)

// NumWorkers is the fixed size of the retriever's worker pool.
const NumWorkers = 4

// FetchJob is a request to download and unpack one task's result bundle.
type FetchJob struct {
	TaskID  string
	NodeURL string // the zip download URL, already node-specific
	DestDir string // directory the zip's contents are extracted into

	// Done is sent the job's outcome once it finishes, successfully or not.
	// The send does not block: if Done has no room (or no ready receiver)
	// the value is dropped. May be nil if the caller does not need to wait.
	Done chan<- error
}

// Retriever owns the download worker pool.
type Retriever struct {
	client *http.Client
	jobs   chan FetchJob
	quit   chan struct{}
}

// New returns a Retriever with NumWorkers started.
func New(client *http.Client) *Retriever {
	if client == nil {
		client = &http.Client{Timeout: 2 * time.Minute}
	}
	r := &Retriever{
		client: client,
		jobs:   make(chan FetchJob, 64),
		quit:   make(chan struct{}),
	}
	for i := 0; i < NumWorkers; i++ {
		go r.worker()
	}
	return r
}

// Submit enqueues job. Blocks if the internal queue is full.
func (r *Retriever) Submit(job FetchJob) {
	r.jobs <- job
}

// Stop signals every worker to exit after finishing its current job.
func (r *Retriever) Stop() {
	close(r.quit)
}

func (r *Retriever) worker() {
	for {
		select {
		case <-r.quit:
			return
		case job := <-r.jobs:
			err := r.run(job)
			if job.Done != nil {
				select {
				case job.Done <- err:
				default:
				}
			}
		}
	}
}

func (r *Retriever) run(job FetchJob) error {
	start := time.Now()
	err := r.fetchAndUnpack(job)
	metrics.RetrieverFetchDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.RetrieverFetchesFailed.Inc()
		log.Logger.Error().Str("task_id", job.TaskID).Err(err).Msg("result retrieval failed")
	}
	return err
}

func (r *Retriever) fetchAndUnpack(job FetchJob) error {
	tmp, err := os.CreateTemp("", fmt.Sprintf("result-%s-*.zip", job.TaskID))
	if err != nil {
		return fmt.Errorf("retriever: creating temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	if err := download(ctx, r.client, job.NodeURL, tmp); err != nil {
		tmp.Close()
		return fmt.Errorf("retriever: downloading result for task %s: %w", job.TaskID, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("retriever: closing downloaded file: %w", err)
	}

	if err := unpackZip(tmpPath, job.DestDir); err != nil {
		return fmt.Errorf("retriever: unpacking result for task %s: %w", job.TaskID, err)
	}
	return nil
}

func download(ctx context.Context, client *http.Client, url string, dest *os.File) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %s", resp.Status)
	}

	_, err = io.Copy(dest, resp.Body)
	return err
}

func unpackZip(zipPath, destDir string) error {
	r, err := zip.OpenReader(zipPath)
	if err != nil {
		return err
	}
	defer r.Close()

	if err := os.MkdirAll(destDir, 0755); err != nil {
		return err
	}

	for _, f := range r.File {
		if err := extractOne(f, destDir); err != nil {
			return err
		}
	}
	return nil
}

func extractOne(f *zip.File, destDir string) error {
	destPath := filepath.Join(destDir, f.Name)

	// Guard against zip-slip: every extracted path must stay under destDir.
	if !isWithinDir(destPath, destDir) {
		return fmt.Errorf("retriever: zip entry %q escapes destination directory", f.Name)
	}

	if f.FileInfo().IsDir() {
		return os.MkdirAll(destPath, 0755)
	}

	if err := os.MkdirAll(filepath.Dir(destPath), 0755); err != nil {
		return err
	}

	src, err := f.Open()
	if err != nil {
		return err
	}
	defer src.Close()

	out, err := os.OpenFile(destPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, f.Mode())
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, src)
	return err
}

func isWithinDir(path, dir string) bool {
	rel, err := filepath.Rel(dir, path)
	if err != nil {
		return false
	}
	return rel != ".." && !filepathHasPrefix(rel, "..")
}

func filepathHasPrefix(path, prefix string) bool {
	return len(path) >= len(prefix) && path[:len(prefix)] == prefix
}
