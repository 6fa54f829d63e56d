// Package download runs model downloads from the hub as background jobs
// with live progress, cancellation, and automatic eviction of settled jobs.
package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/appkitstudio/llamactl/internal/catalog"
	"github.com/appkitstudio/llamactl/internal/state"
	"github.com/appkitstudio/llamactl/pkg/models"
)

const (
	cleanupInterval = time.Minute
	retainFinished  = 5 * time.Minute
	speedWindow     = 500 * time.Millisecond
	maxRedirects    = 10
)

// HubClient is the slice of the hub API the manager needs.
type HubClient interface {
	ListFiles(ctx context.Context, repo string) ([]string, error)
	ResolveURL(repo, filename string) string
}

// DirProvider yields the destination directory for finished downloads.
type DirProvider interface {
	ModelsDir() string
}

// ErrFinished reports a cancel attempt on a job that already settled.
type ErrFinished struct {
	ID string
}

func (e ErrFinished) Error() string {
	return fmt.Sprintf("job already finished: %s", e.ID)
}

// IsFinished reports whether err is an ErrFinished.
func IsFinished(err error) bool {
	var f ErrFinished
	return errors.As(err, &f)
}

// Manager owns the in-process job table. Jobs live in memory only and are
// lost on restart; the files they produced are not.
type Manager struct {
	hub    HubClient
	dest   DirProvider
	client *http.Client
	now    func() time.Time

	mu   sync.Mutex
	jobs map[string]*job
}

// job pairs the visible record with the cancellation handle. rec and the
// speed window are guarded by Manager.mu.
type job struct {
	rec    models.DownloadJob
	cancel context.CancelFunc
	done   chan struct{}

	windowStart time.Time
	windowBytes int64
}

func (j *job) addBytes(n int64, now time.Time) {
	j.rec.Progress.Downloaded += n
	if j.rec.Progress.Total > 0 {
		j.rec.Progress.Percentage = float64(j.rec.Progress.Downloaded) / float64(j.rec.Progress.Total) * 100
	}
	j.windowBytes += n
	if elapsed := now.Sub(j.windowStart); elapsed >= speedWindow {
		j.rec.Progress.Speed = float64(j.windowBytes) / elapsed.Seconds()
		j.windowBytes = 0
		j.windowStart = now
	}
}

// NewManager creates a manager downloading into dest. Redirects are handled
// manually so every hop can honor the job's cancellation.
func NewManager(hubClient HubClient, dest DirProvider) *Manager {
	return &Manager{
		hub:  hubClient,
		dest: dest,
		client: &http.Client{
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		now:  time.Now,
		jobs: make(map[string]*job),
	}
}

// Create registers a job and launches the download in the background.
func (m *Manager) Create(repo, filename string) *models.DownloadJob {
	ctx, cancel := context.WithCancel(context.Background())
	j := &job{
		rec: models.DownloadJob{
			ID:        uuid.New().String(),
			Repo:      repo,
			Filename:  filename,
			Status:    models.JobPending,
			CreatedAt: m.now(),
		},
		cancel: cancel,
		done:   make(chan struct{}),
	}

	m.mu.Lock()
	m.jobs[j.rec.ID] = j
	snapshot := j.rec
	m.mu.Unlock()

	log.Info().
		Str("job", j.rec.ID).
		Str("repo", repo).
		Str("file", filename).
		Msg("Download queued")

	go m.run(ctx, j)
	return &snapshot
}

// Get returns a snapshot of one job.
func (m *Manager) Get(id string) (*models.DownloadJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, &state.ErrNotFound{Entity: "job", Key: id}
	}
	snapshot := j.rec
	return &snapshot, nil
}

// List returns snapshots of every known job, newest first.
func (m *Manager) List() []*models.DownloadJob {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*models.DownloadJob, 0, len(m.jobs))
	for _, j := range m.jobs {
		snapshot := j.rec
		out = append(out, &snapshot)
	}
	sort.Slice(out, func(i, k int) bool {
		return out[i].CreatedAt.After(out[k].CreatedAt)
	})
	return out
}

// Active counts jobs that have not settled yet.
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, j := range m.jobs {
		if !j.rec.Status.Finished() {
			n++
		}
	}
	return n
}

// Cancel flips the job's cancellation token. The job settles to cancelled
// asynchronously, after it has unlinked any partial files.
func (m *Manager) Cancel(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return &state.ErrNotFound{Entity: "job", Key: id}
	}
	if j.rec.Status.Finished() {
		return ErrFinished{ID: id}
	}
	j.cancel()
	log.Info().Str("job", id).Msg("Download cancellation requested")
	return nil
}

// Run owns the eviction loop: settled jobs are dropped once they are older
// than the retention window. Blocks until ctx is done.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweep(m.now())
		}
	}
}

func (m *Manager) sweep(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, j := range m.jobs {
		if j.rec.Status.Finished() && j.rec.CompletedAt != nil && now.Sub(*j.rec.CompletedAt) > retainFinished {
			delete(m.jobs, id)
			log.Debug().Str("job", id).Msg("Evicted settled download job")
		}
	}
}

// ── Download worker ─────────────────────────────────────────

func (m *Manager) run(ctx context.Context, j *job) {
	err := m.download(ctx, j)

	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	j.rec.CompletedAt = &now
	switch {
	case err == nil:
		j.rec.Status = models.JobCompleted
		j.rec.Progress.Percentage = 100
		log.Info().
			Str("job", j.rec.ID).
			Str("file", j.rec.Filename).
			Int64("bytes", j.rec.Progress.Downloaded).
			Msg("Download completed")
	case ctx.Err() != nil:
		j.rec.Status = models.JobCancelled
		log.Info().Str("job", j.rec.ID).Msg("Download cancelled")
	default:
		j.rec.Status = models.JobFailed
		j.rec.Error = err.Error()
		log.Warn().Str("job", j.rec.ID).Err(err).Msg("Download failed")
	}
	close(j.done)
}

func (m *Manager) download(ctx context.Context, j *job) error {
	m.mu.Lock()
	j.rec.Status = models.JobDownloading
	repo, filename := j.rec.Repo, j.rec.Filename
	m.mu.Unlock()

	dir := m.dest.ModelsDir()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create models directory: %w", err)
	}

	if shard, ok := catalog.ParseShard(filename); ok {
		return m.downloadShards(ctx, j, dir, repo, shard)
	}
	return m.downloadFile(ctx, j, m.hub.ResolveURL(repo, filename), filepath.Join(dir, filepath.Base(filename)))
}

// downloadShards expands a sharded filename into the full set via the
// repository listing, then fetches the shards sequentially. Any failure
// unlinks every shard already written.
func (m *Manager) downloadShards(ctx context.Context, j *job, dir, repo string, shard catalog.ShardInfo) error {
	files, err := m.hub.ListFiles(ctx, repo)
	if err != nil {
		return fmt.Errorf("list repository %s: %w", repo, err)
	}

	base := shard.Base
	if shard.Part {
		base += "-part"
	}
	pattern := regexp.MustCompile(
		"^" + regexp.QuoteMeta(base) + `-\d{5}-of-` + fmt.Sprintf("%05d", shard.Total) + `\.gguf$`,
	)

	var shards []string
	for _, f := range files {
		if pattern.MatchString(path.Base(f)) {
			shards = append(shards, f)
		}
	}
	if len(shards) != shard.Total {
		return fmt.Errorf("repository lists %d shards of %s, expected %d", len(shards), base, shard.Total)
	}
	sort.Slice(shards, func(i, k int) bool {
		a, _ := catalog.ParseShard(path.Base(shards[i]))
		b, _ := catalog.ParseShard(path.Base(shards[k]))
		return a.Index < b.Index
	})

	m.mu.Lock()
	j.rec.ShardCount = shard.Total
	m.mu.Unlock()

	var written []string
	for _, name := range shards {
		dest := filepath.Join(dir, path.Base(name))
		if err := m.downloadFile(ctx, j, m.hub.ResolveURL(repo, name), dest); err != nil {
			for _, p := range written {
				_ = os.Remove(p)
			}
			return fmt.Errorf("shard %s: %w", path.Base(name), err)
		}
		written = append(written, dest)
	}
	return nil
}

// downloadFile streams one URL into dest via a .part file that is renamed
// on success and unlinked on every failure path.
func (m *Manager) downloadFile(ctx context.Context, j *job, rawURL, dest string) error {
	resp, err := m.fetch(ctx, rawURL, 0)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	m.mu.Lock()
	if resp.ContentLength > 0 {
		j.rec.Progress.Total += resp.ContentLength
	}
	j.windowStart = m.now()
	j.windowBytes = 0
	m.mu.Unlock()

	part := dest + ".part"
	f, err := os.Create(part)
	if err != nil {
		return fmt.Errorf("create %s: %w", part, err)
	}

	fail := func(err error) error {
		f.Close()
		os.Remove(part)
		return err
	}

	buf := make([]byte, 64*1024)
	for {
		// The token is checked at every chunk boundary.
		if err := ctx.Err(); err != nil {
			return fail(err)
		}
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := f.Write(buf[:n]); werr != nil {
				return fail(fmt.Errorf("write %s: %w", part, werr))
			}
			m.mu.Lock()
			j.addBytes(int64(n), m.now())
			m.mu.Unlock()
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			if cerr := ctx.Err(); cerr != nil {
				return fail(cerr)
			}
			return fail(fmt.Errorf("read body: %w", rerr))
		}
	}

	if err := f.Close(); err != nil {
		os.Remove(part)
		return fmt.Errorf("close %s: %w", part, err)
	}
	if err := os.Rename(part, dest); err != nil {
		os.Remove(part)
		return fmt.Errorf("finalize %s: %w", dest, err)
	}
	return nil
}

// fetch follows 301/302/307/308 redirects recursively, checking the token
// at every hop.
func (m *Manager) fetch(ctx context.Context, rawURL string, hops int) (*http.Response, error) {
	if hops > maxRedirects {
		return nil, fmt.Errorf("too many redirects fetching %s", rawURL)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, "GET", rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", rawURL, err)
	}

	switch resp.StatusCode {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
		loc := resp.Header.Get("Location")
		resp.Body.Close()
		if loc == "" {
			return nil, fmt.Errorf("redirect from %s without a location", rawURL)
		}
		next, err := req.URL.Parse(loc)
		if err != nil {
			return nil, fmt.Errorf("bad redirect location %q: %w", loc, err)
		}
		return m.fetch(ctx, next.String(), hops+1)
	case http.StatusOK:
		return resp, nil
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		resp.Body.Close()
		return nil, fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
}
