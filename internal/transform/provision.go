package transform

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/singleflight"

	"ingestor/internal/apperrors"
	"ingestor/internal/job"
)

// ReadyFile marks a fully provisioned environment directory.
const ReadyFile = ".ready"

// Env is a provisioned environment.
type Env struct {
	Hash string
	Dir  string
}

// Provisioner prepares the environment an artifact runs in.
type Provisioner interface {
	// Provision makes the artifact's environment ready. It is idempotent and safe
	// for concurrent use. Failures are PROVISIONING failures.
	Provision(ctx context.Context, a job.Artifact) (Env, error)
	// Ready lists environment hashes that are already provisioned.
	Ready() []string
}

// DirProvisioner keeps one directory per environment hash under Root. An artifact with a
// Bundle has the tar.gz bundle downloaded and extracted into its directory.
type DirProvisioner struct {
	Root       string
	HTTPClient *http.Client

	group singleflight.Group
}

// NewDirProvisioner creates a provisioner rooted at root.
func NewDirProvisioner(root string, httpClient *http.Client) *DirProvisioner {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &DirProvisioner{Root: root, HTTPClient: httpClient}
}

func (p *DirProvisioner) envDir(hash string) string {
	return filepath.Join(p.Root, unsafeChars.Replace(hash))
}

var unsafeChars = strings.NewReplacer("/", "_", "\\", "_", ":", "_", "..", "_")

// Provision implements Provisioner.
func (p *DirProvisioner) Provision(ctx context.Context, a job.Artifact) (Env, error) {
	if a.EnvHash == "" {
		return Env{}, nil
	}
	dir := p.envDir(a.EnvHash)
	if checkReady(dir) {
		return Env{Hash: a.EnvHash, Dir: dir}, nil
	}

	ch := p.group.DoChan(a.EnvHash, func() (any, error) {
		return nil, p.build(context.WithoutCancel(ctx), a, dir)
	})
	select {
	case <-ctx.Done():
		return Env{}, apperrors.Wrap(apperrors.CodeOf(ctx.Err()), ctx.Err(), "provision "+a.EnvHash)
	case res := <-ch:
		if res.Err != nil {
			return Env{}, apperrors.Wrap(apperrors.CodeProvisioning, res.Err, "provision "+a.EnvHash)
		}
	}
	return Env{Hash: a.EnvHash, Dir: dir}, nil
}

func (p *DirProvisioner) build(ctx context.Context, a job.Artifact, dir string) error {
	if checkReady(dir) {
		return nil
	}
	logger := slog.With("component", "provisioner", "envHash", a.EnvHash)
	if err := os.MkdirAll(p.Root, 0o755); err != nil {
		return fmt.Errorf("create root: %w", err)
	}
	tmp, err := os.MkdirTemp(p.Root, ".tmp-")
	if err != nil {
		return fmt.Errorf("create temp dir: %w", err)
	}
	defer os.RemoveAll(tmp)

	if a.Bundle != "" {
		archive := filepath.Join(tmp, ".bundle.tar.gz")
		n, err := download(ctx, p.HTTPClient, a.Bundle, archive)
		if err != nil {
			return err
		}
		logger.Info("Downloaded environment bundle", "bytes", n)
		if err := unarchive(archive, tmp); err != nil {
			return err
		}
		if err := os.Remove(archive); err != nil {
			return fmt.Errorf("remove bundle: %w", err)
		}
	}

	manifest, err := json.MarshalIndent(a, "", "  ")
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}
	if err := os.WriteFile(filepath.Join(tmp, "artifact.json"), manifest, 0o644); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	if err := os.WriteFile(filepath.Join(tmp, ReadyFile), []byte{}, 0o644); err != nil {
		return fmt.Errorf("write ready marker: %w", err)
	}

	// A leftover incomplete directory (no marker) is replaced.
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("remove stale env: %w", err)
	}
	if err := os.Rename(tmp, dir); err != nil {
		return fmt.Errorf("publish env: %w", err)
	}
	logger.Info("Environment ready", "dir", dir)
	return nil
}

// Ready implements Provisioner by listing directories that carry the ready marker.
func (p *DirProvisioner) Ready() []string {
	entries, err := os.ReadDir(p.Root)
	if err != nil {
		return nil
	}
	var ready []string
	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		dir := filepath.Join(p.Root, e.Name())
		if !checkReady(dir) {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, "artifact.json"))
		if err != nil {
			continue
		}
		var a job.Artifact
		if json.Unmarshal(data, &a) == nil && a.EnvHash != "" {
			ready = append(ready, a.EnvHash)
		}
	}
	sort.Strings(ready)
	return ready
}

func checkReady(dir string) bool {
	_, err := os.Stat(filepath.Join(dir, ReadyFile))
	return err == nil
}

func download(ctx context.Context, client *http.Client, url, dest string) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return 0, fmt.Errorf("create request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("download bundle: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("download bundle: status %d", resp.StatusCode)
	}

	file, err := os.Create(dest)
	if err != nil {
		return 0, fmt.Errorf("create bundle file: %w", err)
	}
	defer file.Close()

	written, err := io.Copy(file, resp.Body)
	if err != nil {
		return 0, fmt.Errorf("write bundle: %w", err)
	}
	if err := file.Sync(); err != nil {
		return 0, fmt.Errorf("sync bundle: %w", err)
	}
	return written, nil
}

// unarchive extracts a tar.gz archive into destDir, rejecting entries that escape it.
func unarchive(src, destDir string) error {
	file, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open bundle: %w", err)
	}
	defer file.Close()

	gz, err := gzip.NewReader(file)
	if err != nil {
		return fmt.Errorf("read bundle: %w", err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		header, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read tar header: %w", err)
		}

		name := filepath.Clean(header.Name)
		if filepath.IsAbs(name) || name == ".." || strings.HasPrefix(name, ".."+string(filepath.Separator)) {
			return fmt.Errorf("invalid path in bundle: %s", header.Name)
		}
		target := filepath.Join(destDir, name)

		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return fmt.Errorf("create directory: %w", err)
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return fmt.Errorf("create parent directory: %w", err)
			}
			out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(header.Mode)&0o777)
			if err != nil {
				return fmt.Errorf("create file: %w", err)
			}
			if _, err := io.Copy(out, tr); err != nil {
				out.Close()
				return fmt.Errorf("extract %s: %w", name, err)
			}
			if err := out.Close(); err != nil {
				return fmt.Errorf("extract %s: %w", name, err)
			}
		default:
			slog.Debug("Skipping bundle entry", "name", header.Name, "type", header.Typeflag)
		}
	}
}

// Provisioners routes provisioning by artifact runtime, falling back to Default.
type Provisioners struct {
	Default   Provisioner
	ByRuntime map[job.Runtime]Provisioner

	mu    sync.Mutex
	ready map[string]bool
}

func (p *Provisioners) pick(rt job.Runtime) Provisioner {
	if pr, ok := p.ByRuntime[rt]; ok {
		return pr
	}
	return p.Default
}

// Provision implements Provisioner.
func (p *Provisioners) Provision(ctx context.Context, a job.Artifact) (Env, error) {
	pr := p.pick(a.Runtime)
	if pr == nil {
		return Env{Hash: a.EnvHash}, nil
	}
	env, err := pr.Provision(ctx, a)
	if err != nil {
		return Env{}, err
	}
	if a.EnvHash != "" {
		p.mu.Lock()
		if p.ready == nil {
			p.ready = make(map[string]bool)
		}
		p.ready[a.EnvHash] = true
		p.mu.Unlock()
	}
	return env, nil
}

// Ready implements Provisioner.
func (p *Provisioners) Ready() []string {
	set := make(map[string]bool)
	if p.Default != nil {
		for _, h := range p.Default.Ready() {
			set[h] = true
		}
	}
	for _, pr := range p.ByRuntime {
		for _, h := range pr.Ready() {
			set[h] = true
		}
	}
	p.mu.Lock()
	for h := range p.ready {
		set[h] = true
	}
	p.mu.Unlock()

	out := make([]string, 0, len(set))
	for h := range set {
		out = append(out, h)
	}
	sort.Strings(out)
	return out
}
