package mirror

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/zeebo/xxh3"

	"github.com/weir-proxy/weir/internal/config"
	"github.com/weir-proxy/weir/internal/netutil"
)

// Syncer moves the mirror CSV between the local pool and the GitHub
// repository that publishes it.
type Syncer struct {
	cfg        func() *config.RuntimeConfig
	downloader netutil.Downloader
	client     *http.Client

	// Fingerprint of the last uploaded content; identical exports skip
	// the round-trip entirely.
	lastUpload uint64
}

// NewSyncer wires a mirror syncer. client may be nil.
func NewSyncer(cfg func() *config.RuntimeConfig, downloader netutil.Downloader, client *http.Client) *Syncer {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Syncer{cfg: cfg, downloader: downloader, client: client}
}

// Download fetches the published mirror CSV.
func (s *Syncer) Download(ctx context.Context) ([]Row, error) {
	gh := s.cfg().GitHub
	if gh.DownURL == "" {
		return nil, fmt.Errorf("mirror: github.down_url not configured")
	}
	data, err := s.downloader.Download(ctx, gh.DownURL)
	if err != nil {
		return nil, fmt.Errorf("mirror: download: %w", err)
	}
	rows := ParseCSV(data)
	log.Printf("[mirror] downloaded %d rows", len(rows))
	return rows, nil
}

// contentsURL builds the GitHub contents API endpoint for the mirror file.
func (s *Syncer) contentsURL() (string, error) {
	gh := s.cfg().GitHub
	if gh.ActionsRepoAPI == "" || gh.FileName == "" {
		return "", fmt.Errorf("mirror: github.actions_repo_api and github.file_name must be configured")
	}
	return strings.TrimSuffix(gh.ActionsRepoAPI, "/") + "/contents/" + gh.FileName, nil
}

// Upload publishes content through the GitHub contents API. The current
// file sha is fetched first, as the API demands it for updates. Returns
// whether an upload actually happened.
func (s *Syncer) Upload(ctx context.Context, content []byte) (bool, error) {
	fingerprint := xxh3.Hash(content)
	if fingerprint == s.lastUpload && s.lastUpload != 0 {
		log.Printf("[mirror] content unchanged, skipping upload")
		return false, nil
	}

	url, err := s.contentsURL()
	if err != nil {
		return false, err
	}
	token := s.cfg().GitHub.Token
	if token == "" {
		return false, fmt.Errorf("mirror: github.token not configured")
	}

	sha, err := s.fetchSHA(ctx, url, token)
	if err != nil {
		return false, err
	}

	payload := map[string]string{
		"message": "update proxy mirror " + time.Now().UTC().Format("2006-01-02 15:04:05"),
		"content": base64.StdEncoding.EncodeToString(content),
	}
	if sha != "" {
		payload["sha"] = sha
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return false, fmt.Errorf("mirror: encode upload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(body))
	if err != nil {
		return false, err
	}
	s.authHeaders(req, token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("mirror: upload: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return false, fmt.Errorf("mirror: upload status %d: %s", resp.StatusCode, strings.TrimSpace(string(detail)))
	}

	s.lastUpload = fingerprint
	log.Printf("[mirror] uploaded %d bytes", len(content))
	return true, nil
}

// fetchSHA retrieves the current blob sha; "" when the file does not exist
// yet.
func (s *Syncer) fetchSHA(ctx context.Context, url, token string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	s.authHeaders(req, token)

	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("mirror: fetch sha: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return "", nil
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("mirror: fetch sha status %d", resp.StatusCode)
	}

	var meta struct {
		SHA string `json:"sha"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&meta); err != nil {
		return "", fmt.Errorf("mirror: decode sha response: %w", err)
	}
	return meta.SHA, nil
}

func (s *Syncer) authHeaders(req *http.Request, token string) {
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/vnd.github+json")
}
