package mirror

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/weir-proxy/weir/internal/config"
	"github.com/weir-proxy/weir/internal/endpoint"
	"github.com/weir-proxy/weir/internal/model"
)

func TestParseCSV(t *testing.T) {
	data := []byte(`protocol,endpoint,score,supports_cn,supports_intl,transparent,observed_egress_ip
http,10.0.0.1:8080,85,true,true,false,9.9.9.9
socks5,10.0.0.2:1080,70,false,true,false,unknown
garbage line
http,not-an-endpoint,50,true,true,false,x
`)
	rows := ParseCSV(data)
	if len(rows) != 2 {
		t.Fatalf("parsed %d rows, want 2", len(rows))
	}
	if rows[0].Endpoint != "10.0.0.1:8080" || rows[0].Score != 85 || !rows[0].SupportsCN {
		t.Fatalf("row 0: %+v", rows[0])
	}
	if rows[1].Protocol != endpoint.SOCKS5 {
		t.Fatalf("row 1 protocol: %v", rows[1].Protocol)
	}
}

func TestExportRoundTrip(t *testing.T) {
	records := []model.ProxyRecord{
		func() model.ProxyRecord {
			r := model.NewProxyRecord("10.0.0.1:80", time.Unix(0, 1))
			r.Score = 90
			r.Protocols = []endpoint.Protocol{endpoint.HTTP, endpoint.SOCKS5}
			r.SupportsCN = true
			r.ObservedEgressIP = "9.9.9.9"
			return r
		}(),
		func() model.ProxyRecord {
			r := model.NewProxyRecord("10.0.0.2:80", time.Unix(0, 1))
			r.Score = 0 // not shareable
			r.Protocols = []endpoint.Protocol{endpoint.HTTP}
			return r
		}(),
	}

	rows := ParseCSV(Export(records))
	if len(rows) != 1 {
		t.Fatalf("exported %d rows, want 1 (zero-score excluded)", len(rows))
	}
	if rows[0].Endpoint != "10.0.0.1:80" || rows[0].Score != 90 || !rows[0].SupportsCN {
		t.Fatalf("round trip: %+v", rows[0])
	}
}

func TestMergeNewEndpoint(t *testing.T) {
	row := Row{
		Protocol:         endpoint.SOCKS5,
		Endpoint:         "10.0.0.1:1080",
		Score:            80,
		SupportsIntl:     true,
		ObservedEgressIP: "9.9.9.9",
	}
	rec := Merge(nil, row, 100, time.Unix(500, 0))

	if rec.Score != 80 || !rec.SupportsIntl || rec.ObservedEgressIP != "9.9.9.9" {
		t.Fatalf("merged: %+v", rec)
	}
	if len(rec.Protocols) != 1 || rec.Protocols[0] != endpoint.SOCKS5 {
		t.Fatalf("protocols: %v", rec.Protocols)
	}
	// prior 0.5: 0.5*0.7 + 0.8*0.3 = 0.59
	if rec.SuccessRate != 0.59 {
		t.Fatalf("success rate: got %v, want 0.59", rec.SuccessRate)
	}
}

func TestMergeExistingUnionsProtocols(t *testing.T) {
	cur := model.NewProxyRecord("10.0.0.1:1080", time.Unix(0, 1))
	cur.Score = 90
	cur.Protocols = []endpoint.Protocol{endpoint.HTTP}
	cur.SuccessRate = 0.9

	row := Row{Protocol: endpoint.SOCKS5, Endpoint: "10.0.0.1:1080", Score: 40}
	rec := Merge(&cur, row, 100, time.Unix(500, 0))

	// The lower mirror score never drags the local score down.
	if rec.Score != 90 {
		t.Fatalf("score: got %d, want 90", rec.Score)
	}
	if !rec.HasProtocol(endpoint.HTTP) || !rec.HasProtocol(endpoint.SOCKS5) {
		t.Fatalf("protocol union: %v", rec.Protocols)
	}
	// 0.9*0.7 + 0.4*0.3 = 0.75
	if rec.SuccessRate != 0.75 {
		t.Fatalf("success rate: got %v, want 0.75", rec.SuccessRate)
	}
}

func TestMergeSuccessRateFloor(t *testing.T) {
	cur := model.NewProxyRecord("10.0.0.1:80", time.Unix(0, 1))
	cur.Score = 50
	cur.Protocols = []endpoint.Protocol{endpoint.HTTP}
	cur.SuccessRate = 0.1

	row := Row{Protocol: endpoint.HTTP, Endpoint: "10.0.0.1:80", Score: 10}
	rec := Merge(&cur, row, 100, time.Unix(500, 0))

	if rec.SuccessRate != 0.3 {
		t.Fatalf("floor: got %v, want 0.3", rec.SuccessRate)
	}
}

type staticDownloader []byte

func (d staticDownloader) Download(ctx context.Context, url string) ([]byte, error) {
	return []byte(d), nil
}

func testSyncerConfig(apiBase string) func() *config.RuntimeConfig {
	cfg := config.NewDefaultRuntimeConfig()
	cfg.GitHub.Token = "test-token"
	cfg.GitHub.DownURL = "http://mirror.test/proxies.csv"
	cfg.GitHub.ActionsRepoAPI = apiBase
	cfg.GitHub.FileName = "proxies.csv"
	return func() *config.RuntimeConfig { return cfg }
}

func TestSyncerUpload(t *testing.T) {
	var puts int
	var gotSHA, gotContent string

	mux := http.NewServeMux()
	mux.HandleFunc("GET /contents/proxies.csv", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer test-token" {
			t.Errorf("auth header: %q", r.Header.Get("Authorization"))
		}
		fmt.Fprint(w, `{"sha":"abc123"}`)
	})
	mux.HandleFunc("PUT /contents/proxies.csv", func(w http.ResponseWriter, r *http.Request) {
		puts++
		body, _ := io.ReadAll(r.Body)
		var payload map[string]string
		if err := json.Unmarshal(body, &payload); err != nil {
			t.Errorf("bad payload: %v", err)
		}
		gotSHA = payload["sha"]
		gotContent = payload["content"]
		w.WriteHeader(http.StatusOK)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	s := NewSyncer(testSyncerConfig(srv.URL), nil, srv.Client())

	content := []byte("http,10.0.0.1:80,90,true,true,false,9.9.9.9\n")
	uploaded, err := s.Upload(context.Background(), content)
	if err != nil {
		t.Fatal(err)
	}
	if !uploaded || puts != 1 {
		t.Fatalf("uploaded=%v puts=%d", uploaded, puts)
	}
	if gotSHA != "abc123" {
		t.Fatalf("sha: got %q", gotSHA)
	}
	decoded, err := base64.StdEncoding.DecodeString(gotContent)
	if err != nil || string(decoded) != string(content) {
		t.Fatalf("content: %q err=%v", decoded, err)
	}

	// Same content again: fingerprint match skips the upload.
	uploaded, err = s.Upload(context.Background(), content)
	if err != nil {
		t.Fatal(err)
	}
	if uploaded || puts != 1 {
		t.Fatalf("unchanged content must skip, uploaded=%v puts=%d", uploaded, puts)
	}
}

func TestSyncerDownload(t *testing.T) {
	s := NewSyncer(testSyncerConfig("http://api.test"), staticDownloader("http,10.0.0.1:80,90,true,true,false,x\n"), nil)
	rows, err := s.Download(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 || rows[0].Endpoint != "10.0.0.1:80" {
		t.Fatalf("rows: %v", rows)
	}
}
