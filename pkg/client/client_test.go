package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/casterlabs/speedtest/internal/handler"
	"github.com/casterlabs/speedtest/internal/policy"
	"github.com/casterlabs/speedtest/pkg/speedtest/spec"
	"github.com/m-lab/go/testingx"
	v2 "github.com/m-lab/locate/api/v2"
)

// recorder is an Emitter that records the events it receives.
type recorder struct {
	mu       sync.Mutex
	starts   []spec.SubtestKind
	results  []Result
	progress int
	summary  bool
}

func (r *recorder) OnStart(server string, kind spec.SubtestKind) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.starts = append(r.starts, kind)
}
func (r *recorder) OnPing(PingData) {}
func (r *recorder) OnProgress(Result) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.progress++
}
func (r *recorder) OnResult(res Result) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results = append(r.results, res)
}
func (r *recorder) OnError(error)  {}
func (r *recorder) OnDebug(string) {}
func (r *recorder) OnSummary(PingData, map[spec.SubtestKind]Result) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.summary = true
}

type fakeLocator struct {
	targets []v2.Target
	err     error
}

func (l *fakeLocator) Nearest(ctx context.Context, service string) ([]v2.Target, error) {
	return l.targets, l.err
}

func setupTestServer(p policy.Policy) *httptest.Server {
	return httptest.NewServer(handler.New(policy.NewHolder(p)))
}

func newTestClient(srv *httptest.Server, e Emitter) *Client {
	u, err := url.Parse(srv.URL)
	if err != nil {
		panic(err)
	}
	return New("test", "v1.0.0", Config{
		Server:  u.Host,
		Scheme:  "http",
		Emitter: e,
	})
}

func TestNew(t *testing.T) {
	t.Run("new clients have the expected name and version", func(t *testing.T) {
		c := New("test", "v1.0.0", Config{})
		if c.ClientName != "test" || c.ClientVersion != "v1.0.0" {
			t.Errorf("client.New() returned client with wrong name/version")
		}
		if c.config.Scheme != DefaultScheme || c.config.MaxTestTime != DefaultMaxTestTime {
			t.Errorf("client.New() did not apply the defaults: %+v", c.config)
		}
	})
	t.Run("empty name panics", func(t *testing.T) {
		defer func() {
			if recover() == nil {
				t.Errorf("client.New() did not panic")
			}
		}()
		New("", "", Config{})
	})
}

func Test_makeUserAgent(t *testing.T) {
	t.Run("generate requested user agent", func(t *testing.T) {
		got := makeUserAgent("clientname", "clientversion")
		expected := fmt.Sprintf("%s/%s %s/%s", "clientname", "clientversion",
			libraryName, libraryVersion)
		if got != expected {
			t.Errorf("makeUserAgent() = %s, want %s", got, expected)
		}
	})
}

func TestFormatSpeed(t *testing.T) {
	tests := []struct {
		bps  float64
		want string
	}{
		{bps: 0, want: "0bps"},
		{bps: 0.5, want: ""},
		{bps: 1, want: ""},
		{bps: 999, want: "999bps"},
		{bps: 1000, want: "1kbps"},
		{bps: 512400, want: "512kbps"},
		{bps: 1000000, want: "1mbps"},
		{bps: 94340000, want: "94.3mbps"},
		{bps: 2500000000, want: "2.5gbps"},
		{bps: 1e12, want: "1tbps"},
		{bps: 10e12, want: "10tbps"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := FormatSpeed(tt.bps); got != tt.want {
				t.Errorf("FormatSpeed(%v) = %q, want %q", tt.bps, got, tt.want)
			}
		})
	}
}

func TestPingData_add(t *testing.T) {
	var p PingData
	for i := 1; i <= 15; i++ {
		p.add(time.Duration(i) * time.Millisecond)
	}
	if len(p.Samples) != PingSamples {
		t.Fatalf("len(Samples) = %d, want %d", len(p.Samples), PingSamples)
	}
	// The last 10 samples are 6..15ms.
	if p.Average != 10500*time.Microsecond {
		t.Errorf("Average = %v, want 10.5ms", p.Average)
	}
	if p.Samples[0] != 6*time.Millisecond {
		t.Errorf("oldest sample = %v, want 6ms", p.Samples[0])
	}
}

func TestClient_SizeBound(t *testing.T) {
	const max = 1 << 20
	srv := setupTestServer(policy.BySize(max))
	defer srv.Close()
	e := &recorder{}
	c := newTestClient(srv, e)

	results, err := c.Run(context.Background())
	testingx.Must(t, err, "Run() failed")
	if got := results[spec.SubtestDownload].Bytes; got != max/2 {
		t.Errorf("downloaded %d bytes, want %d", got, max/2)
	}
	if got := results[spec.SubtestUpload].Bytes; got != max/40 {
		t.Errorf("uploaded %d bytes, want %d", got, max/40)
	}
	if len(c.ping.Samples) != PingSamples {
		t.Errorf("got %d ping samples, want %d", len(c.ping.Samples), PingSamples)
	}
	if !e.summary || len(e.results) != 2 || len(e.starts) != 2 {
		t.Errorf("unexpected emitter calls: %+v", e)
	}
	for _, r := range results {
		if r.Progress != 1 || r.SpeedStr == "" {
			t.Errorf("incomplete result: %+v", r)
		}
	}
}

func TestClient_TimeBound(t *testing.T) {
	srv := setupTestServer(policy.ByTime(300 * time.Millisecond))
	defer srv.Close()
	c := newTestClient(srv, &recorder{})
	c.config.UploadChunkSize = 1 << 20

	sd, err := c.ServiceData(context.Background())
	testingx.Must(t, err, "ServiceData() failed")
	if sd.TimeLimit != 300 || sd.Max != 0 {
		t.Fatalf("ServiceData() = %+v, want time_limit only", sd)
	}

	for _, run := range []func(context.Context) (Result, error){c.Download, c.Upload} {
		start := time.Now()
		r, err := run(context.Background())
		testingx.Must(t, err, "subtest failed")
		if r.Bytes == 0 {
			t.Errorf("%s transferred no bytes", r.Subtest)
		}
		// The client stops at the time limit, well before the server's grace
		// window ends.
		if elapsed := time.Since(start); elapsed > 3*time.Second {
			t.Errorf("%s lasted %v", r.Subtest, elapsed)
		}
	}
}

func TestClient_ServerError(t *testing.T) {
	// The server advertises more than it accepts.
	backend := handler.New(policy.NewHolder(policy.BySize(100)))
	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, req *http.Request) {
		if req.URL.Path == spec.ServiceDataPath {
			rw.Write([]byte(`{"data":{"max":100000,"recommendedDownload":50000,"recommendedUpload":2500},"error":null}`))
			return
		}
		backend.ServeHTTP(rw, req)
	}))
	defer srv.Close()
	c := newTestClient(srv, &recorder{})

	_, err := c.Download(context.Background())
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Code != spec.CodeTooLarge {
		t.Errorf("Download() error = %v, want TOO_LARGE", err)
	}
	_, err = c.Upload(context.Background())
	if !errors.As(err, &apiErr) || apiErr.Code != spec.CodeTooLarge {
		t.Errorf("Upload() error = %v, want TOO_LARGE", err)
	}
}

func TestClient_Locate(t *testing.T) {
	srv := setupTestServer(policy.BySize(1000))
	defer srv.Close()
	good := strings.TrimPrefix(srv.URL, "http://")

	targetFor := func(host string) v2.Target {
		return v2.Target{
			URLs: map[string]string{
				"http://" + spec.DownloadPath: "http://" + host + spec.DownloadPath + "?access_token=x",
				"http://" + spec.UploadPath:   "http://" + host + spec.UploadPath + "?access_token=x",
			},
		}
	}

	t.Run("first reachable target is selected", func(t *testing.T) {
		c := New("test", "v1.0.0", Config{Scheme: "http", Emitter: &recorder{}})
		c.locator = &fakeLocator{targets: []v2.Target{
			{URLs: map[string]string{}},
			targetFor("127.0.0.1:1"),
			targetFor(good),
		}}
		_, err := c.ServiceData(context.Background())
		testingx.Must(t, err, "ServiceData() failed")
		if c.server.base.Host != good {
			t.Errorf("selected %s, want %s", c.server.base.Host, good)
		}
		if c.server.download.Query().Get("access_token") != "x" {
			t.Errorf("locate URL parameters have been lost")
		}
		r, err := c.Download(context.Background())
		testingx.Must(t, err, "Download() failed")
		if r.Bytes != 500 {
			t.Errorf("downloaded %d bytes, want 500", r.Bytes)
		}
	})

	t.Run("no targets", func(t *testing.T) {
		c := New("test", "v1.0.0", Config{Scheme: "http", Emitter: &recorder{}})
		c.locator = &fakeLocator{targets: []v2.Target{targetFor("127.0.0.1:1")}}
		if _, err := c.ServiceData(context.Background()); err != ErrNoTargets {
			t.Errorf("ServiceData() error = %v, want ErrNoTargets", err)
		}
	})

	t.Run("locate failure", func(t *testing.T) {
		c := New("test", "v1.0.0", Config{Scheme: "http", Emitter: &recorder{}})
		c.locator = &fakeLocator{err: errors.New("locate is down")}
		if _, err := c.ServiceData(context.Background()); err == nil {
			t.Errorf("ServiceData() succeeded without targets")
		}
	})
}
