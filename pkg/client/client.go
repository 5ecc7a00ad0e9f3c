package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net"
	"net/http"
	"net/http/httptrace"
	"net/url"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/casterlabs/speedtest/internal/netx"
	"github.com/casterlabs/speedtest/pkg/speedtest/model"
	"github.com/casterlabs/speedtest/pkg/speedtest/spec"
	"github.com/casterlabs/speedtest/pkg/version"
	"github.com/m-lab/locate/api/locate"
	v2 "github.com/m-lab/locate/api/v2"
)

const (
	// DefaultScheme is the default HTTP scheme for a new Client.
	DefaultScheme = "https"

	// DefaultMaxTestTime is the default cap on a size-bound subtest.
	DefaultMaxTestTime = 10 * time.Second

	// DefaultUploadChunkSize is the default request size during a time-bound
	// upload (10MB).
	DefaultUploadChunkSize = 10 * 1000 * 1000

	// PingSamples is the number of latency samples averaged by Ping.
	PingSamples = 10

	// ProgressInterval is how often Emitter.OnProgress is called.
	ProgressInterval = 100 * time.Millisecond

	locateService = "casterlabs/speedtest"
	libraryName   = "speedtest-client"
)

var (
	// ErrNoTargets is returned if all Locate targets have been tried.
	ErrNoTargets = errors.New("no targets available")

	libraryVersion = version.Version
)

// Locator is an interface used to get a list of available servers to test against.
type Locator interface {
	Nearest(ctx context.Context, service string) ([]v2.Target, error)
}

// APIError is a structured error returned by the server.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server returned %d %s: %s", e.Status, e.Code, e.Message)
}

// PingData holds the most recent latency samples.
type PingData struct {
	// Average is the mean of Samples.
	Average time.Duration
	// Samples are the last PingSamples round trip times, oldest first.
	Samples []time.Duration
}

func (p *PingData) add(rtt time.Duration) {
	p.Samples = append(p.Samples, rtt)
	if len(p.Samples) > PingSamples {
		p.Samples = p.Samples[len(p.Samples)-PingSamples:]
	}
	var sum time.Duration
	for _, s := range p.Samples {
		sum += s
	}
	p.Average = sum / time.Duration(len(p.Samples))
}

// Result describes the progress or the outcome of a subtest.
type Result struct {
	Subtest spec.SubtestKind
	// Bytes is the number of payload bytes transferred.
	Bytes int64
	// Elapsed is the time since the transfer started.
	Elapsed time.Duration
	// SpeedBPS is the average speed in bits per second.
	SpeedBPS float64
	// SpeedStr is SpeedBPS formatted by FormatSpeed.
	SpeedStr string
	// Progress is the completed fraction of the subtest, in [0, 1].
	Progress float64
	// MinRTT is the TCP minimum RTT in microseconds, if available.
	MinRTT uint32
}

func newResult(kind spec.SubtestKind, n int64, elapsed, limit time.Duration) Result {
	bps := float64(n) * 8 / elapsed.Seconds()
	if math.IsNaN(bps) || math.IsInf(bps, 0) {
		bps = 0
	}
	progress := 1.0
	if limit > 0 && elapsed < limit {
		progress = float64(elapsed) / float64(limit)
	}
	return Result{
		Subtest:  kind,
		Bytes:    n,
		Elapsed:  elapsed,
		SpeedBPS: bps,
		SpeedStr: FormatSpeed(bps),
		Progress: progress,
	}
}

// server holds the URLs of the server selected for the test.
type server struct {
	base     *url.URL
	download *url.URL
	upload   *url.URL
}

// Client runs speed tests against a speedtest server.
type Client struct {
	// ClientName is the name of the client sent to the server as part of the user-agent.
	ClientName string
	// ClientVersion is the version of the client sent to the server as part of the user-agent.
	ClientVersion string

	config     Config
	httpClient *http.Client
	locator    Locator

	// targets and tIndex cache the results from the Locate API.
	targets []v2.Target
	tIndex  int

	server      *server
	serviceData *model.ServiceData
	ping        PingData
}

// makeUserAgent creates the user agent string.
func makeUserAgent(clientName, clientVersion string) string {
	return clientName + "/" + clientVersion + " " + libraryName + "/" + libraryVersion
}

func newHTTPClient(noVerify bool) *http.Client {
	dialer := &net.Dialer{Timeout: 10 * time.Second}
	return &http.Client{
		Transport: &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
				conn, err := dialer.DialContext(ctx, network, addr)
				if err != nil {
					return nil, err
				}
				tc, ok := conn.(*net.TCPConn)
				if !ok {
					return conn, nil
				}
				return netx.FromTCPConn(tc)
			},
			TLSClientConfig:     &tls.Config{InsecureSkipVerify: noVerify},
			ForceAttemptHTTP2:   true,
			TLSHandshakeTimeout: 10 * time.Second,
		},
	}
}

// New returns a new Client with the provided client name, version and config.
// It panics if clientName or clientVersion are empty.
func New(clientName, clientVersion string, config Config) *Client {
	if clientName == "" || clientVersion == "" {
		panic("client name and version must be non-empty")
	}
	if config.Scheme == "" {
		config.Scheme = DefaultScheme
	}
	if config.MaxTestTime <= 0 {
		config.MaxTestTime = DefaultMaxTestTime
	}
	if config.UploadChunkSize <= 0 {
		config.UploadChunkSize = DefaultUploadChunkSize
	}
	if config.Emitter == nil {
		config.Emitter = HumanReadable{}
	}
	return &Client{
		ClientName:    clientName,
		ClientVersion: clientVersion,

		config:     config,
		httpClient: newHTTPClient(config.NoVerify),
		locator:    locate.NewClient(makeUserAgent(clientName, clientVersion)),
	}
}

// nextServer returns the next server to try. If a server has been
// configured, it is the only candidate. Otherwise, the first call contacts
// the Locate API and the following ones walk through the cached targets.
func (c *Client) nextServer(ctx context.Context) (*server, error) {
	if c.config.Server != "" {
		if c.tIndex > 0 {
			return nil, ErrNoTargets
		}
		c.tIndex++
		c.config.Emitter.OnDebug(fmt.Sprintf("using server provided via flags %s", c.config.Server))
		base := &url.URL{Scheme: c.config.Scheme, Host: c.config.Server, Path: "/"}
		return &server{
			base:     base,
			download: base.JoinPath(spec.DownloadPath),
			upload:   base.JoinPath(spec.UploadPath),
		}, nil
	}

	if len(c.targets) == 0 {
		c.config.Emitter.OnDebug("using locate")
		targets, err := c.locator.Nearest(ctx, locateService)
		if err != nil {
			return nil, err
		}
		// cache targets on success.
		c.targets = targets
	}
	for c.tIndex < len(c.targets) {
		t := c.targets[c.tIndex]
		c.tIndex++
		download, err1 := url.Parse(t.URLs[c.config.Scheme+"://"+spec.DownloadPath])
		upload, err2 := url.Parse(t.URLs[c.config.Scheme+"://"+spec.UploadPath])
		if err1 != nil || err2 != nil || download.Host == "" || upload.Host == "" {
			continue
		}
		return &server{
			base:     &url.URL{Scheme: download.Scheme, Host: download.Host, Path: "/"},
			download: download,
			upload:   upload,
		}, nil
	}
	return nil, ErrNoTargets
}

func (c *Client) newRequest(ctx context.Context, method string, u *url.URL, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", makeUserAgent(c.ClientName, c.ClientVersion))
	return req, nil
}

func readAPIError(resp *http.Response) error {
	var env struct {
		Error *model.Error `json:"error"`
	}
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if json.Unmarshal(b, &env) != nil || env.Error == nil {
		return &APIError{Status: resp.StatusCode, Code: "UNKNOWN", Message: resp.Status}
	}
	return &APIError{Status: resp.StatusCode, Code: env.Error.Code, Message: env.Error.Message}
}

func (c *Client) fetchServiceData(ctx context.Context, s *server) (*model.ServiceData, error) {
	req, err := c.newRequest(ctx, http.MethodGet, s.base.JoinPath(spec.ServiceDataPath), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, readAPIError(resp)
	}
	var sd model.ServiceDataResponse
	if err := json.NewDecoder(resp.Body).Decode(&sd); err != nil {
		return nil, err
	}
	if sd.Error != nil {
		return nil, &APIError{Status: resp.StatusCode, Code: sd.Error.Code, Message: sd.Error.Message}
	}
	if sd.Data == nil {
		return nil, errors.New("service data response without data")
	}
	return sd.Data, nil
}

// ServiceData returns the limits advertised by the server. The first call
// selects the server: candidates are probed in order until one answers.
func (c *Client) ServiceData(ctx context.Context) (*model.ServiceData, error) {
	if c.server != nil {
		sd, err := c.fetchServiceData(ctx, c.server)
		if err != nil {
			return nil, err
		}
		c.serviceData = sd
		return sd, nil
	}
	for {
		s, err := c.nextServer(ctx)
		if err != nil {
			return nil, err
		}
		sd, err := c.fetchServiceData(ctx, s)
		if err != nil {
			c.config.Emitter.OnDebug(fmt.Sprintf("probing %s failed: %v", s.base, err))
			continue
		}
		c.server = s
		c.serviceData = sd
		return sd, nil
	}
}

func (c *Client) ensureServiceData(ctx context.Context) (*model.ServiceData, error) {
	if c.serviceData != nil {
		return c.serviceData, nil
	}
	return c.ServiceData(ctx)
}

// Ping measures the time until the response headers of an empty request
// arrive and returns the rolling average of the last PingSamples samples.
func (c *Client) Ping(ctx context.Context) (PingData, error) {
	if _, err := c.ensureServiceData(ctx); err != nil {
		return c.ping, err
	}
	req, err := c.newRequest(ctx, http.MethodGet, c.server.base.JoinPath(spec.PingPath), nil)
	if err != nil {
		return c.ping, err
	}
	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return c.ping, err
	}
	rtt := time.Since(start)
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return c.ping, fmt.Errorf("ping returned %s", resp.Status)
	}
	c.ping.add(rtt)
	c.config.Emitter.OnPing(c.ping)
	return c.ping, nil
}

// meter counts the bytes read through it.
type meter struct {
	r io.Reader
	n *atomic.Int64
}

func (m meter) Read(p []byte) (int, error) {
	n, err := m.r.Read(p)
	m.n.Add(int64(n))
	return n, err
}

// transfer tracks a running subtest.
type transfer struct {
	kind    spec.SubtestKind
	limit   time.Duration
	bytes   atomic.Int64
	expired atomic.Bool
	conn    atomic.Pointer[net.Conn]
	start   time.Time
	cancel  context.CancelFunc
	done    chan struct{}
}

func (c *Client) newTransfer(ctx context.Context, kind spec.SubtestKind, sd *model.ServiceData) (*transfer, context.Context) {
	limit := c.config.MaxTestTime
	if sd.TimeLimit > 0 {
		limit = time.Duration(sd.TimeLimit) * time.Millisecond
	}
	ctx, cancel := context.WithCancel(ctx)
	t := &transfer{
		kind:   kind,
		limit:  limit,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	trace := &httptrace.ClientTrace{
		GotConn: func(info httptrace.GotConnInfo) {
			t.conn.Store(&info.Conn)
		},
	}
	return t, httptrace.WithClientTrace(ctx, trace)
}

// begin starts the clock, the cutoff timer and the progress reports.
func (c *Client) begin(t *transfer) {
	t.start = time.Now()
	timer := time.AfterFunc(t.limit, func() {
		t.expired.Store(true)
		t.cancel()
	})
	go func() {
		ticker := time.NewTicker(ProgressInterval)
		defer ticker.Stop()
		defer timer.Stop()
		for {
			select {
			case <-t.done:
				return
			case <-ticker.C:
				c.config.Emitter.OnProgress(newResult(t.kind, t.bytes.Load(), time.Since(t.start), t.limit))
			}
		}
	}()
}

// end stops the transfer and returns its result. Errors caused by the
// cutoff timer are not errors: the subtest simply ended.
func (c *Client) end(t *transfer, err error) (Result, error) {
	close(t.done)
	t.cancel()
	r := newResult(t.kind, t.bytes.Load(), time.Since(t.start), t.limit)
	if conn := t.conn.Load(); conn != nil {
		if ci, ok := netx.AsConnInfo(*conn); ok {
			if info, ierr := ci.Info(); ierr == nil {
				r.MinRTT = info.MinRTT
			}
		}
	}
	if err != nil && t.expired.Load() {
		err = nil
	}
	if err != nil {
		c.config.Emitter.OnError(err)
		return r, err
	}
	r.Progress = 1
	c.config.Emitter.OnResult(r)
	return r, nil
}

func (c *Client) withCC(u *url.URL) *url.URL {
	cp := *u
	if c.config.CongestionControl != "" {
		q := cp.Query()
		q.Set(spec.CCParam, c.config.CongestionControl)
		cp.RawQuery = q.Encode()
	}
	return &cp
}

// Download runs a download subtest. Size-bound servers are asked for their
// recommended download size; time-bound servers stream until the advertised
// time limit, after which the client closes the transfer.
func (c *Client) Download(ctx context.Context) (Result, error) {
	sd, err := c.ensureServiceData(ctx)
	if err != nil {
		return Result{}, err
	}
	u := c.withCC(c.server.download)
	if sd.TimeLimit == 0 {
		q := u.Query()
		q.Set(spec.SizeParam, strconv.FormatInt(sd.RecommendedDownload, 10))
		u.RawQuery = q.Encode()
	}
	c.config.Emitter.OnStart(u.Host, spec.SubtestDownload)

	t, ctx := c.newTransfer(ctx, spec.SubtestDownload, sd)
	req, err := c.newRequest(ctx, http.MethodPatch, u, nil)
	if err != nil {
		t.cancel()
		return Result{}, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		t.cancel()
		return Result{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.cancel()
		return Result{}, readAPIError(resp)
	}

	// The clock starts when the headers are received.
	c.begin(t)
	_, err = io.Copy(io.Discard, meter{r: resp.Body, n: &t.bytes})
	return c.end(t, err)
}

func payload(n int64) []byte {
	b := make([]byte, n)
	rand.New(rand.NewSource(time.Now().UnixNano())).Read(b)
	return b
}

// Upload runs an upload subtest. Size-bound servers receive a single
// request of their recommended upload size; time-bound servers receive
// consecutive requests of UploadChunkSize bytes until the time limit.
func (c *Client) Upload(ctx context.Context) (Result, error) {
	sd, err := c.ensureServiceData(ctx)
	if err != nil {
		return Result{}, err
	}
	u := c.withCC(c.server.upload)
	c.config.Emitter.OnStart(u.Host, spec.SubtestUpload)

	size := sd.RecommendedUpload
	if sd.TimeLimit > 0 {
		size = c.config.UploadChunkSize
	}
	body := payload(size)

	t, ctx := c.newTransfer(ctx, spec.SubtestUpload, sd)
	c.begin(t)
	for {
		err = c.uploadOnce(ctx, u, body, &t.bytes)
		if err != nil || sd.TimeLimit == 0 {
			break
		}
	}
	return c.end(t, err)
}

func (c *Client) uploadOnce(ctx context.Context, u *url.URL, body []byte, n *atomic.Int64) error {
	req, err := c.newRequest(ctx, http.MethodPatch, u, meter{r: bytes.NewReader(body), n: n})
	if err != nil {
		return err
	}
	req.ContentLength = int64(len(body))
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return readAPIError(resp)
	}
	io.Copy(io.Discard, resp.Body)
	return nil
}

// Run measures the latency with PingSamples pings, then runs a download and
// an upload subtest and emits a summary.
func (c *Client) Run(ctx context.Context) (map[spec.SubtestKind]Result, error) {
	results := map[spec.SubtestKind]Result{}
	for i := 0; i < PingSamples; i++ {
		if _, err := c.Ping(ctx); err != nil {
			return results, err
		}
	}
	r, err := c.Download(ctx)
	if err != nil {
		return results, err
	}
	results[spec.SubtestDownload] = r
	r, err = c.Upload(ctx)
	if err != nil {
		return results, err
	}
	results[spec.SubtestUpload] = r
	c.config.Emitter.OnSummary(c.ping, results)
	return results, nil
}
