package client

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/thibmeu/daphne/dap"
	"github.com/thibmeu/daphne/hpke"
	"github.com/thibmeu/daphne/vdaf"
)

// Config carries the client's dependencies. Zero values get usable defaults
// from New.
type Config struct {
	// HTTPClient issues all requests. Defaults to a client with Timeout.
	HTTPClient *http.Client

	// Timeout bounds each round-trip when HTTPClient is nil.
	Timeout time.Duration

	// Log receives one line per upload. Defaults to slog.Default.
	Log *slog.Logger

	// Now supplies report times, truncated to the task's time precision
	// before they go on the wire. Defaults to time.Now.
	Now func() time.Time
}

// Client uploads measurements for DAP tasks. Safe for concurrent use.
type Client struct {
	http *http.Client
	log  *slog.Logger
	now  func() time.Time
}

// New builds a Client.
func New(cfg Config) *Client {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout == 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Client{http: httpClient, log: log, now: now}
}

// Upload encrypts one measurement for the task and submits it to the
// Leader. It returns the fresh report ID on success. Any failure, transport
// or rejection, is returned to the caller; there is no fire-and-forget path.
func (c *Client) Upload(ctx context.Context, task *dap.TaskDescriptor, measurement uint64) (dap.ReportID, error) {
	var reportID dap.ReportID

	v, err := vdaf.New(task.Vdaf.Type, task.Vdaf.Bits)
	if err != nil {
		return reportID, fmt.Errorf("task %s: %w", task.TaskID, err)
	}

	leaderCfg, err := c.fetchHpkeConfig(ctx, task.Leader, task.TaskID)
	if err != nil {
		return reportID, fmt.Errorf("fetching leader HPKE config: %w", err)
	}
	helperCfg, err := c.fetchHpkeConfig(ctx, task.Helper, task.TaskID)
	if err != nil {
		return reportID, fmt.Errorf("fetching helper HPKE config: %w", err)
	}

	reportID, err = dap.NewReportID()
	if err != nil {
		return reportID, err
	}
	md := dap.ReportMetadata{
		ID:   reportID,
		Time: dap.Time(c.now().Unix()).Truncate(task.TimePrecision),
	}

	leaderShare, helperSeed, err := v.Shard(measurement, reportID[:])
	if err != nil {
		return reportID, fmt.Errorf("sharding measurement: %w", err)
	}

	aad := dap.ReportAad(task.TaskID, md, nil)
	leaderCT, err := hpke.Seal(leaderCfg, hpke.InputShareInfo(dap.RoleLeader), aad, leaderShare)
	if err != nil {
		return reportID, fmt.Errorf("sealing leader share: %w", err)
	}
	helperCT, err := hpke.Seal(helperCfg, hpke.InputShareInfo(dap.RoleHelper), aad, helperSeed)
	if err != nil {
		return reportID, fmt.Errorf("sealing helper share: %w", err)
	}

	report := dap.Report{
		TaskID:               task.TaskID,
		Metadata:             md,
		EncryptedInputShares: []dap.HpkeCiphertext{leaderCT, helperCT},
	}
	body, err := report.MarshalBinary()
	if err != nil {
		return reportID, fmt.Errorf("encoding report: %w", err)
	}

	if err := c.postReport(ctx, task.Leader, body); err != nil {
		return reportID, err
	}

	c.log.Info("uploaded report",
		"task_id", task.TaskID.String(),
		"report_id", reportID.String(),
		"report_time", uint64(md.Time),
	)
	return reportID, nil
}

// fetchHpkeConfig retrieves the first active config the aggregator serves
// for the task.
func (c *Client) fetchHpkeConfig(ctx context.Context, base string, taskID dap.TaskID) (dap.HpkeConfig, error) {
	var cfg dap.HpkeConfig

	u, err := url.Parse(base)
	if err != nil {
		return cfg, fmt.Errorf("aggregator URL %q: %w", base, err)
	}
	u = u.JoinPath("hpke_config")
	q := u.Query()
	q.Set("task_id", taskID.String())
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return cfg, err
	}
	req.Header.Set("Accept", dap.MediaTypeHpkeConfigList)

	resp, err := c.http.Do(req)
	if err != nil {
		return cfg, fmt.Errorf("GET %s: %w", u, err)
	}
	body, err := drainBody(resp)
	if err != nil {
		return cfg, fmt.Errorf("GET %s: %w", u, err)
	}
	if resp.StatusCode != http.StatusOK {
		return cfg, responseError("GET", u.String(), resp, body)
	}

	configs, err := dap.DecodeConfigList(body)
	if err != nil {
		return cfg, fmt.Errorf("GET %s: %w", u, err)
	}
	return configs[0], nil
}

func (c *Client) postReport(ctx context.Context, base string, body []byte) error {
	u, err := url.Parse(base)
	if err != nil {
		return fmt.Errorf("leader URL %q: %w", base, err)
	}
	u = u.JoinPath("upload")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", dap.MediaTypeReport)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("POST %s: %w", u, err)
	}
	respBody, err := drainBody(resp)
	if err != nil {
		return fmt.Errorf("POST %s: %w", u, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return responseError("POST", u.String(), resp, respBody)
	}
	return nil
}

// responseError turns a non-2xx response into an error, preserving the
// aggregator's problem document when it sent one so callers can unwrap it.
func responseError(method, url string, resp *http.Response, body []byte) error {
	if p := dap.ParseProblem(resp.Header.Get("Content-Type"), body); p != nil {
		return fmt.Errorf("%s %s: %w", method, url, p)
	}
	return fmt.Errorf("%s %s: unexpected status %d", method, url, resp.StatusCode)
}

// drainBody reads and closes the response body so the transport can reuse
// the connection.
func drainBody(resp *http.Response) ([]byte, error) {
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("reading response body: %w", err)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return body, nil
}
