package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"github.com/prometheus/common/model"
	"github.com/rs/zerolog"
	"github.com/savaki/radstream/internal/constants"
	"github.com/savaki/radstream/internal/errors"
)

// Models served by the inference cluster
var ExpectedModels = []string{
	"radstream_classifier",
	"radstream_detector",
	"radstream_encoder",
}

// ModelReady is the state Triton reports for a loaded model
const ModelReady = "READY"

type ModelStatus struct {
	Name    string `json:"name"`
	Version string `json:"version,omitempty"`
	State   string `json:"state,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

type InferTensor struct {
	Name     string `json:"name"`
	Shape    []int  `json:"shape"`
	Datatype string `json:"datatype"`
	Data     any    `json:"data"`
}

type InferRequest struct {
	Inputs []InferTensor `json:"inputs"`
}

type InferResponse struct {
	ModelName    string        `json:"model_name"`
	ModelVersion string        `json:"model_version,omitempty"`
	Outputs      []InferTensor `json:"outputs"`
}

// ServerMetrics summarizes the Prometheus metrics exported by Triton
type ServerMetrics struct {
	GPUUtilization  float64
	GPUMemoryUsed   float64
	RequestSuccess  float64
	RequestFailure  float64
	Families        int
	MetricsEndpoint string
}

// HealthReport is the outcome of TritonClient.HealthCheck
type HealthReport struct {
	Ready     bool
	Models    []ModelStatus
	Missing   []string
	NotReady  []string
	Inference map[string]string
	Metrics   *ServerMetrics
	Failures  []string
}

// Healthy reports whether every check passed
func (r *HealthReport) Healthy() bool {
	return len(r.Failures) == 0
}

// TritonClient talks to the KServe v2 HTTP API of a Triton inference server
type TritonClient struct {
	baseURL    string
	metricsURL string
	client     *http.Client
}

// NewTritonClient returns a client for baseURL, e.g. http://localhost:8000.
// metricsURL is the Prometheus port, e.g. http://localhost:8002, and may be
// empty.
func NewTritonClient(baseURL, metricsURL string) *TritonClient {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 2
	rc.RetryWaitMin = 500 * time.Millisecond
	rc.RetryWaitMax = 2 * time.Second
	rc.HTTPClient.Timeout = 30 * time.Second
	rc.Logger = nil
	return NewTritonClientWithHTTPClient(baseURL, metricsURL, rc.StandardClient())
}

func NewTritonClientWithHTTPClient(baseURL, metricsURL string, client *http.Client) *TritonClient {
	return &TritonClient{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		metricsURL: strings.TrimSuffix(metricsURL, "/"),
		client:     client,
	}
}

func (c *TritonClient) do(ctx context.Context, method, url string, body any) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request %s %s failed: %w", method, url, err)
	}
	return resp, nil
}

// Ready checks GET /v2/health/ready
func (c *TritonClient) Ready(ctx context.Context) error {
	resp, err := c.do(ctx, http.MethodGet, c.baseURL+"/v2/health/ready", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: ready endpoint returned %d", errors.ErrHealthCheckFailed, resp.StatusCode)
	}
	return nil
}

// Models lists the model repository. GET /v2/models is tried first; servers
// that do not expose it are queried through POST /v2/repository/index.
func (c *TritonClient) Models(ctx context.Context) ([]ModelStatus, error) {
	resp, err := c.do(ctx, http.MethodGet, c.baseURL+"/v2/models", nil)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusOK {
		defer resp.Body.Close()
		var listing struct {
			Models []ModelStatus `json:"models"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&listing); err != nil {
			return nil, fmt.Errorf("failed to decode model listing: %w", err)
		}
		return listing.Models, nil
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	resp, err = c.do(ctx, http.MethodPost, c.baseURL+"/v2/repository/index", map[string]any{})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("repository index returned %d", resp.StatusCode)
	}

	var models []ModelStatus
	if err := json.NewDecoder(resp.Body).Decode(&models); err != nil {
		return nil, fmt.Errorf("failed to decode repository index: %w", err)
	}
	return models, nil
}

// ZeroInput returns the all-zero input_image tensor used to smoke test a model
func ZeroInput() InferRequest {
	size := constants.TensorSize
	return InferRequest{
		Inputs: []InferTensor{
			{
				Name:     "input_image",
				Shape:    []int{1, 3, size, size},
				Datatype: "FP32",
				Data:     make([]float32, 3*size*size),
			},
		},
	}
}

// Infer runs a zero tensor through model
func (c *TritonClient) Infer(ctx context.Context, model string) (*InferResponse, error) {
	resp, err := c.do(ctx, http.MethodPost, c.baseURL+"/v2/models/"+model+"/infer", ZeroInput())
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("inference on %s returned %d: %s", model, resp.StatusCode, strings.TrimSpace(string(data)))
	}

	var result InferResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode inference response: %w", err)
	}
	return &result, nil
}

// Metrics fetches and parses the Prometheus text exposition. The metrics
// port is tried first, then /v2/metrics on the API port.
func (c *TritonClient) Metrics(ctx context.Context) (*ServerMetrics, error) {
	var endpoints []string
	if c.metricsURL != "" {
		endpoints = append(endpoints, c.metricsURL+"/metrics")
	}
	endpoints = append(endpoints, c.baseURL+"/v2/metrics")

	var lastErr error
	for _, endpoint := range endpoints {
		families, err := c.scrape(ctx, endpoint)
		if err != nil {
			lastErr = err
			continue
		}
		metrics := SummarizeMetrics(families)
		metrics.MetricsEndpoint = endpoint
		return metrics, nil
	}
	return nil, lastErr
}

func (c *TritonClient) scrape(ctx context.Context, endpoint string) (map[string]*dto.MetricFamily, error) {
	resp, err := c.do(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("metrics endpoint %s returned %d", endpoint, resp.StatusCode)
	}

	parser := expfmt.NewTextParser(model.UTF8Validation)
	families, err := parser.TextToMetricFamilies(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to parse metrics from %s: %w", endpoint, err)
	}
	return families, nil
}

// SummarizeMetrics sums the Triton GPU and request metrics across labels
func SummarizeMetrics(families map[string]*dto.MetricFamily) *ServerMetrics {
	sum := func(name string) float64 {
		family, ok := families[name]
		if !ok {
			return 0
		}
		var total float64
		for _, m := range family.GetMetric() {
			switch {
			case m.Gauge != nil:
				total += m.GetGauge().GetValue()
			case m.Counter != nil:
				total += m.GetCounter().GetValue()
			case m.Untyped != nil:
				total += m.GetUntyped().GetValue()
			}
		}
		return total
	}

	return &ServerMetrics{
		GPUUtilization: sum("nv_gpu_utilization"),
		GPUMemoryUsed:  sum("nv_gpu_memory_used_bytes"),
		RequestSuccess: sum("nv_inference_request_success"),
		RequestFailure: sum("nv_inference_request_failure"),
		Families:       len(families),
	}
}

// HealthCheck verifies readiness, that every expected model is loaded and
// READY, and that each answers an inference request. Metrics are collected
// but a scrape failure does not fail the check.
func (c *TritonClient) HealthCheck(ctx context.Context) (*HealthReport, error) {
	logger := zerolog.Ctx(ctx).With().Str("triton", c.baseURL).Logger()
	report := &HealthReport{Inference: map[string]string{}}

	if err := c.Ready(ctx); err != nil {
		report.Failures = append(report.Failures, err.Error())
		return report, fmt.Errorf("%w: %v", errors.ErrHealthCheckFailed, err)
	}
	report.Ready = true

	models, err := c.Models(ctx)
	if err != nil {
		report.Failures = append(report.Failures, err.Error())
		return report, fmt.Errorf("%w: %v", errors.ErrHealthCheckFailed, err)
	}
	report.Models = models

	loaded := map[string]ModelStatus{}
	for _, m := range models {
		loaded[m.Name] = m
	}
	for _, name := range ExpectedModels {
		m, ok := loaded[name]
		switch {
		case !ok:
			report.Missing = append(report.Missing, name)
		case m.State != ModelReady:
			report.NotReady = append(report.NotReady, name)
		}
	}
	if len(report.Missing) > 0 {
		report.Failures = append(report.Failures, fmt.Sprintf("missing models: %s", strings.Join(report.Missing, ", ")))
	}
	if len(report.NotReady) > 0 {
		report.Failures = append(report.Failures, fmt.Sprintf("models not ready: %s", strings.Join(report.NotReady, ", ")))
	}

	for _, name := range ExpectedModels {
		if slices.Contains(report.Missing, name) {
			continue
		}
		if _, err := c.Infer(ctx, name); err != nil {
			report.Inference[name] = err.Error()
			report.Failures = append(report.Failures, err.Error())
			continue
		}
		report.Inference[name] = "ok"
	}

	metrics, err := c.Metrics(ctx)
	if err != nil {
		logger.Warn().Err(err).Msg("unable to collect server metrics")
	} else {
		report.Metrics = metrics
	}

	if !report.Healthy() {
		return report, fmt.Errorf("%w: %s", errors.ErrHealthCheckFailed, strings.Join(report.Failures, "; "))
	}
	return report, nil
}
