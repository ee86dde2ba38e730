package cloud

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"time"

	"wisefido-sync/internal/models"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

// HTTPConfig 远端同步 API 配置
type HTTPConfig struct {
	BaseURL    string
	APIKey     string
	Timeout    time.Duration
	RetryCount int
}

// apiResponse 同步 API 统一响应格式
type apiResponse struct {
	Status int             `json:"status"`
	Code   string          `json:"code,omitempty"`
	Msg    string          `json:"msg"`
	Data   json.RawMessage `json:"data"`
}

type saveResponseData struct {
	CloudRef string `json:"cloud_ref"`
}

type fetchResponseData struct {
	Records    []models.MeasurementRecord `json:"records"`
	ServerTime *time.Time                 `json:"server_time,omitempty"`
}

// HTTPBackend talks to the remote sync API over REST.
type HTTPBackend struct {
	httpClient *resty.Client
	logger     *zap.Logger

	mu       sync.RWMutex
	lastSync *time.Time
}

// NewHTTPBackend creates the REST backend client.
func NewHTTPBackend(cfg HTTPConfig, logger *zap.Logger) *HTTPBackend {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	client := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(timeout).
		SetRetryCount(cfg.RetryCount).
		SetRetryWaitTime(1 * time.Second).
		SetRetryMaxWaitTime(5 * time.Second).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")
	if cfg.APIKey != "" {
		client.SetHeader("X-API-Key", cfg.APIKey)
	}

	return &HTTPBackend{
		httpClient: client,
		logger:     logger,
	}
}

// do executes a request and decodes the envelope; any failure comes back translated.
func (b *HTTPBackend) do(req *resty.Request, method, path string) (*apiResponse, error) {
	var envelope apiResponse
	resp, err := req.
		SetResult(&envelope).
		SetError(&envelope).
		Execute(method, path)
	if err != nil {
		b.logger.Warn("Sync API call failed",
			zap.String("method", method),
			zap.String("path", path),
			zap.Error(err),
		)
		return nil, translateTransportError(err)
	}

	if resp.IsError() || envelope.Status != 0 {
		b.logger.Warn("Sync API returned error",
			zap.String("method", method),
			zap.String("path", path),
			zap.Int("status_code", resp.StatusCode()),
			zap.String("code", envelope.Code),
			zap.String("msg", envelope.Msg),
		)
		return nil, translateAPIError(resp.StatusCode(), envelope.Code, envelope.Msg)
	}
	return &envelope, nil
}

// Save POST /v1/measurements
func (b *HTTPBackend) Save(ctx context.Context, rec models.MeasurementRecord) (string, error) {
	body := rec.Clone()
	ref := RefFor(rec)
	body.CloudRef = &ref

	envelope, err := b.do(b.httpClient.R().SetContext(ctx).SetBody(body), resty.MethodPost, "/v1/measurements")
	if err != nil {
		return "", err
	}

	var data saveResponseData
	if len(envelope.Data) > 0 {
		if err := json.Unmarshal(envelope.Data, &data); err != nil {
			return "", models.NewUnknown(fmt.Errorf("failed to unmarshal save response: %w", err))
		}
	}
	return data.CloudRef, nil
}

// FetchSince GET /v1/measurements?since=
func (b *HTTPBackend) FetchSince(ctx context.Context, since *time.Time) ([]models.MeasurementRecord, error) {
	req := b.httpClient.R().SetContext(ctx)
	if since != nil {
		req.SetQueryParam("since", since.UTC().Format(time.RFC3339Nano))
	}

	envelope, err := b.do(req, resty.MethodGet, "/v1/measurements")
	if err != nil {
		return nil, err
	}

	var data fetchResponseData
	if len(envelope.Data) > 0 {
		if err := json.Unmarshal(envelope.Data, &data); err != nil {
			return nil, models.NewUnknown(fmt.Errorf("failed to unmarshal fetch response: %w", err))
		}
	}

	watermark := time.Now()
	if data.ServerTime != nil {
		watermark = *data.ServerTime
	}
	b.mu.Lock()
	b.lastSync = &watermark
	b.mu.Unlock()

	for i := range data.Records {
		data.Records[i].IsSynced = true
	}

	b.logger.Debug("Fetched remote measurements",
		zap.Int("record_count", len(data.Records)),
	)
	return data.Records, nil
}

// Delete DELETE /v1/measurements/{cloud_ref}
func (b *HTTPBackend) Delete(ctx context.Context, rec models.MeasurementRecord) error {
	path := "/v1/measurements/" + url.PathEscape(RefFor(rec))
	_, err := b.do(b.httpClient.R().SetContext(ctx), resty.MethodDelete, path)
	return err
}

// CheckAccountStatus GET /v1/account/status
func (b *HTTPBackend) CheckAccountStatus(ctx context.Context) (models.AccountStatus, error) {
	envelope, err := b.do(b.httpClient.R().SetContext(ctx), resty.MethodGet, "/v1/account/status")
	if err != nil {
		return models.AccountStatus{State: models.AccountUnknown}, err
	}

	var status models.AccountStatus
	if err := json.Unmarshal(envelope.Data, &status); err != nil {
		return models.AccountStatus{State: models.AccountUnknown},
			models.NewUnknown(fmt.Errorf("failed to unmarshal account status: %w", err))
	}
	switch status.State {
	case models.AccountAvailable, models.AccountUnavailable:
	default:
		status.State = models.AccountUnknown
	}
	return status, nil
}

func (b *HTTPBackend) LastSyncDate() *time.Time {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.lastSync == nil {
		return nil
	}
	t := *b.lastSync
	return &t
}
