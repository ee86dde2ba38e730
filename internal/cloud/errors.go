package cloud

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"net/http"

	"wisefido-sync/internal/models"

	"github.com/lib/pq"
)

// 服务端返回的业务错误码（HTTP 响应 envelope 中的 code 字段）
const (
	apiCodeZoneNotFound   = "ZONE_NOT_FOUND"
	apiCodeRecordNotFound = "RECORD_NOT_FOUND"
	apiCodeQuotaExceeded  = "QUOTA_EXCEEDED"
	apiCodeRateLimited    = "RATE_LIMITED"
	apiCodeNotSignedIn    = "NOT_SIGNED_IN"
)

// translateTransportError maps a failed HTTP round trip (no response) into the taxonomy.
func translateTransportError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	// DNS, connect, TLS and timeout failures all mean the server is unreachable from here.
	return models.NewNetworkUnavailable(models.ReasonNoInternet, err)
}

// translateAPIError maps an HTTP status plus the envelope code into the taxonomy.
func translateAPIError(statusCode int, apiCode, msg string) error {
	cause := fmt.Errorf("http %d: %s", statusCode, msg)
	if apiCode != "" {
		cause = fmt.Errorf("http %d %s: %s", statusCode, apiCode, msg)
	}

	switch apiCode {
	case apiCodeZoneNotFound:
		return models.ErrZoneNotFound.WithCause(cause)
	case apiCodeRecordNotFound:
		return models.ErrRecordNotFound.WithCause(cause)
	case apiCodeQuotaExceeded:
		return models.NewNetworkUnavailable(models.ReasonQuotaExceeded, cause)
	case apiCodeRateLimited:
		return models.ErrRateLimited.WithCause(cause)
	case apiCodeNotSignedIn:
		return models.NewNetworkUnavailable(models.ReasonNotSignedIn, cause)
	}

	switch {
	case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden:
		return models.NewNetworkUnavailable(models.ReasonNotSignedIn, cause)
	case statusCode == http.StatusTooManyRequests:
		return models.ErrRateLimited.WithCause(cause)
	case statusCode == http.StatusInsufficientStorage:
		return models.NewNetworkUnavailable(models.ReasonQuotaExceeded, cause)
	case statusCode == http.StatusNotFound:
		return models.ErrRecordNotFound.WithCause(cause)
	case statusCode == http.StatusServiceUnavailable || statusCode == http.StatusBadGateway ||
		statusCode == http.StatusGatewayTimeout:
		return models.NewNetworkUnavailable(models.ReasonNoInternet, cause)
	default:
		return models.NewUnknown(cause)
	}
}

// translateSQLError maps database/sql and lib/pq failures into the taxonomy.
func translateSQLError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, sql.ErrNoRows) {
		return models.ErrRecordNotFound.WithCause(err)
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch {
		case pqErr.Code == "42P01": // undefined_table
			return models.ErrZoneNotFound.WithCause(err)
		case pqErr.Code == "53100": // disk_full
			return models.NewNetworkUnavailable(models.ReasonQuotaExceeded, err)
		case pqErr.Code == "53300": // too_many_connections
			return models.ErrRateLimited.WithCause(err)
		case pqErr.Code.Class() == "08": // connection_exception
			return models.NewNetworkUnavailable(models.ReasonNoInternet, err)
		case pqErr.Code.Class() == "28": // invalid authorization
			return models.NewNetworkUnavailable(models.ReasonNotSignedIn, err)
		default:
			return models.NewUnknown(err)
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, driver.ErrBadConn) || errors.Is(err, context.DeadlineExceeded) {
		return models.NewNetworkUnavailable(models.ReasonNoInternet, err)
	}
	return models.NewUnknown(err)
}
