package hetzner

import (
	"context"
	"errors"

	"github.com/hetznercloud/hcloud-go/v2/hcloud"
)

// isRetryable reports whether a failed request is worth repeating. API
// errors are retried only for codes that describe a transient condition;
// transport errors are always retried.
func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	// a failed action already ran to completion on the API side
	var actionErr hcloud.ActionError
	if errors.As(err, &actionErr) {
		return false
	}

	var hcloudErr hcloud.Error
	if errors.As(err, &hcloudErr) {
		return isHCloudErrorCode(err,
			hcloud.ErrorCodeLocked,              // action running on the resource
			hcloud.ErrorCodeConflict,            // resource changed during request
			hcloud.ErrorCodeRateLimitExceeded,   // token bucket empty
			hcloud.ErrorCodeServiceError,        // API side failure
			hcloud.ErrorCodeTimeout,             // API side timeout
			hcloud.ErrorCodeResourceUnavailable, // capacity, usually short lived
		)
	}
	return true
}

// isHCloudErrorCode checks if the error is an hcloud API error with one of the given codes.
func isHCloudErrorCode(err error, codes ...hcloud.ErrorCode) bool {
	if err == nil {
		return false
	}

	var hcloudErr hcloud.Error
	if errors.As(err, &hcloudErr) {
		for _, code := range codes {
			if hcloudErr.Code == code {
				return true
			}
		}
	}
	return false
}
