// Package v1 provides the credit, moderation and generation business logic for
// API version 1.
//
// Error Handling:
// This package defines sentinel errors for the failures callers must tell
// apart. They are wrapped with context using fmt.Errorf("%w") when returned.
//
// Example Usage:
//
//	allowed, err := ledger.ClampRequest(state, req.Count)
//	if err != nil {
//	    return nil, fmt.Errorf("clamp request for %d images: %w", req.Count, err)
//	}
//
// Error Checking (in handlers):
//
//	var credit *logicv1.InsufficientCreditError
//	switch {
//	case errors.As(err, &credit):
//	    c.JSON(http.StatusPaymentRequired, gin.H{"error": "Out of credits", "retry_after_seconds": credit.RetryAfterSeconds()})
//	case errors.Is(err, logicv1.ErrGenerationFailed):
//	    c.JSON(http.StatusBadGateway, gin.H{"error": "Generation failed"})
//	default:
//	    c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
//	}
package v1

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// Sentinel errors for generation operations.
var (
	// ErrInsufficientCredit indicates the session cannot afford any image.
	// HTTP Status: 402 Payment Required
	ErrInsufficientCredit = errors.New("insufficient credit")

	// ErrGenerationFailed indicates the external generator failed. No credit is charged.
	// HTTP Status: 502 Bad Gateway
	ErrGenerationFailed = errors.New("generation failed")

	// ErrModerationDegraded indicates a classifier or censor was unavailable
	// and the service is configured to fail closed.
	// HTTP Status: 503 Service Unavailable
	ErrModerationDegraded = errors.New("moderation degraded")

	// ErrInvalidRequest indicates the request is malformed (empty prompt,
	// image count out of range, unknown style).
	// HTTP Status: 400 Bad Request
	ErrInvalidRequest = errors.New("invalid request")

	// ErrReferralDisabled indicates referral redemption is turned off.
	// HTTP Status: 403 Forbidden
	ErrReferralDisabled = errors.New("referral disabled")

	// ErrGeneratedImage indicates an upload is an image this service generated.
	// HTTP Status: 409 Conflict
	ErrGeneratedImage = errors.New("image was generated by this service")

	// ErrDuplicateUpload indicates an upload was already rewarded.
	// HTTP Status: 409 Conflict
	ErrDuplicateUpload = errors.New("image already rewarded")
)

// InsufficientCreditError carries how long the session must wait for its next
// refill. It matches ErrInsufficientCredit with errors.Is.
type InsufficientCreditError struct {
	Token         int
	Requested     int
	WaitRemaining time.Duration
}

func (e *InsufficientCreditError) Error() string {
	return fmt.Sprintf("insufficient credit: have %d, requested %d, refill in %s",
		e.Token, e.Requested, e.WaitRemaining.Round(time.Second))
}

func (e *InsufficientCreditError) Unwrap() error {
	return ErrInsufficientCredit
}

// RetryAfterSeconds rounds the wait up to whole seconds.
func (e *InsufficientCreditError) RetryAfterSeconds() int {
	return int(math.Ceil(e.WaitRemaining.Seconds()))
}
