package sink

import (
	"context"
	"time"

	"github.com/edgebot/edgebot/internal/retry"
)

// Result is what a single sink attempt reports back to the retry policy
// (spec §4.5 step 6, §4.6).
type Result struct {
	Success    bool
	Count      int
	Bytes      int
	Err        error
	Class      retry.Classification
	RetryAfter time.Duration
}

// Sink is a batch consumer: the HTTP sink or the file sink (spec §4.5/§4.6).
type Sink interface {
	Name() string
	Write(ctx context.Context, b Batch) Result
}
