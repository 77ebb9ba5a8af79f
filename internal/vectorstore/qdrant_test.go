package vectorstore

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	grpccodes "google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestIsTransientError(t *testing.T) {
	assert.False(t, IsTransientError(nil))
	assert.False(t, IsTransientError(errors.New("not a grpc error")))

	// Backend trouble worth retrying on the next sweep.
	assert.True(t, IsTransientError(status.Error(grpccodes.Unavailable, "backend down")))
	assert.True(t, IsTransientError(status.Error(grpccodes.DeadlineExceeded, "slow upsert")))
	assert.True(t, IsTransientError(status.Error(grpccodes.ResourceExhausted, "rate limited")))

	// Caller bugs are not.
	assert.False(t, IsTransientError(status.Error(grpccodes.InvalidArgument, "bad vector size")))
	assert.False(t, IsTransientError(status.Error(grpccodes.NotFound, "no collection")))

	// Wrapped status errors still classify.
	wrapped := fmt.Errorf("upserting points: %w", status.Error(grpccodes.Unavailable, "backend down"))
	assert.True(t, IsTransientError(wrapped))
}
