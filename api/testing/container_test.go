package apitesting

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStartContainer(t *testing.T) {
	prev := startBackoff
	startBackoff = 0
	t.Cleanup(func() { startBackoff = prev })
	transient := errors.New("Bind for 0.0.0.0:9000 failed: port is already allocated")
	fatal := errors.New("pull access denied")

	tests := []struct {
		name      string
		errs      []error
		wantCalls int
		wantErr   error
	}{
		{name: "first attempt succeeds", errs: []error{nil}, wantCalls: 1},
		{name: "transient failure is retried", errs: []error{transient, transient, nil}, wantCalls: 3},
		{name: "gives up after the last attempt", errs: []error{transient, transient, transient}, wantCalls: startAttempts, wantErr: transient},
		{name: "permanent failure is not retried", errs: []error{fatal}, wantCalls: 1, wantErr: fatal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			got, err := startContainer("test", func() (*int, error) {
				err := tt.errs[calls]
				calls++
				if err != nil {
					return nil, err
				}
				return &calls, nil
			})
			assert.Equal(t, tt.wantCalls, calls)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				assert.Nil(t, got)
				return
			}
			require.NoError(t, err)
			assert.NotNil(t, got)
		})
	}
}

func TestIsRetryableContainerStartErr(t *testing.T) {
	assert.False(t, isRetryableContainerStartErr(nil))
	assert.True(t, isRetryableContainerStartErr(errors.New("dial tcp: I/O timeout")))
	assert.False(t, isRetryableContainerStartErr(errors.New("manifest unknown")))
}
