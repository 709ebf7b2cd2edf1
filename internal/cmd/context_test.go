package cmd

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ccjk-org/ccjk/internal/config"
	"github.com/ccjk-org/ccjk/internal/daemon"
)

func TestExitCodeFor(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, ExitOK},
		{"config", config.ErrConfig, ExitConfig},
		{"wrapped config", fmt.Errorf("load: %w", config.ErrConfig), ExitConfig},
		{"lock held", daemon.ErrLockHeld, ExitLockHeld},
		{"wrapped lock held", fmt.Errorf("start: %w", daemon.ErrLockHeld), ExitLockHeld},
		{"anything else", errors.New("boom"), ExitFatal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, exitCodeFor(tt.err))
		})
	}
}
