package main

import (
	"errors"
	"testing"

	"github.com/tenetops/tenet/pkg/engine"
)

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"success", nil, 0},
		{"refused", engine.NewPermanentError("red conflicts", nil).WithCode(engine.ErrCodePlanRefused), 1},
		{"validation", engine.NewPermanentError("bad manifest", nil).WithCode(engine.ErrCodeValidation), 1},
		{"plain error", errors.New("boom"), 1},
		{"execution failed", engine.NewPermanentError("steps failed", nil).WithCode(engine.ErrCodeExecutionFailed), 2},
		{"cancelled", engine.NewCancelledError("interrupted", nil), 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := exitCode(tt.err); got != tt.want {
				t.Errorf("exitCode() = %d, want %d", got, tt.want)
			}
		})
	}
}
