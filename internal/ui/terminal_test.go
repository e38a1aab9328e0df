package ui

import (
	"os"
	"testing"
)

func TestShouldUseColor(t *testing.T) {
	tests := []struct {
		name          string
		noColor       string
		cliColor      string
		cliColorForce string
		wantColor     bool
	}{
		{
			name:      "NO_COLOR disables color",
			noColor:   "1",
			wantColor: false,
		},
		{
			name:      "CLICOLOR=0 disables color",
			cliColor:  "0",
			wantColor: false,
		},
		{
			name:          "CLICOLOR_FORCE enables color even in non-TTY",
			cliColorForce: "1",
			wantColor:     true,
		},
		{
			name:          "NO_COLOR takes precedence over CLICOLOR_FORCE",
			noColor:       "1",
			cliColorForce: "1",
			wantColor:     false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// t.Setenv restores the previous values; unset the rest.
			for key, value := range map[string]string{
				"NO_COLOR":       tt.noColor,
				"CLICOLOR":       tt.cliColor,
				"CLICOLOR_FORCE": tt.cliColorForce,
			} {
				t.Setenv(key, value)
				if value == "" {
					_ = os.Unsetenv(key)
				}
			}

			if got := ShouldUseColor(); got != tt.wantColor {
				t.Errorf("ShouldUseColor() = %v, want %v", got, tt.wantColor)
			}
		})
	}
}

func TestIsTerminal(t *testing.T) {
	// When running under go test, stdout is typically not a TTY
	got := IsTerminal()
	t.Logf("IsTerminal() = %v, IsInteractive() = %v", got, IsInteractive())
}
