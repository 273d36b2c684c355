package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseWheelTags(t *testing.T) {
	tests := []struct {
		name     string
		filename string
		want     [5]string
		wantErr  bool
	}{
		{
			name:     "pure wheel",
			filename: "numpy-1.26.4-py3-none-any.whl",
			want:     [5]string{"numpy", "1.26.4", "py3", "none", "any"},
		},
		{
			name:     "platform wheel",
			filename: "numpy-1.26.4-cp311-cp311-linux_armv7l.whl",
			want:     [5]string{"numpy", "1.26.4", "cp311", "cp311", "linux_armv7l"},
		},
		{
			name:     "build tag dropped",
			filename: "numpy-1.26.4-1-cp311-cp311-linux_armv7l.whl",
			want:     [5]string{"numpy", "1.26.4", "cp311", "cp311", "linux_armv7l"},
		},
		{
			name:     "not a wheel",
			filename: "numpy-1.26.4.tar.gz",
			wantErr:  true,
		},
		{
			name:     "too few segments",
			filename: "numpy-1.26.4.whl",
			wantErr:  true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tags, err := parseWheelTags(tt.filename)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, tags)
		})
	}
}
