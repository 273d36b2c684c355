package types

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizePackageName(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"already normal", "numpy", "numpy"},
		{"case folded", "Django", "django"},
		{"dots and underscores", "zope.interface_ext", "zope-interface-ext"},
		{"runs collapse", "a--b__c..d", "a-b-c-d"},
		{"mixed", "Foo._-Bar", "foo-bar"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, NormalizePackageName(tt.input))
		})
	}
}

func TestBuildLogPath(t *testing.T) {
	tests := []struct {
		id       int64
		expected string
	}{
		{0, filepath.Join("logs", "0000", "0000", "0000.txt.gz")},
		{1, filepath.Join("logs", "0000", "0000", "0001.txt.gz")},
		{123456, filepath.Join("logs", "0000", "0012", "3456.txt.gz")},
		{999999999999, filepath.Join("logs", "9999", "9999", "9999.txt.gz")},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.expected, BuildLogPath(tt.id))
	}
}

func TestQueueSnapshotSize(t *testing.T) {
	snap := QueueSnapshot{
		"cp311m": {{ABI: "cp311m", Package: "numpy", Version: "1.0"}},
		"cp312m": {
			{ABI: "cp312m", Package: "numpy", Version: "1.0"},
			{ABI: "cp312m", Package: "lxml", Version: "2.0"},
		},
	}
	assert.Equal(t, 3, snap.Size())
	assert.Equal(t, 0, QueueSnapshot{}.Size())
}
