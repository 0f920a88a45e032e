package kclock

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestReadingSkew(t *testing.T) {
	tests := []struct {
		name string
		r    Reading
		want int64
	}{
		{name: "kernel at midpoint", r: Reading{Before: 100, After: 200, Kernel: 150}, want: 0},
		{name: "kernel ahead", r: Reading{Before: 100, After: 200, Kernel: 400}, want: 250},
		{name: "kernel behind", r: Reading{Before: 1000, After: 1010, Kernel: 5}, want: -1000},
		{name: "empty bracket", r: Reading{Before: 42, After: 42, Kernel: 42}, want: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.r.Skew())
		})
	}

	assert.Equal(t, uint64(10), Reading{Before: 1000, After: 1010}.Uncertainty())
}
