package validation

import (
	"strings"
	"testing"

	"github.com/devrev/pairdb/disktable/internal/errors"
	"github.com/devrev/pairdb/disktable/internal/model"
	"github.com/stretchr/testify/assert"
)

func TestValidator_ValidatePut(t *testing.T) {
	v := NewValidatorWithLimits(8, 16, 2)

	tests := []struct {
		name    string
		value   []byte
		dims    []model.Dimension
		wantErr errors.ErrorCode
	}{
		{
			name:  "valid write",
			value: []byte("value"),
			dims:  []model.Dimension{{Index: 0, Key: "pk"}},
		},
		{
			name:  "empty key is allowed",
			value: []byte("value"),
			dims:  []model.Dimension{{Index: 0, Key: ""}},
		},
		{
			name:    "no dimension",
			value:   []byte("value"),
			wantErr: errors.ErrCodeInvalidArgument,
		},
		{
			name:    "too many dimensions",
			value:   []byte("value"),
			dims:    []model.Dimension{{Index: 0}, {Index: 1}, {Index: 2}},
			wantErr: errors.ErrCodeInvalidArgument,
		},
		{
			name:    "key too large",
			value:   []byte("value"),
			dims:    []model.Dimension{{Index: 0, Key: strings.Repeat("k", 9)}},
			wantErr: errors.ErrCodeKeyTooLarge,
		},
		{
			name:    "value too large",
			value:   make([]byte, 17),
			dims:    []model.Dimension{{Index: 0, Key: "pk"}},
			wantErr: errors.ErrCodeValueTooLarge,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.ValidatePut(tt.value, tt.dims)
			if tt.wantErr == errors.ErrCodeOK {
				assert.NoError(t, err)
				return
			}
			assert.True(t, errors.IsCode(err, tt.wantErr), "got %v", err)
		})
	}
}

func TestEstimateWriteSize(t *testing.T) {
	one := EstimateWriteSize([]byte("value"), []model.Dimension{{Key: "pk"}})
	two := EstimateWriteSize([]byte("value"), []model.Dimension{{Key: "pk"}, {Index: 1, Key: "pk"}})

	assert.Greater(t, one, uint64(len("value")))
	assert.Equal(t, 2*one, two)
}
