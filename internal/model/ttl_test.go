package model_test

import (
	"math"
	"testing"

	"github.com/devrev/pairdb/disktable/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestTTLPolicy_Expired(t *testing.T) {
	const minute = 60 * 1000

	tests := []struct {
		name    string
		policy  model.TTLPolicy
		age     int64
		rank    uint64
		expired bool
	}{
		{"absolute within", model.NewTTLPolicy(model.TTLAbsolute, 10*minute, 0), 9 * minute, 100, false},
		{"absolute past", model.NewTTLPolicy(model.TTLAbsolute, 10*minute, 0), 10*minute + 1, 1, true},
		{"absolute boundary", model.NewTTLPolicy(model.TTLAbsolute, 10*minute, 0), 10 * minute, 1, false},
		{"absolute disabled", model.NewTTLPolicy(model.TTLAbsolute, 0, 0), 1 << 40, 1, false},
		{"absolute future record", model.NewTTLPolicy(model.TTLAbsolute, 1, 0), -500, 1, false},
		{"latest kept", model.NewTTLPolicy(model.TTLLatest, 0, 3), 1 << 40, 3, false},
		{"latest trimmed", model.NewTTLPolicy(model.TTLLatest, 0, 3), 0, 4, true},
		{"latest disabled", model.NewTTLPolicy(model.TTLLatest, 0, 0), 0, 1000, false},
		{"and both", model.NewTTLPolicy(model.TTLAbsAndLat, minute, 2), minute + 1, 3, true},
		{"and only age", model.NewTTLPolicy(model.TTLAbsAndLat, minute, 2), minute + 1, 2, false},
		{"and only rank", model.NewTTLPolicy(model.TTLAbsAndLat, minute, 2), minute, 3, false},
		{"and abs disabled", model.NewTTLPolicy(model.TTLAbsAndLat, 0, 2), 1 << 40, 3, false},
		{"or age", model.NewTTLPolicy(model.TTLAbsOrLat, minute, 2), minute + 1, 1, true},
		{"or rank", model.NewTTLPolicy(model.TTLAbsOrLat, minute, 2), 0, 3, true},
		{"or neither", model.NewTTLPolicy(model.TTLAbsOrLat, minute, 2), minute, 2, false},
		{"or lat disabled", model.NewTTLPolicy(model.TTLAbsOrLat, minute, 0), 0, 1000, false},
		{"absolute huge limit", model.NewTTLPolicy(model.TTLAbsolute, math.MaxUint64, 0), math.MaxInt64, 1, false},
		{"absolute past int64", model.NewTTLPolicy(model.TTLAbsolute, math.MaxInt64+1, 0), 1 << 40, 1, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expired, tt.policy.Expired(tt.age, tt.rank))
		})
	}
}

func TestTTLPolicy_NeedGc(t *testing.T) {
	assert.True(t, model.NewTTLPolicy(model.TTLAbsolute, 1, 0).NeedGc())
	assert.False(t, model.NewTTLPolicy(model.TTLAbsolute, 0, 5).NeedGc())
	assert.True(t, model.NewTTLPolicy(model.TTLLatest, 0, 1).NeedGc())
	assert.False(t, model.NewTTLPolicy(model.TTLAbsAndLat, 1, 0).NeedGc())
	assert.True(t, model.NewTTLPolicy(model.TTLAbsOrLat, 0, 1).NeedGc())

	assert.True(t, model.NewTTLPolicy(model.TTLAbsOrLat, 1, 1).UsesRank())
	assert.False(t, model.NewTTLPolicy(model.TTLAbsolute, 1, 1).UsesRank())
	assert.False(t, model.NewTTLPolicy(model.TTLLatest, 1, 1).UsesAge())
}

func TestTTLDesc_Policy(t *testing.T) {
	p := model.TTLDesc{Type: model.TTLAbsOrLat, AbsTTL: 10, LatTTL: 3}.Policy()
	assert.Equal(t, uint64(10*60*1000), p.AbsTTL)
	assert.Equal(t, uint64(3), p.LatTTL)

	huge := model.TTLDesc{Type: model.TTLAbsolute, AbsTTL: math.MaxUint64 / 1000}.Policy()
	assert.Equal(t, uint64(math.MaxUint64), huge.AbsTTL)
	assert.Equal(t, int64(math.MaxInt64), huge.AbsMillis())
	assert.False(t, huge.Expired(1<<50, 1))

	assert.Equal(t, model.TTLDesc{Type: model.TTLLatest, LatTTL: 3}, model.SimpleTTL(3, model.TTLLatest))
	assert.Equal(t, model.TTLDesc{Type: model.TTLAbsolute, AbsTTL: 10}, model.SimpleTTL(10, model.TTLAbsolute))
}

func TestTTLType_YAML(t *testing.T) {
	var desc model.TTLDesc
	require.NoError(t, yaml.Unmarshal([]byte("type: abs_or_lat\nabs_ttl: 5\nlat_ttl: 2\n"), &desc))
	assert.Equal(t, model.TTLAbsOrLat, desc.Type)

	out, err := yaml.Marshal(desc)
	require.NoError(t, err)
	assert.Contains(t, string(out), "absorlat")

	assert.Error(t, yaml.Unmarshal([]byte("type: forever\n"), &desc))
}

func TestTableMeta_Validate(t *testing.T) {
	valid := model.TableMeta{
		Name:    "t1",
		Columns: []model.ColumnDesc{{Name: "card", Type: model.TypeString}, {Name: "ts", Type: model.TypeBigInt}},
		Indexes: []model.IndexDesc{{Name: "card", Columns: []string{"card"}, TsColumn: "ts"}},
	}
	require.NoError(t, valid.Validate())

	bad := valid
	bad.Indexes = []model.IndexDesc{{Name: "card", Columns: []string{"nope"}}}
	assert.Error(t, bad.Validate())

	bad.Indexes = []model.IndexDesc{{Name: "card", Columns: []string{"card"}, TsColumn: "card"}}
	assert.Error(t, bad.Validate())

	bad.Indexes = nil
	assert.Error(t, bad.Validate())

	mapping := model.TableMeta{Name: "t2", Indexes: []model.IndexDesc{{Name: "idx0"}}}
	assert.NoError(t, mapping.Validate())
	assert.Equal(t, "0_0", mapping.PartitionDir())
}
