package progression

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRankTable_RankFor(t *testing.T) {
	table := DefaultRankTable()

	tests := []struct {
		xp   int
		want string
	}{
		{-10, "ECGKid Intern"},
		{0, "ECGKid Intern"},
		{499, "ECGKid Intern"},
		{500, "ECGKid Resident"},
		{999, "ECGKid Resident"},
		{1000, "ECG Cadet"},
		{2500, "Rhythm Specialist"},
		{7999, "Wave Virtuoso"},
		{12000, "Cardiac Supreme"},
		{1_000_000, "Cardiac Supreme"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, table.RankFor(tt.xp).Name, "xp=%d", tt.xp)
	}
}

func TestRankTable_Progress(t *testing.T) {
	table := DefaultRankTable()

	p := table.Progress(750)
	assert.Equal(t, "ECGKid Resident", p.Current.Name)
	require.NotNil(t, p.Next)
	assert.Equal(t, "ECG Cadet", p.Next.Name)
	assert.Equal(t, 250, p.XPToNext)
	assert.Equal(t, 50, p.Percent)

	top := table.Progress(20000)
	assert.Nil(t, top.Next)
	assert.Equal(t, 100, top.Percent)
}

func TestNewRankTable_Validation(t *testing.T) {
	_, err := NewRankTable(nil)
	assert.Error(t, err)

	_, err = NewRankTable([]Rank{{Name: "a", Threshold: 0}, {Name: "b", Threshold: 0}})
	assert.Error(t, err)

	table, err := NewRankTable([]Rank{{Name: "high", Threshold: 100}, {Name: "low", Threshold: 0}})
	require.NoError(t, err)
	assert.Equal(t, "low", table.RankFor(50).Name)
	assert.Equal(t, "high", table.RankFor(100).Name)
}
