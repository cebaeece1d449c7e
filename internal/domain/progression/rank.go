package progression

import (
	"sort"

	"github.com/pulsepoint/pulsepoint-progress/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// RANK TABLE
// ══════════════════════════════════════════════════════════════════════════════

// Rank - именованный уровень, определяемый только XP.
type Rank struct {
	// Name - отображаемое имя ранга.
	Name string `json:"name" mapstructure:"name"`

	// Threshold - минимальный XP для ранга.
	Threshold int `json:"threshold" mapstructure:"threshold"`

	// GemCost - цена досрочного повышения в гемах (витрина, не движок).
	GemCost int `json:"gem_cost" mapstructure:"gem_cost"`
}

// RankTable - упорядоченная по возрастанию порога таблица рангов.
type RankTable struct {
	ranks []Rank
}

// NewRankTable сортирует и проверяет таблицу: она не пуста и пороги уникальны.
func NewRankTable(ranks []Rank) (RankTable, error) {
	if len(ranks) == 0 {
		return RankTable{}, shared.Validationf("progression", "NewRankTable", "rank table is empty")
	}

	sorted := make([]Rank, len(ranks))
	copy(sorted, ranks)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Threshold < sorted[j].Threshold
	})

	for i, r := range sorted {
		if r.Name == "" {
			return RankTable{}, shared.Validationf("progression", "NewRankTable", "rank at threshold %d has no name", r.Threshold)
		}
		if r.Threshold < 0 {
			return RankTable{}, shared.Validationf("progression", "NewRankTable", "rank %q has negative threshold", r.Name)
		}
		if i > 0 && sorted[i-1].Threshold == r.Threshold {
			return RankTable{}, shared.Validationf("progression", "NewRankTable", "duplicate threshold %d", r.Threshold)
		}
	}

	return RankTable{ranks: sorted}, nil
}

// DefaultRankTable возвращает таблицу рангов приложения.
func DefaultRankTable() RankTable {
	t, _ := NewRankTable([]Rank{
		{Name: "ECGKid Intern", Threshold: 0, GemCost: 0},
		{Name: "ECGKid Resident", Threshold: 500, GemCost: 50},
		{Name: "ECG Cadet", Threshold: 1000, GemCost: 100},
		{Name: "Rhythm Specialist", Threshold: 2500, GemCost: 300},
		{Name: "Wave Virtuoso", Threshold: 5000, GemCost: 800},
		{Name: "ECG Grandmaster", Threshold: 8000, GemCost: 1500},
		{Name: "Cardiac Supreme", Threshold: 12000, GemCost: 3000},
	})
	return t
}

// Ranks возвращает копию таблицы.
func (t RankTable) Ranks() []Rank {
	out := make([]Rank, len(t.ranks))
	copy(out, t.ranks)
	return out
}

// index возвращает позицию старшего ранга с порогом <= xp.
// Отрицательный XP приравнивается к нулю; XP ниже первого порога даёт первый ранг.
func (t RankTable) index(xp int) int {
	if xp < 0 {
		xp = 0
	}
	// первый ранг с порогом > xp
	i := sort.Search(len(t.ranks), func(i int) bool {
		return t.ranks[i].Threshold > xp
	})
	if i == 0 {
		return 0
	}
	return i - 1
}

// RankFor возвращает старший ранг, порог которого не превышает xp.
// Функция тотальная и чистая.
func (t RankTable) RankFor(xp int) Rank {
	if len(t.ranks) == 0 {
		return Rank{}
	}
	return t.ranks[t.index(xp)]
}

// RankProgress описывает положение внутри текущего ранга.
type RankProgress struct {
	Current  Rank  `json:"current"`
	Next     *Rank `json:"next,omitempty"`
	XPToNext int   `json:"xp_to_next"`
	Percent  int   `json:"percent"`
}

// Progress считает прогресс до следующего ранга. Для последнего ранга
// Next пуст, а Percent равен 100.
func (t RankTable) Progress(xp int) RankProgress {
	if len(t.ranks) == 0 {
		return RankProgress{}
	}
	if xp < 0 {
		xp = 0
	}

	i := t.index(xp)
	p := RankProgress{Current: t.ranks[i], Percent: 100}
	if i+1 >= len(t.ranks) {
		return p
	}

	next := t.ranks[i+1]
	p.Next = &next
	p.XPToNext = next.Threshold - xp

	span := next.Threshold - t.ranks[i].Threshold
	into := xp - t.ranks[i].Threshold
	if into < 0 {
		into = 0
	}
	p.Percent = into * 100 / span
	return p
}
