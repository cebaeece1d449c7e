package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sort"
	"strings"

	"github.com/spf13/viper"

	"github.com/pulsepoint/pulsepoint-progress/internal/domain/progression"
)

// AchievementTuning overrides the reward side of one catalog entry. Metrics
// stay in code.
type AchievementTuning struct {
	Total       *int    `mapstructure:"total"`
	RewardXP    *int    `mapstructure:"reward_xp"`
	RewardGems  *int    `mapstructure:"reward_gems"`
	RewardTitle *string `mapstructure:"reward_title"`
}

// LoadRules returns the default engine rules with the tuning file at path
// applied. A missing file yields the defaults.
//
// Recognised keys: ranks, rewards, hearts, modules, task_pool,
// daily_task_count, guest_starting_gems, durable_starting_gems,
// fast_lesson_threshold, achievements.
func LoadRules(path string) (*progression.Rules, error) {
	rules := progression.DefaultRules()
	if path == "" {
		return rules, nil
	}
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return rules, nil
	}

	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	if err := applyTuning(v, rules); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return rules, nil
}

func applyTuning(v *viper.Viper, rules *progression.Rules) error {
	var errs []string
	fail := func(format string, args ...any) {
		errs = append(errs, fmt.Sprintf(format, args...))
	}

	if v.IsSet("ranks") {
		var ranks []progression.Rank
		if err := v.UnmarshalKey("ranks", &ranks); err != nil {
			fail("ranks: %v", err)
		} else if table, err := progression.NewRankTable(ranks); err != nil {
			fail("ranks: %v", err)
		} else {
			rules.Ranks = table
		}
	}

	if v.IsSet("rewards") {
		rewards := rules.Rewards
		// A listed band set replaces the default one entirely.
		if v.IsSet("rewards.xp_bands") {
			rewards.XPBands = nil
		}
		if v.IsSet("rewards.gem_bands") {
			rewards.GemBands = nil
		}
		if err := v.UnmarshalKey("rewards", &rewards); err != nil {
			fail("rewards: %v", err)
		} else if msg := checkRewards(&rewards); msg != "" {
			fail("rewards: %s", msg)
		} else {
			rules.Rewards = rewards
		}
	}

	if v.IsSet("hearts") {
		hearts := rules.Hearts
		if err := v.UnmarshalKey("hearts", &hearts); err != nil {
			fail("hearts: %v", err)
		} else if hearts.Max <= 0 || hearts.Interval <= 0 {
			fail("hearts: max and interval must be positive")
		} else {
			rules.Hearts = hearts
		}
	}

	if v.IsSet("modules") {
		var specs []progression.ModuleSpec
		if err := v.UnmarshalKey("modules", &specs); err != nil {
			fail("modules: %v", err)
		} else if catalog, err := progression.NewModuleCatalog(specs); err != nil {
			fail("modules: %v", err)
		} else {
			rules.Modules = catalog
		}
	}

	if v.IsSet("task_pool") {
		var pool []progression.Task
		if err := v.UnmarshalKey("task_pool", &pool); err != nil {
			fail("task_pool: %v", err)
		} else if msg := checkTaskPool(pool); msg != "" {
			fail("task_pool: %s", msg)
		} else {
			rules.TaskPool = pool
		}
	}

	if v.IsSet("daily_task_count") {
		if n := v.GetInt("daily_task_count"); n > 0 {
			rules.DailyTaskCount = n
		} else {
			fail("daily_task_count must be positive")
		}
	}

	if v.IsSet("guest_starting_gems") {
		if n := v.GetInt("guest_starting_gems"); n >= 0 {
			rules.GuestStartingGems = n
		} else {
			fail("guest_starting_gems must not be negative")
		}
	}
	if v.IsSet("durable_starting_gems") {
		if n := v.GetInt("durable_starting_gems"); n >= 0 {
			rules.DurableStartingGems = n
		} else {
			fail("durable_starting_gems must not be negative")
		}
	}

	if v.IsSet("fast_lesson_threshold") {
		if d := v.GetDuration("fast_lesson_threshold"); d > 0 {
			rules.FastLessonThreshold = d
		} else {
			fail("fast_lesson_threshold must be positive")
		}
	}

	if v.IsSet("achievements") {
		var overrides map[string]AchievementTuning
		if err := v.UnmarshalKey("achievements", &overrides); err != nil {
			fail("achievements: %v", err)
		} else if catalog, msg := tuneAchievements(rules.Achievements, overrides); msg != "" {
			fail("achievements: %s", msg)
		} else {
			rules.Achievements = catalog
		}
	}

	if len(errs) > 0 {
		sort.Strings(errs)
		return fmt.Errorf("tuning errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// checkRewards orders the bands by descending MinScore and rejects tables
// the reward computation cannot use.
func checkRewards(t *progression.RewardTable) string {
	if len(t.XPBands) == 0 || len(t.GemBands) == 0 {
		return "xp_bands and gem_bands must not be empty"
	}
	byScore := func(bands []progression.ScoreBand) {
		sort.SliceStable(bands, func(i, j int) bool { return bands[i].MinScore > bands[j].MinScore })
	}
	byScore(t.XPBands)
	byScore(t.GemBands)

	for _, bands := range [][]progression.ScoreBand{t.XPBands, t.GemBands} {
		if bands[len(bands)-1].MinScore != 0 {
			return "every band set needs a band starting at score 0"
		}
		for _, b := range bands {
			if b.MinScore < 0 || b.MinScore > 100 || b.Amount < 0 {
				return fmt.Sprintf("band %+v out of range", b)
			}
		}
	}
	if t.PerfectMinScore < 0 || t.PerfectMinScore > 100 || t.FailingScore < 0 || t.FailingScore > 100 {
		return "perfect_min_score and failing_score must be within 0-100"
	}
	return ""
}

func checkTaskPool(pool []progression.Task) string {
	if len(pool) == 0 {
		return "pool must not be empty"
	}
	seen := make(map[string]bool, len(pool))
	for i, t := range pool {
		switch {
		case t.ID == "":
			return fmt.Sprintf("task #%d has no id", i)
		case seen[t.ID]:
			return fmt.Sprintf("duplicate task %s", t.ID)
		case !t.Kind.IsValid():
			return fmt.Sprintf("task %s has unknown kind %q", t.ID, t.Kind)
		case t.Points < 0 || t.Gems < 0:
			return fmt.Sprintf("task %s has a negative reward", t.ID)
		}
		seen[t.ID] = true
	}
	return ""
}

// tuneAchievements applies overrides by id. Viper lowercases map keys, so ids
// are matched case-insensitively.
func tuneAchievements(catalog progression.AchievementCatalog, overrides map[string]AchievementTuning) (progression.AchievementCatalog, string) {
	specs := catalog.Specs()
	index := make(map[string]int, len(specs))
	for i, s := range specs {
		index[strings.ToLower(string(s.ID))] = i
	}

	for id, o := range overrides {
		i, ok := index[strings.ToLower(id)]
		if !ok {
			return catalog, fmt.Sprintf("unknown achievement %s", id)
		}
		s := &specs[i]
		if o.Total != nil {
			if *o.Total <= 0 {
				return catalog, fmt.Sprintf("achievement %s: total must be positive", id)
			}
			s.Total = *o.Total
		}
		if o.RewardXP != nil {
			s.RewardXP = *o.RewardXP
		}
		if o.RewardGems != nil {
			s.RewardGems = *o.RewardGems
		}
		if o.RewardTitle != nil {
			s.RewardTitle = *o.RewardTitle
		}
		if s.RewardXP < 0 || s.RewardGems < 0 {
			return catalog, fmt.Sprintf("achievement %s: negative reward", id)
		}
	}

	tuned, err := progression.NewAchievementCatalog(specs)
	if err != nil {
		return catalog, err.Error()
	}
	return tuned, ""
}
