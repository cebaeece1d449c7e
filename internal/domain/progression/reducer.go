package progression

import (
	"time"

	"github.com/pulsepoint/pulsepoint-progress/internal/domain/shared"
	"github.com/pulsepoint/pulsepoint-progress/pkg/timeutil"
)

// ══════════════════════════════════════════════════════════════════════════════
// REDUCER
// ══════════════════════════════════════════════════════════════════════════════

// Env - окружение редьюсера: время и правила.
type Env struct {
	Now   time.Time
	Rules *Rules
}

// Outcome - сводка того, что дало событие.
type Outcome struct {
	XP          int
	Gems        int
	HeartsDelta int

	// Reward - расчёт награды урока (только для LessonCompleted).
	Reward *Reward

	Practice          bool
	DailySetCompleted bool
	Exhausted         bool
	StreakBroken      bool
	RankChanged       bool

	UnlockedModules []string
	NewAchievements []AchievementID
}

// Transition - результат применения события.
type Transition struct {
	// State - новое состояние; исходное не изменяется.
	State *UserProgress

	// Commit - запись для хранилища. Пустой Patch писать не нужно.
	Commit Commit

	// Events - производные доменные события для уведомлений.
	Events []shared.Event

	Outcome Outcome
}

// Reduce применяет событие к состоянию.
//
// Перед событием всегда выполняются смена дня и восстановление сердец.
// Повтор уже засчитанной задачи или события возвращает мягкую ошибку
// shared.ErrAlreadyCompleted, и ничего не начисляется.
func Reduce(state *UserProgress, ev Event, env Env) (Transition, error) {
	if state == nil {
		return Transition{}, shared.Validationf("progression", "Reduce", "state is nil")
	}
	if env.Rules == nil {
		env.Rules = DefaultRules()
	}
	if env.Now.IsZero() {
		env.Now = time.Now()
	}
	if err := ValidateEvent(ev); err != nil {
		return Transition{}, err
	}
	if state.HasEvent(ev.ID()) {
		return Transition{}, shared.ErrEventApplied
	}

	r := &reduction{
		env:   env,
		rules: env.Rules,
		ev:    ev,
		prev:  state,
		next:  state.Clone(),
		today: timeutil.DayOf(env.Now),
		key:   EventKey(ev.ID()),
	}

	r.rollover()
	r.regenerate()

	var err error
	switch e := ev.(type) {
	case TaskCompleted:
		err = r.completeTask(e)
	case LessonCompleted:
		err = r.completeLesson(e)
	case HeartLost:
		r.loseHeart()
	case AchievementClaimed:
		err = r.claim(e)
	case HeartTick:
		// только пересчёт сердец и дня
	default:
		err = shared.ErrUnknownEventKind
	}
	if err != nil {
		return Transition{}, err
	}

	r.achievements()
	r.rank()

	r.next.rememberEvent(ev.ID())
	if !r.patch.IsEmpty() {
		r.next.UpdatedAt = env.Now
	}

	return Transition{
		State: r.next,
		Commit: Commit{
			UserID: state.UserID,
			Kind:   ev.Kind(),
			Key:    r.key,
			Patch:  r.patch,
			At:     env.Now,
		},
		Events:  r.events,
		Outcome: r.outcome,
	}, nil
}

// reduction - рабочее состояние одного вызова Reduce.
type reduction struct {
	env   Env
	rules *Rules
	ev    Event
	prev  *UserProgress
	next  *UserProgress
	today timeutil.Day
	key   IdempotencyKey

	patch   Patch
	events  []shared.Event
	outcome Outcome
}

func (r *reduction) base(t shared.EventType) shared.BaseEvent {
	return shared.NewBaseEvent(t, r.next.UserID.String(), r.env.Now).WithCorrelationID(r.ev.ID())
}

func (r *reduction) emit(e shared.Event) {
	r.events = append(r.events, e)
}

// ─────────────────────────────────────────────────────────────────────────────
// Prelude
// ─────────────────────────────────────────────────────────────────────────────

// rollover начинает новый день: набор задач сбрасывается.
// Часы, ушедшие назад, день не откатывают.
func (r *reduction) rollover() {
	if r.today <= r.next.TaskDay {
		return
	}
	day := r.today
	r.next.TaskDay = day
	r.next.CompletedTasks = make(map[string]CompletedTask)
	r.next.DailySetCompleted = false
	r.patch.TaskDay = &day
}

func (r *reduction) regenerate() {
	before := r.next.Hearts.Hearts
	h, changed := Regenerate(r.next.Hearts, r.env.Now, r.rules.Hearts)
	if !changed {
		return
	}
	r.setHearts(h)
	if gained := h.Hearts - before; gained > 0 {
		r.emit(shared.HeartsChangedEvent{
			BaseEvent: r.base(shared.EventHeartsRegenerated),
			Hearts:    h.Hearts,
			MaxHearts: r.rules.Hearts.Max,
			Delta:     gained,
		})
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Helpers
// ─────────────────────────────────────────────────────────────────────────────

func (r *reduction) setHearts(h HeartsState) {
	r.next.Hearts = h
	cp := h
	if h.LastDepletion != nil {
		t := *h.LastDepletion
		cp.LastDepletion = &t
	}
	r.patch.Hearts = &cp
}

func (r *reduction) credit(xp, gems int, source string) {
	if xp == 0 && gems == 0 {
		return
	}
	r.next.XP += xp
	r.next.Gems += gems
	r.patch.XPDelta += xp
	r.patch.GemsDelta += gems
	r.outcome.XP += xp
	r.outcome.Gems += gems

	if xp > 0 {
		r.emit(shared.XPGainedEvent{
			BaseEvent: r.base(shared.EventXPGained),
			Amount:    xp,
			NewTotal:  r.next.XP,
			Source:    source,
		})
	}
}

func (r *reduction) touchModule(m ModuleProgress) {
	r.next.Modules[m.ModuleID] = m
	for i, existing := range r.patch.Modules {
		if existing.ModuleID == m.ModuleID {
			r.patch.Modules[i] = m.Clone()
			return
		}
	}
	r.patch.Modules = append(r.patch.Modules, m.Clone())
}

func (r *reduction) touchAchievement(a AchievementState) {
	r.next.Achievements[a.ID] = a
	for i, existing := range r.patch.Achievements {
		if existing.ID == a.ID {
			r.patch.Achievements[i] = a.Clone()
			return
		}
	}
	r.patch.Achievements = append(r.patch.Achievements, a.Clone())
}

// ─────────────────────────────────────────────────────────────────────────────
// Daily tasks
// ─────────────────────────────────────────────────────────────────────────────

func (r *reduction) completeTask(e TaskCompleted) error {
	day := r.next.TaskDay
	task, ok := r.rules.FindDailyTask(day, e.TaskID)
	if !ok {
		return shared.ErrUnknownTask
	}
	if _, done := r.next.CompletedTasks[e.TaskID]; done {
		return shared.ErrTaskAlreadyCompleted
	}
	r.key = TaskKey(day, e.TaskID)

	xp, gems := r.rules.Rewards.TaskReward(task, e.Correct)
	ct := CompletedTask{
		TaskID:      task.ID,
		Kind:        task.Kind,
		XP:          xp,
		Gems:        gems,
		CompletedAt: r.env.Now,
	}
	r.next.CompletedTasks[task.ID] = ct
	r.patch.CompletedTask = &ct

	delta := Counters{TotalTasksCompleted: 1}
	switch task.Kind {
	case TaskVideo:
		delta.VideosWatched = 1
	case TaskQuiz:
		delta.QuizzesCompleted = 1
	case TaskFlashcard:
		delta.FlashcardsStudied = 1
	}
	r.next.Counters = r.next.Counters.Add(delta)
	r.patch.Counters = r.patch.Counters.Add(delta)

	r.credit(xp, gems, "task")
	r.emit(shared.TaskCompletedEvent{
		BaseEvent: r.base(shared.EventTaskCompleted),
		TaskID:    task.ID,
		Correct:   e.Correct,
		XP:        xp,
		Gems:      gems,
	})

	if r.next.DailySetCompleted || !r.allDailyTasksDone(day) {
		return nil
	}

	r.next.DailySetCompleted = true
	r.patch.DailySetCompleted = true
	r.outcome.DailySetCompleted = true
	bonus := r.rules.Rewards.DailySetBonusXP
	r.credit(bonus, 0, "daily_set")
	r.emit(shared.DailySetCompletedEvent{
		BaseEvent: r.base(shared.EventDailySetCompleted),
		BonusXP:   bonus,
		Day:       day.String(),
	})

	r.advanceStreak()
	return nil
}

func (r *reduction) allDailyTasksDone(day timeutil.Day) bool {
	set := r.rules.DailyTasks(day)
	if len(set) == 0 {
		return false
	}
	for _, t := range set {
		if _, ok := r.next.CompletedTasks[t.ID]; !ok {
			return false
		}
	}
	return true
}

// advanceStreak продвигает серию: вызывается только при полностью
// выполненном дневном наборе.
func (r *reduction) advanceStreak() {
	res := AdvanceStreak(r.next.Streak, r.today)
	if !res.Changed {
		return
	}

	r.next.Streak = res.State
	s := res.State
	if s.LastActivity != nil {
		d := *s.LastActivity
		s.LastActivity = &d
	}
	r.patch.Streak = &s

	r.emit(shared.StreakUpdatedEvent{
		BaseEvent:     r.base(shared.EventStreakUpdated),
		CurrentStreak: res.State.Current,
		LongestStreak: res.State.Longest,
	})

	if res.Broken {
		r.outcome.StreakBroken = true
	}
	if ShouldNotifyBroken(res) {
		missed := 0
		if last := r.prev.Streak.LastActivity; last != nil {
			missed = timeutil.DaysBetween(*last, r.today) - 1
		}
		r.emit(shared.StreakBrokenEvent{
			BaseEvent:      r.base(shared.EventStreakBroken),
			PreviousStreak: res.Previous,
			DaysMissed:     missed,
		})
	}
	if IsStreakMilestone(res.State.Current) {
		r.emit(shared.StreakMilestoneEvent{
			BaseEvent: r.base(shared.EventStreakMilestone),
			Streak:    res.State.Current,
		})
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Lessons
// ─────────────────────────────────────────────────────────────────────────────

func (r *reduction) completeLesson(e LessonCompleted) error {
	spec, ok := r.rules.Modules.Get(e.ModuleID)
	if !ok {
		return shared.ErrUnknownModule
	}
	mp, ok := r.next.Modules[spec.ID]
	if !ok {
		mp = NewModuleProgress(spec)
	}

	// флаг perfect приоритетнее счётчика ошибок
	mistakes := e.Mistakes
	if e.Perfect {
		mistakes = 0
	} else if mistakes == 0 {
		mistakes = 1
	}

	reward := r.rules.Rewards.Compute(RewardInput{
		Score:        e.Score,
		Mistakes:     mistakes,
		Elapsed:      e.TimeSpent,
		Questions:    e.Questions,
		AnswerStreak: e.AnswerStreak,
	})

	updated, lo, err := mp.RecordLesson(spec, LessonResult{
		LessonID:  e.LessonID,
		Score:     e.Score,
		TimeSpent: e.TimeSpent,
		Perfect:   reward.Perfect,
		At:        r.env.Now,
	})
	if err != nil {
		return err
	}
	r.touchModule(updated)

	r.outcome.Reward = &reward
	r.outcome.Practice = lo.Practice

	if lo.UnlockTriggered && spec.UnlockNext != "" {
		r.unlock(spec.UnlockNext)
	}
	if lo.NewlyCompleted {
		r.emit(shared.ModuleEvent{
			BaseEvent: r.base(shared.EventModuleCompleted),
			ModuleID:  spec.ID,
			Title:     spec.Title,
		})
	}

	r.credit(reward.XP, reward.Gems, "lesson")

	switch {
	case reward.HeartsDelta > 0:
		before := r.next.Hearts.Hearts
		h := GainHeart(r.next.Hearts, r.rules.Hearts)
		if h.Hearts != before || (h.LastDepletion == nil) != (r.next.Hearts.LastDepletion == nil) {
			r.setHearts(h)
			r.outcome.HeartsDelta = h.Hearts - before
		}
	case reward.HeartsDelta < 0:
		r.loseHeart()
	}

	delta := Counters{LearningSeconds: int64(e.TimeSpent / time.Second)}
	if !lo.Practice {
		delta.LessonsCompleted = 1
		if reward.Perfect {
			delta.PerfectLessons = 1
		}
		if e.TimeSpent > 0 && e.TimeSpent < r.rules.FastLessonThreshold {
			delta.FastCompletions = 1
		}
	}
	r.next.Counters = r.next.Counters.Add(delta)
	r.patch.Counters = r.patch.Counters.Add(delta)

	ptr := LessonPointer{ModuleID: spec.ID, LessonID: NextLessonID(e.LessonID, spec.TotalLessons)}
	if ptr != r.next.Current {
		r.next.Current = ptr
		r.patch.Current = &ptr
	}

	r.emit(shared.LessonCompletedEvent{
		BaseEvent:   r.base(shared.EventLessonCompleted),
		ModuleID:    spec.ID,
		LessonID:    e.LessonID,
		Score:       e.Score,
		Perfect:     reward.Perfect,
		XP:          reward.XP,
		Gems:        reward.Gems,
		HeartsDelta: reward.HeartsDelta,
		Practice:    lo.Practice,
	})
	return nil
}

func (r *reduction) unlock(moduleID string) {
	spec, ok := r.rules.Modules.Get(moduleID)
	if !ok {
		return
	}
	mp, ok := r.next.Modules[moduleID]
	if !ok {
		mp = NewModuleProgress(spec)
	}
	unlocked, changed := mp.Unlock()
	if !changed {
		return
	}
	r.touchModule(unlocked)
	r.outcome.UnlockedModules = append(r.outcome.UnlockedModules, moduleID)
	r.emit(shared.ModuleEvent{
		BaseEvent: r.base(shared.EventModuleUnlocked),
		ModuleID:  spec.ID,
		Title:     spec.Title,
	})
}

// ─────────────────────────────────────────────────────────────────────────────
// Hearts & achievements
// ─────────────────────────────────────────────────────────────────────────────

func (r *reduction) loseHeart() {
	h, exhausted := LoseHeart(r.next.Hearts, r.env.Now, r.rules.Hearts)
	if exhausted {
		r.outcome.Exhausted = true
		return
	}
	r.setHearts(h)
	r.outcome.HeartsDelta--

	r.emit(shared.HeartsChangedEvent{
		BaseEvent: r.base(shared.EventHeartLost),
		Hearts:    h.Hearts,
		MaxHearts: r.rules.Hearts.Max,
		Delta:     -1,
	})
	if h.Hearts == 0 {
		r.emit(shared.HeartsChangedEvent{
			BaseEvent: r.base(shared.EventHeartsDepleted),
			Hearts:    0,
			MaxHearts: r.rules.Hearts.Max,
		})
	}
}

func (r *reduction) claim(e AchievementClaimed) error {
	spec, ok := r.rules.Achievements.Get(e.AchievementID)
	if !ok {
		return shared.ErrUnknownAchievement
	}
	st, ok := r.next.Achievements[spec.ID]
	if !ok {
		st = AchievementState{ID: spec.ID, Total: spec.Total}
	}
	claimed, err := Claim(st, r.env.Now)
	if err != nil {
		return err
	}
	r.touchAchievement(claimed)
	r.credit(spec.RewardXP, spec.RewardGems, "achievement")
	r.emit(shared.AchievementEvent{
		BaseEvent:     r.base(shared.EventAchievementClaimed),
		AchievementID: spec.ID.String(),
		Title:         spec.Title,
		RewardXP:      spec.RewardXP,
		RewardGems:    spec.RewardGems,
	})
	return nil
}

func (r *reduction) achievements() {
	cat := r.rules.Achievements
	if r.next.Achievements == nil {
		r.next.Achievements = make(map[AchievementID]AchievementState)
	}

	after := r.next.Stats()
	newly := cat.Evaluate(r.prev.Stats(), after, r.next.Achievements)
	for _, a := range cat.Refresh(r.next.Achievements, after, newly, r.env.Now) {
		r.touchAchievement(a)
	}

	for _, id := range newly {
		spec, _ := cat.Get(id)
		r.outcome.NewAchievements = append(r.outcome.NewAchievements, id)
		r.emit(shared.AchievementEvent{
			BaseEvent:     r.base(shared.EventAchievementUnlocked),
			AchievementID: id.String(),
			Title:         spec.Title,
			RewardXP:      spec.RewardXP,
			RewardGems:    spec.RewardGems,
		})
	}
}

func (r *reduction) rank() {
	before := r.rules.Ranks.RankFor(r.prev.XP)
	after := r.rules.Ranks.RankFor(r.next.XP)
	if before.Name == after.Name {
		return
	}
	r.outcome.RankChanged = true
	r.emit(shared.RankChangedEvent{
		BaseEvent: r.base(shared.EventRankChanged),
		OldRank:   before.Name,
		NewRank:   after.Name,
	})
}
