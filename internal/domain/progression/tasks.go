package progression

// ══════════════════════════════════════════════════════════════════════════════
// DAILY TASK SELECTOR
// ══════════════════════════════════════════════════════════════════════════════

// TaskKind - категория ежедневной задачи.
type TaskKind string

const (
	TaskVideo     TaskKind = "video"
	TaskQuiz      TaskKind = "quiz"
	TaskFlashcard TaskKind = "flashcard"
	TaskReading   TaskKind = "reading"
)

// IsValid проверяет, что категория известна.
func (k TaskKind) IsValid() bool {
	switch k {
	case TaskVideo, TaskQuiz, TaskFlashcard, TaskReading:
		return true
	}
	return false
}

// DefaultDailyTaskCount - размер ежедневного набора.
const DefaultDailyTaskCount = 5

// Task - ссылка на задачу из пула. Содержимое задачи для движка непрозрачно.
type Task struct {
	ID     string   `json:"id" mapstructure:"id"`
	Kind   TaskKind `json:"kind" mapstructure:"kind"`
	Title  string   `json:"title" mapstructure:"title"`
	Points int      `json:"points" mapstructure:"points"`

	// Gems - награда в гемах для видео-задач; 0 означает 1.
	Gems int `json:"gems,omitempty" mapstructure:"gems"`
}

// Guaranteed сообщает, относится ли задача к гарантированной категории:
// хотя бы одна видео-задача должна попадать в набор каждый день.
func (t Task) Guaranteed() bool {
	return t.Kind == TaskVideo
}

// lcg - линейный конгруэнтный генератор, воспроизводимый по seed.
type lcg struct {
	state int64
}

const (
	lcgMul = 9301
	lcgInc = 49297
	lcgMod = 233280
)

func newLCG(seed int64) *lcg {
	s := seed % lcgMod
	if s < 0 {
		s += lcgMod
	}
	return &lcg{state: s}
}

// intn возвращает число в [0, n).
func (g *lcg) intn(n int) int {
	g.state = (g.state*lcgMul + lcgInc) % lcgMod
	return int(g.state * int64(n) / lcgMod)
}

// SelectDaily детерминированно выбирает не более count задач на день dayIndex:
//
//  1. одна гарантированная задача guaranteed[dayIndex mod len], если есть;
//  2. остальные слоты - из прочих задач в порядке перестановки Фишера-Йетса
//     с генератором, засеянным dayIndex;
//  3. если прочих не хватило - добор неиспользованными гарантированными.
//
// Задача не повторяется в наборе; порядок стабилен для пары (pool, dayIndex).
func SelectDaily(pool []Task, dayIndex int64, count int) []Task {
	if len(pool) == 0 || count <= 0 {
		return []Task{}
	}

	guaranteed := make([]Task, 0, len(pool))
	other := make([]Task, 0, len(pool))
	seen := make(map[string]bool, len(pool))
	for _, t := range pool {
		// дубликаты id в пуле отбрасываются
		if seen[t.ID] {
			continue
		}
		seen[t.ID] = true
		if t.Guaranteed() {
			guaranteed = append(guaranteed, t)
		} else {
			other = append(other, t)
		}
	}

	selected := make([]Task, 0, count)
	usedGuaranteed := -1

	if len(guaranteed) > 0 {
		idx := int(dayIndex % int64(len(guaranteed)))
		if idx < 0 {
			idx += len(guaranteed)
		}
		selected = append(selected, guaranteed[idx])
		usedGuaranteed = idx
	}

	rng := newLCG(dayIndex)
	shuffled := make([]Task, len(other))
	copy(shuffled, other)
	for i := len(shuffled) - 1; i > 0; i-- {
		j := rng.intn(i + 1)
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	}

	for _, t := range shuffled {
		if len(selected) >= count {
			break
		}
		selected = append(selected, t)
	}

	for i, t := range guaranteed {
		if len(selected) >= count {
			break
		}
		if i == usedGuaranteed {
			continue
		}
		selected = append(selected, t)
	}

	return selected
}

// DefaultTaskPool - встроенный пул на случай, если каталог контента не задан.
func DefaultTaskPool() []Task {
	return []Task{
		{ID: "video-normal-sinus", Kind: TaskVideo, Title: "Normal sinus rhythm walkthrough", Points: 20, Gems: 2},
		{ID: "video-lead-placement", Kind: TaskVideo, Title: "12-lead placement", Points: 20, Gems: 2},
		{ID: "video-afib-basics", Kind: TaskVideo, Title: "Atrial fibrillation basics", Points: 25, Gems: 3},
		{ID: "quiz-p-wave", Kind: TaskQuiz, Title: "Identify the P wave", Points: 15},
		{ID: "quiz-pr-interval", Kind: TaskQuiz, Title: "Measure the PR interval", Points: 15},
		{ID: "quiz-qrs-width", Kind: TaskQuiz, Title: "Narrow or wide QRS", Points: 20},
		{ID: "quiz-heart-rate", Kind: TaskQuiz, Title: "Calculate the heart rate", Points: 15},
		{ID: "quiz-st-elevation", Kind: TaskQuiz, Title: "Spot ST elevation", Points: 25},
		{ID: "flash-intervals", Kind: TaskFlashcard, Title: "Normal interval values", Points: 10},
		{ID: "flash-axis", Kind: TaskFlashcard, Title: "Axis quadrants", Points: 10},
		{ID: "flash-blocks", Kind: TaskFlashcard, Title: "AV block degrees", Points: 10},
		{ID: "read-conduction", Kind: TaskReading, Title: "The conduction system", Points: 10},
	}
}
