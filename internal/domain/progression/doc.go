// Package progression содержит доменную модель движка прогресса и наград
// PulsePoint: XP, гемы, ранги, серии дней, сердца, модули и достижения.
//
// Пакет определяет:
//
//   - Чистые функции: RankTable.RankFor, SelectDaily, AdvanceStreak,
//     Regenerate/LoseHeart, RewardTable.Compute, Evaluate
//   - Агрегат UserProgress и его частичное обновление Patch
//   - Закрытое множество событий (TaskCompleted, LessonCompleted, HeartLost,
//     AchievementClaimed, HeartTick) и редьюсер Reduce(state, event) -> state
//   - Интерфейсы инфраструктуры: ProgressBackend, SnapshotCache,
//     CheckpointStore, NotificationSink
//
// # Поток данных
//
// Событие от UI проходит валидацию, затем Reduce вычисляет новое состояние,
// набор производных доменных событий и Commit с ключом идемпотентности:
//
//	tr, err := progression.Reduce(state, ev, progression.Env{Now: now, Rules: rules})
//	if shared.IsAlreadyCompleted(err) {
//	    return state // повтор: ничего не начисляем
//	}
//	state = tr.State                     // оптимистичное локальное обновление
//	applied, err := backend.Commit(ctx, tr.Commit)
//
// Reduce не выполняет ввод-вывод и детерминирован: одинаковые входы дают
// одинаковый результат, что позволяет безопасно повторять запись после сбоя.
//
// # Идемпотентность
//
// Задачи ключуются парой (день, taskID), остальные события - своим EventID.
// Бэкенд применяет Patch только если ключ ещё не записан.
package progression
