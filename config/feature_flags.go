package config

import (
	"hash/fnv"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pulsepoint/pulsepoint-progress/internal/domain/progression"
	"github.com/pulsepoint/pulsepoint-progress/internal/domain/shared"
)

// FeatureFlags manages feature toggles with gradual rollout and per-user
// overrides.
type FeatureFlags struct {
	mu  sync.RWMutex
	now func() time.Time

	features map[string]*Feature

	// userID -> feature -> enabled
	userOverrides map[string]map[string]bool
}

// Feature represents a single feature flag.
type Feature struct {
	Name        string
	Description string
	Enabled     bool

	// Rollout percentage (0-100). Users are bucketed by a hash of their id.
	RolloutPercent int

	// DurableOnly keeps the feature off for guest sessions.
	DurableOnly bool

	EnabledFrom  *time.Time
	EnabledUntil *time.Time
}

// FeatureContext provides context for feature flag evaluation. A nil context
// evaluates the process-wide setting.
type FeatureContext struct {
	UserID string
	Guest  bool
}

// Predefined feature flag names.
const (
	// === Sessions ===
	FeatureGuestMode = "session.guest_mode" // Local-only sessions without an identity

	// === Storage ===
	FeatureSnapshotCache = "storage.snapshot_cache" // Redis read-through cache for durable snapshots
	FeatureLocalMirror   = "storage.local_mirror"   // SQLite device store behind the local backend

	// === Events ===
	FeatureRedisEventBus = "events.redis_bus" // Fan domain events out across instances

	// === Notifications ===
	FeatureNotifications       = "notify.enabled"   // Notification dispatcher at all
	FeatureNotifyStreak        = "notify.streak"    // Streak reached / reset
	FeatureNotifyHearts        = "notify.hearts"    // Heart lost / refilled
	FeatureNotifyRankUp        = "notify.rank_up"   // "You reached a new rank"
	FeatureNotifyWebSocketPush = "notify.websocket" // Push to connected browsers
)

// LoadFeatureFlags loads feature flags from environment variables.
func LoadFeatureFlags() *FeatureFlags {
	ff := &FeatureFlags{
		now:           time.Now,
		features:      make(map[string]*Feature),
		userOverrides: make(map[string]map[string]bool),
	}

	ff.initializeDefaults()
	ff.loadFromEnvironment()

	return ff
}

func (ff *FeatureFlags) initializeDefaults() {
	on := func(name, description string) {
		ff.features[name] = &Feature{Name: name, Description: description, Enabled: true, RolloutPercent: 100}
	}
	off := func(name, description string) {
		ff.features[name] = &Feature{Name: name, Description: description}
	}

	on(FeatureGuestMode, "Allow local-only guest sessions")
	on(FeatureSnapshotCache, "Cache durable snapshots in Redis")
	on(FeatureLocalMirror, "Mirror guest progress to the device store")
	off(FeatureRedisEventBus, "Publish domain events through Redis")

	on(FeatureNotifications, "Deliver progression notifications")
	on(FeatureNotifyStreak, "Notify about streak changes")
	on(FeatureNotifyHearts, "Notify about heart changes")
	on(FeatureNotifyRankUp, "Notify about a new rank")
	on(FeatureNotifyWebSocketPush, "Push notifications over websocket")

	// Streak notices make no sense for progress that lives on one device.
	ff.features[FeatureNotifyStreak].DurableOnly = true
}

// loadFromEnvironment loads feature flag overrides from env vars.
// Format: FEATURE_<NAME>=true|false|<percent>
// Example: FEATURE_EVENTS_REDIS_BUS=true
// Example: FEATURE_NOTIFY_RANK_UP=50 (50% rollout)
func (ff *FeatureFlags) loadFromEnvironment() {
	for name, feature := range ff.features {
		val := os.Getenv(featureNameToEnvKey(name))
		if val == "" {
			continue
		}

		if b, err := strconv.ParseBool(val); err == nil {
			feature.Enabled = b
			if b {
				feature.RolloutPercent = 100
			} else {
				feature.RolloutPercent = 0
			}
			continue
		}

		if p, err := strconv.Atoi(val); err == nil && p >= 0 && p <= 100 {
			feature.Enabled = p > 0
			feature.RolloutPercent = p
		}
	}
}

// featureNameToEnvKey converts feature name to environment variable key.
// "storage.snapshot_cache" -> "FEATURE_STORAGE_SNAPSHOT_CACHE"
func featureNameToEnvKey(name string) string {
	key := strings.ToUpper(name)
	key = strings.ReplaceAll(key, ".", "_")
	return "FEATURE_" + key
}

// IsEnabled checks if a feature is enabled for the given context.
func (ff *FeatureFlags) IsEnabled(featureName string, ctx *FeatureContext) bool {
	ff.mu.RLock()
	defer ff.mu.RUnlock()
	return ff.isEnabledLocked(featureName, ctx)
}

func (ff *FeatureFlags) isEnabledLocked(featureName string, ctx *FeatureContext) bool {
	if ctx != nil && ctx.UserID != "" {
		if overrides, ok := ff.userOverrides[ctx.UserID]; ok {
			if enabled, ok := overrides[featureName]; ok {
				return enabled
			}
		}
	}

	feature, ok := ff.features[featureName]
	if !ok || !feature.Enabled {
		return false
	}

	now := ff.now()
	if feature.EnabledFrom != nil && now.Before(*feature.EnabledFrom) {
		return false
	}
	if feature.EnabledUntil != nil && now.After(*feature.EnabledUntil) {
		return false
	}

	if feature.DurableOnly && ctx != nil && ctx.Guest {
		return false
	}

	if feature.RolloutPercent < 100 && ctx != nil && ctx.UserID != "" {
		return isInRollout(ctx.UserID, featureName, feature.RolloutPercent)
	}

	return feature.RolloutPercent > 0
}

// isInRollout determines if a user is in the rollout percentage.
// Users keep their bucket across restarts.
func isInRollout(userID, featureName string, percent int) bool {
	h := fnv.New32a()
	h.Write([]byte(featureName))
	h.Write([]byte(userID))
	return int(h.Sum32()%100) < percent
}

// SetUserOverride sets a feature override for a specific user.
func (ff *FeatureFlags) SetUserOverride(userID, featureName string, enabled bool) {
	ff.mu.Lock()
	defer ff.mu.Unlock()

	if _, ok := ff.userOverrides[userID]; !ok {
		ff.userOverrides[userID] = make(map[string]bool)
	}
	ff.userOverrides[userID][featureName] = enabled
}

// ClearUserOverrides removes all overrides for a user.
func (ff *FeatureFlags) ClearUserOverrides(userID string) {
	ff.mu.Lock()
	defer ff.mu.Unlock()
	delete(ff.userOverrides, userID)
}

// SetRolloutPercent updates the rollout percentage for a feature.
func (ff *FeatureFlags) SetRolloutPercent(featureName string, percent int) error {
	ff.mu.Lock()
	defer ff.mu.Unlock()

	feature, ok := ff.features[featureName]
	if !ok {
		return ErrFeatureNotFound
	}

	if percent < 0 || percent > 100 {
		return ErrInvalidRolloutPercent
	}

	feature.RolloutPercent = percent
	feature.Enabled = percent > 0

	return nil
}

// EnableFeature enables a feature at 100% rollout.
func (ff *FeatureFlags) EnableFeature(featureName string) error {
	return ff.SetRolloutPercent(featureName, 100)
}

// DisableFeature disables a feature completely.
func (ff *FeatureFlags) DisableFeature(featureName string) error {
	return ff.SetRolloutPercent(featureName, 0)
}

// GetAllFeatures returns a copy of all feature configurations.
func (ff *FeatureFlags) GetAllFeatures() map[string]*Feature {
	ff.mu.RLock()
	defer ff.mu.RUnlock()

	result := make(map[string]*Feature, len(ff.features))
	for k, v := range ff.features {
		featureCopy := *v
		result[k] = &featureCopy
	}
	return result
}

// Snapshot returns the process-wide state of every flag, keyed by name.
// Served on the metrics endpoint.
func (ff *FeatureFlags) Snapshot() map[string]bool {
	ff.mu.RLock()
	defer ff.mu.RUnlock()

	out := make(map[string]bool, len(ff.features))
	for name := range ff.features {
		out[name] = ff.isEnabledLocked(name, nil)
	}
	return out
}

// --- Notifications ---

// NotificationFeature returns the flag gating notifications of kind, or ""
// when only FeatureNotifications applies.
func NotificationFeature(kind string) string {
	switch {
	case strings.HasPrefix(kind, "streak."):
		return FeatureNotifyStreak
	case strings.HasPrefix(kind, "hearts."):
		return FeatureNotifyHearts
	case kind == string(shared.EventRankChanged):
		return FeatureNotifyRankUp
	}
	return ""
}

// AllowNotification reports whether n may be delivered to its user.
func (ff *FeatureFlags) AllowNotification(n progression.Notification) bool {
	ctx := &FeatureContext{UserID: n.UserID.String(), Guest: n.UserID.IsGuest()}
	if !ff.IsEnabled(FeatureNotifications, ctx) {
		return false
	}
	if name := NotificationFeature(n.Kind); name != "" {
		return ff.IsEnabled(name, ctx)
	}
	return true
}

// --- Errors ---

var (
	ErrFeatureNotFound       = &FeatureFlagError{Message: "feature not found"}
	ErrInvalidRolloutPercent = &FeatureFlagError{Message: "rollout percent must be 0-100"}
)

// FeatureFlagError represents a feature flag error.
type FeatureFlagError struct {
	Message string
}

func (e *FeatureFlagError) Error() string {
	return e.Message
}
