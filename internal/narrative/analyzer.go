// Package narrative derives a bounded context packet from a user's event
// log, for injection into downstream prompts and UI.
package narrative

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/luna-platform/hub/internal/cache"
	"github.com/luna-platform/hub/internal/core"
	"github.com/luna-platform/hub/internal/events"
)

// UserLookup resolves the live plan; the packet never infers it from events.
type UserLookup interface {
	GetUser(ctx context.Context, userID string) (*core.User, error)
}

// InsightsProvider enriches packets with optional NLP signals. Absence or
// failure never fails the packet.
type InsightsProvider interface {
	Insights(ctx context.Context, userID string, evs []*events.Event) (*NLPInsights, error)
}

// Windows are the three aggregation horizons in days.
type Windows struct {
	Short int
	Mid   int
	Long  int
}

// DefaultWindows is 7/14/90 days.
func DefaultWindows() Windows { return Windows{Short: 7, Mid: 14, Long: 90} }

// UserMeta situates the user in time.
type UserMeta struct {
	AgeDays           int       `json:"age_days"`
	LastActivityHours float64   `json:"last_activity_hours"`
	Plan              core.Plan `json:"plan"`
}

// UsagePattern summarizes recent activity shape.
type UsagePattern struct {
	AppsUsed          []string `json:"apps_used"`
	EventTypeSample   []string `json:"event_type_sample"`
	SessionCount      int      `json:"session_count"`
	AvgSessionMinutes float64  `json:"avg_session_minutes"`
}

// ProgressMetrics tracks concrete outcomes.
type ProgressMetrics struct {
	ATSAverage    float64 `json:"ats_average"`
	ATSDelta14Pct float64 `json:"ats_delta_14d_pct"`
	CVCount       int     `json:"cv_count"`
	LetterCount   int     `json:"letter_count"`
	TargetSector  string  `json:"target_sector,omitempty"`
}

// NLPInsights is the optional enrichment block.
type NLPInsights struct {
	Themes           []string `json:"themes,omitempty"`
	Sentiment        float64  `json:"sentiment"`
	CareerIndicators []string `json:"career_indicators,omitempty"`
}

// ContextPacket is the analyzer's immutable output.
type ContextPacket struct {
	UserID      string          `json:"user_id"`
	Meta        UserMeta        `json:"meta"`
	Usage       UsagePattern    `json:"usage"`
	Progress    ProgressMetrics `json:"progress"`
	DoubtMarker string          `json:"doubt_marker,omitempty"`
	Insights    *NLPInsights    `json:"insights,omitempty"`
	Confidence  float64         `json:"confidence"`
	GeneratedAt time.Time       `json:"generated_at"`
}

const (
	cacheKeyPrefix = "luna:narrative:"
	hardEventCap   = 500
	sessionGap     = 30 * time.Minute
)

// Analyzer computes and caches context packets.
type Analyzer struct {
	eventsS  events.Store
	users    UserLookup
	cache    cache.Cache
	insights InsightsProvider // may be nil
	windows  Windows
	ttl      time.Duration
	logger   *slog.Logger
}

// New creates an analyzer; insights may be nil.
func New(eventStore events.Store, users UserLookup, c cache.Cache, insights InsightsProvider, windows Windows, ttl time.Duration) *Analyzer {
	if windows.Long == 0 {
		windows = DefaultWindows()
	}
	if ttl == 0 {
		ttl = 5 * time.Minute
	}
	return &Analyzer{
		eventsS:  eventStore,
		users:    users,
		cache:    c,
		insights: insights,
		windows:  windows,
		ttl:      ttl,
		logger:   slog.Default().With("component", "narrative"),
	}
}

// Analyze returns the cached packet or computes a fresh one. The cache
// entry is invalidated by the energy ledger on every mutation.
func (a *Analyzer) Analyze(ctx context.Context, userID string) (*ContextPacket, error) {
	if !core.ValidUserID(userID) {
		return nil, core.NewErrorf(core.CodeInvalidInput, "invalid user id %q", userID)
	}
	raw, err := cache.GetOrLoad(ctx, a.cache, cacheKeyPrefix+userID, a.ttl, func(ctx context.Context) ([]byte, error) {
		packet, err := a.compute(ctx, userID)
		if err != nil {
			return nil, err
		}
		return json.Marshal(packet)
	})
	if err != nil {
		return nil, err
	}
	var packet ContextPacket
	if err := json.Unmarshal(raw, &packet); err != nil {
		return nil, core.NewError(core.CodeInternal, "decode cached packet").WithCause(err)
	}
	return &packet, nil
}

func (a *Analyzer) compute(ctx context.Context, userID string) (*ContextPacket, error) {
	now := time.Now().UTC()
	limit := 5 * a.windows.Long
	if limit > hardEventCap {
		limit = hardEventCap
	}
	evs, err := a.eventsS.Query(ctx, events.Query{
		UserID: userID,
		Limit:  limit,
		Since:  now.AddDate(0, 0, -a.windows.Long),
	})
	if err != nil {
		return nil, core.NewError(core.CodeEventStoreUnavailable, "query narrative window").WithCause(err)
	}

	packet := &ContextPacket{UserID: userID, GeneratedAt: now}
	packet.Meta = a.userMeta(ctx, userID, evs, now)
	packet.Usage = a.usagePattern(evs, now)
	packet.Progress = a.progressMetrics(evs, now)
	packet.DoubtMarker = latestDoubtMarker(evs)

	if a.insights != nil {
		if ins, err := a.insights.Insights(ctx, userID, evs); err == nil && ins != nil {
			packet.Insights = ins
		} else if err != nil {
			a.logger.Debug("insights provider failed, continuing without", "user", userID, "err", err)
		}
	}

	packet.Confidence = confidence(len(evs), packet.Meta.LastActivityHours,
		len(packet.Usage.AppsUsed), packet.Progress.ATSAverage > 0)
	return packet, nil
}

func (a *Analyzer) userMeta(ctx context.Context, userID string, evs []*events.Event, now time.Time) UserMeta {
	meta := UserMeta{Plan: core.PlanFree}
	if a.users != nil {
		if user, err := a.users.GetUser(ctx, userID); err == nil && user != nil {
			meta.Plan = user.Plan
		}
	}
	if len(evs) == 0 {
		return meta
	}
	// evs is reverse chronological: first = newest, last = oldest.
	meta.LastActivityHours = now.Sub(evs[0].CreatedAt).Hours()
	meta.AgeDays = int(now.Sub(evs[len(evs)-1].CreatedAt).Hours() / 24)
	return meta
}

func (a *Analyzer) usagePattern(evs []*events.Event, now time.Time) UsagePattern {
	pattern := UsagePattern{}
	shortCutoff := now.AddDate(0, 0, -a.windows.Short)

	apps := make(map[string]bool)
	types := make(map[string]bool)
	var stamps []time.Time
	for _, ev := range evs {
		if ev.CreatedAt.After(shortCutoff) {
			apps[ev.AppSource] = true
			stamps = append(stamps, ev.CreatedAt)
		}
		if len(types) < 10 {
			types[ev.EventType] = true
		}
	}
	pattern.AppsUsed = sortedKeys(apps)
	pattern.EventTypeSample = sortedKeys(types)
	pattern.SessionCount, pattern.AvgSessionMinutes = groupSessions(stamps)
	return pattern
}

// groupSessions clusters timestamps into sessions separated by gaps larger
// than 30 minutes and returns count and mean duration.
func groupSessions(stamps []time.Time) (int, float64) {
	if len(stamps) == 0 {
		return 0, 0
	}
	sort.Slice(stamps, func(i, j int) bool { return stamps[i].Before(stamps[j]) })

	sessions := 1
	var total time.Duration
	start := stamps[0]
	prev := stamps[0]
	for _, t := range stamps[1:] {
		if t.Sub(prev) > sessionGap {
			total += prev.Sub(start)
			sessions++
			start = t
		}
		prev = t
	}
	total += prev.Sub(start)
	return sessions, total.Minutes() / float64(sessions)
}

func (a *Analyzer) progressMetrics(evs []*events.Event, now time.Time) ProgressMetrics {
	metrics := ProgressMetrics{}
	midCutoff := now.AddDate(0, 0, -a.windows.Mid)

	var scores []float64    // chronological
	var midScores []float64 // within the mid window, chronological
	for i := len(evs) - 1; i >= 0; i-- {
		ev := evs[i]
		switch {
		case strings.HasPrefix(ev.EventType, "cv_"):
			if ev.EventType == "cv_generated" {
				metrics.CVCount++
			}
			if score, ok := ev.FloatField("ats_score"); ok {
				scores = append(scores, score)
				if ev.CreatedAt.After(midCutoff) {
					midScores = append(midScores, score)
				}
			}
		case strings.HasPrefix(ev.EventType, "letter_"):
			if ev.EventType == "letter_generated" {
				metrics.LetterCount++
			}
			if sector := ev.StringField("target_sector"); sector != "" {
				metrics.TargetSector = sector // chronological walk, so the newest sector wins
			}
		}
	}

	if len(scores) > 0 {
		metrics.ATSAverage = mean(scores)
	}
	metrics.ATSDelta14Pct = halvesDelta(midScores)
	return metrics
}

// halvesDelta is the percent change between the means of the first and
// second half of a chronological score sequence.
func halvesDelta(scores []float64) float64 {
	if len(scores) < 2 {
		return 0
	}
	half := len(scores) / 2
	first := mean(scores[:half])
	second := mean(scores[half:])
	if first == 0 {
		return 0
	}
	return 100 * (second - first) / first
}

var doubtKeywords = []string{"doute", "peur", "perdu", "bloqu", "inquiet", "stress", "lost", "stuck", "afraid", "confus"}

// latestDoubtMarker scans onboarding/feedback events newest-first for an
// emotion keyword and returns the first matching text.
func latestDoubtMarker(evs []*events.Event) string {
	for _, ev := range evs {
		if !strings.HasPrefix(ev.EventType, "aube_") &&
			!strings.Contains(ev.EventType, "onboarding") &&
			!strings.Contains(ev.EventType, "feedback") {
			continue
		}
		for _, field := range []string{"text", "message", "feeling", "answer"} {
			text := ev.StringField(field)
			if text == "" {
				continue
			}
			lower := strings.ToLower(text)
			for _, kw := range doubtKeywords {
				if strings.Contains(lower, kw) {
					return text
				}
			}
		}
	}
	return ""
}

// confidence is the mean of four factors: event saturation, recency, app
// diversity, and ATS availability.
func confidence(eventCount int, lastActivityHours float64, appCount int, hasATS bool) float64 {
	saturation := float64(eventCount) / 20
	if saturation > 1 {
		saturation = 1
	}

	recency := 1 - lastActivityHours/(7*24)*0.8
	if recency < 0.2 {
		recency = 0.2
	}
	if recency > 1 {
		recency = 1
	}

	diversity := float64(appCount) / 3
	if diversity > 1 {
		diversity = 1
	}

	ats := 0.3
	if hasATS {
		ats = 0.8
	}

	return (saturation + recency + diversity + ats) / 4
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

func sortedKeys(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
