package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"classpulse-engagement/internal/domain"
	"classpulse-engagement/internal/registry"
	"classpulse-engagement/internal/repository"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// capturePublisher records published events for assertions.
type capturePublisher struct {
	mu          sync.Mutex
	engagements []domain.EngagementUpdate
	attendances []domain.AttendanceStatusEvent
}

func (p *capturePublisher) PublishEngagement(classID string, u domain.EngagementUpdate) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.engagements = append(p.engagements, u)
}

func (p *capturePublisher) PublishAttendance(classID string, e domain.AttendanceStatusEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.attendances = append(p.attendances, e)
}

func testPolicy() EngagementPolicy {
	return EngagementPolicy{
		AttendanceThreshold: 75.0,
		FrameInterval:       3 * time.Second,
		FrameTolerance:      2 * time.Second,
		MetadataMaxInterval: 5 * time.Second,
		LiveActivityWindow:  10 * time.Second,
	}
}

type fixture struct {
	svc     *engagementService
	repo    *repository.MemoryEngagementRepository
	classes *repository.MemoryClassRepository
	pub     *capturePublisher
	clock   time.Time
}

func setup(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{
		repo:    repository.NewMemoryEngagementRepository(),
		classes: repository.NewMemoryClassRepository(),
		pub:     &capturePublisher{},
		clock:   time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC),
	}
	f.classes.PutClass(&domain.ClassInfo{
		ClassID:         "class-1",
		Title:           "Distributed Systems",
		TeacherID:       "teacher-1",
		TeacherName:     "Prof. Moro",
		DurationMinutes: 10, // 600 seconds
		IsActive:        true,
		OrgUnit:         "engineering",
		Department:      "cs",
		EnrolledIDs:     []string{"stu-1", "stu-2"},
	})

	svc := NewEngagementService(f.repo, f.classes, registry.NewSignalRegistry(), f.pub, testPolicy(), zap.NewNop())
	f.svc = svc.(*engagementService)
	f.svc.now = func() time.Time { return f.clock }
	return f
}

func (f *fixture) advance(d time.Duration) { f.clock = f.clock.Add(d) }

func (f *fixture) start(t *testing.T, participant string) *domain.EngagementSession {
	t.Helper()
	s, err := f.svc.StartSession(context.Background(), StartSessionRequest{
		ParticipantID:   participant,
		ParticipantName: "Student " + participant,
		ClassID:         "class-1",
		SessionID:       "sess-1",
		ConsentGiven:    true,
	})
	require.NoError(t, err)
	return s
}

func boolSignal(participant string, face, looking bool) domain.AttentionSignal {
	return domain.AttentionSignal{
		ParticipantID:   participant,
		ClassID:         "class-1",
		SessionID:       "sess-1",
		FaceDetected:    face,
		LookingAtScreen: &looking,
	}
}

func scoreSignal(participant string, face bool, score float64) domain.AttentionSignal {
	return domain.AttentionSignal{
		ParticipantID:  participant,
		ClassID:        "class-1",
		SessionID:      "sess-1",
		FaceDetected:   face,
		AttentionScore: &score,
	}
}

func TestStartSession_Idempotent(t *testing.T) {
	f := setup(t)

	first := f.start(t, "stu-1")
	assert.Equal(t, domain.StatusInProgress, first.Status)
	assert.Equal(t, 600, first.TotalDurationSeconds)
	assert.Zero(t, first.EngagedSeconds)

	f.advance(time.Minute)
	second := f.start(t, "stu-1")
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, first.StartedAt, second.StartedAt)
}

func TestStartSession_NotEnrolled(t *testing.T) {
	f := setup(t)

	_, err := f.svc.StartSession(context.Background(), StartSessionRequest{
		ParticipantID: "intruder",
		ClassID:       "class-1",
		SessionID:     "sess-1",
	})
	assert.ErrorIs(t, err, domain.ErrForbidden)
}

func TestStartSession_ClassNotFound(t *testing.T) {
	f := setup(t)

	_, err := f.svc.StartSession(context.Background(), StartSessionRequest{
		ParticipantID: "stu-1",
		ClassID:       "ghost",
		SessionID:     "sess-1",
	})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestIngestSignal_ThreeSignalsThreeSecondsApart(t *testing.T) {
	f := setup(t)
	f.start(t, "stu-1")
	ctx := context.Background()

	// First signal lands at the same instant the session started: zero gap.
	res, err := f.svc.IngestSignal(ctx, "stu-1", boolSignal("stu-1", true, true))
	require.NoError(t, err)
	assert.Zero(t, res.Increment)
	assert.Zero(t, res.Session.EngagedSeconds)

	f.advance(3 * time.Second)
	res, err = f.svc.IngestSignal(ctx, "stu-1", boolSignal("stu-1", true, true))
	require.NoError(t, err)
	assert.Equal(t, 3.0, res.Increment)

	f.advance(3 * time.Second)
	res, err = f.svc.IngestSignal(ctx, "stu-1", boolSignal("stu-1", true, true))
	require.NoError(t, err)

	assert.Equal(t, 6.0, res.Session.EngagedSeconds)
	assert.Equal(t, 1.0, res.Session.EngagementPercentage)
	assert.Equal(t, domain.StatusInProgress, res.Session.Status)
}

func TestIngestSignal_NoFaceContributesNothing(t *testing.T) {
	f := setup(t)
	f.start(t, "stu-1")
	ctx := context.Background()

	_, err := f.svc.IngestSignal(ctx, "stu-1", boolSignal("stu-1", true, true))
	require.NoError(t, err)

	f.advance(3 * time.Second)
	res, err := f.svc.IngestSignal(ctx, "stu-1", boolSignal("stu-1", true, true))
	require.NoError(t, err)
	assert.Equal(t, 3.0, res.Session.EngagedSeconds)

	// face absent: accumulated total unchanged, snapshot flags updated.
	f.advance(3 * time.Second)
	res, err = f.svc.IngestSignal(ctx, "stu-1", boolSignal("stu-1", false, false))
	require.NoError(t, err)
	assert.Zero(t, res.Increment)
	assert.Equal(t, 3.0, res.Session.EngagedSeconds)
	assert.False(t, res.Session.FaceDetected)

	// looking away with a face also contributes nothing in boolean mode.
	f.advance(3 * time.Second)
	res, err = f.svc.IngestSignal(ctx, "stu-1", boolSignal("stu-1", true, false))
	require.NoError(t, err)
	assert.Zero(t, res.Increment)
	assert.Equal(t, 3.0, res.Session.EngagedSeconds)
}

func TestIngestSignal_GapIsCapped(t *testing.T) {
	f := setup(t)
	f.start(t, "stu-1")
	ctx := context.Background()

	_, err := f.svc.IngestSignal(ctx, "stu-1", boolSignal("stu-1", true, true))
	require.NoError(t, err)

	// 100s gap, boolean-mode cap = frame interval (3s) + tolerance (2s).
	f.advance(100 * time.Second)
	res, err := f.svc.IngestSignal(ctx, "stu-1", boolSignal("stu-1", true, true))
	require.NoError(t, err)
	assert.Equal(t, 5.0, res.Increment)
	assert.Equal(t, 5.0, res.Session.EngagedSeconds)
}

func TestIngestSignal_ScoreModeFlatCap(t *testing.T) {
	f := setup(t)
	f.start(t, "stu-1")
	ctx := context.Background()

	_, err := f.svc.IngestSignal(ctx, "stu-1", scoreSignal("stu-1", true, 80))
	require.NoError(t, err)

	f.advance(30 * time.Second)
	res, err := f.svc.IngestSignal(ctx, "stu-1", scoreSignal("stu-1", true, 80))
	require.NoError(t, err)
	assert.Equal(t, 5.0, res.Increment, "score mode caps at the flat metadata ceiling")
	assert.True(t, res.Session.LookingAtScreen, "score > 50 derives looking_at_screen")
	assert.Equal(t, 80.0, res.Session.AttentionScore)

	// weighted = pct*0.7 + score*inc/total*0.3
	// pct = 5/600*100 = 0.83, weighted = 0.83*0.7 + 80*5/600*0.3 = 0.78
	assert.InDelta(t, 0.78, res.WeightedScore, 0.01)
}

func TestIngestSignal_ScoreOutOfRange(t *testing.T) {
	f := setup(t)
	f.start(t, "stu-1")

	_, err := f.svc.IngestSignal(context.Background(), "stu-1", scoreSignal("stu-1", true, 101))
	assert.ErrorIs(t, err, domain.ErrInvalid)

	_, err = f.svc.IngestSignal(context.Background(), "stu-1", scoreSignal("stu-1", true, -1))
	assert.ErrorIs(t, err, domain.ErrInvalid)
}

func TestIngestSignal_OwnershipMismatch(t *testing.T) {
	f := setup(t)
	f.start(t, "stu-1")

	_, err := f.svc.IngestSignal(context.Background(), "stu-2", boolSignal("stu-1", true, true))
	assert.ErrorIs(t, err, domain.ErrForbidden)
}

func TestIngestSignal_NoSession(t *testing.T) {
	f := setup(t)

	_, err := f.svc.IngestSignal(context.Background(), "stu-1", boolSignal("stu-1", true, true))
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestIngestSignal_FinalizedSessionRejects(t *testing.T) {
	f := setup(t)
	f.start(t, "stu-1")
	ctx := context.Background()

	_, err := f.svc.FinalizeSession(ctx, "sess-1", "stu-1")
	require.NoError(t, err)

	_, err = f.svc.IngestSignal(ctx, "stu-1", boolSignal("stu-1", true, true))
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestIngestSignal_PublishesUpdate(t *testing.T) {
	f := setup(t)
	f.start(t, "stu-1")

	_, err := f.svc.IngestSignal(context.Background(), "stu-1", boolSignal("stu-1", true, true))
	require.NoError(t, err)

	require.Len(t, f.pub.engagements, 1)
	u := f.pub.engagements[0]
	assert.Equal(t, "stu-1", u.ParticipantID)
	assert.True(t, u.FaceDetected)
}

func TestFinalize_InclusiveThreshold(t *testing.T) {
	tests := []struct {
		name       string
		percentage float64
		want       domain.AttendanceStatus
	}{
		{"AtThreshold", 75.0, domain.StatusPresent},
		{"JustBelow", 74.99, domain.StatusAbsent},
		{"Above", 90.0, domain.StatusPresent},
		{"Zero", 0.0, domain.StatusAbsent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := setup(t)
			s := f.start(t, "stu-1")

			s.EngagedSeconds = tt.percentage * 6 // total 600s
			s.EngagementPercentage = tt.percentage
			require.NoError(t, f.repo.Update(context.Background(), s))

			got, err := f.svc.FinalizeSession(context.Background(), "sess-1", "stu-1")
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.Status)
			require.NotNil(t, got.EndedAt)
		})
	}
}

func TestFinalize_Idempotent(t *testing.T) {
	f := setup(t)
	f.start(t, "stu-1")
	ctx := context.Background()

	first, err := f.svc.FinalizeSession(ctx, "sess-1", "stu-1")
	require.NoError(t, err)

	f.advance(time.Hour)
	second, err := f.svc.FinalizeSession(ctx, "sess-1", "stu-1")
	require.NoError(t, err)

	assert.Equal(t, first.Status, second.Status)
	assert.Equal(t, *first.EndedAt, *second.EndedAt)

	// Only the first finalize emits an attendance event.
	assert.Len(t, f.pub.attendances, 1)
}

func TestFinalize_ClearsRegistryEntry(t *testing.T) {
	f := setup(t)
	f.start(t, "stu-1")
	ctx := context.Background()

	_, err := f.svc.IngestSignal(ctx, "stu-1", boolSignal("stu-1", true, true))
	require.NoError(t, err)
	assert.Equal(t, 1, f.svc.signals.Len())

	_, err = f.svc.FinalizeSession(ctx, "sess-1", "stu-1")
	require.NoError(t, err)
	assert.Equal(t, 0, f.svc.signals.Len())
}

func TestEndToEnd_SparseSignalsYieldAbsent(t *testing.T) {
	f := setup(t)
	f.start(t, "stu-1")
	ctx := context.Background()

	// The registry is seeded at session start, so a first signal 3s after
	// joining claims those 3 seconds.
	f.advance(3 * time.Second)
	res, err := f.svc.IngestSignal(ctx, "stu-1", boolSignal("stu-1", true, true))
	require.NoError(t, err)
	assert.Equal(t, 3.0, res.Session.EngagedSeconds)
	assert.Equal(t, 0.5, res.Session.EngagementPercentage)
	assert.Equal(t, domain.StatusInProgress, res.Session.Status)

	f.advance(3 * time.Second)
	res, err = f.svc.IngestSignal(ctx, "stu-1", boolSignal("stu-1", false, false))
	require.NoError(t, err)
	assert.Equal(t, 3.0, res.Session.EngagedSeconds)

	final, err := f.svc.FinalizeSession(ctx, "sess-1", "stu-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusAbsent, final.Status, "0.5%% < 75%% threshold")
}

func TestIngestSignal_LostRegistryEntryContributesZero(t *testing.T) {
	f := setup(t)
	f.start(t, "stu-1")
	ctx := context.Background()

	// Simulate a process restart wiping the ephemeral registry: the next
	// signal must claim nothing, never over-count.
	f.svc.signals.Delete(registry.Key{SessionID: "sess-1", ParticipantID: "stu-1"})
	f.advance(3 * time.Second)

	res, err := f.svc.IngestSignal(ctx, "stu-1", boolSignal("stu-1", true, true))
	require.NoError(t, err)
	assert.Zero(t, res.Increment)
	assert.Zero(t, res.Session.EngagedSeconds)

	// The signal re-registered the key, so accumulation resumes.
	f.advance(3 * time.Second)
	res, err = f.svc.IngestSignal(ctx, "stu-1", boolSignal("stu-1", true, true))
	require.NoError(t, err)
	assert.Equal(t, 3.0, res.Session.EngagedSeconds)
}

// failingUpdateRepository makes Update fail on demand so the persist/registry
// ordering can be observed.
type failingUpdateRepository struct {
	repository.EngagementRepository
	fail bool
}

func (r *failingUpdateRepository) Update(ctx context.Context, s *domain.EngagementSession) error {
	if r.fail {
		return errors.New("connection reset by peer")
	}
	return r.EngagementRepository.Update(ctx, s)
}

func TestIngestSignal_FailedPersistDoesNotAdvanceRegistry(t *testing.T) {
	f := setup(t)
	flaky := &failingUpdateRepository{EngagementRepository: f.repo}
	f.svc.sessions = flaky
	f.start(t, "stu-1")
	ctx := context.Background()

	f.advance(3 * time.Second)
	flaky.fail = true
	_, err := f.svc.IngestSignal(ctx, "stu-1", boolSignal("stu-1", true, true))
	require.ErrorIs(t, err, domain.ErrUnavailable)

	// The registry did not move, so retrying the same signal still claims the
	// full gap: nothing double-counted, nothing swallowed.
	flaky.fail = false
	res, err := f.svc.IngestSignal(ctx, "stu-1", boolSignal("stu-1", true, true))
	require.NoError(t, err)
	assert.Equal(t, 3.0, res.Increment)
	assert.Equal(t, 3.0, res.Session.EngagedSeconds)
}

func TestIngestSignal_ConcurrentSameKeyStaysMonotonic(t *testing.T) {
	f := setup(t)
	f.start(t, "stu-1")
	ctx := context.Background()

	// Seed the registry so later signals produce increments.
	_, err := f.svc.IngestSignal(ctx, "stu-1", boolSignal("stu-1", true, true))
	require.NoError(t, err)
	f.advance(3 * time.Second)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.IngestSignal(ctx, "stu-1", boolSignal("stu-1", true, true))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	// The per-key serialization means exactly one of the 20 concurrent
	// signals sees the 3s gap; the rest see a zero gap from the fixed clock.
	s, err := f.repo.Get(ctx, "sess-1", "stu-1")
	require.NoError(t, err)
	assert.Equal(t, 3.0, s.EngagedSeconds)
}

func TestGetReport_Counts(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	s1 := f.start(t, "stu-1")
	s1.EngagementPercentage = 80
	require.NoError(t, f.repo.Update(ctx, s1))
	_, err := f.svc.FinalizeSession(ctx, "sess-1", "stu-1")
	require.NoError(t, err)

	f.start(t, "stu-2")
	_, err = f.svc.FinalizeSession(ctx, "sess-1", "stu-2")
	require.NoError(t, err)

	report, err := f.svc.GetReport(ctx, "class-1", "sess-1")
	require.NoError(t, err)
	assert.Equal(t, "Distributed Systems", report.ClassTitle)
	assert.Equal(t, 2, report.TotalParticipants)
	assert.Equal(t, 1, report.PresentCount)
	assert.Equal(t, 1, report.AbsentCount)
	assert.Len(t, report.Records, 2)
}

func TestGetLive_ActivityWindow(t *testing.T) {
	f := setup(t)
	f.start(t, "stu-1")
	f.start(t, "stu-2")
	ctx := context.Background()

	_, err := f.svc.IngestSignal(ctx, "stu-1", boolSignal("stu-1", true, true))
	require.NoError(t, err)

	// stu-2 signaled long ago, stu-1 just now.
	f.advance(30 * time.Second)
	_, err = f.svc.IngestSignal(ctx, "stu-1", boolSignal("stu-1", true, true))
	require.NoError(t, err)

	live, err := f.svc.GetLive(ctx, "class-1")
	require.NoError(t, err)
	assert.Equal(t, 2, live.ParticipantCount)

	byID := map[string]LiveParticipant{}
	for _, p := range live.Participants {
		byID[p.ParticipantID] = p
	}
	assert.True(t, byID["stu-1"].IsActive)
	assert.False(t, byID["stu-2"].IsActive, "no signal yet means inactive")
}

func TestHistory_NewestFirst(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	f.start(t, "stu-1")
	f.advance(time.Hour)

	s2, err := f.svc.StartSession(ctx, StartSessionRequest{
		ParticipantID:   "stu-1",
		ParticipantName: "Student stu-1",
		ClassID:         "class-1",
		SessionID:       "sess-2",
	})
	require.NoError(t, err)

	history, err := f.svc.History(ctx, "stu-1", 10)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, s2.SessionID, history[0].SessionID)
}
