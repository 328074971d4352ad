package exportjob

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2024, 3, 15, 9, 30, 0, 0, time.UTC)

type apiMessageError struct{ msg string }

func (e *apiMessageError) Error() string       { return "api error: " + e.msg }
func (e *apiMessageError) UserMessage() string { return e.msg }

type fakeAPI struct {
	mu sync.Mutex

	createFn    func(ctx context.Context) (string, error)
	statusFn    func(ctx context.Context, n int) (*JobStatus, error)
	viewCountFn func() (int, error)
	cancelErr   error
	emailErr    error

	creates   int
	polls     int
	cancels   int
	emails    []string
	viewCalls int
}

func (f *fakeAPI) ViewCount(ctx context.Context, target Target) (int, error) {
	f.mu.Lock()
	f.viewCalls++
	fn := f.viewCountFn
	f.mu.Unlock()
	if fn == nil {
		return 0, errors.New("not available")
	}
	return fn()
}

func (f *fakeAPI) Create(ctx context.Context, target Target) (string, error) {
	f.mu.Lock()
	f.creates++
	fn := f.createFn
	f.mu.Unlock()
	if fn == nil {
		return "abc", nil
	}
	return fn(ctx)
}

func (f *fakeAPI) Status(ctx context.Context, teamID, exportID string) (*JobStatus, error) {
	f.mu.Lock()
	f.polls++
	n := f.polls
	fn := f.statusFn
	f.mu.Unlock()
	if fn == nil {
		return &JobStatus{Status: StatusProcessing}, nil
	}
	return fn(ctx, n)
}

func (f *fakeAPI) Cancel(ctx context.Context, teamID, exportID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancels++
	return f.cancelErr
}

func (f *fakeAPI) SendEmail(ctx context.Context, teamID, exportID, email string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.emails = append(f.emails, email)
	return f.emailErr
}

func (f *fakeAPI) DownloadURL(teamID, exportID string) string {
	return "https://app.example.com/api/teams/" + teamID + "/export-jobs/" + exportID + "?download=true"
}

func (f *fakeAPI) pollCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.polls
}

func (f *fakeAPI) createCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.creates
}

type fakeNotifier struct {
	mu        sync.Mutex
	successes []string
	errors    []string
}

func (n *fakeNotifier) Success(msg string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.successes = append(n.successes, msg)
}

func (n *fakeNotifier) Error(msg string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.errors = append(n.errors, msg)
}

func (n *fakeNotifier) snapshot() ([]string, []string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.successes...), append([]string(nil), n.errors...)
}

type fakeDownloader struct {
	mu        sync.Mutex
	err       error
	urls      []string
	filenames []string

	// started が設定されていれば、呼び出しを通知してから ctx の終了まで待ちます。
	started chan struct{}
}

func (d *fakeDownloader) Download(ctx context.Context, url, filename string) error {
	d.mu.Lock()
	d.urls = append(d.urls, url)
	d.filenames = append(d.filenames, filename)
	err, started := d.err, d.started
	d.mu.Unlock()
	if started != nil {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}
	return err
}

type fakeOpener struct {
	mu   sync.Mutex
	urls []string
}

func (o *fakeOpener) Open(url string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.urls = append(o.urls, url)
	return nil
}

type harness struct {
	api        *fakeAPI
	notifier   *fakeNotifier
	downloader *fakeDownloader
	opener     *fakeOpener
	clock      clockwork.FakeClock
	ctrl       *Controller
	resolved   chan Resolution

	mu     sync.Mutex
	phases []Phase
}

func newHarness(t *testing.T, api *fakeAPI, mutate func(*Options)) *harness {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	h := &harness{
		api:        api,
		notifier:   &fakeNotifier{},
		downloader: &fakeDownloader{},
		opener:     &fakeOpener{},
		clock:      clockwork.NewFakeClockAt(testNow),
		resolved:   make(chan Resolution, 8),
	}
	opts := Options{
		Clock:  h.clock,
		Logger: logger,
		Opener: h.opener,
		Hooks: Hooks{
			OnPhase: func(from, to Phase) {
				h.mu.Lock()
				defer h.mu.Unlock()
				h.phases = append(h.phases, to)
			},
			OnResolve: func(res Resolution) { h.resolved <- res },
		},
	}
	if mutate != nil {
		mutate(&opts)
	}
	h.ctrl = NewController(api, h.notifier, h.downloader, opts)
	t.Cleanup(h.ctrl.Close)
	return h
}

func (h *harness) tick(t *testing.T, wantPolls int) {
	t.Helper()
	h.clock.Advance(DefaultPollInterval)
	require.Eventually(t, func() bool { return h.api.pollCount() == wantPolls }, time.Second, time.Millisecond)
}

func (h *harness) waitResolution(t *testing.T) Resolution {
	t.Helper()
	select {
	case res := <-h.resolved:
		return res
	case <-time.After(2 * time.Second):
		t.Fatal("export did not resolve")
		return Resolution{}
	}
}

func (h *harness) phaseHistory() []Phase {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Phase(nil), h.phases...)
}

// requireNoTimers はフェイククロックに待機中のタイマーやティッカーが残っていないことを確認します。
func requireNoTimers(t *testing.T, clock clockwork.FakeClock) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		clock.BlockUntil(0)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timers are still pending after cleanup")
	}
}

func dataroomTarget() Target {
	return Target{TeamID: "team-1", DataroomID: "dr-1", ResourceName: "Acme Dataroom"}
}

func TestStartTwiceSendsSingleCreateRequest(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{}, 1)
	api := &fakeAPI{createFn: func(ctx context.Context) (string, error) {
		entered <- struct{}{}
		<-release
		return "abc", nil
	}}
	h := newHarness(t, api, nil)

	errCh := make(chan error, 1)
	go func() { errCh <- h.ctrl.Start(context.Background(), dataroomTarget()) }()
	<-entered

	err := h.ctrl.Start(context.Background(), dataroomTarget())
	require.ErrorIs(t, err, ErrExportInProgress)

	close(release)
	require.NoError(t, <-errCh)
	assert.Equal(t, 1, api.createCount())
	assert.Equal(t, PhasePolling, h.ctrl.State().Phase)

	require.ErrorIs(t, h.ctrl.Start(context.Background(), dataroomTarget()), ErrExportInProgress)
	assert.Equal(t, 1, api.createCount())
}

func TestConcurrentStartCreatesOnce(t *testing.T) {
	api := &fakeAPI{}
	h := newHarness(t, api, nil)

	var wg sync.WaitGroup
	var mu sync.Mutex
	var rejected int
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := h.ctrl.Start(context.Background(), dataroomTarget()); errors.Is(err, ErrExportInProgress) {
				mu.Lock()
				rejected++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, api.createCount())
	assert.Equal(t, 7, rejected)
}

func TestStartRejectsInvalidTarget(t *testing.T) {
	api := &fakeAPI{}
	h := newHarness(t, api, nil)

	err := h.ctrl.Start(context.Background(), Target{TeamID: "team-1"})
	require.ErrorIs(t, err, ErrInvalidTarget)
	assert.Equal(t, 0, api.createCount())
	assert.False(t, h.ctrl.State().Started)
}

func TestCompletedExportDownloadsAfterSecondPoll(t *testing.T) {
	api := &fakeAPI{statusFn: func(ctx context.Context, n int) (*JobStatus, error) {
		if n == 1 {
			return &JobStatus{Status: StatusProcessing}, nil
		}
		return &JobStatus{Status: StatusCompleted, IsReady: true, ResourceName: "X"}, nil
	}}
	h := newHarness(t, api, nil)

	require.NoError(t, h.ctrl.Start(context.Background(), dataroomTarget()))
	st := h.ctrl.State()
	assert.Equal(t, PhasePolling, st.Phase)
	assert.Equal(t, StatusProcessing, st.Status)
	assert.Equal(t, "abc", st.ExportID)
	assert.Equal(t, testNow, st.StartTime)

	h.tick(t, 1)
	require.Eventually(t, func() bool { return h.ctrl.State().Progress == ProgressPlaceholder }, time.Second, time.Millisecond)

	h.tick(t, 2)
	res := h.waitResolution(t)
	assert.Equal(t, PhaseDownloading, res.Phase)
	assert.Equal(t, "abc", res.ExportID)
	assert.Equal(t, "X_visits_2024-03-15.csv", res.Filename)

	require.Len(t, h.downloader.filenames, 1)
	assert.Contains(t, h.downloader.filenames[0], "X")
	assert.Equal(t, api.DownloadURL("team-1", "abc"), h.downloader.urls[0])

	successes, errs := h.notifier.snapshot()
	assert.Len(t, successes, 1)
	assert.Empty(t, errs)

	st = h.ctrl.State()
	assert.Equal(t, PhaseIdle, st.Phase)
	assert.False(t, st.Started)
	assert.Empty(t, st.ExportID)

	requireNoTimers(t, h.clock)
	h.clock.Advance(time.Minute)
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, 2, api.pollCount())

	assert.Equal(t, []Phase{PhaseCreating, PhasePolling, PhaseDownloading, PhaseIdle}, h.phaseHistory())
}

func TestCompletedButNotReadyKeepsPolling(t *testing.T) {
	api := &fakeAPI{statusFn: func(ctx context.Context, n int) (*JobStatus, error) {
		if n < 3 {
			return &JobStatus{Status: StatusCompleted, IsReady: false}, nil
		}
		return &JobStatus{Status: StatusCompleted, IsReady: true}, nil
	}}
	h := newHarness(t, api, nil)
	require.NoError(t, h.ctrl.Start(context.Background(), dataroomTarget()))

	h.tick(t, 1)
	h.tick(t, 2)
	assert.Empty(t, h.downloader.filenames)
	assert.Equal(t, PhasePolling, h.ctrl.State().Phase)

	h.tick(t, 3)
	res := h.waitResolution(t)
	assert.Equal(t, PhaseDownloading, res.Phase)
	assert.Equal(t, "Acme Dataroom_visits_2024-03-15.csv", res.Filename)
}

func TestCreateFailureNotifiesAndNeverPolls(t *testing.T) {
	api := &fakeAPI{createFn: func(ctx context.Context) (string, error) {
		return "", &apiMessageError{msg: "internal server error"}
	}}
	h := newHarness(t, api, nil)

	require.NoError(t, h.ctrl.Start(context.Background(), dataroomTarget()))
	res := h.waitResolution(t)
	assert.Equal(t, PhaseFailed, res.Phase)
	require.Error(t, res.Err)

	h.clock.Advance(time.Minute)
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, 0, api.pollCount())

	_, errs := h.notifier.snapshot()
	assert.Len(t, errs, 1)

	st := h.ctrl.State()
	assert.Equal(t, PhaseIdle, st.Phase)
	assert.False(t, st.Started)
	requireNoTimers(t, h.clock)
}

func TestFailedJobNotifiesServerMessage(t *testing.T) {
	api := &fakeAPI{statusFn: func(ctx context.Context, n int) (*JobStatus, error) {
		return &JobStatus{Status: StatusFailed, Error: "disk full"}, nil
	}}
	h := newHarness(t, api, nil)
	require.NoError(t, h.ctrl.Start(context.Background(), dataroomTarget()))

	h.tick(t, 1)
	res := h.waitResolution(t)
	assert.Equal(t, PhaseFailed, res.Phase)

	_, errs := h.notifier.snapshot()
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0], "disk full")
	assert.Equal(t, PhaseIdle, h.ctrl.State().Phase)
	assert.Empty(t, h.downloader.filenames)
	requireNoTimers(t, h.clock)
}

func TestFailedJobWithoutMessageUsesGenericText(t *testing.T) {
	api := &fakeAPI{statusFn: func(ctx context.Context, n int) (*JobStatus, error) {
		return &JobStatus{Status: StatusFailed}, nil
	}}
	h := newHarness(t, api, nil)
	require.NoError(t, h.ctrl.Start(context.Background(), dataroomTarget()))

	h.tick(t, 1)
	h.waitResolution(t)
	_, errs := h.notifier.snapshot()
	require.Len(t, errs, 1)
	assert.Equal(t, msgFailedGeneric, errs[0])
}

func TestPollErrorsAreTolerated(t *testing.T) {
	api := &fakeAPI{statusFn: func(ctx context.Context, n int) (*JobStatus, error) {
		if n < 3 {
			return nil, errors.New("connection reset")
		}
		return &JobStatus{Status: StatusCompleted, IsReady: true}, nil
	}}
	h := newHarness(t, api, nil)
	require.NoError(t, h.ctrl.Start(context.Background(), dataroomTarget()))

	h.tick(t, 1)
	h.tick(t, 2)
	assert.Equal(t, PhasePolling, h.ctrl.State().Phase)
	_, errs := h.notifier.snapshot()
	assert.Empty(t, errs)

	h.tick(t, 3)
	assert.Equal(t, PhaseDownloading, h.waitResolution(t).Phase)
}

func TestCeilingTimerStopsPollingAtTimeout(t *testing.T) {
	api := &fakeAPI{}
	h := newHarness(t, api, nil)
	require.NoError(t, h.ctrl.Start(context.Background(), dataroomTarget()))

	ticks := int(DefaultTimeout/DefaultPollInterval) - 1
	for i := 1; i <= ticks; i++ {
		h.tick(t, i)
	}
	h.clock.Advance(DefaultPollInterval - time.Millisecond)
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, PhasePolling, h.ctrl.State().Phase)
	select {
	case res := <-h.resolved:
		t.Fatalf("resolved before the ceiling: %+v", res)
	default:
	}

	h.clock.Advance(time.Millisecond)
	res := h.waitResolution(t)
	assert.Equal(t, PhaseTimedOut, res.Phase)
	assert.Equal(t, PhaseIdle, h.ctrl.State().Phase)

	successes, errs := h.notifier.snapshot()
	assert.Empty(t, successes)
	assert.Empty(t, errs)

	requireNoTimers(t, h.clock)
	time.Sleep(10 * time.Millisecond)
	polls := api.pollCount()
	assert.LessOrEqual(t, polls, ticks+1)
	h.clock.Advance(5 * time.Minute)
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, polls, api.pollCount())
}

func TestCancelSuccessStopsPolling(t *testing.T) {
	api := &fakeAPI{}
	h := newHarness(t, api, nil)
	require.NoError(t, h.ctrl.Start(context.Background(), dataroomTarget()))
	h.tick(t, 1)

	require.NoError(t, h.ctrl.Cancel(context.Background()))
	res := h.waitResolution(t)
	assert.Equal(t, PhaseCancelled, res.Phase)
	assert.Equal(t, PhaseIdle, h.ctrl.State().Phase)

	successes, _ := h.notifier.snapshot()
	assert.Equal(t, []string{msgCancelled}, successes)

	requireNoTimers(t, h.clock)
	h.clock.Advance(time.Minute)
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, 1, api.pollCount())
}

func TestCancelFailureKeepsPolling(t *testing.T) {
	api := &fakeAPI{cancelErr: &apiMessageError{msg: "export is locked"}}
	h := newHarness(t, api, nil)
	require.NoError(t, h.ctrl.Start(context.Background(), dataroomTarget()))
	h.tick(t, 1)

	err := h.ctrl.Cancel(context.Background())
	require.Error(t, err)

	_, errs := h.notifier.snapshot()
	require.Len(t, errs, 1)
	assert.Equal(t, "export is locked", errs[0])
	assert.Equal(t, PhasePolling, h.ctrl.State().Phase)

	h.tick(t, 2)
	h.tick(t, 3)
	assert.Equal(t, PhasePolling, h.ctrl.State().Phase)
}

func TestCancelWithoutActiveExport(t *testing.T) {
	h := newHarness(t, &fakeAPI{}, nil)
	require.ErrorIs(t, h.ctrl.Cancel(context.Background()), ErrNoActiveExport)
}

func TestDeferToEmail(t *testing.T) {
	api := &fakeAPI{}
	h := newHarness(t, api, func(o *Options) { o.UserEmail = "owner@example.com" })
	require.NoError(t, h.ctrl.Start(context.Background(), dataroomTarget()))

	require.NoError(t, h.ctrl.DeferToEmail(context.Background()))
	res := h.waitResolution(t)
	assert.Equal(t, PhaseEmailDeferred, res.Phase)
	assert.Equal(t, []string{"owner@example.com"}, api.emails)
	successes, _ := h.notifier.snapshot()
	assert.Equal(t, []string{msgEmailQueued}, successes)

	requireNoTimers(t, h.clock)
	h.clock.Advance(time.Minute)
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, 0, api.pollCount())
}

func TestDeferToEmailFailureKeepsPolling(t *testing.T) {
	api := &fakeAPI{emailErr: errors.New("boom")}
	h := newHarness(t, api, func(o *Options) { o.UserEmail = "owner@example.com" })
	require.NoError(t, h.ctrl.Start(context.Background(), dataroomTarget()))

	require.Error(t, h.ctrl.DeferToEmail(context.Background()))
	_, errs := h.notifier.snapshot()
	assert.Equal(t, []string{msgEmailFailed}, errs)
	assert.Equal(t, PhasePolling, h.ctrl.State().Phase)
	h.tick(t, 1)
}

func TestDeferToEmailRequiresEmail(t *testing.T) {
	api := &fakeAPI{}
	h := newHarness(t, api, nil)
	require.NoError(t, h.ctrl.Start(context.Background(), dataroomTarget()))

	require.ErrorIs(t, h.ctrl.DeferToEmail(context.Background()), ErrEmailUnavailable)
	assert.Empty(t, api.emails)
	assert.Equal(t, PhasePolling, h.ctrl.State().Phase)
}

func TestDownloadFailureFallsBackToOpener(t *testing.T) {
	api := &fakeAPI{statusFn: func(ctx context.Context, n int) (*JobStatus, error) {
		return &JobStatus{Status: StatusCompleted, IsReady: true}, nil
	}}
	h := newHarness(t, api, nil)
	h.downloader.err = errors.New("blocked")
	require.NoError(t, h.ctrl.Start(context.Background(), dataroomTarget()))

	h.tick(t, 1)
	res := h.waitResolution(t)
	assert.Equal(t, PhaseDownloading, res.Phase)
	assert.Equal(t, []string{api.DownloadURL("team-1", "abc")}, h.opener.urls)
	successes, _ := h.notifier.snapshot()
	assert.Len(t, successes, 1)
}

func TestCloseDuringDownloadDoesNotOpenBrowser(t *testing.T) {
	api := &fakeAPI{statusFn: func(ctx context.Context, n int) (*JobStatus, error) {
		return &JobStatus{Status: StatusCompleted, IsReady: true}, nil
	}}
	h := newHarness(t, api, nil)
	started := make(chan struct{})
	h.downloader.started = started
	require.NoError(t, h.ctrl.Start(context.Background(), dataroomTarget()))

	h.tick(t, 1)
	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("download did not start")
	}
	h.ctrl.Close()

	time.Sleep(20 * time.Millisecond)
	h.opener.mu.Lock()
	defer h.opener.mu.Unlock()
	assert.Empty(t, h.opener.urls)
	successes, errs := h.notifier.snapshot()
	assert.Empty(t, successes)
	assert.Empty(t, errs)
	select {
	case res := <-h.resolved:
		t.Fatalf("unexpected resolution after close: %+v", res)
	default:
	}
}

func TestStartAfterCloseIsRejected(t *testing.T) {
	api := &fakeAPI{}
	h := newHarness(t, api, nil)
	h.ctrl.Close()

	err := h.ctrl.Start(context.Background(), dataroomTarget())
	require.ErrorIs(t, err, ErrClosed)
	assert.Equal(t, 0, api.createCount())
	st := h.ctrl.State()
	assert.Equal(t, PhaseIdle, st.Phase)
	assert.False(t, st.Started)
}

func TestLateResponseAfterResolutionIsIgnored(t *testing.T) {
	release := make(chan struct{})
	api := &fakeAPI{statusFn: func(ctx context.Context, n int) (*JobStatus, error) {
		if n == 1 {
			<-release
			return &JobStatus{Status: StatusProcessing, ResourceName: "stale"}, nil
		}
		return &JobStatus{Status: StatusFailed, Error: "disk full"}, nil
	}}
	h := newHarness(t, api, nil)
	require.NoError(t, h.ctrl.Start(context.Background(), dataroomTarget()))

	h.tick(t, 1)
	h.tick(t, 2)
	assert.Equal(t, PhaseFailed, h.waitResolution(t).Phase)

	close(release)
	time.Sleep(10 * time.Millisecond)
	st := h.ctrl.State()
	assert.Equal(t, PhaseIdle, st.Phase)
	assert.Empty(t, st.Progress)
	assert.Empty(t, st.ResourceName)
}

func TestViewCountIsInformational(t *testing.T) {
	api := &fakeAPI{viewCountFn: func() (int, error) { return 2500, nil }}
	counted := make(chan int, 1)
	h := newHarness(t, api, func(o *Options) {
		o.Hooks.OnViewCount = func(n int) { counted <- n }
	})
	require.NoError(t, h.ctrl.Start(context.Background(), dataroomTarget()))

	select {
	case n := <-counted:
		assert.Equal(t, 2500, n)
	case <-time.After(time.Second):
		t.Fatal("view count hook was not called")
	}
	st := h.ctrl.State()
	require.NotNil(t, st.ViewCount)
	assert.Equal(t, 2500, *st.ViewCount)
	assert.True(t, st.RecommendEmail)
}

func TestViewCountFailureDoesNotAbort(t *testing.T) {
	api := &fakeAPI{viewCountFn: func() (int, error) { return 0, errors.New("nope") }}
	h := newHarness(t, api, nil)
	require.NoError(t, h.ctrl.Start(context.Background(), dataroomTarget()))

	require.Eventually(t, func() bool {
		api.mu.Lock()
		defer api.mu.Unlock()
		return api.viewCalls == 1
	}, time.Second, time.Millisecond)
	st := h.ctrl.State()
	assert.Equal(t, PhasePolling, st.Phase)
	assert.Nil(t, st.ViewCount)
	_, errs := h.notifier.snapshot()
	assert.Empty(t, errs)
}

func TestCleanupIsIdempotentAndReleasesGuard(t *testing.T) {
	api := &fakeAPI{}
	h := newHarness(t, api, nil)
	require.NoError(t, h.ctrl.Start(context.Background(), dataroomTarget()))
	h.tick(t, 1)

	h.ctrl.Cleanup()
	h.ctrl.Cleanup()
	requireNoTimers(t, h.clock)
	assert.Equal(t, State{Phase: PhaseIdle}, h.ctrl.State())

	h.clock.Advance(time.Minute)
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, 1, api.pollCount())

	require.NoError(t, h.ctrl.Start(context.Background(), dataroomTarget()))
	assert.Equal(t, 2, api.createCount())
	h.tick(t, 2)
}

func TestCleanupDuringCreationDropsResult(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{}, 1)
	api := &fakeAPI{createFn: func(ctx context.Context) (string, error) {
		entered <- struct{}{}
		<-release
		return "abc", nil
	}}
	h := newHarness(t, api, nil)

	done := make(chan struct{})
	go func() {
		_ = h.ctrl.Start(context.Background(), dataroomTarget())
		close(done)
	}()
	<-entered
	h.ctrl.Cleanup()
	close(release)
	<-done

	assert.Equal(t, PhaseIdle, h.ctrl.State().Phase)
	requireNoTimers(t, h.clock)
}

func TestServerSideCancellationResolves(t *testing.T) {
	api := &fakeAPI{statusFn: func(ctx context.Context, n int) (*JobStatus, error) {
		return &JobStatus{Status: StatusCancelled}, nil
	}}
	h := newHarness(t, api, nil)
	require.NoError(t, h.ctrl.Start(context.Background(), dataroomTarget()))
	h.tick(t, 1)
	assert.Equal(t, PhaseCancelled, h.waitResolution(t).Phase)
}

func TestGroupNameInFilename(t *testing.T) {
	api := &fakeAPI{statusFn: func(ctx context.Context, n int) (*JobStatus, error) {
		return &JobStatus{Status: StatusCompleted, IsReady: true}, nil
	}}
	h := newHarness(t, api, nil)
	target := dataroomTarget()
	target.GroupID = "grp-1"
	target.GroupName = "Board"
	require.NoError(t, h.ctrl.Start(context.Background(), target))

	h.tick(t, 1)
	res := h.waitResolution(t)
	assert.Equal(t, "Acme Dataroom_Board_visits_2024-03-15.csv", res.Filename)
	assert.True(t, strings.HasSuffix(h.downloader.filenames[0], ".csv"))
}
