package exportjob

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
)

const (
	DefaultPollInterval         = 5 * time.Second
	DefaultTimeout              = 10 * time.Minute
	DefaultLargeExportThreshold = 1000
)

const (
	msgCreateFailed  = "Failed to start export. Please try again."
	msgCompleted     = "Export completed. Your download should start automatically."
	msgFailedGeneric = "Export failed. Please try again."
	msgCancelled     = "Export cancelled."
	msgCancelFailed  = "Failed to cancel export."
	msgEmailQueued   = "We'll email you the export when it's ready."
	msgEmailFailed   = "Failed to send export to your email."
)

// API はエクスポートジョブを扱うバックエンドです。
type API interface {
	ViewCount(ctx context.Context, target Target) (int, error)
	Create(ctx context.Context, target Target) (string, error)
	Status(ctx context.Context, teamID, exportID string) (*JobStatus, error)
	Cancel(ctx context.Context, teamID, exportID string) error
	SendEmail(ctx context.Context, teamID, exportID, email string) error
	DownloadURL(teamID, exportID string) string
}

// Notifier はユーザーに一時的な通知（トースト）を表示します。
type Notifier interface {
	Success(message string)
	Error(message string)
}

// Downloader は成果物を取得して保存します。
type Downloader interface {
	Download(ctx context.Context, url, filename string) error
}

// Opener はダウンロードに失敗したときのフォールバックとしてURLを開きます。
type Opener interface {
	Open(url string) error
}

// Hooks は状態変化を外部から観測するためのコールバックです。いずれもロック外で呼ばれます。
type Hooks struct {
	OnPhase     func(from, to Phase)
	OnViewCount func(count int)
	OnResolve   func(Resolution)
}

// Options は Controller の挙動を調整します。ゼロ値の項目には既定値が使われます。
type Options struct {
	PollInterval         time.Duration
	Timeout              time.Duration
	LargeExportThreshold int
	UserEmail            string
	Clock                clockwork.Clock
	Logger               logrus.FieldLogger
	Opener               Opener
	Hooks                Hooks
}

type session struct {
	target   Target
	exportID string
	ctx      context.Context
	cancel   context.CancelFunc
	ticker   clockwork.Ticker
	ceiling  clockwork.Timer
}

// Controller はひとつのエクスポートジョブを作成から終端まで駆動します。
// 同時に存在するポーリングループは常にひとつだけです。
type Controller struct {
	api            API
	notifier       Notifier
	downloader     Downloader
	opener         Opener
	clock          clockwork.Clock
	logger         logrus.FieldLogger
	pollInterval   time.Duration
	timeout        time.Duration
	largeThreshold int
	userEmail      string
	hooks          Hooks

	baseCtx    context.Context
	baseCancel context.CancelFunc

	mu      sync.Mutex
	state   State
	attempt uint64
	sess    *session
	pending []func()
}

// NewController は Controller を作成します。
func NewController(api API, notifier Notifier, downloader Downloader, opts Options) *Controller {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.LargeExportThreshold == 0 {
		opts.LargeExportThreshold = DefaultLargeExportThreshold
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Controller{
		api:            api,
		notifier:       notifier,
		downloader:     downloader,
		opener:         opts.Opener,
		clock:          opts.Clock,
		logger:         opts.Logger,
		pollInterval:   opts.PollInterval,
		timeout:        opts.Timeout,
		largeThreshold: opts.LargeExportThreshold,
		userEmail:      opts.UserEmail,
		hooks:          opts.Hooks,
		baseCtx:        ctx,
		baseCancel:     cancel,
		state:          State{Phase: PhaseIdle},
	}
}

// State は現在の状態のスナップショットを返します。
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := c.state
	if st.ViewCount != nil {
		n := *st.ViewCount
		st.ViewCount = &n
	}
	return st
}

// Start はエクスポートジョブを作成し、ポーリングと上限タイマーを開始します。
// 作成の失敗は通知で利用者に伝えられ、戻り値にはなりません。
// 既に作成中またはポーリング中なら ErrExportInProgress を返し、リクエストは送りません。
// Close 後は ErrClosed を返します。
func (c *Controller) Start(ctx context.Context, target Target) error {
	if err := target.Validate(); err != nil {
		return err
	}

	c.mu.Lock()
	if c.baseCtx.Err() != nil {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.state.Started {
		c.mu.Unlock()
		return ErrExportInProgress
	}
	c.state.Started = true
	c.state.ResourceName = target.ResourceName
	c.state.GroupName = target.GroupName
	c.setPhaseLocked(PhaseCreating)
	attempt := c.attempt
	c.unlockAndFlush()

	go c.fetchViewCount(attempt, target)

	exportID, err := c.api.Create(ctx, target)
	if err == nil && exportID == "" {
		err = errors.New("create export: empty export id")
	}

	c.mu.Lock()
	if c.attempt != attempt {
		c.mu.Unlock()
		if err == nil {
			c.logger.WithField("exportId", exportID).Warn("export created after controller cleanup; not watching it")
		}
		return nil
	}
	if err != nil {
		c.logger.WithError(err).Warn("failed to create export job")
		c.notifyLocked(false, msgCreateFailed)
		c.resolveLocked(PhaseFailed, Resolution{Err: err})
		c.unlockAndFlush()
		return nil
	}

	sessCtx, cancel := context.WithCancel(c.baseCtx)
	s := &session{
		target:   target,
		exportID: exportID,
		ctx:      sessCtx,
		cancel:   cancel,
		ticker:   c.clock.NewTicker(c.pollInterval),
		ceiling:  c.clock.NewTimer(c.timeout),
	}
	c.sess = s
	c.state.Status = StatusProcessing
	c.state.ExportID = exportID
	c.state.StartTime = c.clock.Now()
	c.setPhaseLocked(PhasePolling)
	c.logger.WithField("exportId", exportID).Info("export job created")
	go c.watch(s)
	c.unlockAndFlush()
	return nil
}

// Cancel はバックエンドにジョブの取り消しを依頼します。
// 失敗した場合は状態を変えずにポーリングを続けます。
func (c *Controller) Cancel(ctx context.Context) error {
	s, err := c.activeSession()
	if err != nil {
		return err
	}

	if err := c.api.Cancel(ctx, s.target.TeamID, s.exportID); err != nil {
		c.logger.WithError(err).WithField("exportId", s.exportID).Warn("failed to cancel export")
		c.mu.Lock()
		c.notifyLocked(false, userMessage(err, msgCancelFailed))
		c.unlockAndFlush()
		return fmt.Errorf("cancel export %s: %w", s.exportID, err)
	}

	c.mu.Lock()
	if c.sess == s {
		c.notifyLocked(true, msgCancelled)
		c.resolveLocked(PhaseCancelled, Resolution{ExportID: s.exportID})
	}
	c.unlockAndFlush()
	return nil
}

// DeferToEmail は成果物をメールで送るよう依頼し、クライアント側の監視を終了します。
func (c *Controller) DeferToEmail(ctx context.Context) error {
	if c.userEmail == "" {
		return ErrEmailUnavailable
	}
	s, err := c.activeSession()
	if err != nil {
		return err
	}

	if err := c.api.SendEmail(ctx, s.target.TeamID, s.exportID, c.userEmail); err != nil {
		c.logger.WithError(err).WithField("exportId", s.exportID).Warn("failed to defer export to email")
		c.mu.Lock()
		c.notifyLocked(false, userMessage(err, msgEmailFailed))
		c.unlockAndFlush()
		return fmt.Errorf("send export %s by email: %w", s.exportID, err)
	}

	c.mu.Lock()
	if c.sess == s {
		c.notifyLocked(true, msgEmailQueued)
		c.resolveLocked(PhaseEmailDeferred, Resolution{ExportID: s.exportID})
	}
	c.unlockAndFlush()
	return nil
}

// Cleanup はタイマーを止めて状態を初期化し、次の Start を受け付けられるようにします。
// 何度呼んでも安全です。
func (c *Controller) Cleanup() {
	c.mu.Lock()
	c.cleanupLocked()
	c.unlockAndFlush()
}

// Close は画面を閉じたときの後始末です。進行中のダウンロードも中断します。
// Close 後の Controller は再利用できません。
func (c *Controller) Close() {
	c.baseCancel()
	c.Cleanup()
}

func (c *Controller) activeSession() (*session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess == nil || c.state.Phase != PhasePolling {
		return nil, ErrNoActiveExport
	}
	return c.sess, nil
}

func (c *Controller) fetchViewCount(attempt uint64, target Target) {
	count, err := c.api.ViewCount(c.baseCtx, target)
	if err != nil {
		c.logger.WithError(err).Debug("view count unavailable")
		return
	}

	c.mu.Lock()
	if c.attempt != attempt {
		c.mu.Unlock()
		return
	}
	n := count
	c.state.ViewCount = &n
	c.state.RecommendEmail = c.largeThreshold > 0 && count > c.largeThreshold
	if fn := c.hooks.OnViewCount; fn != nil {
		c.pending = append(c.pending, func() { fn(count) })
	}
	c.unlockAndFlush()
}

// watch はポーリング間隔と上限タイマーを待ち受けます。
// ティックごとのリクエストは応答を待たずに発行します。
func (c *Controller) watch(s *session) {
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.ticker.Chan():
			go c.poll(s)
		case <-s.ceiling.Chan():
			c.expire(s)
			return
		}
	}
}

func (c *Controller) poll(s *session) {
	if s.ctx.Err() != nil {
		return
	}
	status, err := c.api.Status(s.ctx, s.target.TeamID, s.exportID)
	if err != nil {
		if s.ctx.Err() == nil {
			c.logger.WithError(err).WithField("exportId", s.exportID).Warn("export status poll failed")
		}
		return
	}

	c.mu.Lock()
	if c.sess != s {
		c.mu.Unlock()
		return
	}

	switch {
	case status.Ready():
		c.completeLocked(s, status)
		return
	case status.Status == StatusFailed:
		msg := msgFailedGeneric
		if status.Error != "" {
			msg = "Export failed: " + status.Error
		}
		c.notifyLocked(false, msg)
		c.resolveLocked(PhaseFailed, Resolution{ExportID: s.exportID, Err: errors.New(msg)})
	case status.Status == StatusCancelled:
		c.notifyLocked(true, msgCancelled)
		c.resolveLocked(PhaseCancelled, Resolution{ExportID: s.exportID})
	default:
		if status.Status != "" {
			c.state.Status = status.Status
		}
		if status.ResourceName != "" {
			c.state.ResourceName = status.ResourceName
		}
		c.state.Progress = ProgressPlaceholder
	}
	c.unlockAndFlush()
}

// completeLocked はダウンロードを実行して終了します。ロックを保持した状態で呼び、ロックを解放して戻ります。
func (c *Controller) completeLocked(s *session, status *JobStatus) {
	c.stopSessionLocked()
	c.state.Status = StatusCompleted
	if status.ResourceName != "" {
		c.state.ResourceName = status.ResourceName
	}
	c.setPhaseLocked(PhaseDownloading)
	filename := BuildFilename(c.state.ResourceName, s.target.GroupName, c.clock.Now())
	url := c.api.DownloadURL(s.target.TeamID, s.exportID)
	attempt := c.attempt
	c.unlockAndFlush()

	c.download(url, filename)

	c.mu.Lock()
	if c.attempt != attempt {
		c.mu.Unlock()
		return
	}
	c.notifyLocked(true, msgCompleted)
	c.resolveLocked(PhaseDownloading, Resolution{ExportID: s.exportID, Filename: filename})
	c.unlockAndFlush()
}

func (c *Controller) download(url, filename string) {
	err := c.downloader.Download(c.baseCtx, url, filename)
	if err == nil {
		return
	}
	// Close 済みなら画面は閉じているのでブラウザを開かない
	if c.baseCtx.Err() != nil {
		c.logger.WithError(err).Debug("download aborted by close")
		return
	}
	c.logger.WithError(err).WithField("filename", filename).Warn("download failed, opening url instead")
	if c.opener == nil {
		return
	}
	if err := c.opener.Open(url); err != nil {
		c.logger.WithError(err).Warn("failed to open download url")
	}
}

func (c *Controller) expire(s *session) {
	c.mu.Lock()
	if c.sess != s {
		c.mu.Unlock()
		return
	}
	c.logger.WithField("exportId", s.exportID).Info("export polling timed out")
	c.resolveLocked(PhaseTimedOut, Resolution{ExportID: s.exportID})
	c.unlockAndFlush()
}

func (c *Controller) resolveLocked(phase Phase, res Resolution) {
	res.Phase = phase
	c.setPhaseLocked(phase)
	c.cleanupLocked()
	if fn := c.hooks.OnResolve; fn != nil {
		c.pending = append(c.pending, func() { fn(res) })
	}
}

func (c *Controller) stopSessionLocked() {
	s := c.sess
	if s == nil {
		return
	}
	s.ticker.Stop()
	s.ceiling.Stop()
	s.cancel()
	c.sess = nil
}

func (c *Controller) cleanupLocked() {
	c.stopSessionLocked()
	c.attempt++
	c.setPhaseLocked(PhaseIdle)
	c.state = State{Phase: PhaseIdle}
}

func (c *Controller) setPhaseLocked(next Phase) {
	prev := c.state.Phase
	if prev == next {
		return
	}
	c.state.Phase = next
	if fn := c.hooks.OnPhase; fn != nil {
		c.pending = append(c.pending, func() { fn(prev, next) })
	}
}

func (c *Controller) notifyLocked(success bool, message string) {
	n := c.notifier
	if n == nil {
		return
	}
	c.pending = append(c.pending, func() {
		if success {
			n.Success(message)
			return
		}
		n.Error(message)
	})
}

func (c *Controller) unlockAndFlush() {
	events := c.pending
	c.pending = nil
	c.mu.Unlock()
	for _, fn := range events {
		fn()
	}
}

// userMessage はバックエンドが返したメッセージがあればそれを、なければ fallback を返します。
func userMessage(err error, fallback string) string {
	var m interface{ UserMessage() string }
	if errors.As(err, &m) {
		if msg := m.UserMessage(); msg != "" {
			return msg
		}
	}
	return fallback
}
