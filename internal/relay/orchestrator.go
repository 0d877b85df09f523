package relay

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/lk2023060901/danmu-garden-relay/internal/backend"
	"github.com/lk2023060901/danmu-garden-relay/pkg/log"
	"github.com/lk2023060901/danmu-garden-relay/pkg/metrics"
	"github.com/lk2023060901/danmu-garden-relay/pkg/util/conc"
	"github.com/lk2023060901/danmu-garden-relay/pkg/util/merr"
)

const tracerName = "relay"

// Config 是编排器的运行参数。
type Config struct {
	// Timeout 是每轮循环的非活跃超时，到期后会话关闭。
	Timeout time.Duration `mapstructure:"timeout"`
	// Grace 是会话关闭后、删除玩家频道前的等待时间，便于玩家看到最后的结果。
	Grace time.Duration `mapstructure:"grace"`
	// CleanupTimeout 限制清理阶段单次前端调用的耗时。
	CleanupTimeout time.Duration `mapstructure:"cleanup_timeout"`
	// MaxSessions 是同时运行的会话主循环上限。
	MaxSessions int `mapstructure:"max_sessions"`
	// ShutdownToken 是系统关闭哨兵的载荷。
	ShutdownToken string `mapstructure:"shutdown_token"`
	// PublishAttempts 是转发请求的最大尝试次数，由后端配置填充。
	PublishAttempts uint `mapstructure:"-"`
}

// DefaultConfig 返回默认配置。
func DefaultConfig() Config {
	return Config{
		Timeout:         5 * time.Minute,
		Grace:           5 * time.Second,
		CleanupTimeout:  10 * time.Second,
		MaxSessions:     1024,
		ShutdownToken:   "__shutdown__",
		PublishAttempts: 3,
	}
}

// ChannelCleaner 删除会话结束后残留的玩家私有频道。
type ChannelCleaner interface {
	DeleteChannel(ctx context.Context, channelID uint64) error
}

// ResponseBinder 把后端响应按会话路由到响应队列。
type ResponseBinder interface {
	Register(sessionID string, sink backend.Sink)
	Unregister(sessionID string)
}

var _ ResponseBinder = (*backend.Dispatcher)(nil)

// JoinRequest 描述一次玩家加入事件。
type JoinRequest struct {
	SessionID string
	GameType  string
	GuildID   uint64
	Player    PlayerInfo
}

// Orchestrator 负责会话的完整生命周期：加入、启动、主循环、关闭与清理。
//
// 每个会话只有一个主循环。主循环每轮让请求队列、响应队列与超时计时器
// 三方竞争，最先就绪的一方胜出，其余两方被取消并等待退出后才进入下一轮。
type Orchestrator struct {
	log.Binder

	cfg         Config
	registry    *Registry
	games       *Catalog
	binder      ResponseBinder
	cleaner     ChannelCleaner
	router      *Router
	broadcaster *Broadcaster
	timeout     timeoutGuard
	pool        *conc.Pool[bool]

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	closing  bool
	stopping chan struct{}
	loops    sync.WaitGroup

	racers atomic.Int64
}

// NewOrchestrator 创建编排器。cleaner 可以为 nil，此时不删除玩家频道。
func NewOrchestrator(cfg Config, registry *Registry, games *Catalog, publisher backend.Publisher, binder ResponseBinder, cleaner ChannelCleaner) *Orchestrator {
	defaults := DefaultConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaults.Timeout
	}
	if cfg.CleanupTimeout <= 0 {
		cfg.CleanupTimeout = defaults.CleanupTimeout
	}
	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = defaults.MaxSessions
	}
	if cfg.ShutdownToken == "" {
		cfg.ShutdownToken = defaults.ShutdownToken
	}
	if cfg.Grace < 0 {
		cfg.Grace = 0
	}

	ctx, cancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		cfg:         cfg,
		registry:    registry,
		games:       games,
		binder:      binder,
		cleaner:     cleaner,
		router:      NewRouter(publisher, cfg.ShutdownToken, cfg.PublishAttempts),
		broadcaster: NewBroadcaster(),
		timeout:     timeoutGuard{d: cfg.Timeout},
		pool:        conc.NewPool[bool](cfg.MaxSessions, conc.WithNonBlocking(true), conc.WithConcealPanic(true)),
		ctx:         ctx,
		cancel:      cancel,
		stopping:    make(chan struct{}),
	}
	o.SetLogger(log.With(log.FieldComponent("orchestrator")))
	return o
}

// Registry 返回编排器使用的会话注册表。
func (o *Orchestrator) Registry() *Registry {
	return o.registry
}

// Config 返回生效的配置。
func (o *Orchestrator) Config() Config {
	return o.cfg
}

// Racers 返回自启动以来创建的竞争者总数。
func (o *Orchestrator) Racers() int64 {
	return o.racers.Load()
}

// Join 将玩家加入会话，会话不存在时创建。
//
// 游戏类型与玩家资料都遵循首次写入生效。玩家带有私有频道时，
// 频道被标记为活跃，并为其投递一条发牌请求。
func (o *Orchestrator) Join(ctx context.Context, req JoinRequest) (*Session, error) {
	if req.SessionID == "" {
		return nil, merr.WrapErrParameterMissing("session id")
	}
	if req.Player.ID == SystemPlayerID {
		return nil, merr.WrapErrParameterInvalidMsg("player id %d is reserved", SystemPlayerID)
	}
	game, ok := o.games.Get(req.GameType)
	if !ok {
		return nil, merr.WrapErrGameNotFound(req.GameType)
	}
	if o.isClosing() {
		return nil, merr.WrapErrServiceUnavailable("orchestrator is shutting down")
	}

	s := o.registry.GetOrCreate(req.SessionID)
	if s.Progress() == ProgressClosed {
		return nil, merr.WrapErrSessionClosed(s.ID)
	}
	if bound := s.bindGame(req.GameType); bound != req.GameType {
		return nil, merr.WrapErrParameterInvalid(bound, req.GameType, "session bound to another game")
	}

	p := s.upsertPlayer(req.Player)
	if req.GuildID != 0 {
		s.guilds.Insert(req.GuildID)
	}
	s.ensureQueues(func(responses *Queue[[]byte]) {
		o.binder.Register(s.ID, responses)
	})

	logger := log.Ctx(ctx).With(log.FieldSession(s.ID), log.FieldPlayer(p.ID), log.FieldGame(req.GameType))
	if ch := p.ChannelID(); ch != 0 {
		o.registry.BindChannel(ch, s.ID, p.ID)
		// 会话可能在绑定前已关闭并完成清理，此时撤销绑定。
		if s.Progress() == ProgressClosed {
			o.unbindIfOwned(ch, s.ID)
			return nil, merr.WrapErrSessionClosed(s.ID)
		}
		if err := s.Enqueue(Message{PlayerID: p.ID, Payload: game.DealRequest(s, p)}); err != nil {
			logger.Warn("failed to enqueue deal request", zap.Error(err))
			return s, err
		}
	}
	// Shutdown 可能已在本次加入之前扫描过注册表。
	if o.isClosing() && s.abandon() {
		o.discard(s)
		return nil, merr.WrapErrServiceUnavailable("orchestrator is shutting down")
	}
	logger.Info("player joined", log.FieldChannel(p.ChannelID()), zap.Int("players", s.PlayerCount()))
	return s, nil
}

func (o *Orchestrator) isClosing() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.closing
}

// Deliver 把聊天频道中的一条消息投递到频道所属会话的请求队列。
func (o *Orchestrator) Deliver(channelID, playerID uint64, payload []byte) error {
	binding, ok := o.registry.ChannelBinding(channelID)
	if !ok {
		return merr.WrapErrChannelNotFound(channelID)
	}
	s, ok := o.registry.Get(binding.SessionID)
	if !ok {
		return merr.WrapErrSessionNotFound(binding.SessionID)
	}
	return s.Enqueue(Message{PlayerID: playerID, Payload: payload})
}

// Launch 在协程池中异步运行会话主循环，不等待其结束。
func (o *Orchestrator) Launch(sessionID string) error {
	o.mu.Lock()
	if o.closing {
		o.mu.Unlock()
		return merr.WrapErrServiceUnavailable("orchestrator is shutting down")
	}
	o.loops.Add(1)
	o.mu.Unlock()

	started := atomic.NewBool(false)
	future := o.pool.Submit(func() (bool, error) {
		started.Store(true)
		defer o.loops.Done()
		return o.Run(o.ctx, sessionID), nil
	})
	if future.Done() && !started.Load() {
		err := future.Err()
		s, ok := o.registry.Get(sessionID)
		if !ok || !s.abandon() {
			o.loops.Done()
			return err
		}
		o.Logger().Warn("session launch rejected, discarding", log.FieldSession(sessionID), zap.Error(err))
		conc.Go(func() (struct{}, error) {
			defer o.loops.Done()
			o.discard(s)
			return struct{}{}, nil
		})
		return err
	}
	return nil
}

// Run 同步运行会话主循环，直到会话关闭并清理完毕。
// 会话不存在或已被其他调用方启动时立即返回 false。
func (o *Orchestrator) Run(ctx context.Context, sessionID string) bool {
	s, ok := o.registry.Get(sessionID)
	if !ok {
		o.Logger().Warn("run unknown session", log.FieldSession(sessionID))
		return false
	}
	if !s.tryStart(ctx) {
		o.Logger().Debug("session already started", log.FieldSession(sessionID))
		return false
	}
	o.serve(ctx, s)
	return true
}

func (o *Orchestrator) serve(ctx context.Context, s *Session) {
	gameType := s.GameType()
	ctx, span := log.StartSpan(ctx, tracerName, "relay.session")
	defer span.End()
	span.SetAttributes(attribute.String("session.id", s.ID), attribute.String("game.type", gameType))
	ctx = log.WithFields(ctx, log.FieldSession(s.ID), log.FieldGame(gameType))
	logger := log.Ctx(ctx)

	start := time.Now()
	metrics.SessionsStarted.WithLabelValues(gameType).Inc()
	metrics.SessionsActive.WithLabelValues(gameType).Inc()
	logger.Info("session loop started", zap.Int("players", s.PlayerCount()))

	reason := metrics.CloseReasonShutdown
	game, ok := o.games.Get(gameType)
	if !ok {
		logger.Error("session has no registered game, closing")
		s.Close()
	} else {
		s.ensureQueues(func(responses *Queue[[]byte]) {
			o.binder.Register(s.ID, responses)
		})
		reason = o.loop(ctx, s, game)
	}

	span.SetAttributes(attribute.String("close.reason", reason))
	metrics.SessionsClosed.WithLabelValues(gameType, reason).Inc()
	logger.Info("session closed", zap.String("reason", reason), zap.Duration("elapsed", time.Since(start)))

	o.cleanup(ctx, s)
	metrics.SessionsActive.WithLabelValues(gameType).Dec()
	metrics.SessionDuration.WithLabelValues(gameType).Observe(float64(time.Since(start).Milliseconds()))
}

// loop 运行主循环直到会话进入 Closed，返回关闭原因。
func (o *Orchestrator) loop(ctx context.Context, s *Session, game Game) string {
	watcher, _ := game.(ProgressChangeHandler)
	if watcher != nil {
		o.notifyChange(ctx, watcher, s, ProgressNotAvailable, ProgressStarting)
	}

	for {
		before := s.Progress()
		reason := o.iterate(ctx, s, game)
		after := s.Progress()
		if watcher != nil && after != before {
			o.notifyChange(ctx, watcher, s, before, after)
		}
		if after == ProgressClosed {
			if reason == "" {
				reason = metrics.CloseReasonEnding
			}
			return reason
		}
	}
}

// iterate 执行一轮竞争，返回本轮导致关闭的原因，会话未关闭时返回空串。
// 游戏处理器中的 panic 在这里恢复，并强制关闭会话。
func (o *Orchestrator) iterate(ctx context.Context, s *Session, game Game) (reason string) {
	defer func() {
		if x := recover(); x != nil {
			log.Ctx(ctx).Error("session loop panicked, force closing", zap.Any("panic", x), zap.Stack("stack"))
			s.Close()
			reason = metrics.CloseReasonPanic
		}
	}()

	requests, responses := s.queues()
	winner, err := o.race(ctx, requests, responses)
	if err != nil {
		log.Ctx(ctx).Info("session loop interrupted", zap.Error(err))
		s.Close()
		return metrics.CloseReasonShutdown
	}

	switch winner {
	case racerTimeout:
		if s.Close() {
			log.Ctx(ctx).Info("session timed out", zap.Duration("timeout", o.cfg.Timeout), zap.Time("lastActive", s.LastActive()))
		}
		return metrics.CloseReasonTimeout

	case racerRequest:
		msg, ok := requests.TryPop()
		if !ok {
			return ""
		}
		s.touch()
		outcome := o.router.Route(ctx, s, game, msg)
		metrics.RouteTotal.WithLabelValues(game.Type(), outcome.String()).Inc()
		switch outcome {
		case RouteClose:
			return metrics.CloseReasonRequest
		case RouteShutdown:
			return metrics.CloseReasonShutdown
		}

	case racerResponse:
		if o.broadcaster.Relay(ctx, s, game, responses) {
			s.touch()
		}
		if s.Progress() == ProgressClosed {
			return metrics.CloseReasonEnding
		}
	}
	return ""
}

type racer int

const (
	racerRequest racer = iota
	racerResponse
	racerTimeout
)

type raceResult struct {
	who racer
	err error
}

// race 同时等待请求队列、响应队列与一个新的超时计时器。
// 返回前会取消落败的竞争者并等待它们全部退出，队列中的数据不会被消费。
func (o *Orchestrator) race(ctx context.Context, requests *Queue[Message], responses *Queue[[]byte]) (racer, error) {
	iterCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make(chan raceResult, 3)
	spawn := func(who racer, wait func(context.Context) error) *conc.Future[struct{}] {
		o.racers.Inc()
		return conc.Go(func() (struct{}, error) {
			results <- raceResult{who: who, err: wait(iterCtx)}
			return struct{}{}, nil
		})
	}
	futures := []*conc.Future[struct{}]{
		spawn(racerRequest, requests.Wait),
		spawn(racerResponse, responses.Wait),
		spawn(racerTimeout, o.timeout.wait),
	}

	first := <-results
	cancel()
	_ = conc.AwaitAll(futures...)
	return first.who, first.err
}

func (o *Orchestrator) notifyChange(ctx context.Context, watcher ProgressChangeHandler, s *Session, from, to Progress) {
	defer func() {
		if x := recover(); x != nil {
			log.Ctx(ctx).Error("progress change handler panicked", zap.Any("panic", x), zap.Stack("stack"))
			s.Close()
		}
	}()
	watcher.HandleProgressChange(ctx, s, from, to)
}

// cleanup 在会话关闭后执行：等待宽限期，删除玩家频道，解除响应路由，
// 关闭队列，最后从注册表移除会话。频道删除失败只记录日志。
func (o *Orchestrator) cleanup(ctx context.Context, s *Session) {
	ctx = context.WithoutCancel(ctx)
	logger := log.Ctx(ctx)

	if o.cfg.Grace > 0 {
		timer := time.NewTimer(o.cfg.Grace)
		select {
		case <-timer.C:
		case <-o.stopping:
			timer.Stop()
		}
	}

	var errs error
	for _, p := range s.Players() {
		ch := p.ChannelID()
		if ch == 0 {
			continue
		}
		if o.cleaner != nil {
			cctx, cancel := context.WithTimeout(ctx, o.cfg.CleanupTimeout)
			err := o.cleaner.DeleteChannel(cctx, ch)
			cancel()
			if err != nil {
				metrics.CleanupFailures.Inc()
				errs = merr.Combine(errs, err)
				logger.Warn("failed to delete player channel", log.FieldPlayer(p.ID), log.FieldChannel(ch), zap.Error(err))
			}
		}
		o.unbindIfOwned(ch, s.ID)
	}

	o.binder.Unregister(s.ID)
	s.closeQueues()
	o.registry.removeSession(s)
	logger.Info("session cleaned up", zap.Bool("partial", errs != nil))
}

// discard 清理一个主循环从未运行过的会话，调用方须已通过 abandon 将其关闭。
func (o *Orchestrator) discard(s *Session) {
	gameType := s.GameType()
	metrics.SessionsClosed.WithLabelValues(gameType, metrics.CloseReasonRejected).Inc()
	ctx := log.WithFields(o.ctx, log.FieldSession(s.ID), log.FieldGame(gameType))
	log.Ctx(ctx).Info("session closed", zap.String("reason", metrics.CloseReasonRejected))
	o.cleanup(ctx, s)
}

func (o *Orchestrator) unbindIfOwned(channelID uint64, sessionID string) {
	if binding, ok := o.registry.ChannelBinding(channelID); ok && binding.SessionID == sessionID {
		o.registry.UnbindChannel(channelID)
	}
}

// Shutdown 向所有会话投递关闭哨兵并等待主循环退出。
// 从未启动主循环的会话直接清理。
// ctx 到期后取消所有主循环，并返回 ctx 的错误。
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	already := o.closing
	o.closing = true
	o.mu.Unlock()
	if !already {
		close(o.stopping)
	}

	sentinel := []byte(o.cfg.ShutdownToken)
	var discarded []*conc.Future[struct{}]
	o.registry.Range(func(s *Session) bool {
		switch {
		case s.abandon():
			discarded = append(discarded, conc.Go(func() (struct{}, error) {
				o.discard(s)
				return struct{}{}, nil
			}))
		case s.Progress() != ProgressClosed:
			if err := s.Enqueue(Message{PlayerID: SystemPlayerID, Payload: sentinel}); err != nil {
				o.Logger().Debug("skip shutdown sentinel", log.FieldSession(s.ID), zap.Error(err))
			}
		}
		return true
	})

	done := conc.Go(func() (struct{}, error) {
		_ = conc.AwaitAll(discarded...)
		o.loops.Wait()
		return struct{}{}, nil
	})

	var err error
	select {
	case <-done.Inner():
	case <-ctx.Done():
		o.Logger().Warn("shutdown deadline exceeded, cancelling session loops", zap.Error(ctx.Err()))
		o.cancel()
		<-done.Inner()
		err = ctx.Err()
	}
	o.cancel()
	o.pool.Release()
	o.Logger().Info("orchestrator stopped")
	return err
}
