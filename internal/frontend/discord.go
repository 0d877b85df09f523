package frontend

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/lk2023060901/danmu-garden-relay/internal/relay"
	"github.com/lk2023060901/danmu-garden-relay/pkg/log"
	"github.com/lk2023060901/danmu-garden-relay/pkg/util/merr"
)

// DiscordConfig 对应配置文件中的 discord 段。
type DiscordConfig struct {
	Token string `mapstructure:"token"`
	// CommandPrefix 是文本指令前缀，默认 "!"。
	CommandPrefix string `mapstructure:"command_prefix"`
	// CategoryID 为玩家私有频道所属的分类，可为空。
	CategoryID string `mapstructure:"category_id"`
	// RequestTimeout 限制单次 REST 调用的耗时。
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// DefaultDiscordConfig 返回默认配置。
func DefaultDiscordConfig() DiscordConfig {
	return DiscordConfig{
		CommandPrefix:  "!",
		RequestTimeout: 10 * time.Second,
	}
}

// discordAPI 是用到的 discordgo REST 能力，*discordgo.Session 实现了它。
type discordAPI interface {
	ChannelMessageSend(channelID string, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelDelete(channelID string, options ...discordgo.RequestOption) (*discordgo.Channel, error)
	GuildChannelCreateComplex(guildID string, data discordgo.GuildChannelCreateData, options ...discordgo.RequestOption) (*discordgo.Channel, error)
}

var _ discordAPI = (*discordgo.Session)(nil)

// Discord 是基于 discordgo 的聊天前端。
//
// 活跃频道中的玩家消息投递到会话的请求队列；"!join <game>" 在所在频道
// 对应的会话中加入玩家，为其创建私有频道并启动会话。
type Discord struct {
	log.Binder

	cfg     DiscordConfig
	api     discordAPI
	session *discordgo.Session

	mu    sync.RWMutex
	relay Relay
}

// 编译期断言：确保 Discord 实现了 Frontend 接口。
var _ Frontend = (*Discord)(nil)

// NewDiscord 创建 Discord 前端，连接在 Run 中建立。
func NewDiscord(cfg DiscordConfig) (*Discord, error) {
	if cfg.Token == "" {
		return nil, merr.WrapErrParameterMissing("discord.token")
	}
	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, merr.WrapErrFrontendFailed("new_session", err)
	}
	session.Identify.Intents = discordgo.IntentsGuilds | discordgo.IntentsGuildMessages | discordgo.IntentsMessageContent

	d := newDiscord(cfg, session)
	d.session = session
	session.AddHandler(func(_ *discordgo.Session, m *discordgo.MessageCreate) {
		d.HandleMessage(context.Background(), m)
	})
	return d, nil
}

func newDiscord(cfg DiscordConfig, api discordAPI) *Discord {
	def := DefaultDiscordConfig()
	if cfg.CommandPrefix == "" {
		cfg.CommandPrefix = def.CommandPrefix
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = def.RequestTimeout
	}
	d := &Discord{cfg: cfg, api: api}
	d.SetLogger(log.With(log.FieldComponent("discord")))
	return d
}

// Bind 设置前端驱动的编排器，必须在 Run 之前调用。
func (d *Discord) Bind(r Relay) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.relay = r
}

func (d *Discord) boundRelay() Relay {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.relay
}

// Run 打开网关连接并阻塞到 ctx 结束。
func (d *Discord) Run(ctx context.Context) error {
	if d.session == nil {
		return merr.WrapErrServiceNotReady("discord", "no gateway session")
	}
	if err := d.session.Open(); err != nil {
		return merr.WrapErrFrontendFailed("open", err)
	}
	d.Logger().Info("discord gateway connected")
	<-ctx.Done()
	return d.Close()
}

// Close 关闭网关连接。
func (d *Discord) Close() error {
	if d.session == nil {
		return nil
	}
	if err := d.session.Close(); err != nil {
		return merr.WrapErrFrontendFailed("close", err)
	}
	return nil
}

// SendMessage 实现 Frontend。
func (d *Discord) SendMessage(ctx context.Context, channelID uint64, content string) error {
	ctx, cancel := context.WithTimeout(ctx, d.cfg.RequestTimeout)
	defer cancel()
	if _, err := d.api.ChannelMessageSend(formatSnowflake(channelID), content, discordgo.WithContext(ctx)); err != nil {
		return merr.WrapErrFrontendFailed("send_message", err)
	}
	return nil
}

// DeleteChannel 实现 Frontend 与 relay.ChannelCleaner。
func (d *Discord) DeleteChannel(ctx context.Context, channelID uint64) error {
	ctx, cancel := context.WithTimeout(ctx, d.cfg.RequestTimeout)
	defer cancel()
	if _, err := d.api.ChannelDelete(formatSnowflake(channelID), discordgo.WithContext(ctx)); err != nil {
		return merr.WrapErrFrontendFailed("delete_channel", err)
	}
	return nil
}

// CreatePlayerChannel 在服务器中为玩家创建只有其本人可见的文本频道。
func (d *Discord) CreatePlayerChannel(ctx context.Context, guildID string, user *discordgo.User, gameType string) (uint64, error) {
	ctx, cancel := context.WithTimeout(ctx, d.cfg.RequestTimeout)
	defer cancel()

	data := discordgo.GuildChannelCreateData{
		Name:     channelName(gameType, user.Username),
		Type:     discordgo.ChannelTypeGuildText,
		ParentID: d.cfg.CategoryID,
		PermissionOverwrites: []*discordgo.PermissionOverwrite{
			{
				// @everyone 角色的 ID 与服务器 ID 相同。
				ID:   guildID,
				Type: discordgo.PermissionOverwriteTypeRole,
				Deny: discordgo.PermissionViewChannel,
			},
			{
				ID:    user.ID,
				Type:  discordgo.PermissionOverwriteTypeMember,
				Allow: discordgo.PermissionViewChannel | discordgo.PermissionSendMessages | discordgo.PermissionReadMessageHistory,
			},
		},
	}
	ch, err := d.api.GuildChannelCreateComplex(guildID, data, discordgo.WithContext(ctx))
	if err != nil {
		return 0, merr.WrapErrFrontendFailed("create_channel", err)
	}
	return parseSnowflake(ch.ID)
}

// HandleMessage 处理一条聊天消息。所有失败只记录日志。
func (d *Discord) HandleMessage(ctx context.Context, m *discordgo.MessageCreate) {
	if m == nil || m.Message == nil || m.Author == nil || m.Author.Bot {
		return
	}
	r := d.boundRelay()
	if r == nil {
		return
	}
	channelID, err := parseSnowflake(m.ChannelID)
	if err != nil {
		return
	}
	authorID, err := parseSnowflake(m.Author.ID)
	if err != nil {
		return
	}

	if r.Registry().IsActiveChannel(channelID) {
		if err := r.Deliver(channelID, authorID, []byte(m.Content)); err != nil {
			d.Logger().RatedWarn(1, "failed to deliver chat message",
				log.FieldChannel(channelID), log.FieldPlayer(authorID), zap.Error(err))
		}
		return
	}

	if cmd, args, ok := d.parseCommand(m.Content); ok && cmd == "join" {
		d.join(ctx, r, m, args)
	}
}

func (d *Discord) parseCommand(content string) (string, []string, bool) {
	if !strings.HasPrefix(content, d.cfg.CommandPrefix) {
		return "", nil, false
	}
	fields := strings.Fields(strings.TrimPrefix(content, d.cfg.CommandPrefix))
	if len(fields) == 0 {
		return "", nil, false
	}
	return strings.ToLower(fields[0]), fields[1:], true
}

// join 处理加入指令。会话 ID 为 "<guildID>-<channelID>"，同一频道中的玩家共享一局。
func (d *Discord) join(ctx context.Context, r Relay, m *discordgo.MessageCreate, args []string) {
	if m.GuildID == "" {
		d.reply(ctx, m, "Games can only be joined from a server channel.")
		return
	}
	if len(args) == 0 {
		d.reply(ctx, m, fmt.Sprintf("Usage: %sjoin <game>", d.cfg.CommandPrefix))
		return
	}
	gameType := strings.ToLower(args[0])
	sessionID := m.GuildID + "-" + m.ChannelID
	guildID, err := parseSnowflake(m.GuildID)
	if err != nil {
		return
	}
	playerID, err := parseSnowflake(m.Author.ID)
	if err != nil {
		return
	}
	logger := log.Ctx(ctx).With(log.FieldSession(sessionID), log.FieldPlayer(playerID), log.FieldGame(gameType))

	channelID, created, err := d.playerChannel(ctx, r, sessionID, playerID, m, gameType)
	if err != nil {
		logger.Warn("failed to create player channel", zap.Error(err))
		d.reply(ctx, m, "Could not create your game channel, please try again later.")
		return
	}

	_, err = r.Join(ctx, relay.JoinRequest{
		SessionID: sessionID,
		GameType:  gameType,
		GuildID:   guildID,
		Player: relay.PlayerInfo{
			ID:        playerID,
			Name:      m.Author.Username,
			AvatarURL: m.Author.AvatarURL(""),
			ChannelID: channelID,
		},
	})
	if err != nil {
		logger.Warn("join failed", zap.Error(err))
		if created {
			if derr := d.DeleteChannel(ctx, channelID); derr != nil {
				logger.Warn("failed to remove unused player channel", log.FieldChannel(channelID), zap.Error(derr))
			}
		}
		d.reply(ctx, m, joinErrorText(gameType, err))
		return
	}

	if err := r.Launch(sessionID); err != nil {
		logger.Warn("launch failed", zap.Error(err))
		d.reply(ctx, m, "The relay is busy right now, please try again later.")
		return
	}
	logger.Info("player joined from discord", log.FieldChannel(channelID))
	d.reply(ctx, m, fmt.Sprintf("<@%s> joined %s, continue in <#%s>.", m.Author.ID, gameType, formatSnowflake(channelID)))
}

// playerChannel 返回玩家在会话中的私有频道，已加入过的玩家沿用原频道。
func (d *Discord) playerChannel(ctx context.Context, r Relay, sessionID string, playerID uint64, m *discordgo.MessageCreate, gameType string) (uint64, bool, error) {
	if s, ok := r.Registry().Get(sessionID); ok {
		if p, ok := s.Player(playerID); ok && p.ChannelID() != 0 {
			return p.ChannelID(), false, nil
		}
	}
	id, err := d.CreatePlayerChannel(ctx, m.GuildID, m.Author, gameType)
	return id, err == nil, err
}

func (d *Discord) reply(ctx context.Context, m *discordgo.MessageCreate, text string) {
	channelID, err := parseSnowflake(m.ChannelID)
	if err != nil {
		return
	}
	if err := d.SendMessage(ctx, channelID, text); err != nil {
		d.Logger().RatedWarn(1, "failed to reply", log.FieldChannel(channelID), zap.Error(err))
	}
}

func joinErrorText(gameType string, err error) string {
	switch {
	case errors.Is(err, merr.ErrGameNotFound):
		return fmt.Sprintf("Unknown game %q.", gameType)
	case errors.Is(err, merr.ErrSessionClosed):
		return "This table is closing, please join again in a moment."
	case errors.Is(err, merr.ErrParameterInvalid):
		return "A different game is already running in this channel."
	case errors.Is(err, merr.ErrServiceUnavailable):
		return "The relay is shutting down, please try again later."
	default:
		return "Could not join the game, please try again later."
	}
}

func channelName(gameType, username string) string {
	name := strings.ToLower(strings.Join(strings.Fields(username), "-"))
	if name == "" {
		name = "player"
	}
	return gameType + "-" + name
}
