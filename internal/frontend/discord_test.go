package frontend

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/suite"

	"github.com/lk2023060901/danmu-garden-relay/internal/backend"
	"github.com/lk2023060901/danmu-garden-relay/internal/game/blackjack"
	"github.com/lk2023060901/danmu-garden-relay/internal/relay"
	"github.com/lk2023060901/danmu-garden-relay/pkg/util/merr"
)

// fakeAPI 在内存中模拟 Discord REST 接口。
type fakeAPI struct {
	mu       sync.Mutex
	nextID   uint64
	created  []discordgo.GuildChannelCreateData
	deleted  []string
	messages map[string][]string

	failCreate bool
	failDelete bool
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{nextID: 1000, messages: make(map[string][]string)}
}

func (a *fakeAPI) ChannelMessageSend(channelID string, content string, _ ...discordgo.RequestOption) (*discordgo.Message, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.messages[channelID] = append(a.messages[channelID], content)
	return &discordgo.Message{ChannelID: channelID, Content: content}, nil
}

func (a *fakeAPI) ChannelDelete(channelID string, _ ...discordgo.RequestOption) (*discordgo.Channel, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.failDelete {
		return nil, errors.New("missing access")
	}
	a.deleted = append(a.deleted, channelID)
	return &discordgo.Channel{ID: channelID}, nil
}

func (a *fakeAPI) GuildChannelCreateComplex(guildID string, data discordgo.GuildChannelCreateData, _ ...discordgo.RequestOption) (*discordgo.Channel, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.failCreate {
		return nil, errors.New("missing permissions")
	}
	a.nextID++
	a.created = append(a.created, data)
	return &discordgo.Channel{ID: strconv.FormatUint(a.nextID, 10), GuildID: guildID, Name: data.Name}, nil
}

func (a *fakeAPI) Messages(channelID string) []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.messages[channelID]...)
}

func (a *fakeAPI) Created() []discordgo.GuildChannelCreateData {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]discordgo.GuildChannelCreateData(nil), a.created...)
}

func (a *fakeAPI) Deleted() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.deleted...)
}

func message(guildID, channelID, authorID, content string) *discordgo.MessageCreate {
	return &discordgo.MessageCreate{Message: &discordgo.Message{
		GuildID:   guildID,
		ChannelID: channelID,
		Content:   content,
		Author:    &discordgo.User{ID: authorID, Username: "Alice Smith"},
	}}
}

type DiscordSuite struct {
	suite.Suite

	api          *fakeAPI
	discord      *Discord
	loopback     *backend.Loopback
	orchestrator *relay.Orchestrator
}

func (s *DiscordSuite) SetupTest() {
	s.api = newFakeAPI()
	s.discord = newDiscord(DiscordConfig{CategoryID: "77"}, s.api)

	dispatcher := backend.NewDispatcher(nil)
	s.loopback = backend.NewLoopback(dispatcher)
	cfg := relay.DefaultConfig()
	cfg.Grace = 0
	s.orchestrator = relay.NewOrchestrator(cfg, relay.NewRegistry(), relay.NewCatalog(blackjack.New(s.discord)),
		s.loopback, dispatcher, s.discord)
	s.discord.Bind(s.orchestrator)
}

func (s *DiscordSuite) TearDownTest() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.NoError(s.orchestrator.Shutdown(ctx))
}

func (s *DiscordSuite) TestJoinAndPlay() {
	ctx := context.Background()
	s.discord.HandleMessage(ctx, message("1", "2", "42", "!join blackjack"))

	created := s.api.Created()
	s.Require().Len(created, 1)
	s.Equal("blackjack-alice-smith", created[0].Name)
	s.Equal("77", created[0].ParentID)
	s.Require().Len(created[0].PermissionOverwrites, 2)
	s.Equal("1", created[0].PermissionOverwrites[0].ID)
	s.Equal("42", created[0].PermissionOverwrites[1].ID)

	s.Equal([]string{"<@42> joined blackjack, continue in <#1001>."}, s.api.Messages("2"))
	s.True(s.orchestrator.Registry().IsActiveChannel(1001))

	sess, ok := s.orchestrator.Registry().Get("1-2")
	s.Require().True(ok)
	s.Eventually(func() bool {
		return sess.Progress() == relay.ProgressStarting
	}, 2*time.Second, 5*time.Millisecond)

	s.discord.HandleMessage(ctx, message("1", "1001", "42", "draw"))
	s.Eventually(func() bool {
		return len(s.loopback.Published()) == 2
	}, 2*time.Second, 5*time.Millisecond)
	published := s.loopback.Published()
	s.Equal("1-2", published[1].SessionID)
	s.Equal(blackjack.GameType, published[1].GameType)
	s.EqualValues(42, published[1].PlayerID)
	s.Equal("draw", string(published[1].Payload))

	// 机器人消息被忽略。
	bot := message("1", "1001", "43", "stand")
	bot.Author.Bot = true
	s.discord.HandleMessage(ctx, bot)

	s.discord.HandleMessage(ctx, message("1", "1001", "42", "close"))
	s.Eventually(func() bool {
		return s.orchestrator.Registry().Len() == 0
	}, 2*time.Second, 5*time.Millisecond)
	s.Equal([]string{"1001"}, s.api.Deleted())
	s.Len(s.loopback.Published(), 3)
	s.False(s.orchestrator.Registry().IsActiveChannel(1001))
}

func (s *DiscordSuite) TestJoinTwiceReusesChannel() {
	ctx := context.Background()
	s.discord.HandleMessage(ctx, message("1", "2", "42", "!join blackjack"))
	s.discord.HandleMessage(ctx, message("1", "2", "42", "!JOIN blackjack"))
	s.Len(s.api.Created(), 1)
	s.Len(s.api.Messages("2"), 2)
}

func (s *DiscordSuite) TestJoinUnknownGame() {
	s.discord.HandleMessage(context.Background(), message("1", "2", "42", "!join chess"))
	s.Equal([]string{`Unknown game "chess".`}, s.api.Messages("2"))
	// 加入失败时新建的频道被删除。
	s.Equal([]string{"1001"}, s.api.Deleted())
}

func (s *DiscordSuite) TestJoinErrors() {
	ctx := context.Background()
	s.discord.HandleMessage(ctx, message("", "2", "42", "!join blackjack"))
	s.discord.HandleMessage(ctx, message("1", "3", "42", "!join"))
	s.api.failCreate = true
	s.discord.HandleMessage(ctx, message("1", "4", "42", "!join blackjack"))

	s.Equal([]string{"Games can only be joined from a server channel."}, s.api.Messages("2"))
	s.Equal([]string{"Usage: !join <game>"}, s.api.Messages("3"))
	s.Equal([]string{"Could not create your game channel, please try again later."}, s.api.Messages("4"))
	s.Equal(0, s.orchestrator.Registry().Len())
}

func (s *DiscordSuite) TestJoinDuringShutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.Require().NoError(s.orchestrator.Shutdown(ctx))

	s.discord.HandleMessage(context.Background(), message("1", "2", "42", "!join blackjack"))
	s.Equal([]string{"The relay is shutting down, please try again later."}, s.api.Messages("2"))
	s.Equal([]string{"1001"}, s.api.Deleted())
	s.Equal(0, s.orchestrator.Registry().Len())
}

func (s *DiscordSuite) TestIgnoresOtherMessages() {
	ctx := context.Background()
	s.discord.HandleMessage(ctx, message("1", "2", "42", "hello"))
	s.discord.HandleMessage(ctx, message("1", "2", "42", "!help"))
	s.discord.HandleMessage(ctx, message("1", "not-a-number", "42", "!join blackjack"))
	s.discord.HandleMessage(ctx, nil)
	s.Empty(s.api.Created())
}

func (s *DiscordSuite) TestDeleteChannelFailure() {
	s.api.failDelete = true
	err := s.discord.DeleteChannel(context.Background(), 10)
	s.ErrorIs(err, merr.ErrFrontendFailed)
}

func TestDiscord(t *testing.T) {
	suite.Run(t, new(DiscordSuite))
}

func TestNewDiscordRequiresToken(t *testing.T) {
	_, err := NewDiscord(DiscordConfig{})
	if !errors.Is(err, merr.ErrParameterMissing) {
		t.Fatalf("expected missing parameter error, got %v", err)
	}
}
