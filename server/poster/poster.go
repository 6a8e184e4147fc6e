package poster

import (
	"errors"
	"sync"

	"github.com/mattermost/mattermost/server/public/model"
	"github.com/mattermost/mattermost/server/public/plugin"

	"github.com/mattermost/mattermost-plugin-safety/server/audio"
	"github.com/mattermost/mattermost-plugin-safety/server/formatter"
	"github.com/mattermost/mattermost-plugin-safety/server/lifecycle"
	"github.com/mattermost/mattermost-plugin-safety/server/logging"
	"github.com/mattermost/mattermost-plugin-safety/server/risk"
	"github.com/mattermost/mattermost-plugin-safety/server/safetyapi"
)

// Poster sends bot direct messages.
// This struct is stateless - it only holds immutable configuration (API and botID).
type Poster struct {
	api   plugin.API
	botID string
}

// New creates a new Poster instance.
func New(api plugin.API, botID string) *Poster {
	return &Poster{
		api:   api,
		botID: botID,
	}
}

// BotID returns the user id posts are made as
func (p *Poster) BotID() string {
	return p.botID
}

// DirectMessage posts a message with optional attachments to the DM channel
// between the bot and userID.
func (p *Poster) DirectMessage(userID, message string, attachments ...*model.SlackAttachment) (*model.Post, error) {
	channel, appErr := p.api.GetDirectChannel(userID, p.botID)
	if appErr != nil {
		return nil, appErr
	}

	post := &model.Post{
		UserId:    p.botID,
		ChannelId: channel.Id,
		Message:   message,
		Props:     model.StringInterface{},
	}

	if len(attachments) > 0 {
		post.Type = model.PostTypeSlackAttachment
		model.ParseSlackAttachment(post, attachments)
	}

	created, appErr := p.api.CreatePost(post)
	if appErr != nil {
		return nil, appErr
	}
	return created, nil
}

// ReplaceAttachment swaps the attachment of an existing post
func (p *Poster) ReplaceAttachment(post *model.Post, attachment *model.SlackAttachment) (*model.Post, error) {
	updated := post.Clone()
	updated.Type = model.PostTypeSlackAttachment
	model.ParseSlackAttachment(updated, []*model.SlackAttachment{attachment})

	result, appErr := p.api.UpdatePost(updated)
	if appErr != nil {
		return nil, appErr
	}
	return result, nil
}

// Ephemeral shows a message only to userID in channelID
func (p *Poster) Ephemeral(userID, channelID, message string) {
	p.api.SendEphemeralPost(userID, &model.Post{
		UserId:    p.botID,
		ChannelId: channelID,
		Message:   message,
	})
}

// AlertView renders alert prompt screens into the user's DM channel, editing
// one post per alert in place.
type AlertView struct {
	poster    *Poster
	userID    string
	actionURL string
	logger    logging.Logger

	mu    sync.Mutex
	posts map[int64]*model.Post
}

var _ lifecycle.View = (*AlertView)(nil)

// NewAlertView creates the view for userID. actionURL receives button clicks.
func NewAlertView(poster *Poster, userID, actionURL string, logger logging.Logger) *AlertView {
	return &AlertView{
		poster:    poster,
		userID:    userID,
		actionURL: actionURL,
		logger:    logger,
		posts:     make(map[int64]*model.Post),
	}
}

// Render posts or updates the screen's prompt. Failures are logged.
func (v *AlertView) Render(screen lifecycle.Screen) {
	var key int64
	if screen.Alert != nil {
		key = screen.Alert.ID
	}
	attachment := formatter.FormatScreen(screen, v.actionURL)

	v.mu.Lock()
	defer v.mu.Unlock()

	var (
		post *model.Post
		err  error
	)
	if existing, ok := v.posts[key]; ok {
		post, err = v.poster.ReplaceAttachment(existing, attachment)
	} else {
		post, err = v.poster.DirectMessage(v.userID, "", attachment)
	}
	if err != nil {
		v.logger.Error("Failed to render alert prompt", "userID", v.userID, "alertID", key, "phase", screen.Phase.String(), "error", err.Error())
		return
	}

	if finished(screen) {
		delete(v.posts, key)
		return
	}
	v.posts[key] = post
}

// finished reports whether the prompt needs no further updates
func finished(screen lifecycle.Screen) bool {
	switch {
	case screen.Err != nil, screen.Armed, screen.Phase == lifecycle.Responding:
		return false
	case screen.Alert == nil:
		// SOS sent or cancelled
		return true
	default:
		return screen.Phase == lifecycle.Closed
	}
}

// Notifier tells a user about monitor events through bot DMs
type Notifier struct {
	poster *Poster
	userID string
	logger logging.Logger
}

// NewNotifier creates a Notifier for userID
func NewNotifier(poster *Poster, userID string, logger logging.Logger) *Notifier {
	return &Notifier{poster: poster, userID: userID, logger: logger}
}

// CrisisDetected reports distress found in an audio sample
func (n *Notifier) CrisisDetected(analysis *safetyapi.AudioAnalysis) {
	n.send("", formatter.FormatCrisis(analysis))
}

// MonitorError reports an audio monitor problem. Failed samples are retried,
// anything else pauses monitoring.
func (n *Notifier) MonitorError(err error) {
	if errors.Is(err, audio.ErrRecordingFailed) {
		n.send(err.Error() + ". Audio monitoring is still on and will keep trying.")
		return
	}
	n.send("Audio monitoring is paused: " + err.Error())
}

// RiskChanged reports a new risk category
func (n *Notifier) RiskChanged(state risk.State) {
	n.send("", formatter.FormatRiskChange(state))
}

// Message sends a plain message
func (n *Notifier) Message(message string) {
	n.send(message)
}

func (n *Notifier) send(message string, attachments ...*model.SlackAttachment) {
	if _, err := n.poster.DirectMessage(n.userID, message, attachments...); err != nil {
		n.logger.Error("Failed to notify user", "userID", n.userID, "error", err.Error())
	}
}
