package telegram

import (
	"strconv"
	"strings"

	"github.com/gotd/td/tg"

	"otogi-agent/pkg/otogi"
)

const (
	gotdUnknownConversationID = "unknown"
	gotdUnknownActorID        = "unknown"
	gotdSelfActorID           = "self"
)

// gotdChat is what a message mapping needs from one chat entity.
type gotdChat struct {
	title     string
	kind      otogi.ConversationType
	inputPeer tg.InputPeerClass
}

// gotdEntities indexes the users and chats delivered alongside a batch of
// updates or a history page. The zero value is an empty index.
type gotdEntities struct {
	users map[int64]*tg.User
	chats map[int64]gotdChat
}

func newGotdEntities(users []tg.UserClass, chats []tg.ChatClass) gotdEntities {
	var entities gotdEntities
	for _, raw := range users {
		user, ok := raw.(*tg.User)
		if !ok || user == nil {
			continue
		}
		if entities.users == nil {
			entities.users = make(map[int64]*tg.User, len(users))
		}
		entities.users[user.ID] = user
	}
	for _, raw := range chats {
		id, chat, ok := describeChat(raw)
		if !ok {
			continue
		}
		if entities.chats == nil {
			entities.chats = make(map[int64]gotdChat, len(chats))
		}
		entities.chats[id] = chat
	}

	return entities
}

func describeChat(raw tg.ChatClass) (int64, gotdChat, bool) {
	switch chat := raw.(type) {
	case *tg.Chat:
		return chat.ID, gotdChat{title: chat.Title, kind: otogi.ConversationTypeGroup, inputPeer: chat.AsInputPeer()}, true
	case *tg.ChatForbidden:
		return chat.ID, gotdChat{title: chat.Title, kind: otogi.ConversationTypeGroup, inputPeer: &tg.InputPeerChat{ChatID: chat.ID}}, true
	case *tg.Channel:
		return chat.ID, gotdChat{title: chat.Title, kind: channelKind(chat.Megagroup), inputPeer: chat.AsInputPeer()}, true
	case *tg.ChannelForbidden:
		peer := &tg.InputPeerChannel{ChannelID: chat.ID, AccessHash: chat.AccessHash}
		return chat.ID, gotdChat{title: chat.Title, kind: channelKind(chat.Megagroup), inputPeer: peer}, true
	default:
		return 0, gotdChat{}, false
	}
}

// channelKind reports supergroups as groups; only broadcast channels stay channels.
func channelKind(megagroup bool) otogi.ConversationType {
	if megagroup {
		return otogi.ConversationTypeGroup
	}
	return otogi.ConversationTypeChannel
}

// conversation describes the chat a message was posted in.
func (e gotdEntities) conversation(peer tg.PeerClass) ChatRef {
	switch typed := peer.(type) {
	case *tg.PeerUser:
		actor := e.user(typed.UserID)
		return ChatRef{ID: actor.ID, Type: otogi.ConversationTypePrivate, Title: actor.DisplayName}
	case *tg.PeerChat:
		return e.chat(typed.ChatID, otogi.ConversationTypeGroup)
	case *tg.PeerChannel:
		return e.chat(typed.ChannelID, otogi.ConversationTypeChannel)
	default:
		return ChatRef{ID: gotdUnknownConversationID, Type: otogi.ConversationTypePrivate}
	}
}

func (e gotdEntities) chat(id int64, fallback otogi.ConversationType) ChatRef {
	ref := ChatRef{ID: strconv.FormatInt(id, 10), Type: fallback}
	if info, ok := e.chats[id]; ok {
		ref.Title = info.title
		ref.Type = info.kind
	}

	return ref
}

// sender describes a message author. Chats and channels posting as
// themselves appear as actors named after the chat.
func (e gotdEntities) sender(peer tg.PeerClass) ActorRef {
	switch typed := peer.(type) {
	case *tg.PeerUser:
		return e.user(typed.UserID)
	case *tg.PeerChat:
		return ActorRef{ID: strconv.FormatInt(typed.ChatID, 10), DisplayName: e.chats[typed.ChatID].title}
	case *tg.PeerChannel:
		return ActorRef{ID: strconv.FormatInt(typed.ChannelID, 10), DisplayName: e.chats[typed.ChannelID].title}
	default:
		return ActorRef{ID: gotdUnknownActorID}
	}
}

func (e gotdEntities) user(id int64) ActorRef {
	if id == 0 {
		return ActorRef{ID: gotdUnknownActorID}
	}
	if user, ok := e.users[id]; ok {
		return actorFromUser(user)
	}

	return ActorRef{ID: strconv.FormatInt(id, 10)}
}

// inputPeer returns the addressable peer behind peer, or nil when the batch
// lacks the access hash needed to address it.
func (e gotdEntities) inputPeer(peer tg.PeerClass) tg.InputPeerClass {
	switch typed := peer.(type) {
	case *tg.PeerUser:
		if user, ok := e.users[typed.UserID]; ok {
			return user.AsInputPeer()
		}
	case *tg.PeerChat:
		if typed.ChatID != 0 {
			return &tg.InputPeerChat{ChatID: typed.ChatID}
		}
	case *tg.PeerChannel:
		if info, ok := e.chats[typed.ChannelID]; ok && info.inputPeer != nil {
			return copyPeer(info.inputPeer)
		}
	}

	return nil
}

func actorFromUser(user *tg.User) ActorRef {
	id := strconv.FormatInt(user.ID, 10)
	username, _ := user.GetUsername()
	firstName, _ := user.GetFirstName()
	lastName, _ := user.GetLastName()

	displayName := strings.TrimSpace(firstName + " " + lastName)
	for _, candidate := range []string{username, id} {
		if displayName != "" {
			break
		}
		displayName = candidate
	}

	return ActorRef{ID: id, Username: username, DisplayName: displayName, IsBot: user.Bot}
}
