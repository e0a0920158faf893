package telegram

import (
	"fmt"
	"strconv"

	"github.com/gotd/td/tg"

	"otogi-agent/pkg/otogi"
	"otogi-agent/pkg/shard"
)

// peerAliases lists the conversation types also tried on a cache miss.
// Supergroups arrive as groups but are addressed through channel peers.
var peerAliases = map[otogi.ConversationType]otogi.ConversationType{
	otogi.ConversationTypeGroup:   otogi.ConversationTypeChannel,
	otogi.ConversationTypeChannel: otogi.ConversationTypeGroup,
}

// PeerCache maps conversations seen in updates to the input peers outbound
// RPCs need. Stored and returned peers are copies.
type PeerCache struct {
	peers *shard.Map[tg.InputPeerClass]
}

// NewPeerCache creates an empty PeerCache.
func NewPeerCache() *PeerCache {
	return &PeerCache{peers: shard.New[tg.InputPeerClass](0)}
}

// RememberEntities records every addressable user and chat in entities.
func (c *PeerCache) RememberEntities(entities gotdEntities) {
	if c == nil {
		return
	}
	for id, user := range entities.users {
		if peer := user.AsInputPeer(); peer != nil {
			c.store(otogi.ConversationTypePrivate, strconv.FormatInt(id, 10), peer)
		}
	}
	for id, chat := range entities.chats {
		c.RememberConversation(ChatRef{ID: strconv.FormatInt(id, 10), Type: chat.kind}, chat.inputPeer)
	}
}

// RememberConversation records peer for chat.
func (c *PeerCache) RememberConversation(chat ChatRef, peer tg.InputPeerClass) {
	if c == nil || peer == nil || chat.ID == "" {
		return
	}
	c.store(chat.Type, chat.ID, peer)
	if _, isChannel := peer.(*tg.InputPeerChannel); isChannel && chat.Type == otogi.ConversationTypeGroup {
		c.store(otogi.ConversationTypeChannel, chat.ID, peer)
	}
}

// Resolve returns the peer recorded for conversation.
func (c *PeerCache) Resolve(conversation otogi.Conversation) (tg.InputPeerClass, error) {
	if c == nil {
		return nil, fmt.Errorf("resolve peer: nil cache")
	}
	if conversation.ID == "" || conversation.Type == "" {
		return nil, fmt.Errorf("resolve peer: invalid conversation")
	}

	candidates := []otogi.ConversationType{conversation.Type}
	if alias, ok := peerAliases[conversation.Type]; ok {
		candidates = append(candidates, alias)
	}
	for _, conversationType := range candidates {
		if peer, found := c.peers.Load(peerKey(conversationType, conversation.ID)); found {
			return copyPeer(peer), nil
		}
	}

	return nil, fmt.Errorf("resolve peer: conversation %s/%s not found", conversation.Type, conversation.ID)
}

// Len reports how many peers are cached.
func (c *PeerCache) Len() int {
	return c.peers.Len()
}

func (c *PeerCache) store(conversationType otogi.ConversationType, id string, peer tg.InputPeerClass) {
	key := peerKey(conversationType, id)
	stored := copyPeer(peer)
	c.peers.Do(key, func(items map[string]tg.InputPeerClass) {
		items[key] = stored
	})
}

func peerKey(conversationType otogi.ConversationType, id string) string {
	return string(conversationType) + ":" + id
}

// copyPeer shallow-copies the concrete peer types so callers cannot mutate
// cached access hashes.
func copyPeer(peer tg.InputPeerClass) tg.InputPeerClass {
	switch typed := peer.(type) {
	case *tg.InputPeerUser:
		clone := *typed
		return &clone
	case *tg.InputPeerChat:
		clone := *typed
		return &clone
	case *tg.InputPeerChannel:
		clone := *typed
		return &clone
	case *tg.InputPeerSelf:
		clone := *typed
		return &clone
	default:
		return peer
	}
}
