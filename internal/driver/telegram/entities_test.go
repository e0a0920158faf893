package telegram

import (
	"testing"

	"github.com/gotd/td/tg"

	"otogi-agent/pkg/otogi"
)

func TestGotdEntitiesConversation(t *testing.T) {
	t.Parallel()

	user := &tg.User{ID: 1}
	user.SetUsername("ada")
	entities := newGotdEntities(
		[]tg.UserClass{user, &tg.UserEmpty{ID: 2}},
		[]tg.ChatClass{
			&tg.Chat{ID: 10, Title: "Lounge"},
			&tg.Channel{ID: 20, Title: "Devs", Megagroup: true},
			&tg.Channel{ID: 30, Title: "News"},
			&tg.ChannelForbidden{ID: 40, Title: "Gone"},
		},
	)

	tests := []struct {
		name string
		peer tg.PeerClass
		want ChatRef
	}{
		{name: "known user falls back to username", peer: &tg.PeerUser{UserID: 1}, want: ChatRef{ID: "1", Type: otogi.ConversationTypePrivate, Title: "ada"}},
		{name: "empty user has no title", peer: &tg.PeerUser{UserID: 2}, want: ChatRef{ID: "2", Type: otogi.ConversationTypePrivate}},
		{name: "basic group", peer: &tg.PeerChat{ChatID: 10}, want: ChatRef{ID: "10", Type: otogi.ConversationTypeGroup, Title: "Lounge"}},
		{name: "supergroup reported as group", peer: &tg.PeerChannel{ChannelID: 20}, want: ChatRef{ID: "20", Type: otogi.ConversationTypeGroup, Title: "Devs"}},
		{name: "broadcast channel", peer: &tg.PeerChannel{ChannelID: 30}, want: ChatRef{ID: "30", Type: otogi.ConversationTypeChannel, Title: "News"}},
		{name: "forbidden channel", peer: &tg.PeerChannel{ChannelID: 40}, want: ChatRef{ID: "40", Type: otogi.ConversationTypeChannel, Title: "Gone"}},
		{name: "unseen channel", peer: &tg.PeerChannel{ChannelID: 50}, want: ChatRef{ID: "50", Type: otogi.ConversationTypeChannel}},
		{name: "missing peer", want: ChatRef{ID: gotdUnknownConversationID, Type: otogi.ConversationTypePrivate}},
	}

	for _, testCase := range tests {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			if got := entities.conversation(testCase.peer); got != testCase.want {
				t.Fatalf("conversation = %+v, want %+v", got, testCase.want)
			}
		})
	}
}

func TestGotdEntitiesInputPeer(t *testing.T) {
	t.Parallel()

	user := &tg.User{ID: 1}
	user.SetAccessHash(11)
	channel := &tg.Channel{ID: 20}
	channel.SetAccessHash(22)
	entities := newGotdEntities([]tg.UserClass{user}, []tg.ChatClass{channel})

	if peer, ok := entities.inputPeer(&tg.PeerUser{UserID: 1}).(*tg.InputPeerUser); !ok || peer.AccessHash != 11 {
		t.Fatalf("user peer = %#v, want access hash 11", peer)
	}
	if peer, ok := entities.inputPeer(&tg.PeerChannel{ChannelID: 20}).(*tg.InputPeerChannel); !ok || peer.AccessHash != 22 {
		t.Fatalf("channel peer = %#v, want access hash 22", peer)
	}
	if peer := entities.inputPeer(&tg.PeerUser{UserID: 9}); peer != nil {
		t.Fatalf("unknown user peer = %#v, want nil", peer)
	}
	if _, ok := entities.inputPeer(&tg.PeerChat{ChatID: 5}).(*tg.InputPeerChat); !ok {
		t.Fatal("basic group peer must not need entities")
	}
}
