package conversation

import (
	"errors"
	"io"
	"log"
	"testing"

	"securechat/internal/attachment"
	"securechat/internal/protocol"
)

func envelope(t *testing.T, event string, payload any) protocol.Envelope {
	t.Helper()
	env, err := protocol.NewEnvelope(event, payload)
	if err != nil {
		t.Fatalf("build %q envelope: %v", event, err)
	}
	return env
}

func apply(t *testing.T, s *Store, event string, payload any) []protocol.Envelope {
	t.Helper()
	out, err := s.Apply(envelope(t, event, payload))
	if err != nil {
		t.Fatalf("Apply(%q) failed: %v", event, err)
	}
	return out
}

func profile(socket, name string) protocol.UserProfile {
	return protocol.UserProfile{SocketID: socket, UserID: protocol.UserID(socket), Name: name}
}

func TestDuplicateMessageIsFoldedOnce(t *testing.T) {
	s := NewStore("a1", nil)
	msg := protocol.Message{ID: "m1", Sender: "b1", Receiver: "a1", Text: "hi"}

	apply(t, s, protocol.EventChatMessage, msg)
	apply(t, s, protocol.EventChatMessage, msg)

	if got := s.Messages("b1"); len(got) != 1 {
		t.Fatalf("expected 1 message after duplicate delivery, got %d", len(got))
	}
}

func TestOwnEchoLandsInReceiverConversation(t *testing.T) {
	s := NewStore("a1", nil)
	msg := protocol.Message{ID: "m1", Sender: "a1", Receiver: "b1", Text: "hi"}

	// Optimistic local copy, then the server echo.
	apply(t, s, protocol.EventChatMessage, msg)
	apply(t, s, protocol.EventChatMessage, msg)

	got := s.Messages("b1")
	if len(got) != 1 || got[0].ID != "m1" {
		t.Fatalf("expected one m1 in b1 conversation, got %+v", got)
	}
}

func TestMessagesBetweenOtherPeersAreIgnored(t *testing.T) {
	s := NewStore("c1", nil)
	apply(t, s, protocol.EventChatMessage, protocol.Message{ID: "m1", Sender: "a1", Receiver: "b1"})

	if s.HasConversation("a1") || s.HasConversation("b1") {
		t.Fatalf("expected third-party message to be filtered, peers=%v", s.Peers())
	}
}

func TestMessageWithoutIDIsRejected(t *testing.T) {
	s := NewStore("a1", nil)
	_, err := s.Apply(envelope(t, protocol.EventChatMessage, protocol.Message{Sender: "b1", Receiver: "a1"}))
	if !errors.Is(err, ErrInvalidMessage) {
		t.Fatalf("expected ErrInvalidMessage, got %v", err)
	}
}

func TestReadFlagNeverReverts(t *testing.T) {
	s := NewStore("a1", nil)
	apply(t, s, protocol.EventChatMessage, protocol.Message{ID: "m1", Sender: "a1", Receiver: "b1"})
	apply(t, s, protocol.EventChatMessage, protocol.Message{ID: "m2", Sender: "a1", Receiver: "b1"})

	apply(t, s, protocol.EventMessageRead, protocol.ReadReceipt{MessageID: "m1", Reader: "b1"})
	for _, other := range []string{"m2", "missing", "m2"} {
		apply(t, s, protocol.EventMessageRead, protocol.ReadReceipt{MessageID: other, Reader: "b1"})
	}

	got := s.Messages("b1")
	if !got[0].Read {
		t.Fatalf("expected m1 to stay read")
	}
	if !got[1].Read {
		t.Fatalf("expected m2 to be read")
	}

	// A re-delivered copy of a read message must not reset the flag.
	apply(t, s, protocol.EventChatMessage, protocol.Message{ID: "m1", Sender: "a1", Receiver: "b1"})
	if got := s.Messages("b1"); len(got) != 2 || !got[0].Read {
		t.Fatalf("expected duplicate to be discarded and m1 still read, got %+v", got)
	}
}

func TestReadReceiptIsEmittedOnlyForSelectedPeer(t *testing.T) {
	s := NewStore("b1", nil)
	apply(t, s, protocol.EventUsersList, []protocol.UserProfile{profile("a1", "Alice"), profile("b1", "Bob"), profile("c1", "Carol")})
	if s.Selected() != "a1" {
		t.Fatalf("expected first peer auto-selected, got %q", s.Selected())
	}

	out := apply(t, s, protocol.EventChatMessage, protocol.Message{ID: "m1", Sender: "a1", Receiver: "b1"})
	if len(out) != 1 || out[0].Event != protocol.EventMessageRead {
		t.Fatalf("expected one read receipt, got %+v", out)
	}
	var receipt protocol.ReadReceipt
	if err := out[0].Bind(&receipt); err != nil {
		t.Fatalf("bind receipt: %v", err)
	}
	if receipt.MessageID != "m1" || receipt.Reader != "b1" {
		t.Fatalf("unexpected receipt %+v", receipt)
	}

	out = apply(t, s, protocol.EventChatMessage, protocol.Message{ID: "m2", Sender: "c1", Receiver: "b1"})
	if len(out) != 0 {
		t.Fatalf("expected no receipt for unselected peer, got %+v", out)
	}
	if s.UnreadCount("c1") != 1 {
		t.Fatalf("expected 1 unread from c1, got %d", s.UnreadCount("c1"))
	}

	out, err := s.Select("c1")
	if err != nil {
		t.Fatalf("Select failed: %v", err)
	}
	if len(out) != 1 {
		t.Fatalf("expected select to acknowledge 1 message, got %d", len(out))
	}
}

func TestMessageStaysUnreadUntilReceiptIsApplied(t *testing.T) {
	alice := NewStore("a1", nil)
	bob := NewStore("b1", nil)
	users := []protocol.UserProfile{profile("a1", "Alice"), profile("b1", "Bob")}
	apply(t, alice, protocol.EventUsersList, users)
	apply(t, bob, protocol.EventUsersList, users)

	// What the hub delivers for m1: the echo to Alice and the copy to Bob.
	m1 := protocol.Message{ID: "m1", Sender: "a1", SenderName: "Alice", Receiver: "b1", Text: "hi"}
	if out := apply(t, alice, protocol.EventChatMessage, m1); len(out) != 0 {
		t.Fatalf("expected no receipt for own message, got %+v", out)
	}
	receipts := apply(t, bob, protocol.EventChatMessage, m1)

	for name, msgs := range map[string][]protocol.Message{
		"alice": alice.Messages("b1"),
		"bob":   bob.Messages("a1"),
	} {
		if len(msgs) != 1 || msgs[0].ID != "m1" || msgs[0].Read {
			t.Fatalf("expected one unread m1 on %s's side before the receipt, got %+v", name, msgs)
		}
	}
	if bob.UnreadCount("a1") != 1 {
		t.Fatalf("expected bob to count m1 unread, got %d", bob.UnreadCount("a1"))
	}

	if len(receipts) != 1 || receipts[0].Event != protocol.EventMessageRead {
		t.Fatalf("expected bob to emit one receipt, got %+v", receipts)
	}
	// The hub relays the receipt to everyone, Bob included.
	for _, s := range []*Store{alice, bob} {
		if _, err := s.Apply(receipts[0]); err != nil {
			t.Fatalf("apply receipt: %v", err)
		}
	}

	if got := alice.Messages("b1"); len(got) != 1 || !got[0].Read {
		t.Fatalf("expected alice's m1 read after the receipt, got %+v", got)
	}
	if got := bob.Messages("a1"); len(got) != 1 || !got[0].Read || bob.UnreadCount("a1") != 0 {
		t.Fatalf("expected bob's m1 read after the receipt, got %+v", got)
	}
}

func TestPresenceSeedsConversationsOnce(t *testing.T) {
	s := NewStore("a1", nil)
	apply(t, s, protocol.EventUsersList, []protocol.UserProfile{profile("a1", "Alice"), profile("b1", "Bob")})
	apply(t, s, protocol.EventChatMessage, protocol.Message{ID: "m1", Sender: "b1", Receiver: "a1"})

	apply(t, s, protocol.EventUsersList, []protocol.UserProfile{profile("a1", "Alice"), profile("b1", "Bob")})
	apply(t, s, protocol.EventUserConnected, profile("b1", "Bob"))
	if got := s.Messages("b1"); len(got) != 1 {
		t.Fatalf("expected existing conversation to survive reseeding, got %d", len(got))
	}

	apply(t, s, protocol.EventUserConnected, profile("c1", "Carol"))
	if !s.HasConversation("c1") {
		t.Fatalf("expected c1 conversation to be seeded")
	}
	if online := s.Online(); len(online) != 2 {
		t.Fatalf("expected 2 online peers, got %+v", online)
	}
	apply(t, s, protocol.EventUserConnected, profile("c1", "Carol"))
	if online := s.Online(); len(online) != 2 {
		t.Fatalf("expected join hint to be idempotent, got %+v", online)
	}
}

func TestDisconnectMovesSelection(t *testing.T) {
	s := NewStore("a1", nil)
	apply(t, s, protocol.EventUsersList, []protocol.UserProfile{profile("b1", "Bob"), profile("c1", "Carol"), profile("a1", "Alice")})
	if s.Selected() != "b1" {
		t.Fatalf("expected b1 selected, got %q", s.Selected())
	}

	apply(t, s, protocol.EventUserDisconnected, profile("b1", "Bob"))
	if s.Selected() != "c1" {
		t.Fatalf("expected selection to move to c1, got %q", s.Selected())
	}
	if _, ok := s.Lookup("b1"); ok {
		t.Fatalf("expected b1 offline")
	}
	if !s.HasConversation("b1") {
		t.Fatalf("expected b1 history to be kept")
	}

	apply(t, s, protocol.EventUserDisconnected, profile("c1", "Carol"))
	if s.Selected() != "" {
		t.Fatalf("expected no selection, got %q", s.Selected())
	}
}

func TestTypingLastWriteWins(t *testing.T) {
	s := NewStore("b1", nil)
	alice := profile("a1", "Alice")

	apply(t, s, protocol.EventTyping, protocol.TypingState{User: &alice, IsTyping: true, Receiver: "b1"})
	if !s.IsTyping("a1") {
		t.Fatalf("expected a1 typing")
	}
	apply(t, s, protocol.EventTyping, protocol.TypingState{User: &alice, IsTyping: false, Receiver: "b1"})
	if s.IsTyping("a1") {
		t.Fatalf("expected a1 to stop typing")
	}

	// Typing towards someone else is not shown in this view.
	apply(t, s, protocol.EventTyping, protocol.TypingState{User: &alice, IsTyping: true, Receiver: "c1"})
	if s.IsTyping("a1") {
		t.Fatalf("expected typing to c1 not to affect b1's view")
	}
}

func TestEncryptedAttachmentIsOpenedOnFold(t *testing.T) {
	codec, err := attachment.NewCodec([]byte("deployment-secret"), log.New(io.Discard, "", 0))
	if err != nil {
		t.Fatalf("NewCodec failed: %v", err)
	}
	msg := protocol.Message{ID: "m1", Sender: "a1", Receiver: "b1"}
	sealed, err := codec.Encrypt("hi.txt", "text/plain", []byte("hello"), attachment.ConversationOf(msg))
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}
	msg.Attachment = &sealed

	s := NewStore("b1", codec)
	apply(t, s, protocol.EventChatMessage, msg)

	got := s.Messages("a1")[0].Attachment
	if got == nil || got.Encrypted {
		t.Fatalf("expected opened attachment, got %+v", got)
	}
	data, err := attachment.Bytes(*got)
	if err != nil {
		t.Fatalf("Bytes failed: %v", err)
	}
	if string(data) != "hello" {
		t.Fatalf("expected hello, got %q", data)
	}
}

func TestUndecryptableAttachmentStillRenders(t *testing.T) {
	other, err := attachment.NewCodec([]byte("other-secret"), log.New(io.Discard, "", 0))
	if err != nil {
		t.Fatalf("NewCodec failed: %v", err)
	}
	codec, err := attachment.NewCodec([]byte("deployment-secret"), log.New(io.Discard, "", 0))
	if err != nil {
		t.Fatalf("NewCodec failed: %v", err)
	}
	msg := protocol.Message{ID: "m1", Sender: "a1", Receiver: "b1", Text: "see file"}
	sealed, err := other.Encrypt("hi.txt", "text/plain", []byte("hello"), attachment.ConversationOf(msg))
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}
	msg.Attachment = &sealed

	s := NewStore("b1", codec)
	apply(t, s, protocol.EventChatMessage, msg)

	got := s.Messages("a1")
	if len(got) != 1 || got[0].Text != "see file" {
		t.Fatalf("expected message to render, got %+v", got)
	}
	if !got[0].Attachment.Encrypted || got[0].Attachment.Data != sealed.Data {
		t.Fatalf("expected ciphertext to be kept")
	}
}

func TestResetStartsFromEmptyProjection(t *testing.T) {
	s := NewStore("a1", nil)
	apply(t, s, protocol.EventUsersList, []protocol.UserProfile{profile("b1", "Bob")})
	apply(t, s, protocol.EventChatMessage, protocol.Message{ID: "m1", Sender: "b1", Receiver: "a1"})

	s.Reset("a2")
	if s.Self() != "a2" || len(s.Peers()) != 0 || len(s.Online()) != 0 || s.Selected() != "" {
		t.Fatalf("expected empty projection after reset")
	}
}

func TestUnknownEventIsAnError(t *testing.T) {
	s := NewStore("a1", nil)
	_, err := s.Apply(protocol.Envelope{Event: "bogus", Data: []byte(`{}`)})
	if !errors.Is(err, protocol.ErrUnknownEvent) {
		t.Fatalf("expected ErrUnknownEvent, got %v", err)
	}
}
