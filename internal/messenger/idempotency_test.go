package messenger

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func baseKeyInput() DeliveryKeyInput {
	return DeliveryKeyInput{
		RequestID:    "req-1",
		OriginButler: "email",
		Intent:       "send",
		Channel:      "telegram",
		Recipient:    "123",
		Subject:      "hi",
		Message:      "hello",
	}
}

func TestDeriveIdempotencyKeyStableForSameInputs(t *testing.T) {
	a := deriveIdempotencyKey(baseKeyInput())
	b := deriveIdempotencyKey(baseKeyInput())
	assert.Equal(t, a, b)
}

func TestDeriveIdempotencyKeyDiffersByRequestID(t *testing.T) {
	a := baseKeyInput()
	b := baseKeyInput()
	b.RequestID = "req-2"
	assert.NotEqual(t, deriveIdempotencyKey(a), deriveIdempotencyKey(b))
}

func TestDeriveIdempotencyKeyOmitsRequestIDWhenAbsent(t *testing.T) {
	withID := baseKeyInput()
	withoutID := baseKeyInput()
	withoutID.RequestID = ""
	assert.NotEqual(t, deriveIdempotencyKey(withID), deriveIdempotencyKey(withoutID))
}

func TestDeriveIdempotencyKeyDiffersByOriginButlerIntentChannelOrSubject(t *testing.T) {
	base := baseKeyInput()
	withOtherOrigin := base
	withOtherOrigin.OriginButler = "finance"
	assert.NotEqual(t, deriveIdempotencyKey(base), deriveIdempotencyKey(withOtherOrigin))

	withOtherIntent := base
	withOtherIntent.Intent = "reply"
	withOtherIntent.SourceSender = "123"
	assert.NotEqual(t, deriveIdempotencyKey(base), deriveIdempotencyKey(withOtherIntent))

	withOtherChannel := base
	withOtherChannel.Channel = "slack"
	assert.NotEqual(t, deriveIdempotencyKey(base), deriveIdempotencyKey(withOtherChannel))

	withOtherRecipient := base
	withOtherRecipient.Recipient = "456"
	assert.NotEqual(t, deriveIdempotencyKey(base), deriveIdempotencyKey(withOtherRecipient))

	withOtherSubject := base
	withOtherSubject.Subject = "bye"
	assert.NotEqual(t, deriveIdempotencyKey(base), deriveIdempotencyKey(withOtherSubject))

	withOtherMessage := base
	withOtherMessage.Message = "goodbye"
	assert.NotEqual(t, deriveIdempotencyKey(base), deriveIdempotencyKey(withOtherMessage))
}

func TestDeriveIdempotencyKeyNormalizesRecipientCaseAndWhitespace(t *testing.T) {
	lower := baseKeyInput()
	lower.Recipient = "user@example.com"
	messy := baseKeyInput()
	messy.Recipient = "  User@Example.com  "
	assert.Equal(t, deriveIdempotencyKey(lower), deriveIdempotencyKey(messy))
}

func TestDeriveIdempotencyKeyReplyTargetsSourceSenderNotRecipient(t *testing.T) {
	a := baseKeyInput()
	a.Intent = "reply"
	a.SourceSender = "alice"
	a.Recipient = "ignored-1"

	b := baseKeyInput()
	b.Intent = "reply"
	b.SourceSender = "alice"
	b.Recipient = "ignored-2"

	assert.Equal(t, deriveIdempotencyKey(a), deriveIdempotencyKey(b))
}

func TestDeriveIdempotencyKeyReplyIncludesSourceThread(t *testing.T) {
	withoutThread := baseKeyInput()
	withoutThread.Intent = "reply"
	withoutThread.SourceSender = "alice"

	withThread := withoutThread
	withThread.SourceThread = "thread-9"

	assert.NotEqual(t, deriveIdempotencyKey(withoutThread), deriveIdempotencyKey(withThread))
}

func TestDeriveIdempotencyKeySendAndReplyWithOverlappingFieldsDoNotCollide(t *testing.T) {
	send := baseKeyInput()
	send.Recipient = "alice"

	reply := baseKeyInput()
	reply.Intent = "reply"
	reply.SourceSender = "alice"

	assert.NotEqual(t, deriveIdempotencyKey(send), deriveIdempotencyKey(reply))
}

func TestDeriveIdempotencyKeyIsHexSHA256(t *testing.T) {
	key := deriveIdempotencyKey(baseKeyInput())
	assert.Len(t, key, 64)
}

func TestContentHashFoldsSubjectIntoHash(t *testing.T) {
	a := contentHash("subject one", "same body")
	b := contentHash("subject two", "same body")
	assert.NotEqual(t, a, b)
}
