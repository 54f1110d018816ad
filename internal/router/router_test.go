package router

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/omnidesk/omnidesk/internal/channel"
	"github.com/omnidesk/omnidesk/internal/conversation"
	"github.com/omnidesk/omnidesk/internal/ingest"
)

type fakeResolver struct {
	channelType channel.ChannelType
	err         error
}

func (f *fakeResolver) LastContactChannel(context.Context, string, string) (channel.ChannelType, error) {
	return f.channelType, f.err
}

type fakeConfigs struct {
	cfg channel.Config
	err error
}

func (f *fakeConfigs) GetConfig(context.Context, string, channel.ChannelType) (channel.Config, error) {
	return f.cfg, f.err
}

type fakeSender struct {
	receipt channel.SendReceipt
	err     error
	calls   int
	lastMsg channel.OutboundMessage
}

func (f *fakeSender) Send(_ context.Context, _ channel.Config, msg channel.OutboundMessage) (channel.SendReceipt, error) {
	f.calls++
	f.lastMsg = msg
	return f.receipt, f.err
}

type fakeRegistry struct {
	senders map[channel.ChannelType]channel.Sender
}

func (f *fakeRegistry) GetSender(ct channel.ChannelType) (channel.Sender, bool) {
	s, ok := f.senders[ct]
	return s, ok
}

type fakeIngestor struct {
	events []channel.InboundEvent
	err    error
}

func (f *fakeIngestor) Ingest(_ context.Context, event channel.InboundEvent) (ingest.Result, error) {
	if f.err != nil {
		return ingest.Result{}, f.err
	}
	f.events = append(f.events, event)
	return ingest.Result{Outcome: ingest.OutcomeStored, ConversationID: 1, MessageID: int64(len(f.events))}, nil
}

func metaConfig() channel.Config {
	return channel.Config{
		OwnerID:          "owner-3",
		Channel:          channel.TypeWhatsApp,
		WhatsAppProvider: channel.ProviderMeta,
		Credentials: map[string]any{
			"meta":      map[string]any{"access_token": "t", "phone_number_id": "p"},
			"evolution": map[string]any{"instance": "desk", "api_key": "k"},
		},
	}
}

func newTestRouter(resolver *fakeResolver, configs *fakeConfigs, wa WhatsAppSenders, reg *fakeRegistry, ing *fakeIngestor) *Router {
	if reg == nil {
		reg = &fakeRegistry{senders: map[channel.ChannelType]channel.Sender{}}
	}
	return New(resolver, configs, reg, wa, ing, "55", 5*time.Second, nil)
}

func TestSendViaEvolution(t *testing.T) {
	t.Parallel()

	evo := &fakeSender{receipt: channel.SendReceipt{ProviderMessageID: "BAE1"}}
	ing := &fakeIngestor{}
	r := newTestRouter(
		&fakeResolver{channelType: channel.TypeWhatsApp},
		&fakeConfigs{cfg: channel.Config{WhatsAppProvider: channel.ProviderEvolution}},
		WhatsAppSenders{Evolution: evo},
		nil, ing)

	res, err := r.Send(context.Background(), Request{OwnerID: "owner-3", Contact: "+55 11 99999-0000", Text: "hi"})
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if res.TransportUsed != TransportEvolution {
		t.Fatalf("TransportUsed = %q", res.TransportUsed)
	}
	if evo.lastMsg.Target != "5511999990000" {
		t.Fatalf("target = %q, want canonical identity", evo.lastMsg.Target)
	}
	if len(ing.events) != 1 {
		t.Fatalf("recorded events = %d, want 1", len(ing.events))
	}
	got := ing.events[0]
	if got.Direction != channel.DirectionOut || got.ProviderMessageID != "BAE1" {
		t.Fatalf("recorded event = %+v", got)
	}
}

func TestSendMetaFallsBackToEvolution(t *testing.T) {
	t.Parallel()

	meta := &fakeSender{err: channel.NewTransportError(channel.TypeWhatsApp, errors.New("connect timeout"))}
	evo := &fakeSender{receipt: channel.SendReceipt{ProviderMessageID: "BAE-FB"}}
	ing := &fakeIngestor{}
	r := newTestRouter(
		&fakeResolver{err: conversation.ErrNotFound},
		&fakeConfigs{cfg: metaConfig()},
		WhatsAppSenders{Evolution: evo, Meta: meta},
		nil, ing)

	res, err := r.Send(context.Background(), Request{OwnerID: "owner-3", Contact: "+5511999990000", Text: "hi"})
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if res.TransportUsed != TransportEvolutionFallback {
		t.Fatalf("TransportUsed = %q, want %q", res.TransportUsed, TransportEvolutionFallback)
	}
	if meta.calls != 1 || evo.calls != 1 {
		t.Fatalf("calls meta=%d evo=%d, want 1/1", meta.calls, evo.calls)
	}
}

func TestSendMetaPermanentErrorNoFallback(t *testing.T) {
	t.Parallel()

	meta := &fakeSender{err: channel.ErrInvalidRecipient}
	evo := &fakeSender{}
	r := newTestRouter(
		&fakeResolver{err: conversation.ErrNotFound},
		&fakeConfigs{cfg: metaConfig()},
		WhatsAppSenders{Evolution: evo, Meta: meta},
		nil, &fakeIngestor{})

	_, err := r.Send(context.Background(), Request{OwnerID: "owner-3", Contact: "5511999990000", Text: "hi"})
	if !errors.Is(err, channel.ErrInvalidRecipient) {
		t.Fatalf("Send() error = %v, want invalid recipient", err)
	}
	if evo.calls != 0 {
		t.Fatalf("evolution called %d times on permanent meta error", evo.calls)
	}
}

func TestSendMetaNoEvolutionCredentialsNoFallback(t *testing.T) {
	t.Parallel()

	meta := &fakeSender{err: channel.NewTransportError(channel.TypeWhatsApp, errors.New("503"))}
	evo := &fakeSender{}
	cfg := metaConfig()
	delete(cfg.Credentials, "evolution")
	r := newTestRouter(
		&fakeResolver{err: conversation.ErrNotFound},
		&fakeConfigs{cfg: cfg},
		WhatsAppSenders{Evolution: evo, Meta: meta},
		nil, &fakeIngestor{})

	_, err := r.Send(context.Background(), Request{OwnerID: "owner-3", Contact: "5511999990000", Text: "hi"})
	if !channel.IsTransportError(err) {
		t.Fatalf("Send() error = %v, want transport error surfaced", err)
	}
	if evo.calls != 0 {
		t.Fatalf("evolution called without credentials")
	}
}

func TestSendBothTransportsFail(t *testing.T) {
	t.Parallel()

	meta := &fakeSender{err: channel.NewTransportError(channel.TypeWhatsApp, errors.New("503"))}
	evo := &fakeSender{err: channel.NewTransportError(channel.TypeWhatsApp, errors.New("refused"))}
	ing := &fakeIngestor{}
	r := newTestRouter(
		&fakeResolver{err: conversation.ErrNotFound},
		&fakeConfigs{cfg: metaConfig()},
		WhatsAppSenders{Evolution: evo, Meta: meta},
		nil, ing)

	_, err := r.Send(context.Background(), Request{OwnerID: "owner-3", Contact: "5511999990000", Text: "hi"})
	if err == nil {
		t.Fatal("Send() should fail when both transports fail")
	}
	if len(ing.events) != 0 {
		t.Fatalf("recorded events = %d, want 0 on failure", len(ing.events))
	}
}

func TestSendNotConfigured(t *testing.T) {
	t.Parallel()

	r := newTestRouter(
		&fakeResolver{err: conversation.ErrNotFound},
		&fakeConfigs{err: channel.ErrConfigNotFound},
		WhatsAppSenders{},
		nil, &fakeIngestor{})

	_, err := r.Send(context.Background(), Request{OwnerID: "owner-3", Contact: "5511999990000", Text: "hi"})
	if !errors.Is(err, channel.ErrNotConfigured) {
		t.Fatalf("Send() error = %v, want ErrNotConfigured", err)
	}
}

func TestSendResolvesChannelFromHistory(t *testing.T) {
	t.Parallel()

	tg := &fakeSender{receipt: channel.SendReceipt{ProviderMessageID: "42:7"}}
	reg := &fakeRegistry{senders: map[channel.ChannelType]channel.Sender{channel.TypeTelegram: tg}}
	ing := &fakeIngestor{}
	r := newTestRouter(
		&fakeResolver{channelType: channel.TypeTelegram},
		&fakeConfigs{cfg: channel.Config{Channel: channel.TypeTelegram}},
		WhatsAppSenders{},
		reg, ing)

	res, err := r.Send(context.Background(), Request{OwnerID: "owner-3", Contact: "5511999990000", Text: "hi"})
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if res.Channel != channel.TypeTelegram || res.TransportUsed != "telegram" {
		t.Fatalf("result = %+v", res)
	}
	if tg.calls != 1 {
		t.Fatalf("telegram calls = %d", tg.calls)
	}
}

func TestSendHistoryChannelKeepsRawContact(t *testing.T) {
	t.Parallel()

	// A telegram chat id is numeric but is not a phone number; the
	// send target must come through untouched once history resolves
	// the channel.
	tg := &fakeSender{receipt: channel.SendReceipt{ProviderMessageID: "42:8"}}
	reg := &fakeRegistry{senders: map[channel.ChannelType]channel.Sender{channel.TypeTelegram: tg}}
	ing := &fakeIngestor{}
	r := newTestRouter(
		&fakeResolver{channelType: channel.TypeTelegram},
		&fakeConfigs{cfg: channel.Config{Channel: channel.TypeTelegram}},
		WhatsAppSenders{},
		reg, ing)

	if _, err := r.Send(context.Background(), Request{OwnerID: "owner-3", Contact: "123456789", Text: "hi"}); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if tg.lastMsg.Target != "123456789" {
		t.Fatalf("telegram target = %q, want chat id %q", tg.lastMsg.Target, "123456789")
	}
	if got := ing.events[0].RawIdentity; got != "123456789" {
		t.Fatalf("recorded identity = %q, want %q", got, "123456789")
	}
}

func TestSendEmailContactResolvesFromHistory(t *testing.T) {
	t.Parallel()

	mail := &fakeSender{}
	reg := &fakeRegistry{senders: map[channel.ChannelType]channel.Sender{channel.TypeEmail: mail}}
	r := newTestRouter(
		&fakeResolver{channelType: channel.TypeEmail},
		&fakeConfigs{cfg: channel.Config{Channel: channel.TypeEmail}},
		WhatsAppSenders{},
		reg, &fakeIngestor{})

	res, err := r.Send(context.Background(), Request{OwnerID: "owner-3", Contact: "ana@example.com", Text: "hi"})
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if res.Channel != channel.TypeEmail {
		t.Fatalf("Channel = %q, want email", res.Channel)
	}
	if mail.lastMsg.Target != "ana@example.com" {
		t.Fatalf("email target = %q, want address preserved", mail.lastMsg.Target)
	}
}

func TestSendNoHistoryDefaultsToWhatsApp(t *testing.T) {
	t.Parallel()

	evo := &fakeSender{receipt: channel.SendReceipt{ProviderMessageID: "BAE2"}}
	r := newTestRouter(
		&fakeResolver{err: conversation.ErrNotFound},
		&fakeConfigs{cfg: channel.Config{WhatsAppProvider: channel.ProviderEvolution}},
		WhatsAppSenders{Evolution: evo},
		nil, &fakeIngestor{})

	res, err := r.Send(context.Background(), Request{OwnerID: "owner-3", Contact: "5511999990000", Text: "hi"})
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if res.Channel != channel.TypeWhatsApp {
		t.Fatalf("Channel = %q, want whatsapp default", res.Channel)
	}
}

func TestSendEmptyMessageRejected(t *testing.T) {
	t.Parallel()

	r := newTestRouter(&fakeResolver{}, &fakeConfigs{}, WhatsAppSenders{}, nil, &fakeIngestor{})
	if _, err := r.Send(context.Background(), Request{OwnerID: "owner-3", Contact: "5511999990000"}); err == nil {
		t.Fatal("Send() with no text or media should fail")
	}
}

func TestSendGeneratesDedupKeyWhenTransportHasNone(t *testing.T) {
	t.Parallel()

	teams := &fakeSender{}
	reg := &fakeRegistry{senders: map[channel.ChannelType]channel.Sender{channel.TypeTeams: teams}}
	ing := &fakeIngestor{}
	r := newTestRouter(
		&fakeResolver{channelType: channel.TypeTeams},
		&fakeConfigs{cfg: channel.Config{Channel: channel.TypeTeams}},
		WhatsAppSenders{},
		reg, ing)

	_, err := r.Send(context.Background(), Request{OwnerID: "owner-3", Contact: "team-room", Channel: channel.TypeTeams, Text: "hi"})
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if len(ing.events) != 1 || ing.events[0].ProviderMessageID == "" {
		t.Fatalf("recorded event = %+v, want generated dedup key", ing.events)
	}
}
