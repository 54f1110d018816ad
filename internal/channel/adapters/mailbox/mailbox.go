// Package mailbox implements the email channel over plain SMTP and
// IMAP credentials. Outbound goes through SMTP; inbound is pulled from
// the IMAP inbox by UID range with the last seen UID as the cursor.
package mailbox

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	mail "github.com/wneessen/go-mail"

	"github.com/omnidesk/omnidesk/internal/channel"
)

const Type = channel.TypeEmail

// Adapter sends and pulls mail for one owner mailbox per config.
type Adapter struct {
	logger *slog.Logger
}

// New creates a mailbox adapter.
func New(log *slog.Logger) *Adapter {
	if log == nil {
		log = slog.Default()
	}
	return &Adapter{logger: log.With(slog.String("adapter", "mailbox"))}
}

// Type returns the email channel type.
func (a *Adapter) Type() channel.ChannelType {
	return Type
}

type config struct {
	SMTPHost     string
	SMTPPort     int
	SMTPSecurity string
	IMAPHost     string
	IMAPPort     int
	IMAPSecurity string
	Username     string
	Password     string
	Subject      string
}

func parseConfig(cfg channel.Config) (config, error) {
	parsed := config{
		SMTPHost:     cfg.Credential("smtp_host"),
		SMTPPort:     intCredential(cfg, "smtp_port", 587),
		SMTPSecurity: cfg.Credential("smtp_security"),
		IMAPHost:     cfg.Credential("imap_host"),
		IMAPPort:     intCredential(cfg, "imap_port", 993),
		IMAPSecurity: cfg.Credential("imap_security"),
		Username:     cfg.Credential("username"),
		Password:     cfg.Credential("password"),
		Subject:      cfg.Credential("subject"),
	}
	if parsed.Username == "" || parsed.Password == "" {
		return config{}, fmt.Errorf("mailbox username and password are required: %w", channel.ErrNotConfigured)
	}
	if parsed.Subject == "" {
		parsed.Subject = "New message"
	}
	return parsed, nil
}

func intCredential(cfg channel.Config, key string, fallback int) int {
	switch v := cfg.Credentials[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case string:
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return n
		}
	}
	return fallback
}

// Send delivers a plain-text email to the target address.
func (a *Adapter) Send(ctx context.Context, cfg channel.Config, msg channel.OutboundMessage) (channel.SendReceipt, error) {
	box, err := parseConfig(cfg)
	if err != nil {
		return channel.SendReceipt{}, err
	}
	if box.SMTPHost == "" {
		return channel.SendReceipt{}, fmt.Errorf("mailbox smtp_host is required: %w", channel.ErrNotConfigured)
	}
	to := strings.TrimSpace(msg.Target)
	if to == "" || !strings.Contains(to, "@") {
		return channel.SendReceipt{}, channel.ErrInvalidRecipient
	}

	m := mail.NewMsg()
	if err := m.From(box.Username); err != nil {
		return channel.SendReceipt{}, fmt.Errorf("set from: %w", err)
	}
	if err := m.To(to); err != nil {
		return channel.SendReceipt{}, fmt.Errorf("set to: %w", channel.ErrInvalidRecipient)
	}
	m.Subject(box.Subject)
	body := msg.Text
	if msg.Media != nil {
		body = strings.TrimSpace(body + "\n\n" + msg.Media.URL)
	}
	m.SetBodyString(mail.TypeTextPlain, body)
	m.SetMessageID()

	opts := []mail.Option{
		mail.WithPort(box.SMTPPort),
		mail.WithSMTPAuth(mail.SMTPAuthPlain),
		mail.WithUsername(box.Username),
		mail.WithPassword(box.Password),
	}
	switch box.SMTPSecurity {
	case "tls":
		opts = append(opts, mail.WithSSLPort(false), mail.WithTLSPolicy(mail.TLSMandatory))
	case "starttls":
		opts = append(opts, mail.WithTLSPolicy(mail.TLSMandatory))
	default:
		opts = append(opts, mail.WithTLSPolicy(mail.NoTLS))
	}
	client, err := mail.NewClient(box.SMTPHost, opts...)
	if err != nil {
		return channel.SendReceipt{}, fmt.Errorf("create smtp client: %w", err)
	}
	if err := client.DialAndSendWithContext(ctx, m); err != nil {
		return channel.SendReceipt{}, channel.NewTransportError(Type, fmt.Errorf("send email: %w", err))
	}
	return channel.SendReceipt{ProviderMessageID: m.GetMessageID()}, nil
}

// Pull fetches messages with UID above the cursor from the inbox.
// The Message-ID header is the dedup id, so a lost cursor only costs a
// refetch, not duplicate conversations.
func (a *Adapter) Pull(ctx context.Context, cfg channel.Config, cursor string) ([]channel.InboundEvent, string, error) {
	box, err := parseConfig(cfg)
	if err != nil {
		return nil, cursor, err
	}
	if box.IMAPHost == "" {
		return nil, cursor, fmt.Errorf("mailbox imap_host is required: %w", channel.ErrNotConfigured)
	}
	if err := ctx.Err(); err != nil {
		return nil, cursor, err
	}

	client, err := dialIMAP(box)
	if err != nil {
		return nil, cursor, channel.NewTransportError(Type, err)
	}
	defer client.Close()

	if err := client.Login(box.Username, box.Password).Wait(); err != nil {
		return nil, cursor, channel.NewTransportError(Type, fmt.Errorf("imap login: %w", err))
	}
	if _, err := client.Select("INBOX", nil).Wait(); err != nil {
		return nil, cursor, channel.NewTransportError(Type, fmt.Errorf("select inbox: %w", err))
	}

	lastUID := imap.UID(0)
	if cursor != "" {
		if n, err := strconv.ParseUint(cursor, 10, 32); err == nil {
			lastUID = imap.UID(n)
		}
	}
	var uidSet imap.UIDSet
	uidSet.AddRange(lastUID+1, 0)

	fetchOpts := &imap.FetchOptions{
		Envelope:    true,
		UID:         true,
		BodySection: []*imap.FetchItemBodySection{{}},
	}
	fetchCmd := client.Fetch(uidSet, fetchOpts)
	defer fetchCmd.Close()

	// The first pull records the highest UID without replaying the whole
	// mailbox history as fresh conversations.
	firstRun := lastUID == 0

	var events []channel.InboundEvent
	for {
		msgData := fetchCmd.Next()
		if msgData == nil {
			break
		}
		buf, err := msgData.Collect()
		if err != nil || buf.Envelope == nil {
			continue
		}
		if buf.UID > lastUID {
			lastUID = buf.UID
		}
		if firstRun {
			continue
		}
		event, ok := bufToEvent(buf, box.Username)
		if !ok {
			continue
		}
		events = append(events, event)
	}
	return events, strconv.FormatUint(uint64(lastUID), 10), nil
}

func bufToEvent(buf *imapclient.FetchMessageBuffer, selfAddr string) (channel.InboundEvent, bool) {
	env := buf.Envelope
	if env == nil || env.MessageID == "" {
		return channel.InboundEvent{}, false
	}
	from := ""
	senderName := ""
	if len(env.From) > 0 {
		from = env.From[0].Addr()
		senderName = strings.TrimSpace(env.From[0].Name)
	}
	if from == "" {
		return channel.InboundEvent{}, false
	}
	direction := channel.DirectionIn
	if strings.EqualFold(from, selfAddr) {
		direction = channel.DirectionOut
	}
	var bodyText string
	if len(buf.BodySection) > 0 {
		bodyText = string(buf.BodySection[0].Bytes)
	}
	text := strings.TrimSpace(env.Subject)
	if snippet := strings.TrimSpace(bodyText); snippet != "" {
		if text != "" {
			text = text + "\n" + snippet
		} else {
			text = snippet
		}
	}
	ts := env.Date
	if ts.IsZero() {
		ts = time.Now()
	}
	return channel.InboundEvent{
		Channel:           Type,
		AccountRef:        selfAddr,
		RawIdentity:       from,
		SenderName:        senderName,
		ProviderMessageID: env.MessageID,
		Direction:         direction,
		Payload:           channel.Payload{Kind: "text", Text: text},
		Timestamp:         ts.UTC(),
	}, true
}

func dialIMAP(box config) (*imapclient.Client, error) {
	addr := fmt.Sprintf("%s:%d", box.IMAPHost, box.IMAPPort)
	opts := &imapclient.Options{TLSConfig: &tls.Config{ServerName: box.IMAPHost}}
	switch box.IMAPSecurity {
	case "starttls":
		return imapclient.DialStartTLS(addr, opts)
	case "none":
		return imapclient.DialInsecure(addr, opts)
	default:
		return imapclient.DialTLS(addr, opts)
	}
}
